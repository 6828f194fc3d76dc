package buffer

import "fmt"

// DumbSwapchain is a small ring of dumb buffers for CPU rendering.
type DumbSwapchain struct {
	slots []*Dumb
	index int
}

// NewDumbSwapchain allocates count buffers of the given size.
func NewDumbSwapchain(dev Device, width, height, format uint32, count int) (*DumbSwapchain, error) {
	if count < 1 {
		return nil, fmt.Errorf("swapchain needs at least one buffer, got %d", count)
	}
	s := &DumbSwapchain{index: -1}
	for i := 0; i < count; i++ {
		d, err := NewDumb(dev, width, height, format)
		if err != nil {
			s.Release()
			return nil, err
		}
		s.slots = append(s.slots, d)
	}
	return s, nil
}

// Acquire advances to the next buffer nobody but the swapchain holds,
// so that a buffer still on screen is never drawn into. It returns nil
// when every buffer is busy.
func (s *DumbSwapchain) Acquire() *Dumb {
	for i := 1; i <= len(s.slots); i++ {
		next := (s.index + i) % len(s.slots)
		if s.slots[next].Refs() == 1 {
			s.index = next
			return s.slots[next]
		}
	}
	return nil
}

// Current returns the buffer returned by the last Acquire.
func (s *DumbSwapchain) Current() *Dumb {
	if s.index < 0 {
		return nil
	}
	return s.slots[s.index]
}

func (s *DumbSwapchain) Index() int {
	return s.index
}

func (s *DumbSwapchain) Len() int {
	return len(s.slots)
}

func (s *DumbSwapchain) Size() (width, height uint32) {
	if len(s.slots) == 0 {
		return 0, 0
	}
	return s.slots[0].Size()
}

// Release drops the swapchain's references. Buffers still on screen
// live on until the pipeline lets go of them.
func (s *DumbSwapchain) Release() {
	for _, d := range s.slots {
		d.Release()
	}
	s.slots = nil
	s.index = -1
}
