package kms

import (
	"github.com/NeowayLabs/kmspipe/buffer"
	"github.com/NeowayLabs/kmspipe/mode"
)

// CrtcProperty indexes the properties of a CRTC.
type CrtcProperty int

const (
	CrtcModeID CrtcProperty = iota
	CrtcActive
	CrtcVrrEnabled
	CrtcGammaLUT
)

var crtcProperties = []PropertyDefinition{
	CrtcModeID:     {Name: "MODE_ID", Requirement: Required},
	CrtcActive:     {Name: "ACTIVE", Requirement: Required},
	CrtcVrrEnabled: {Name: "VRR_ENABLED", Requirement: Optional},
	CrtcGammaLUT:   {Name: "GAMMA_LUT", Requirement: Optional},
}

// bufferSlots keeps the buffer the kernel scans out and the one it
// will switch to on the next page flip alive.
type bufferSlots struct {
	current buffer.Buffer
	next    buffer.Buffer
	hasNext bool
}

func (s *bufferSlots) Current() buffer.Buffer {
	return s.current
}

func (s *bufferSlots) Next() buffer.Buffer {
	return s.next
}

func (s *bufferSlots) SetCurrent(b buffer.Buffer) {
	buffer.Retain(b)
	buffer.Release(s.current)
	s.current = b
}

func (s *bufferSlots) SetNext(b buffer.Buffer) {
	buffer.Retain(b)
	if s.hasNext {
		buffer.Release(s.next)
	}
	s.next = b
	s.hasNext = true
}

// FlipBuffer makes the next buffer the current one.
func (s *bufferSlots) FlipBuffer() {
	if !s.hasNext {
		return
	}
	buffer.Release(s.current)
	s.current = s.next
	s.next = nil
	s.hasNext = false
}

func (s *bufferSlots) releaseBuffers() {
	if s.hasNext {
		buffer.Release(s.next)
	}
	buffer.Release(s.current)
	s.current, s.next, s.hasNext = nil, nil, false
}

type Crtc struct {
	object
	bufferSlots

	pipeIndex int
	gammaSize int
}

func newCrtc(gpu *Gpu, id uint32, pipeIndex int) (*Crtc, error) {
	c := &Crtc{
		object:    newObject(gpu, id, mode.ObjectCrtc, crtcProperties),
		pipeIndex: pipeIndex,
	}
	if err := c.UpdateProperties(); err != nil {
		return nil, err
	}
	if kc, err := gpu.card.Crtc(id); err == nil {
		c.gammaSize = kc.GammaSize
	} else {
		c.log.Debug().Err(err).Msg("could not query crtc")
	}
	return c, nil
}

func (c *Crtc) Property(idx CrtcProperty) *Property {
	return c.property(int(idx))
}

// NeedsModeset reports a mode or activity change.
func (c *Crtc) NeedsModeset() bool {
	return c.needsCommit(int(CrtcModeID)) || c.needsCommit(int(CrtcActive))
}

// PipeIndex is the position of the CRTC in the device's CRTC list, the
// bit used by possible_crtcs masks.
func (c *Crtc) PipeIndex() int {
	return c.pipeIndex
}

func (c *Crtc) GammaSize() int {
	return c.gammaSize
}

// SetPendingBlob stages data as a new blob on a blob property. Blobs
// no slot refers to any more are destroyed.
func (c *Crtc) SetPendingBlob(idx CrtcProperty, data []byte) bool {
	p := c.Property(idx)
	if p == nil {
		return false
	}
	return p.setPendingBlob(data)
}

// drivesMode reports whether the kernel drives the CRTC with m.
func (c *Crtc) drivesMode(m mode.Info) bool {
	cur, ok := c.QueryCurrentMode()
	return ok && mode.SameTiming(&cur, &m)
}

// QueryCurrentMode returns the mode the kernel drives the CRTC with.
func (c *Crtc) QueryCurrentMode() (mode.Info, bool) {
	if c.gpu.atomic {
		p := c.Property(CrtcModeID)
		if p == nil || p.Current() == 0 {
			return mode.Info{}, false
		}
		blob, err := p.Blob()
		if err != nil {
			c.log.Debug().Err(err).Msg("could not read mode blob")
			return mode.Info{}, false
		}
		m, err := mode.InfoFromBytes(blob)
		if err != nil {
			c.log.Debug().Err(err).Msg("bad mode blob")
			return mode.Info{}, false
		}
		return m, true
	}
	kc, err := c.gpu.card.Crtc(c.id)
	if err != nil || kc.ModeValid == 0 {
		return mode.Info{}, false
	}
	return kc.Mode, true
}
