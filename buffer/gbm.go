package buffer

import (
	"errors"
	"fmt"
	"slices"

	"github.com/NeowayLabs/kmspipe/mode"
)

// GBM usage flags for buffer objects.
const (
	GbmUseScanout   = 1 << 0
	GbmUseCursor    = 1 << 1
	GbmUseRendering = 1 << 2
	GbmUseLinear    = 1 << 4
)

var ErrNoFrontBuffer = errors.New("gbm: no front buffer to lock")

type (
	// GbmBO is a GBM buffer object.
	GbmBO interface {
		Handle() uint32
		Stride() uint32
		Width() uint32
		Height() uint32
		Format() uint32
		Modifier() uint64
		Destroy()
	}

	// GbmDevice allocates buffer objects.
	GbmDevice interface {
		CreateBO(width, height, format, flags uint32) (GbmBO, error)
	}

	// GbmSurfaceHandle is a GBM surface that an EGL window surface
	// renders into.
	GbmSurfaceHandle interface {
		// SwapBuffers finishes the frame, eglSwapBuffers.
		SwapBuffers() error
		LockFrontBuffer() (GbmBO, error)
		ReleaseBuffer(bo GbmBO)
		Destroy()
	}

	// Gbm is a buffer object registered as a framebuffer.
	Gbm struct {
		refcount

		dev     Device
		bo      GbmBO
		surface *GbmSurface
		owned   bool
		fbID    uint32
	}

	// GbmSurface tracks the buffer objects of a GBM surface that are
	// locked for scanout. GBM will not hand a locked buffer out for
	// rendering again until it is released.
	GbmSurface struct {
		dev     Device
		handle  GbmSurfaceHandle
		locked  []*Gbm
		current *Gbm

		// modifiers tells whether framebuffers are added with an
		// explicit modifier.
		modifiers bool
	}
)

// NewGbm registers bo as a framebuffer. When surface is nil the buffer
// owns bo and destroys it on release, otherwise bo is handed back to
// the surface.
func NewGbm(dev Device, bo GbmBO, surface *GbmSurface, modifiers bool) (*Gbm, error) {
	fb := &mode.FB2{
		Width:    bo.Width(),
		Height:   bo.Height(),
		Format:   bo.Format(),
		Handles:  [4]uint32{bo.Handle()},
		Pitches:  [4]uint32{bo.Stride()},
		Modifier: mode.FormatModInvalid,
	}
	if modifiers && bo.Modifier() != mode.FormatModInvalid {
		fb.Modifier = bo.Modifier()
	}
	fbID, err := dev.AddFB2(fb)
	if err != nil {
		return nil, fmt.Errorf("add gbm framebuffer: %w", err)
	}
	g := &Gbm{
		dev:     dev,
		bo:      bo,
		surface: surface,
		owned:   surface == nil,
		fbID:    fbID,
	}
	g.init(g.destroy)
	return g, nil
}

// AllocateGbm creates a scanout and rendering capable buffer object
// that is not tied to a surface.
func AllocateGbm(dev Device, gbm GbmDevice, width, height, format uint32) (*Gbm, error) {
	bo, err := gbm.CreateBO(width, height, format, GbmUseScanout|GbmUseRendering)
	if err != nil {
		return nil, fmt.Errorf("create gbm bo: %w", err)
	}
	g, err := NewGbm(dev, bo, nil, false)
	if err != nil {
		bo.Destroy()
		return nil, err
	}
	return g, nil
}

func (g *Gbm) BO() GbmBO {
	return g.bo
}

func (g *Gbm) FramebufferID() uint32 {
	return g.fbID
}

func (g *Gbm) Size() (width, height uint32) {
	return g.bo.Width(), g.bo.Height()
}

func (g *Gbm) Format() uint32 {
	return g.bo.Format()
}

func (g *Gbm) Modifier() uint64 {
	return g.bo.Modifier()
}

func (g *Gbm) destroy() {
	if g.fbID != 0 {
		if err := g.dev.RmFB(g.fbID); err != nil {
			g.dev.Logger().Warn().Err(err).Uint32("fb", g.fbID).Msg("removing gbm framebuffer failed")
		}
		g.fbID = 0
	}
	if g.surface != nil {
		g.surface.releaseBuffer(g)
	} else if g.owned {
		g.bo.Destroy()
	}
}

func NewGbmSurface(dev Device, handle GbmSurfaceHandle, modifiers bool) *GbmSurface {
	return &GbmSurface{
		dev:       dev,
		handle:    handle,
		modifiers: modifiers,
	}
}

// SwapBuffersForDrm finishes the frame, locks the new front buffer and
// returns it as a framebuffer. The caller owns one reference, the
// surface keeps another one until the next swap. The buffer stays
// locked until its last holder releases it.
func (s *GbmSurface) SwapBuffersForDrm() (*Gbm, error) {
	if err := s.handle.SwapBuffers(); err != nil {
		return nil, fmt.Errorf("swap buffers: %w", err)
	}
	bo, err := s.handle.LockFrontBuffer()
	if err != nil {
		return nil, err
	}
	if bo == nil {
		return nil, ErrNoFrontBuffer
	}
	g, err := NewGbm(s.dev, bo, s, s.modifiers)
	if err != nil {
		s.handle.ReleaseBuffer(bo)
		return nil, err
	}
	s.locked = append(s.locked, g)
	if s.current != nil {
		s.current.Release()
	}
	g.Retain()
	s.current = g
	return g, nil
}

// Current returns the buffer last returned by SwapBuffersForDrm.
func (s *GbmSurface) Current() *Gbm {
	return s.current
}

// IsLocked reports whether the buffer is still locked for scanout.
func (s *GbmSurface) IsLocked(g *Gbm) bool {
	return slices.Contains(s.locked, g)
}

// Locked returns the number of locked buffers.
func (s *GbmSurface) Locked() int {
	return len(s.locked)
}

func (s *GbmSurface) releaseBuffer(g *Gbm) {
	i := slices.Index(s.locked, g)
	if i < 0 {
		return
	}
	s.locked = slices.Delete(s.locked, i, i+1)
	if s.handle != nil {
		s.handle.ReleaseBuffer(g.bo)
	}
}

// Destroy releases the surface's own reference to the current buffer,
// force-releases everything still locked and destroys the surface.
func (s *GbmSurface) Destroy() {
	if s.current != nil {
		s.current.Release()
		s.current = nil
	}
	for _, g := range slices.Clone(s.locked) {
		s.releaseBuffer(g)
		g.surface = nil
	}
	if s.handle != nil {
		s.handle.Destroy()
		s.handle = nil
	}
}
