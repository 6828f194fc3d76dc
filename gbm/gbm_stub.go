//go:build !gbm

package gbm

import (
	"errors"

	"github.com/NeowayLabs/kmspipe/buffer"
)

type (
	Device  struct{}
	Display struct{}
	Context struct{}
	Surface struct{}
)

func Open(fd uintptr) (*Device, error) {
	return nil, errors.ErrUnsupported
}

func (d *Device) Close() {}

func (d *Device) Handle() uintptr {
	return 0
}

func (d *Device) CreateBO(width, height, format, flags uint32) (buffer.GbmBO, error) {
	return nil, errors.ErrUnsupported
}

func NewDisplay(d *Device, format uint32) (*Display, error) {
	return nil, errors.ErrUnsupported
}

func (d *Display) Handle() uintptr {
	return 0
}

func (d *Display) Terminate() {}

func NewContext(display *Display) (*Context, error) {
	return nil, errors.ErrUnsupported
}

func (c *Context) MakeCurrent(s *Surface) error {
	return errors.ErrUnsupported
}

func (c *Context) Clear(r, g, b float32) {}

func (c *Context) ReleaseCurrent() {}

func (c *Context) Destroy() {}

func NewSurface(d *Device, display *Display, width, height, format, flags uint32, modifiers []uint64) (*Surface, error) {
	return nil, errors.ErrUnsupported
}

func (s *Surface) EGLSurface() uintptr {
	return 0
}

func (s *Surface) SwapBuffers() error {
	return errors.ErrUnsupported
}

func (s *Surface) LockFrontBuffer() (buffer.GbmBO, error) {
	return nil, errors.ErrUnsupported
}

func (s *Surface) ReleaseBuffer(bo buffer.GbmBO) {}

func (s *Surface) Destroy() {}

var (
	_ buffer.GbmDevice        = (*Device)(nil)
	_ buffer.GbmSurfaceHandle = (*Surface)(nil)
)
