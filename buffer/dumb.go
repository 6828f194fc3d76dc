package buffer

import (
	"errors"
	"fmt"

	"launchpad.net/gommap"

	"github.com/NeowayLabs/kmspipe/mode"
)

// Dumb is a CPU accessible buffer created with the dumb buffer ioctls.
type Dumb struct {
	refcount

	dev    Device
	fb     *mode.FB
	fbID   uint32
	format uint32
	data   gommap.MMap
}

// NewDumb allocates a dumb buffer and registers it as a framebuffer.
// The memory is not mapped until Map is called.
func NewDumb(dev Device, width, height, format uint32) (*Dumb, error) {
	fb, err := dev.CreateDumb(width, height, bitsPerPixel(format))
	if err != nil {
		return nil, fmt.Errorf("create dumb buffer: %w", err)
	}
	fbID, err := dev.AddFB2(&mode.FB2{
		Width:    width,
		Height:   height,
		Format:   format,
		Handles:  [4]uint32{fb.Handle},
		Pitches:  [4]uint32{fb.Pitch},
		Modifier: mode.FormatModInvalid,
	})
	if err != nil {
		_ = dev.DestroyDumb(fb.Handle)
		return nil, fmt.Errorf("add framebuffer: %w", err)
	}
	d := &Dumb{
		dev:    dev,
		fb:     fb,
		fbID:   fbID,
		format: format,
	}
	d.init(d.destroy)
	return d, nil
}

// Map maps the buffer memory for CPU access.
func (d *Dumb) Map() ([]byte, error) {
	if d.data != nil {
		return d.data, nil
	}
	offset, err := d.dev.MapDumb(d.fb.Handle)
	if err != nil {
		return nil, fmt.Errorf("map dumb buffer: %w", err)
	}
	mmap, err := gommap.MapAt(0, d.dev.Fd(), int64(offset), int64(d.fb.Size),
		gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap framebuffer: %w", err)
	}
	d.data = mmap
	return d.data, nil
}

// Data returns the mapped memory, nil before Map.
func (d *Dumb) Data() []byte {
	return d.data
}

func (d *Dumb) Handle() uint32 {
	return d.fb.Handle
}

func (d *Dumb) Pitch() uint32 {
	return d.fb.Pitch
}

func (d *Dumb) FramebufferID() uint32 {
	return d.fbID
}

func (d *Dumb) Size() (width, height uint32) {
	return d.fb.Width, d.fb.Height
}

func (d *Dumb) Format() uint32 {
	return d.format
}

func (d *Dumb) Modifier() uint64 {
	return mode.FormatModLinear
}

func (d *Dumb) destroy() {
	var errs []error
	if d.data != nil {
		errs = append(errs, d.data.UnsafeUnmap())
		d.data = nil
	}
	if d.fbID != 0 {
		errs = append(errs, d.dev.RmFB(d.fbID))
		d.fbID = 0
	}
	errs = append(errs, d.dev.DestroyDumb(d.fb.Handle))
	if err := errors.Join(errs...); err != nil {
		d.dev.Logger().Warn().Err(err).Uint32("handle", d.fb.Handle).Msg("destroying dumb buffer failed")
	}
}
