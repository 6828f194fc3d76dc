// Package buffer implements the scanout buffers a pipeline can put on
// a plane: dumb buffers for CPU rendering, GBM buffer objects for GPU
// rendering and EGLStream outputs. Buffers are shared between the
// pipeline and the kernel's scanout slots and are destroyed when the
// last holder releases them.
package buffer

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/NeowayLabs/kmspipe/mode"
)

type (
	// Buffer is a scanout capable buffer. FramebufferID is zero when
	// the buffer could not be registered with the kernel.
	Buffer interface {
		FramebufferID() uint32
		Size() (width, height uint32)
		Format() uint32
		Modifier() uint64

		// Retain adds a holder, Release drops one. The buffer is
		// destroyed when the last holder is gone.
		Retain()
		Release()
	}

	// Device is the part of a DRM card the buffers need.
	Device interface {
		Fd() uintptr
		CreateDumb(width, height, bpp uint32) (*mode.FB, error)
		MapDumb(handle uint32) (uint64, error)
		DestroyDumb(handle uint32) error
		AddFB2(fb *mode.FB2) (uint32, error)
		RmFB(fbID uint32) error
		Logger() *zerolog.Logger
	}

	refcount struct {
		refs    atomic.Int32
		release func()
	}
)

func (r *refcount) init(release func()) {
	r.refs.Store(1)
	r.release = release
}

func (r *refcount) Retain() {
	r.refs.Add(1)
}

func (r *refcount) Release() {
	switch n := r.refs.Add(-1); {
	case n == 0:
		if r.release != nil {
			r.release()
		}
	case n < 0:
		panic("buffer: released more often than retained")
	}
}

// Refs returns the number of holders.
func (r *refcount) Refs() int32 {
	return r.refs.Load()
}

// NeedsModeChange reports whether switching scanout from a to b needs
// a modeset. The legacy page flip ioctl refuses format changes.
func NeedsModeChange(a, b Buffer) bool {
	if a == nil || b == nil {
		return a != b
	}
	return a.Format() != b.Format()
}

// Retain adds a holder to b unless it is nil and returns it.
func Retain(b Buffer) Buffer {
	if b != nil {
		b.Retain()
	}
	return b
}

// Release drops a holder from b unless it is nil.
func Release(b Buffer) {
	if b != nil {
		b.Release()
	}
}

// Same reports whether a and b are the same buffer, treating nil
// interfaces and typed nils alike.
func Same(a, b Buffer) bool {
	if isNil(a) || isNil(b) {
		return isNil(a) && isNil(b)
	}
	return a == b
}

func isNil(b Buffer) bool {
	if b == nil {
		return true
	}
	switch v := b.(type) {
	case *Dumb:
		return v == nil
	case *Gbm:
		return v == nil
	case *EglStream:
		return v == nil
	}
	return false
}

func bitsPerPixel(format uint32) uint32 {
	switch format {
	case mode.FormatRGB565:
		return 16
	default:
		return 32
	}
}
