package buffer

// EglStream stands for the output of an EGLStream producer. Frames are
// flipped by the EGL implementation, so only the framebuffer the
// stream's plane was set up with is known to KMS.
type EglStream struct {
	refcount

	surface       uintptr
	fbID          uint32
	width, height uint32
	format        uint32
}

// NewEglStream wraps an EGL output surface. fbID may be zero when the
// stream is attached to the plane by the driver itself.
func NewEglStream(surface uintptr, fbID, width, height, format uint32) *EglStream {
	e := &EglStream{
		surface: surface,
		fbID:    fbID,
		width:   width,
		height:  height,
		format:  format,
	}
	e.init(nil)
	return e
}

func (e *EglStream) Surface() uintptr {
	return e.surface
}

func (e *EglStream) FramebufferID() uint32 {
	return e.fbID
}

func (e *EglStream) Size() (width, height uint32) {
	return e.width, e.height
}

func (e *EglStream) Format() uint32 {
	return e.format
}

func (e *EglStream) Modifier() uint64 {
	return 0
}
