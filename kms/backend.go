package kms

import (
	"time"

	"github.com/NeowayLabs/kmspipe/buffer"
)

type (
	// Backend is the rendering side of the compositor, as far as the
	// pipelines need it. Any method may return the zero value when the
	// capability is missing.
	Backend interface {
		// RenderTestFrame renders a frame for out with the format and
		// modifier real frames will have. The caller owns one
		// reference of the returned buffer.
		RenderTestFrame(out Output) buffer.Buffer
		GbmDevice() buffer.GbmDevice
		EglDisplay() uintptr
		UseEglStreams() bool
		PrimaryGpu() *Gpu
	}

	// Output receives the page flip completions of its pipeline.
	Output interface {
		// PageFlipped is called with the presentation time, on the
		// monotonic clock.
		PageFlipped(timestamp time.Duration)
	}
)
