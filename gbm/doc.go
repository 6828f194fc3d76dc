// Package gbm binds libgbm and the EGL calls needed to scan out GPU
// rendered buffers. The cgo binding is built with the "gbm" build tag;
// without it every constructor fails with errors.ErrUnsupported.
package gbm

import "errors"

// EGL platform for GBM displays, EGL_PLATFORM_GBM_KHR.
const PlatformGBM = 0x31D7

var (
	ErrDevice  = errors.New("gbm: could not create device")
	ErrSurface = errors.New("gbm: could not create surface")
	ErrBO      = errors.New("gbm: could not create buffer object")
	ErrEGL     = errors.New("gbm: egl call failed")
)
