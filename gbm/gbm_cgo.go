//go:build gbm

package gbm

/*
#cgo LDFLAGS: -lEGL -lGLESv2 -lgbm
#include <stdlib.h>
#include <gbm.h>
#include <EGL/egl.h>
#include <EGL/eglext.h>
#include <GLES2/gl2.h>

static uint32_t bo_handle(struct gbm_bo *bo) {
	return gbm_bo_get_handle(bo).u32;
}

static EGLDisplay platform_display(void *dev) {
	PFNEGLGETPLATFORMDISPLAYEXTPROC get = (PFNEGLGETPLATFORMDISPLAYEXTPROC)
		eglGetProcAddress("eglGetPlatformDisplayEXT");
	if (!get) {
		return EGL_NO_DISPLAY;
	}
	return get(EGL_PLATFORM_GBM_KHR, dev, NULL);
}

static EGLSurface platform_window_surface(EGLDisplay dpy, EGLConfig cfg, void *win) {
	PFNEGLCREATEPLATFORMWINDOWSURFACEEXTPROC create = (PFNEGLCREATEPLATFORMWINDOWSURFACEEXTPROC)
		eglGetProcAddress("eglCreatePlatformWindowSurfaceEXT");
	if (!create) {
		return EGL_NO_SURFACE;
	}
	return create(dpy, cfg, win, NULL);
}

static EGLContext create_context(EGLDisplay dpy, EGLConfig cfg) {
	static const EGLint attribs[] = {EGL_CONTEXT_CLIENT_VERSION, 2, EGL_NONE};
	if (!eglBindAPI(EGL_OPENGL_ES_API)) {
		return NULL;
	}
	return eglCreateContext(dpy, cfg, EGL_NO_CONTEXT, attribs);
}

static EGLBoolean make_current(EGLDisplay dpy, EGLSurface s, EGLContext ctx) {
	return eglMakeCurrent(dpy, s, s, ctx);
}

static void release_current(EGLDisplay dpy) {
	eglMakeCurrent(dpy, EGL_NO_SURFACE, EGL_NO_SURFACE, EGL_NO_CONTEXT);
}
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/NeowayLabs/kmspipe/buffer"
)

type (
	Device struct {
		dev *C.struct_gbm_device
	}

	BO struct {
		bo *C.struct_gbm_bo
	}

	// Display is an initialised EGL display on top of a GBM device.
	Display struct {
		dpy    C.EGLDisplay
		config C.EGLConfig
	}

	// Context is an OpenGL ES 2 context. It can be current on one
	// thread at a time.
	Context struct {
		display *Display
		ctx     C.EGLContext
	}

	// Surface is a GBM surface with the EGL window surface rendering
	// into it.
	Surface struct {
		display *Display
		surface *C.struct_gbm_surface
		egl     C.EGLSurface
	}
)

// Open creates a GBM device on a DRM card or render node.
func Open(fd uintptr) (*Device, error) {
	dev := C.gbm_create_device(C.int(fd))
	if dev == nil {
		return nil, ErrDevice
	}
	return &Device{dev: dev}, nil
}

func (d *Device) Close() {
	if d.dev != nil {
		C.gbm_device_destroy(d.dev)
		d.dev = nil
	}
}

// Handle returns the gbm_device pointer, for EGL.
func (d *Device) Handle() uintptr {
	return uintptr(unsafe.Pointer(d.dev))
}

func (d *Device) CreateBO(width, height, format, flags uint32) (buffer.GbmBO, error) {
	bo := C.gbm_bo_create(d.dev, C.uint32_t(width), C.uint32_t(height),
		C.uint32_t(format), C.uint32_t(flags))
	if bo == nil {
		return nil, fmt.Errorf("%w: %dx%d", ErrBO, width, height)
	}
	return &BO{bo: bo}, nil
}

func (b *BO) Handle() uint32 {
	return uint32(C.bo_handle(b.bo))
}

func (b *BO) Stride() uint32 {
	return uint32(C.gbm_bo_get_stride(b.bo))
}

func (b *BO) Width() uint32 {
	return uint32(C.gbm_bo_get_width(b.bo))
}

func (b *BO) Height() uint32 {
	return uint32(C.gbm_bo_get_height(b.bo))
}

func (b *BO) Format() uint32 {
	return uint32(C.gbm_bo_get_format(b.bo))
}

func (b *BO) Modifier() uint64 {
	return uint64(C.gbm_bo_get_modifier(b.bo))
}

func (b *BO) Destroy() {
	if b.bo != nil {
		C.gbm_bo_destroy(b.bo)
		b.bo = nil
	}
}

// NewDisplay initialises EGL on the device and picks a window config
// whose native visual is format.
func NewDisplay(d *Device, format uint32) (*Display, error) {
	dpy := C.platform_display(unsafe.Pointer(d.dev))
	if dpy == C.EGLDisplay(C.EGL_NO_DISPLAY) {
		return nil, fmt.Errorf("%w: no platform display", ErrEGL)
	}
	if C.eglInitialize(dpy, nil, nil) == C.EGL_FALSE {
		return nil, eglError("eglInitialize")
	}
	attribs := []C.EGLint{
		C.EGL_SURFACE_TYPE, C.EGL_WINDOW_BIT,
		C.EGL_RED_SIZE, 1,
		C.EGL_GREEN_SIZE, 1,
		C.EGL_BLUE_SIZE, 1,
		C.EGL_RENDERABLE_TYPE, C.EGL_OPENGL_ES2_BIT,
		C.EGL_NONE,
	}
	var count C.EGLint
	if C.eglChooseConfig(dpy, &attribs[0], nil, 0, &count) == C.EGL_FALSE || count == 0 {
		C.eglTerminate(dpy)
		return nil, eglError("eglChooseConfig")
	}
	configs := make([]C.EGLConfig, count)
	C.eglChooseConfig(dpy, &attribs[0], &configs[0], count, &count)
	for _, cfg := range configs[:count] {
		var id C.EGLint
		if C.eglGetConfigAttrib(dpy, cfg, C.EGL_NATIVE_VISUAL_ID, &id) == C.EGL_TRUE &&
			uint32(id) == format {
			return &Display{dpy: dpy, config: cfg}, nil
		}
	}
	C.eglTerminate(dpy)
	return nil, fmt.Errorf("%w: no config for format %#x", ErrEGL, format)
}

// Handle returns the EGLDisplay.
func (d *Display) Handle() uintptr {
	return uintptr(unsafe.Pointer(d.dpy))
}

func (d *Display) Terminate() {
	C.eglTerminate(d.dpy)
}

func NewContext(display *Display) (*Context, error) {
	ctx := C.create_context(display.dpy, display.config)
	if ctx == nil {
		return nil, eglError("eglCreateContext")
	}
	return &Context{display: display, ctx: ctx}, nil
}

// MakeCurrent binds the context and s to the calling thread.
func (c *Context) MakeCurrent(s *Surface) error {
	if C.make_current(c.display.dpy, s.egl, c.ctx) == C.EGL_FALSE {
		return eglError("eglMakeCurrent")
	}
	return nil
}

// Clear fills the current surface with one colour.
func (c *Context) Clear(r, g, b float32) {
	C.glClearColor(C.GLfloat(r), C.GLfloat(g), C.GLfloat(b), 1)
	C.glClear(C.GL_COLOR_BUFFER_BIT)
}

// ReleaseCurrent unbinds the context from the calling thread.
func (c *Context) ReleaseCurrent() {
	C.release_current(c.display.dpy)
}

func (c *Context) Destroy() {
	if c.ctx == nil {
		return
	}
	C.release_current(c.display.dpy)
	C.eglDestroyContext(c.display.dpy, c.ctx)
	c.ctx = nil
}

// NewSurface creates a GBM surface with an EGL window surface on top.
// Without modifiers the surface is created with the given usage flags.
func NewSurface(d *Device, display *Display, width, height, format, flags uint32, modifiers []uint64) (*Surface, error) {
	var s *C.struct_gbm_surface
	if len(modifiers) > 0 {
		mods := make([]C.uint64_t, len(modifiers))
		for i, m := range modifiers {
			mods[i] = C.uint64_t(m)
		}
		s = C.gbm_surface_create_with_modifiers(d.dev, C.uint32_t(width), C.uint32_t(height),
			C.uint32_t(format), &mods[0], C.uint(len(mods)))
	} else {
		s = C.gbm_surface_create(d.dev, C.uint32_t(width), C.uint32_t(height),
			C.uint32_t(format), C.uint32_t(flags))
	}
	if s == nil {
		return nil, ErrSurface
	}
	egl := C.platform_window_surface(display.dpy, display.config, unsafe.Pointer(s))
	if egl == C.EGLSurface(C.EGL_NO_SURFACE) {
		C.gbm_surface_destroy(s)
		return nil, eglError("eglCreatePlatformWindowSurfaceEXT")
	}
	return &Surface{display: display, surface: s, egl: egl}, nil
}

// EGLSurface returns the EGL window surface for the renderer.
func (s *Surface) EGLSurface() uintptr {
	return uintptr(unsafe.Pointer(s.egl))
}

func (s *Surface) SwapBuffers() error {
	if C.eglSwapBuffers(s.display.dpy, s.egl) == C.EGL_FALSE {
		return eglError("eglSwapBuffers")
	}
	return nil
}

func (s *Surface) LockFrontBuffer() (buffer.GbmBO, error) {
	bo := C.gbm_surface_lock_front_buffer(s.surface)
	if bo == nil {
		return nil, buffer.ErrNoFrontBuffer
	}
	return &BO{bo: bo}, nil
}

func (s *Surface) ReleaseBuffer(bo buffer.GbmBO) {
	b, ok := bo.(*BO)
	if !ok || b.bo == nil {
		return
	}
	C.gbm_surface_release_buffer(s.surface, b.bo)
	b.bo = nil
}

func (s *Surface) Destroy() {
	if s.egl != C.EGLSurface(C.EGL_NO_SURFACE) {
		C.eglDestroySurface(s.display.dpy, s.egl)
		s.egl = C.EGLSurface(C.EGL_NO_SURFACE)
	}
	if s.surface != nil {
		C.gbm_surface_destroy(s.surface)
		s.surface = nil
	}
}

func eglError(call string) error {
	return fmt.Errorf("%w: %s: error %#x", ErrEGL, call, int(C.eglGetError()))
}

var (
	_ buffer.GbmDevice        = (*Device)(nil)
	_ buffer.GbmBO            = (*BO)(nil)
	_ buffer.GbmSurfaceHandle = (*Surface)(nil)
)
