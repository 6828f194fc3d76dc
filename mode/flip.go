package mode

import (
	"fmt"
	"os"
	"runtime"
	"unsafe"

	drm "github.com/NeowayLabs/kmspipe"
	"github.com/NeowayLabs/kmspipe/ioctl"
)

type (
	sysCrtcPageFlip struct {
		crtcID   uint32
		fbID     uint32
		flags    uint32
		reserved uint32
		userData uint64
	}

	sysCursor struct {
		flags  uint32
		crtcID uint32
		x, y   int32
		width  uint32
		height uint32
		handle uint32
	}

	sysCursor2 struct {
		flags  uint32
		crtcID uint32
		x, y   int32
		width  uint32
		height uint32
		handle uint32
		hotX   int32
		hotY   int32
	}

	sysCrtcLut struct {
		crtcID    uint32
		gammaSize uint32
		red       uint64
		green     uint64
		blue      uint64
	}
)

var (
	// DRM_IOWR(0xA3, struct drm_mode_cursor)
	IOCTLModeCursor = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCursor{})), drm.IOCTLBase, 0xA3)

	// DRM_IOWR(0xA5, struct drm_mode_crtc_lut)
	IOCTLModeSetGamma = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCrtcLut{})), drm.IOCTLBase, 0xA5)

	// DRM_IOWR(0xB0, struct drm_mode_crtc_page_flip)
	IOCTLModePageFlip = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCrtcPageFlip{})), drm.IOCTLBase, 0xB0)

	// DRM_IOWR(0xBB, struct drm_mode_cursor2)
	IOCTLModeCursor2 = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCursor2{})), drm.IOCTLBase, 0xBB)
)

// PageFlip is drmModePageFlip. The kernel answers a second flip on the
// same CRTC with EBUSY until the first one completed.
func PageFlip(file *os.File, crtcID, fbID, flags uint32, userData uint64) error {
	req := &sysCrtcPageFlip{
		crtcID:   crtcID,
		fbID:     fbID,
		flags:    flags,
		userData: userData,
	}
	err := ioctl.Do(file.Fd(), uintptr(IOCTLModePageFlip),
		uintptr(unsafe.Pointer(req)))
	if err != nil {
		return fmt.Errorf("page flip crtc %d to fb %d: %w", crtcID, fbID, err)
	}
	return nil
}

// SetCursor is drmModeSetCursor. A zero handle hides the cursor.
func SetCursor(file *os.File, crtcID, handle, width, height uint32) error {
	req := &sysCursor{
		flags:  CursorBO,
		crtcID: crtcID,
		width:  width,
		height: height,
		handle: handle,
	}
	err := ioctl.Do(file.Fd(), uintptr(IOCTLModeCursor),
		uintptr(unsafe.Pointer(req)))
	if err != nil {
		return fmt.Errorf("set cursor on crtc %d: %w", crtcID, err)
	}
	return nil
}

// SetCursor2 is drmModeSetCursor2. Drivers that lack it fail with
// ENOTSUP or EINVAL.
func SetCursor2(file *os.File, crtcID, handle, width, height uint32, hotX, hotY int32) error {
	req := &sysCursor2{
		flags:  CursorBO,
		crtcID: crtcID,
		width:  width,
		height: height,
		handle: handle,
		hotX:   hotX,
		hotY:   hotY,
	}
	err := ioctl.Do(file.Fd(), uintptr(IOCTLModeCursor2),
		uintptr(unsafe.Pointer(req)))
	if err != nil {
		return fmt.Errorf("set cursor2 on crtc %d: %w", crtcID, err)
	}
	return nil
}

// MoveCursor is drmModeMoveCursor.
func MoveCursor(file *os.File, crtcID uint32, x, y int32) error {
	req := &sysCursor{
		flags:  CursorMove,
		crtcID: crtcID,
		x:      x,
		y:      y,
	}
	err := ioctl.Do(file.Fd(), uintptr(IOCTLModeCursor),
		uintptr(unsafe.Pointer(req)))
	if err != nil {
		return fmt.Errorf("move cursor on crtc %d: %w", crtcID, err)
	}
	return nil
}

// CrtcSetGamma is drmModeCrtcSetGamma. All three ramps must have the
// CRTC's gamma size.
func CrtcSetGamma(file *os.File, crtcID uint32, red, green, blue []uint16) error {
	if len(red) == 0 || len(red) != len(green) || len(red) != len(blue) {
		return fmt.Errorf("set gamma on crtc %d: ramp sizes %d/%d/%d",
			crtcID, len(red), len(green), len(blue))
	}
	req := &sysCrtcLut{
		crtcID:    crtcID,
		gammaSize: uint32(len(red)),
		red:       ioctl.Ptr(&red[0]),
		green:     ioctl.Ptr(&green[0]),
		blue:      ioctl.Ptr(&blue[0]),
	}
	err := ioctl.Do(file.Fd(), uintptr(IOCTLModeSetGamma),
		uintptr(unsafe.Pointer(req)))
	runtime.KeepAlive(red)
	runtime.KeepAlive(green)
	runtime.KeepAlive(blue)
	if err != nil {
		return fmt.Errorf("set gamma on crtc %d: %w", crtcID, err)
	}
	return nil
}
