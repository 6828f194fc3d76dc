package drm

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/NeowayLabs/kmspipe/ioctl"
)

type (
	capability struct {
		cap uint64
		val uint64
	}
)

// Device capabilities, queried with GetCap.
const (
	CapDumbBuffer = iota + 1
	CapVBlankHighCRTC
	CapDumbPreferredDepth
	CapDumbPreferShadow
	CapPrime
	CapTimestampMonotonic
	CapAsyncPageFlip
	CapCursorWidth
	CapCursorHeight

	CapAddFB2Modifiers = 0x10
	CapPageFlipTarget  = 0x11
	CapCrtcInVBlankEvt = 0x12
)

// Client capabilities, enabled with SetClientCap.
const (
	ClientCapStereo3D = iota + 1
	ClientCapUniversalPlanes
	ClientCapAtomic
	ClientCapAspectRatio
	ClientCapWritebackConnectors
)

func GetCap(file *os.File, capid uint64) (uint64, error) {
	cap := &capability{cap: capid}
	err := ioctl.Do(file.Fd(), uintptr(IOCTLGetCap), uintptr(unsafe.Pointer(cap)))
	if err != nil {
		return 0, fmt.Errorf("get cap %d: %w", capid, err)
	}
	return cap.val, nil
}

func SetClientCap(file *os.File, capid, value uint64) error {
	cap := &capability{cap: capid, val: value}
	err := ioctl.Do(file.Fd(), uintptr(IOCTLSetClientCap), uintptr(unsafe.Pointer(cap)))
	if err != nil {
		return fmt.Errorf("set client cap %d=%d: %w", capid, value, err)
	}
	return nil
}

func HasDumbBuffer(file *os.File) bool {
	val, err := GetCap(file, CapDumbBuffer)
	if err != nil {
		return false
	}
	return val != 0
}
