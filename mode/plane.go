package mode

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"unsafe"

	drm "github.com/NeowayLabs/kmspipe"
	"github.com/NeowayLabs/kmspipe/ioctl"
)

type (
	sysGetPlaneRes struct {
		planeIDPtr  uint64
		countPlanes uint32
	}

	sysGetPlane struct {
		planeID          uint32
		crtcID           uint32
		fbID             uint32
		possibleCrtcs    uint32
		gammaSize        uint32
		countFormatTypes uint32
		formatTypePtr    uint64
	}

	Plane struct {
		ID            uint32
		CrtcID        uint32
		FBID          uint32
		PossibleCrtcs uint32
		GammaSize     uint32
		Formats       []uint32
	}
)

var (
	// DRM_IOWR(0xB5, struct drm_mode_get_plane_res)
	IOCTLModeGetPlaneResources = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetPlaneRes{})), drm.IOCTLBase, 0xB5)

	// DRM_IOWR(0xB6, struct drm_mode_get_plane)
	IOCTLModeGetPlane = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetPlane{})), drm.IOCTLBase, 0xB6)
)

// GetPlaneResources returns the ids of all planes. Without the
// universal planes client cap only overlay planes are listed.
func GetPlaneResources(file *os.File) ([]uint32, error) {
	req := &sysGetPlaneRes{}
	err := ioctl.Do(file.Fd(), uintptr(IOCTLModeGetPlaneResources),
		uintptr(unsafe.Pointer(req)))
	if err != nil {
		return nil, fmt.Errorf("get plane resources: %w", err)
	}
	if req.countPlanes == 0 {
		return nil, nil
	}
	ids := make([]uint32, req.countPlanes)
	req.planeIDPtr = ioctl.Ptr(&ids[0])
	err = ioctl.Do(file.Fd(), uintptr(IOCTLModeGetPlaneResources),
		uintptr(unsafe.Pointer(req)))
	runtime.KeepAlive(ids)
	if err != nil {
		return nil, fmt.Errorf("get plane resources: %w", err)
	}
	return ids[:req.countPlanes], nil
}

func GetPlane(file *os.File, id uint32) (*Plane, error) {
	req := &sysGetPlane{planeID: id}
	err := ioctl.Do(file.Fd(), uintptr(IOCTLModeGetPlane),
		uintptr(unsafe.Pointer(req)))
	if err != nil {
		return nil, fmt.Errorf("get plane %d: %w", id, err)
	}
	var formats []uint32
	if req.countFormatTypes > 0 {
		formats = make([]uint32, req.countFormatTypes)
		req.formatTypePtr = ioctl.Ptr(&formats[0])
		err = ioctl.Do(file.Fd(), uintptr(IOCTLModeGetPlane),
			uintptr(unsafe.Pointer(req)))
		runtime.KeepAlive(formats)
		if err != nil {
			return nil, fmt.Errorf("get plane %d: %w", id, err)
		}
	}
	return &Plane{
		ID:            req.planeID,
		CrtcID:        req.crtcID,
		FBID:          req.fbID,
		PossibleCrtcs: req.possibleCrtcs,
		GammaSize:     req.gammaSize,
		Formats:       formats,
	}, nil
}

// ParseInFormats decodes an IN_FORMATS blob (struct
// drm_format_modifier_blob) into a format to modifiers table.
func ParseInFormats(blob []byte) (map[uint32][]uint64, error) {
	const (
		headerLen   = 24
		modifierLen = 24
	)
	if len(blob) < headerLen {
		return nil, fmt.Errorf("IN_FORMATS blob too short: %d bytes", len(blob))
	}
	ne := binary.NativeEndian
	countFormats := ne.Uint32(blob[8:])
	formatsOffset := ne.Uint32(blob[12:])
	countModifiers := ne.Uint32(blob[16:])
	modifiersOffset := ne.Uint32(blob[20:])

	if uint64(formatsOffset)+uint64(countFormats)*4 > uint64(len(blob)) ||
		uint64(modifiersOffset)+uint64(countModifiers)*modifierLen > uint64(len(blob)) {
		return nil, fmt.Errorf("IN_FORMATS blob truncated")
	}

	formats := make([]uint32, countFormats)
	for i := range formats {
		formats[i] = ne.Uint32(blob[formatsOffset+uint32(i)*4:])
	}

	ret := make(map[uint32][]uint64, len(formats))
	for i := uint32(0); i < countModifiers; i++ {
		m := blob[modifiersOffset+i*modifierLen:]
		mask := ne.Uint64(m[0:])
		offset := ne.Uint32(m[8:])
		modifier := ne.Uint64(m[16:])
		for bit := uint32(0); bit < 64; bit++ {
			if mask&(1<<bit) == 0 {
				continue
			}
			idx := offset + bit
			if idx >= countFormats {
				break
			}
			ret[formats[idx]] = append(ret[formats[idx]], modifier)
		}
	}
	for _, f := range formats {
		if _, ok := ret[f]; !ok {
			ret[f] = nil
		}
	}
	return ret, nil
}
