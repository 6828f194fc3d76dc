package mode

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"unsafe"

	drm "github.com/NeowayLabs/kmspipe"
	"github.com/NeowayLabs/kmspipe/ioctl"
)

type (
	sysObjGetProperties struct {
		propsPtr      uint64
		propValuesPtr uint64
		countProps    uint32
		objID         uint32
		objType       uint32
	}

	sysGetProperty struct {
		valuesPtr      uint64
		enumBlobPtr    uint64
		propID         uint32
		flags          uint32
		name           [PropNameLen]byte
		countValues    uint32
		countEnumBlobs uint32
	}

	sysPropertyEnum struct {
		value uint64
		name  [PropNameLen]byte
	}

	sysGetBlob struct {
		blobID uint32
		length uint32
		data   uint64
	}

	sysCreateBlob struct {
		data   uint64
		length uint32
		blobID uint32
	}

	sysDestroyBlob struct {
		blobID uint32
	}

	sysObjSetProperty struct {
		value   uint64
		propID  uint32
		objID   uint32
		objType uint32
	}

	// ObjectProperties lists the property ids attached to a KMS
	// object along with their current values.
	ObjectProperties struct {
		Props  []uint32
		Values []uint64
	}

	PropertyEnum struct {
		Value uint64
		Name  string
	}

	// Property describes a KMS property.
	Property struct {
		ID     uint32
		Name   string
		Flags  uint32
		Values []uint64 // range limits or enum values
		Enums  []PropertyEnum
	}
)

var (
	// DRM_IOWR(0xAA, struct drm_mode_get_property)
	IOCTLModeGetProperty = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetProperty{})), drm.IOCTLBase, 0xAA)

	// DRM_IOWR(0xAC, struct drm_mode_get_blob)
	IOCTLModeGetPropBlob = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetBlob{})), drm.IOCTLBase, 0xAC)

	// DRM_IOWR(0xB9, struct drm_mode_obj_get_properties)
	IOCTLModeObjGetProperties = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysObjGetProperties{})), drm.IOCTLBase, 0xB9)

	// DRM_IOWR(0xBA, struct drm_mode_obj_set_property)
	IOCTLModeObjSetProperty = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysObjSetProperty{})), drm.IOCTLBase, 0xBA)

	// DRM_IOWR(0xBD, struct drm_mode_create_blob)
	IOCTLModeCreatePropBlob = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCreateBlob{})), drm.IOCTLBase, 0xBD)

	// DRM_IOWR(0xBE, struct drm_mode_destroy_blob)
	IOCTLModeDestroyPropBlob = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysDestroyBlob{})), drm.IOCTLBase, 0xBE)
)

// IsEnum reports whether the property is an enum or a bitmask.
func (p *Property) IsEnum() bool {
	return p.Flags&(PropEnum|PropBitmask) != 0
}

func (p *Property) IsImmutable() bool {
	return p.Flags&PropImmutable != 0
}

func (p *Property) IsBlob() bool {
	return p.Flags&PropBlob != 0
}

// GetObjectProperties is drmModeObjectGetProperties.
func GetObjectProperties(file *os.File, objID, objType uint32) (*ObjectProperties, error) {
	for {
		req := &sysObjGetProperties{objID: objID, objType: objType}
		err := ioctl.Do(file.Fd(), uintptr(IOCTLModeObjGetProperties),
			uintptr(unsafe.Pointer(req)))
		if err != nil {
			return nil, fmt.Errorf("get properties of object %d: %w", objID, err)
		}
		count := req.countProps
		ret := &ObjectProperties{}
		if count == 0 {
			return ret, nil
		}
		ret.Props = make([]uint32, count)
		ret.Values = make([]uint64, count)
		req.propsPtr = ioctl.Ptr(&ret.Props[0])
		req.propValuesPtr = ioctl.Ptr(&ret.Values[0])
		err = ioctl.Do(file.Fd(), uintptr(IOCTLModeObjGetProperties),
			uintptr(unsafe.Pointer(req)))
		runtime.KeepAlive(ret)
		if err != nil {
			return nil, fmt.Errorf("get properties of object %d: %w", objID, err)
		}
		// properties got added in between, ask again
		if req.countProps > count {
			continue
		}
		ret.Props = ret.Props[:req.countProps]
		ret.Values = ret.Values[:req.countProps]
		return ret, nil
	}
}

// GetProperty is drmModeGetProperty.
func GetProperty(file *os.File, propID uint32) (*Property, error) {
	req := &sysGetProperty{propID: propID}
	err := ioctl.Do(file.Fd(), uintptr(IOCTLModeGetProperty),
		uintptr(unsafe.Pointer(req)))
	if err != nil {
		return nil, fmt.Errorf("get property %d: %w", propID, err)
	}

	var (
		values []uint64
		enums  []sysPropertyEnum
	)
	if req.countValues > 0 {
		values = make([]uint64, req.countValues)
		req.valuesPtr = ioctl.Ptr(&values[0])
	}
	isEnum := req.flags&(PropEnum|PropBitmask) != 0
	if isEnum && req.countEnumBlobs > 0 {
		enums = make([]sysPropertyEnum, req.countEnumBlobs)
		req.enumBlobPtr = ioctl.Ptr(&enums[0])
	} else {
		req.countEnumBlobs = 0
	}

	err = ioctl.Do(file.Fd(), uintptr(IOCTLModeGetProperty),
		uintptr(unsafe.Pointer(req)))
	runtime.KeepAlive(values)
	runtime.KeepAlive(enums)
	if err != nil {
		return nil, fmt.Errorf("get property %d: %w", propID, err)
	}

	prop := &Property{
		ID:     req.propID,
		Name:   string(bytes.TrimRight(req.name[:], "\x00")),
		Flags:  req.flags,
		Values: values,
	}
	for _, e := range enums {
		prop.Enums = append(prop.Enums, PropertyEnum{
			Value: e.value,
			Name:  string(bytes.TrimRight(e.name[:], "\x00")),
		})
	}
	return prop, nil
}

// GetPropertyBlob is drmModeGetPropertyBlob.
func GetPropertyBlob(file *os.File, blobID uint32) ([]byte, error) {
	req := &sysGetBlob{blobID: blobID}
	err := ioctl.Do(file.Fd(), uintptr(IOCTLModeGetPropBlob),
		uintptr(unsafe.Pointer(req)))
	if err != nil {
		return nil, fmt.Errorf("get blob %d: %w", blobID, err)
	}
	if req.length == 0 {
		return nil, nil
	}
	data := make([]byte, req.length)
	req.data = ioctl.Ptr(&data[0])
	err = ioctl.Do(file.Fd(), uintptr(IOCTLModeGetPropBlob),
		uintptr(unsafe.Pointer(req)))
	runtime.KeepAlive(data)
	if err != nil {
		return nil, fmt.Errorf("get blob %d: %w", blobID, err)
	}
	return data, nil
}

// CreatePropertyBlob is drmModeCreatePropertyBlob.
func CreatePropertyBlob(file *os.File, data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("create blob: empty data")
	}
	req := &sysCreateBlob{
		data:   ioctl.Ptr(&data[0]),
		length: uint32(len(data)),
	}
	err := ioctl.Do(file.Fd(), uintptr(IOCTLModeCreatePropBlob),
		uintptr(unsafe.Pointer(req)))
	runtime.KeepAlive(data)
	if err != nil {
		return 0, fmt.Errorf("create blob: %w", err)
	}
	return req.blobID, nil
}

// DestroyPropertyBlob is drmModeDestroyPropertyBlob.
func DestroyPropertyBlob(file *os.File, blobID uint32) error {
	err := ioctl.Do(file.Fd(), uintptr(IOCTLModeDestroyPropBlob),
		uintptr(unsafe.Pointer(&sysDestroyBlob{blobID})))
	if err != nil {
		return fmt.Errorf("destroy blob %d: %w", blobID, err)
	}
	return nil
}

// SetObjectProperty is drmModeObjectSetProperty.
func SetObjectProperty(file *os.File, objID, objType, propID uint32, value uint64) error {
	req := &sysObjSetProperty{
		value:   value,
		propID:  propID,
		objID:   objID,
		objType: objType,
	}
	err := ioctl.Do(file.Fd(), uintptr(IOCTLModeObjSetProperty),
		uintptr(unsafe.Pointer(req)))
	if err != nil {
		return fmt.Errorf("set property %d of object %d: %w", propID, objID, err)
	}
	return nil
}
