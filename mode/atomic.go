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
	sysAtomic struct {
		flags         uint32
		countObjs     uint32
		objsPtr       uint64
		countPropsPtr uint64
		propsPtr      uint64
		propValuesPtr uint64
		reserved      uint64
		userData      uint64
	}

	// AtomicProperty is one (object, property, value) triple of an
	// atomic request.
	AtomicProperty struct {
		Object   uint32
		Property uint32
		Value    uint64
	}

	// AtomicRequest accumulates property changes for a single
	// atomic commit, the Go counterpart of drmModeAtomicReq.
	AtomicRequest struct {
		items []AtomicProperty
	}
)

var (
	// DRM_IOWR(0xBC, struct drm_mode_atomic)
	IOCTLModeAtomic = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysAtomic{})), drm.IOCTLBase, 0xBC)
)

func NewAtomicRequest() *AtomicRequest {
	return &AtomicRequest{}
}

// Add appends a property change. A later value for the same object
// and property replaces the earlier one when the request is committed.
func (r *AtomicRequest) Add(objID, propID uint32, value uint64) {
	r.items = append(r.items, AtomicProperty{objID, propID, value})
}

// Len returns the number of property changes added so far.
func (r *AtomicRequest) Len() int {
	return len(r.items)
}

// Items returns the property changes grouped by object, in order of
// first appearance, with duplicates collapsed to their last value.
func (r *AtomicRequest) Items() []AtomicProperty {
	type key struct{ obj, prop uint32 }
	var (
		objs  []uint32
		props = map[uint32][]uint32{}
		vals  = map[key]uint64{}
	)
	for _, it := range r.items {
		if _, ok := props[it.Object]; !ok {
			objs = append(objs, it.Object)
			props[it.Object] = nil
		}
		k := key{it.Object, it.Property}
		if _, ok := vals[k]; !ok {
			props[it.Object] = append(props[it.Object], it.Property)
		}
		vals[k] = it.Value
	}
	ret := make([]AtomicProperty, 0, len(vals))
	for _, obj := range objs {
		for _, prop := range props[obj] {
			ret = append(ret, AtomicProperty{obj, prop, vals[key{obj, prop}]})
		}
	}
	return ret
}

// Value looks up the value staged for a property, the last one wins.
func (r *AtomicRequest) Value(objID, propID uint32) (uint64, bool) {
	for i := len(r.items) - 1; i >= 0; i-- {
		if r.items[i].Object == objID && r.items[i].Property == propID {
			return r.items[i].Value, true
		}
	}
	return 0, false
}

// AtomicCommit is drmModeAtomicCommit. userData is handed back in the
// page flip event when flags contain PageFlipEvent.
func AtomicCommit(file *os.File, req *AtomicRequest, flags uint32, userData uint64) error {
	if flags&^AtomicFlags != 0 {
		return fmt.Errorf("atomic commit: invalid flags %#x", flags)
	}
	items := req.Items()
	var (
		objs       []uint32
		countProps []uint32
		props      = make([]uint32, 0, len(items))
		values     = make([]uint64, 0, len(items))
	)
	for _, it := range items {
		if len(objs) == 0 || objs[len(objs)-1] != it.Object {
			objs = append(objs, it.Object)
			countProps = append(countProps, 0)
		}
		countProps[len(countProps)-1]++
		props = append(props, it.Property)
		values = append(values, it.Value)
	}

	atomic := &sysAtomic{
		flags:     flags,
		countObjs: uint32(len(objs)),
		userData:  userData,
	}
	if len(objs) > 0 {
		atomic.objsPtr = ioctl.Ptr(&objs[0])
		atomic.countPropsPtr = ioctl.Ptr(&countProps[0])
		atomic.propsPtr = ioctl.Ptr(&props[0])
		atomic.propValuesPtr = ioctl.Ptr(&values[0])
	}
	err := ioctl.Do(file.Fd(), uintptr(IOCTLModeAtomic),
		uintptr(unsafe.Pointer(atomic)))
	runtime.KeepAlive(objs)
	runtime.KeepAlive(countProps)
	runtime.KeepAlive(props)
	runtime.KeepAlive(values)
	if err != nil {
		return fmt.Errorf("atomic commit (flags %#x): %w", flags, err)
	}
	return nil
}
