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

const (
	DisplayInfoLen   = 32
	ConnectorNameLen = 32
	DisplayModeLen   = 32
	PropNameLen      = 32

	Connected         = 1
	Disconnected      = 2
	UnknownConnection = 3
)

type (
	sysResources struct {
		fbIdPtr              uint64
		crtcIdPtr            uint64
		connectorIdPtr       uint64
		encoderIdPtr         uint64
		CountFbs             uint32
		CountCrtcs           uint32
		CountConnectors      uint32
		CountEncoders        uint32
		MinWidth, MaxWidth   uint32
		MinHeight, MaxHeight uint32
	}

	sysGetConnector struct {
		encodersPtr   uint64
		modesPtr      uint64
		propsPtr      uint64
		propValuesPtr uint64

		countModes    uint32
		countProps    uint32
		countEncoders uint32

		encoderID       uint32 // current encoder
		ID              uint32
		connectorType   uint32
		connectorTypeID uint32

		connection        uint32
		mmWidth, mmHeight uint32 // HxW in millimeters
		subpixel          uint32
		pad               uint32
	}

	sysGetEncoder struct {
		id  uint32
		typ uint32

		crtcID uint32

		possibleCrtcs  uint32
		possibleClones uint32
	}

	// Info mirrors struct drm_mode_modeinfo. Its raw bytes are what
	// the kernel expects inside a MODE_ID property blob.
	Info struct {
		Clock                                         uint32
		Hdisplay, HsyncStart, HsyncEnd, Htotal, Hskew uint16
		Vdisplay, VsyncStart, VsyncEnd, Vtotal, Vscan uint16

		Vrefresh uint32

		Flags uint32
		Type  uint32
		Name  [DisplayModeLen]uint8
	}

	Resources struct {
		sysResources

		Fbs        []uint32
		Crtcs      []uint32
		Connectors []uint32
		Encoders   []uint32
	}

	Connector struct {
		ID            uint32
		EncoderID     uint32
		Type          uint32
		TypeID        uint32
		Connection    uint8
		Width, Height uint32 // physical size in millimeters
		Subpixel      uint8

		Modes []Info

		Props      []uint32
		PropValues []uint64

		Encoders []uint32
	}

	Encoder struct {
		ID   uint32
		Type uint32

		CrtcID uint32

		PossibleCrtcs  uint32
		PossibleClones uint32
	}

	sysCreateDumb struct {
		height, width uint32
		bpp           uint32
		flags         uint32

		// returned values
		handle uint32
		pitch  uint32
		size   uint64
	}

	sysMapDumb struct {
		handle uint32 // Handle for the object being mapped
		pad    uint32

		// Fake offset to use for subsequent mmap call
		// This is a fixed-size type for 32/64 compatibility.
		offset uint64
	}

	sysFBCmd struct {
		fbID          uint32
		width, height uint32
		pitch         uint32
		bpp           uint32
		depth         uint32

		/* driver specific handle */
		handle uint32
	}

	sysFBCmd2 struct {
		fbID          uint32
		width, height uint32
		pixelFormat   uint32
		flags         uint32

		handles  [4]uint32
		pitches  [4]uint32
		offsets  [4]uint32
		modifier [4]uint64
	}

	sysCrtc struct {
		setConnectorsPtr uint64
		countConnectors  uint32

		id   uint32
		fbID uint32 // Id of framebuffer

		x, y uint32 // Position on the frameuffer

		gammaSize uint32
		modeValid uint32
		mode      Info
	}

	sysDestroyDumb struct {
		handle uint32
	}

	Crtc struct {
		ID       uint32
		BufferID uint32 // FB id to connect to 0 = disconnect

		X, Y          uint32 // Position on the framebuffer
		Width, Height uint32
		ModeValid     int
		Mode          Info

		GammaSize int // Number of gamma stops
	}

	FB struct {
		Height, Width, BPP, Flags uint32
		Handle                    uint32
		Pitch                     uint32
		Size                      uint64
	}

	// FB2 describes a framebuffer registered with AddFB2.
	FB2 struct {
		Width, Height uint32
		Format        uint32
		Handles       [4]uint32
		Pitches       [4]uint32
		Offsets       [4]uint32
		Modifier      uint64 // FormatModInvalid when the buffer has none
	}
)

var (
	// DRM_IOWR(0xA0, struct drm_mode_card_res)
	IOCTLModeResources = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysResources{})), drm.IOCTLBase, 0xA0)

	// DRM_IOWR(0xA1, struct drm_mode_crtc)
	IOCTLModeGetCrtc = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCrtc{})), drm.IOCTLBase, 0xA1)

	// DRM_IOWR(0xA2, struct drm_mode_crtc)
	IOCTLModeSetCrtc = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCrtc{})), drm.IOCTLBase, 0xA2)

	// DRM_IOWR(0xA6, struct drm_mode_get_encoder)
	IOCTLModeGetEncoder = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetEncoder{})), drm.IOCTLBase, 0xA6)

	// DRM_IOWR(0xA7, struct drm_mode_get_connector)
	IOCTLModeGetConnector = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetConnector{})), drm.IOCTLBase, 0xA7)

	// DRM_IOWR(0xAE, struct drm_mode_fb_cmd)
	IOCTLModeAddFB = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysFBCmd{})), drm.IOCTLBase, 0xAE)

	// DRM_IOWR(0xAF, unsigned int)
	IOCTLModeRmFB = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(uint32(0))), drm.IOCTLBase, 0xAF)

	// DRM_IOWR(0xB2, struct drm_mode_create_dumb)
	IOCTLModeCreateDumb = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCreateDumb{})), drm.IOCTLBase, 0xB2)

	// DRM_IOWR(0xB3, struct drm_mode_map_dumb)
	IOCTLModeMapDumb = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysMapDumb{})), drm.IOCTLBase, 0xB3)

	// DRM_IOWR(0xB4, struct drm_mode_destroy_dumb)
	IOCTLModeDestroyDumb = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysDestroyDumb{})), drm.IOCTLBase, 0xB4)

	// DRM_IOWR(0xB8, struct drm_mode_fb_cmd2)
	IOCTLModeAddFB2 = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysFBCmd2{})), drm.IOCTLBase, 0xB8)
)

// Size returns the visible size of the mode.
func (m *Info) Size() (width, height int) {
	return int(m.Hdisplay), int(m.Vdisplay)
}

// Bytes returns the mode as the kernel lays out struct drm_mode_modeinfo.
func (m *Info) Bytes() []byte {
	b := make([]byte, unsafe.Sizeof(*m))
	copy(b, unsafe.Slice((*byte)(unsafe.Pointer(m)), len(b)))
	return b
}

// ModeName returns the mode name the kernel generated, e.g. "1920x1080".
func (m *Info) ModeName() string {
	return string(bytes.TrimRight(m.Name[:], "\x00"))
}

// InfoFromBytes decodes a MODE_ID blob.
func InfoFromBytes(b []byte) (Info, error) {
	var m Info
	if len(b) < int(unsafe.Sizeof(m)) {
		return m, fmt.Errorf("mode blob too short: %d bytes", len(b))
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&m)), unsafe.Sizeof(m)), b)
	return m, nil
}

// SameTiming compares the timing fields of two modes, ignoring
// flags, type and name.
func SameTiming(a, b *Info) bool {
	return a.Clock == b.Clock &&
		a.Hdisplay == b.Hdisplay &&
		a.HsyncStart == b.HsyncStart &&
		a.HsyncEnd == b.HsyncEnd &&
		a.Htotal == b.Htotal &&
		a.Hskew == b.Hskew &&
		a.Vdisplay == b.Vdisplay &&
		a.VsyncStart == b.VsyncStart &&
		a.VsyncEnd == b.VsyncEnd &&
		a.Vtotal == b.Vtotal &&
		a.Vscan == b.Vscan &&
		a.Vrefresh == b.Vrefresh
}

// RefreshRate returns the refresh rate in mHz, computed from the
// pixel clock the same way Weston does.
func (m *Info) RefreshRate() uint32 {
	if m.Htotal == 0 || m.Vtotal == 0 {
		return 0
	}
	rate := (uint64(m.Clock)*1000000/uint64(m.Htotal) + uint64(m.Vtotal)/2) / uint64(m.Vtotal)
	if m.Flags&ModeFlagInterlace != 0 {
		rate *= 2
	}
	if m.Flags&ModeFlagDblScan != 0 {
		rate /= 2
	}
	if m.Vscan > 1 {
		rate /= uint64(m.Vscan)
	}
	return uint32(rate)
}

func GetResources(file *os.File) (*Resources, error) {
	mres := &sysResources{}
	err := ioctl.Do(file.Fd(), uintptr(IOCTLModeResources),
		uintptr(unsafe.Pointer(mres)))
	if err != nil {
		return nil, fmt.Errorf("get resources: %w", err)
	}

	var (
		fbids, crtcids, connectorids, encoderids []uint32
	)

	if mres.CountFbs > 0 {
		fbids = make([]uint32, mres.CountFbs)
		mres.fbIdPtr = ioctl.Ptr(&fbids[0])
	}
	if mres.CountCrtcs > 0 {
		crtcids = make([]uint32, mres.CountCrtcs)
		mres.crtcIdPtr = ioctl.Ptr(&crtcids[0])
	}
	if mres.CountEncoders > 0 {
		encoderids = make([]uint32, mres.CountEncoders)
		mres.encoderIdPtr = ioctl.Ptr(&encoderids[0])
	}
	if mres.CountConnectors > 0 {
		connectorids = make([]uint32, mres.CountConnectors)
		mres.connectorIdPtr = ioctl.Ptr(&connectorids[0])
	}

	err = ioctl.Do(file.Fd(), uintptr(IOCTLModeResources),
		uintptr(unsafe.Pointer(mres)))
	runtime.KeepAlive(fbids)
	runtime.KeepAlive(crtcids)
	runtime.KeepAlive(encoderids)
	runtime.KeepAlive(connectorids)
	if err != nil {
		return nil, fmt.Errorf("get resources: %w", err)
	}

	// TODO(i4k): handle hotplugging in-between the ioctls above

	return &Resources{
		sysResources: *mres,
		Fbs:          fbids,
		Crtcs:        crtcids,
		Encoders:     encoderids,
		Connectors:   connectorids,
	}, nil
}

func GetConnector(file *os.File, connid uint32) (*Connector, error) {
	conn := &sysGetConnector{}
	conn.ID = connid
	err := ioctl.Do(file.Fd(), uintptr(IOCTLModeGetConnector),
		uintptr(unsafe.Pointer(conn)))
	if err != nil {
		return nil, fmt.Errorf("get connector %d: %w", connid, err)
	}

	var (
		props, encoders []uint32
		propValues      []uint64
		modes           []Info
	)

	if conn.countProps > 0 {
		props = make([]uint32, conn.countProps)
		conn.propsPtr = ioctl.Ptr(&props[0])

		propValues = make([]uint64, conn.countProps)
		conn.propValuesPtr = ioctl.Ptr(&propValues[0])
	}

	// a zero count would make the kernel detect the connector again
	detected := conn.countModes > 0
	if !detected {
		conn.countModes = 1
	}

	modes = make([]Info, conn.countModes)
	conn.modesPtr = ioctl.Ptr(&modes[0])

	if conn.countEncoders > 0 {
		encoders = make([]uint32, conn.countEncoders)
		conn.encodersPtr = ioctl.Ptr(&encoders[0])
	}

	err = ioctl.Do(file.Fd(), uintptr(IOCTLModeGetConnector),
		uintptr(unsafe.Pointer(conn)))
	runtime.KeepAlive(props)
	runtime.KeepAlive(propValues)
	runtime.KeepAlive(modes)
	runtime.KeepAlive(encoders)
	if err != nil {
		return nil, fmt.Errorf("get connector %d: %w", connid, err)
	}
	if !detected {
		modes = modes[:0]
	}

	return &Connector{
		ID:         conn.ID,
		EncoderID:  conn.encoderID,
		Connection: uint8(conn.connection),
		Width:      conn.mmWidth,
		Height:     conn.mmHeight,

		// convert subpixel from kernel to userspace
		Subpixel: uint8(conn.subpixel + 1),
		Type:     conn.connectorType,
		TypeID:   conn.connectorTypeID,

		Props:      props,
		PropValues: propValues,
		Modes:      modes,
		Encoders:   encoders,
	}, nil
}

func GetEncoder(file *os.File, id uint32) (*Encoder, error) {
	encoder := &sysGetEncoder{}
	encoder.id = id

	err := ioctl.Do(file.Fd(), uintptr(IOCTLModeGetEncoder),
		uintptr(unsafe.Pointer(encoder)))
	if err != nil {
		return nil, fmt.Errorf("get encoder %d: %w", id, err)
	}

	return &Encoder{
		ID:             encoder.id,
		CrtcID:         encoder.crtcID,
		Type:           encoder.typ,
		PossibleCrtcs:  encoder.possibleCrtcs,
		PossibleClones: encoder.possibleClones,
	}, nil
}

func CreateFB(file *os.File, width, height uint16, bpp uint32) (*FB, error) {
	fb := &sysCreateDumb{}
	fb.width = uint32(width)
	fb.height = uint32(height)
	fb.bpp = bpp
	err := ioctl.Do(file.Fd(), uintptr(IOCTLModeCreateDumb),
		uintptr(unsafe.Pointer(fb)))
	if err != nil {
		return nil, fmt.Errorf("create dumb %dx%d: %w", width, height, err)
	}
	return &FB{
		Height: fb.height,
		Width:  fb.width,
		BPP:    fb.bpp,
		Handle: fb.handle,
		Pitch:  fb.pitch,
		Size:   fb.size,
	}, nil
}

func AddFB(file *os.File, width, height uint16,
	depth, bpp uint8, pitch, boHandle uint32) (uint32, error) {
	f := &sysFBCmd{}
	f.width = uint32(width)
	f.height = uint32(height)
	f.pitch = pitch
	f.bpp = uint32(bpp)
	f.depth = uint32(depth)
	f.handle = boHandle
	err := ioctl.Do(file.Fd(), uintptr(IOCTLModeAddFB),
		uintptr(unsafe.Pointer(f)))
	if err != nil {
		return 0, fmt.Errorf("add fb: %w", err)
	}
	return f.fbID, nil
}

// AddFB2 registers a framebuffer with an explicit fourcc format and,
// unless fb.Modifier is FormatModInvalid, an explicit modifier.
func AddFB2(file *os.File, fb *FB2) (uint32, error) {
	f := &sysFBCmd2{
		width:       fb.Width,
		height:      fb.Height,
		pixelFormat: fb.Format,
		handles:     fb.Handles,
		pitches:     fb.Pitches,
		offsets:     fb.Offsets,
	}
	if fb.Modifier != FormatModInvalid {
		f.flags = FBModifiers
		for i := range f.handles {
			if f.handles[i] != 0 {
				f.modifier[i] = fb.Modifier
			}
		}
	}
	err := ioctl.Do(file.Fd(), uintptr(IOCTLModeAddFB2),
		uintptr(unsafe.Pointer(f)))
	if err != nil {
		return 0, fmt.Errorf("add fb2 %s: %w", FourCCString(fb.Format), err)
	}
	return f.fbID, nil
}

func RmFB(file *os.File, bufferid uint32) error {
	id := bufferid
	err := ioctl.Do(file.Fd(), uintptr(IOCTLModeRmFB),
		uintptr(unsafe.Pointer(&id)))
	if err != nil {
		return fmt.Errorf("rm fb %d: %w", bufferid, err)
	}
	return nil
}

func MapDumb(file *os.File, boHandle uint32) (uint64, error) {
	mreq := &sysMapDumb{}
	mreq.handle = boHandle
	err := ioctl.Do(file.Fd(), uintptr(IOCTLModeMapDumb),
		uintptr(unsafe.Pointer(mreq)))
	if err != nil {
		return 0, fmt.Errorf("map dumb %d: %w", boHandle, err)
	}
	return mreq.offset, nil
}

func DestroyDumb(file *os.File, handle uint32) error {
	err := ioctl.Do(file.Fd(), uintptr(IOCTLModeDestroyDumb),
		uintptr(unsafe.Pointer(&sysDestroyDumb{handle})))
	if err != nil {
		return fmt.Errorf("destroy dumb %d: %w", handle, err)
	}
	return nil
}

func GetCrtc(file *os.File, id uint32) (*Crtc, error) {
	crtc := &sysCrtc{}
	crtc.id = id
	err := ioctl.Do(file.Fd(), uintptr(IOCTLModeGetCrtc),
		uintptr(unsafe.Pointer(crtc)))
	if err != nil {
		return nil, fmt.Errorf("get crtc %d: %w", id, err)
	}
	ret := &Crtc{
		ID:        crtc.id,
		X:         crtc.x,
		Y:         crtc.y,
		ModeValid: int(crtc.modeValid),
		BufferID:  crtc.fbID,
		GammaSize: int(crtc.gammaSize),
	}

	ret.Mode = crtc.mode
	ret.Width = uint32(crtc.mode.Hdisplay)
	ret.Height = uint32(crtc.mode.Vdisplay)
	return ret, nil
}

// SetCrtc programs a CRTC the legacy way. A nil mode with no
// connectors disables the CRTC.
func SetCrtc(file *os.File, crtcid, bufferid, x, y uint32, connectors []uint32, mode *Info) error {
	crtc := &sysCrtc{}
	crtc.x = x
	crtc.y = y
	crtc.id = crtcid
	crtc.fbID = bufferid
	if len(connectors) > 0 {
		crtc.setConnectorsPtr = ioctl.Ptr(&connectors[0])
	}
	crtc.countConnectors = uint32(len(connectors))
	if mode != nil {
		crtc.mode = *mode
		crtc.modeValid = 1
	}
	err := ioctl.Do(file.Fd(), uintptr(IOCTLModeSetCrtc),
		uintptr(unsafe.Pointer(crtc)))
	runtime.KeepAlive(connectors)
	if err != nil {
		return fmt.Errorf("set crtc %d: %w", crtcid, err)
	}
	return nil
}
