package kms

import (
	"encoding/binary"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	drm "github.com/NeowayLabs/kmspipe"
	"github.com/NeowayLabs/kmspipe/mode"
)

// mockCard is a fake kernel: it keeps objects, properties, blobs and
// framebuffers, validates and applies atomic requests and records the
// legacy calls.
type (
	mockProperty struct {
		id    uint32
		name  string
		flags uint32
		enums []mode.PropertyEnum
	}

	mockObject struct {
		id     uint32
		typ    uint32
		props  []uint32
		values map[uint32]uint64
	}

	atomicCall struct {
		flags    uint32
		userData uint64
		items    []mode.AtomicProperty
	}

	setCrtcCall struct {
		crtcID, fbID, x, y uint32
		connectors         []uint32
		mode               *mode.Info
	}

	pageFlipCall struct {
		crtcID, fbID, flags uint32
	}

	cursorCall struct {
		crtcID, handle uint32
		legacy         bool
	}

	moveCall struct {
		crtcID uint32
		x, y   int32
	}

	connectorConfig struct {
		modes      []mode.Info
		connection uint8
		typ        uint32
		widthMM    uint32
		heightMM   uint32
		crtcMask   uint32
		tile       string
		edid       []byte
		underscan  bool
		overscan   bool
		vrr        bool
		nonDesktop bool
	}

	mockCard struct {
		t   testing.TB
		log zerolog.Logger

		lastID uint32

		atomicSupported bool
		clientCaps      map[uint64]uint64
		caps            map[uint64]uint64
		driver          string

		props      map[uint32]*mockProperty
		propByName map[string]uint32
		objects    map[uint32]*mockObject

		crtcIDs      []uint32
		connectorIDs []uint32
		encoderIDs   []uint32
		planeIDs     []uint32

		connectors  map[uint32]*mode.Connector
		encoders    map[uint32]*mode.Encoder
		planes      map[uint32]*mode.Plane
		legacyCrtcs map[uint32]*mode.Crtc

		blobs map[uint32][]byte
		fbs   map[uint32]mode.FB2
		dumbs map[uint32]*mode.FB

		events      []mode.Event
		pendingFlip map[uint32]bool

		// reject makes the kernel refuse a request, test or not
		reject func(m *mockCard, req *mode.AtomicRequest) bool

		tests    []atomicCall
		commits  []atomicCall
		setCrtcs []setCrtcCall
		flips    []pageFlipCall
		cursors  []cursorCall
		moves    []moveCall
		gammas   int
		setProps int

		cursor2Err error
		closed     bool
	}
)

func newMockCard(t testing.TB) *mockCard {
	return &mockCard{
		t:               t,
		log:             zerolog.Nop(),
		atomicSupported: true,
		clientCaps:      map[uint64]uint64{},
		caps: map[uint64]uint64{
			drm.CapDumbBuffer:         1,
			drm.CapTimestampMonotonic: 1,
			drm.CapCursorWidth:        64,
			drm.CapCursorHeight:       64,
		},
		driver:      "mock",
		props:       map[uint32]*mockProperty{},
		propByName:  map[string]uint32{},
		objects:     map[uint32]*mockObject{},
		connectors:  map[uint32]*mode.Connector{},
		encoders:    map[uint32]*mode.Encoder{},
		planes:      map[uint32]*mode.Plane{},
		legacyCrtcs: map[uint32]*mode.Crtc{},
		blobs:       map[uint32][]byte{},
		fbs:         map[uint32]mode.FB2{},
		dumbs:       map[uint32]*mode.FB{},
		pendingFlip: map[uint32]bool{},
	}
}

func (m *mockCard) newID() uint32 {
	m.lastID++
	return m.lastID
}

func testMode(w, h uint16, refresh uint32) mode.Info {
	info := mode.Info{
		Hdisplay:   w,
		HsyncStart: w + 48,
		HsyncEnd:   w + 80,
		Htotal:     w + 160,
		Vdisplay:   h,
		VsyncStart: h + 3,
		VsyncEnd:   h + 8,
		Vtotal:     h + 40,
		Vrefresh:   refresh,
	}
	info.Clock = uint32(info.Htotal) * uint32(info.Vtotal) * refresh / 1000
	copy(info.Name[:], fmt.Sprintf("%dx%d", w, h))
	return info
}

// property returns the id of a property, creating it on first use.
// Enum values are the position in enums, as with the kernel's bitmask
// properties.
func (m *mockCard) property(name string, flags uint32, enums ...string) uint32 {
	key := fmt.Sprintf("%s/%#x/%v", name, flags, enums)
	if id, ok := m.propByName[key]; ok {
		return id
	}
	p := &mockProperty{id: m.newID(), name: name, flags: flags}
	for i, e := range enums {
		p.enums = append(p.enums, mode.PropertyEnum{Value: uint64(i), Name: e})
	}
	m.props[p.id] = p
	m.propByName[key] = p.id
	return p.id
}

func (m *mockCard) addObject(typ uint32) *mockObject {
	o := &mockObject{id: m.newID(), typ: typ, values: map[uint32]uint64{}}
	m.objects[o.id] = o
	return o
}

func (m *mockCard) attach(o *mockObject, name string, flags uint32, value uint64, enums ...string) uint32 {
	id := m.property(name, flags, enums...)
	o.props = append(o.props, id)
	o.values[id] = value
	return id
}

func (m *mockCard) createBlob(data []byte) uint32 {
	id := m.newID()
	m.blobs[id] = append([]byte(nil), data...)
	return id
}

// value returns the kernel value of the named property of an object.
func (m *mockCard) value(objID uint32, name string) uint64 {
	o := m.objects[objID]
	for _, id := range o.props {
		if m.props[id].name == name {
			return o.values[id]
		}
	}
	m.t.Fatalf("object %d has no property %q", objID, name)
	return 0
}

func (m *mockCard) setValue(objID uint32, name string, v uint64) {
	o := m.objects[objID]
	for _, id := range o.props {
		if m.props[id].name == name {
			o.values[id] = v
			return
		}
	}
	m.t.Fatalf("object %d has no property %q", objID, name)
}

// effective is the value a property would have after req.
func (m *mockCard) effective(req *mode.AtomicRequest, objID uint32, name string) uint64 {
	o := m.objects[objID]
	for _, id := range o.props {
		if m.props[id].name != name {
			continue
		}
		if v, ok := req.Value(objID, id); ok {
			return v
		}
		return o.values[id]
	}
	return 0
}

// requestValue is the value req carries for the named property.
func (m *mockCard) requestValue(req *mode.AtomicRequest, objID uint32, name string) (uint64, bool) {
	o := m.objects[objID]
	for _, id := range o.props {
		if m.props[id].name == name {
			return req.Value(objID, id)
		}
	}
	return 0, false
}

func (m *mockCard) addCrtc() uint32 {
	o := m.addObject(mode.ObjectCrtc)
	m.attach(o, "ACTIVE", mode.PropRange|mode.PropAtomic, 0)
	m.attach(o, "MODE_ID", mode.PropBlob|mode.PropAtomic, 0)
	m.attach(o, "VRR_ENABLED", mode.PropRange, 0)
	m.attach(o, "GAMMA_LUT", mode.PropBlob, 0)
	m.attach(o, "GAMMA_LUT_SIZE", mode.PropRange|mode.PropImmutable, 256)
	m.crtcIDs = append(m.crtcIDs, o.id)
	m.legacyCrtcs[o.id] = &mode.Crtc{ID: o.id, GammaSize: 256}
	return o.id
}

// addPlane adds a plane usable with the CRTCs whose pipe bits are set
// in crtcMask.
func (m *mockCard) addPlane(typ uint64, crtcMask uint32) uint32 {
	o := m.addObject(mode.ObjectPlane)
	m.attach(o, "type", mode.PropEnum|mode.PropImmutable, typ, "Overlay", "Primary", "Cursor")
	m.attach(o, "FB_ID", mode.PropObject|mode.PropAtomic, 0)
	m.attach(o, "CRTC_ID", mode.PropObject|mode.PropAtomic, 0)
	for _, name := range []string{"SRC_X", "SRC_Y", "SRC_W", "SRC_H", "CRTC_W", "CRTC_H"} {
		m.attach(o, name, mode.PropRange|mode.PropAtomic, 0)
	}
	m.attach(o, "CRTC_X", mode.PropSignedRange|mode.PropAtomic, 0)
	m.attach(o, "CRTC_Y", mode.PropSignedRange|mode.PropAtomic, 0)
	m.attach(o, "rotation", mode.PropBitmask, 1,
		"rotate-0", "rotate-90", "rotate-180", "rotate-270", "reflect-x", "reflect-y")
	m.attach(o, "IN_FORMATS", mode.PropBlob|mode.PropImmutable, uint64(m.createBlob(inFormats(
		[]uint32{mode.FormatXRGB8888, mode.FormatARGB8888}, mode.FormatModLinear))))
	m.planeIDs = append(m.planeIDs, o.id)
	m.planes[o.id] = &mode.Plane{
		ID:            o.id,
		PossibleCrtcs: crtcMask,
		Formats:       []uint32{mode.FormatXRGB8888, mode.FormatARGB8888},
	}
	return o.id
}

// inFormats builds an IN_FORMATS blob where every format has modifier.
func inFormats(formats []uint32, modifier uint64) []byte {
	const header = 24
	ne := binary.NativeEndian
	modOffset := header + 4*len(formats)
	b := make([]byte, modOffset+24)
	ne.PutUint32(b[0:], 1)
	ne.PutUint32(b[8:], uint32(len(formats)))
	ne.PutUint32(b[12:], header)
	ne.PutUint32(b[16:], 1)
	ne.PutUint32(b[20:], uint32(modOffset))
	for i, f := range formats {
		ne.PutUint32(b[header+4*i:], f)
	}
	ne.PutUint64(b[modOffset:], 1<<len(formats)-1)
	ne.PutUint64(b[modOffset+16:], modifier)
	return b
}

func (m *mockCard) addConnector(cfg connectorConfig) uint32 {
	if cfg.connection == 0 {
		cfg.connection = mode.Connected
	}
	if cfg.typ == 0 {
		cfg.typ = mode.ConnectorDisplayPort
	}
	if cfg.crtcMask == 0 {
		cfg.crtcMask = 0xff
	}
	enc := &mode.Encoder{ID: m.newID(), PossibleCrtcs: cfg.crtcMask}
	m.encoders[enc.ID] = enc
	m.encoderIDs = append(m.encoderIDs, enc.ID)

	o := m.addObject(mode.ObjectConnector)
	m.attach(o, "CRTC_ID", mode.PropObject|mode.PropAtomic, 0)
	m.attach(o, "DPMS", mode.PropEnum, mode.DpmsOn, "On", "Standby", "Suspend", "Off")
	m.attach(o, "non-desktop", mode.PropRange|mode.PropImmutable, boolValue(cfg.nonDesktop))
	m.attach(o, "vrr_capable", mode.PropRange|mode.PropImmutable, boolValue(cfg.vrr))
	m.attach(o, "Broadcast RGB", mode.PropEnum, 0, "Automatic", "Full", "Limited 16:235")
	if cfg.edid != nil {
		m.attach(o, "EDID", mode.PropBlob|mode.PropImmutable, uint64(m.createBlob(cfg.edid)))
	}
	if cfg.tile != "" {
		m.attach(o, "TILE", mode.PropBlob|mode.PropImmutable,
			uint64(m.createBlob(append([]byte(cfg.tile), 0))))
	}
	if cfg.underscan {
		m.attach(o, "underscan", mode.PropEnum, 0, "off", "on", "auto")
		m.attach(o, "underscan vborder", mode.PropRange, 0)
		m.attach(o, "underscan hborder", mode.PropRange, 0)
	}
	if cfg.overscan {
		m.attach(o, "overscan", mode.PropRange, 0)
	}

	m.connectorIDs = append(m.connectorIDs, o.id)
	m.connectors[o.id] = &mode.Connector{
		ID:         o.id,
		Type:       cfg.typ,
		TypeID:     uint32(len(m.connectorIDs)),
		Connection: cfg.connection,
		Width:      cfg.widthMM,
		Height:     cfg.heightMM,
		Modes:      cfg.modes,
		Encoders:   []uint32{enc.ID},
	}
	return o.id
}

func boolValue(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (m *mockCard) commitCount() int {
	return len(m.commits)
}

func (m *mockCard) lastCommit() atomicCall {
	m.t.Helper()
	if len(m.commits) == 0 {
		m.t.Fatal("no atomic commit")
	}
	return m.commits[len(m.commits)-1]
}

func (m *mockCard) Fd() uintptr {
	return ^uintptr(0)
}

func (m *mockCard) Logger() *zerolog.Logger {
	return &m.log
}

func (m *mockCard) CreateDumb(width, height, bpp uint32) (*mode.FB, error) {
	fb := &mode.FB{
		Width:  width,
		Height: height,
		BPP:    bpp,
		Handle: m.newID(),
		Pitch:  width * bpp / 8,
	}
	fb.Size = uint64(fb.Pitch) * uint64(height)
	m.dumbs[fb.Handle] = fb
	return fb, nil
}

func (m *mockCard) MapDumb(handle uint32) (uint64, error) {
	return 0, unix.ENOSYS
}

func (m *mockCard) DestroyDumb(handle uint32) error {
	if _, ok := m.dumbs[handle]; !ok {
		return unix.ENOENT
	}
	delete(m.dumbs, handle)
	return nil
}

func (m *mockCard) AddFB2(fb *mode.FB2) (uint32, error) {
	id := m.newID()
	m.fbs[id] = *fb
	return id, nil
}

func (m *mockCard) RmFB(fbID uint32) error {
	if _, ok := m.fbs[fbID]; !ok {
		return unix.ENOENT
	}
	delete(m.fbs, fbID)
	return nil
}

func (m *mockCard) Version() (drm.Version, error) {
	return drm.Version{Major: 1, Name: m.driver}, nil
}

func (m *mockCard) GetCap(capability uint64) (uint64, error) {
	v, ok := m.caps[capability]
	if !ok {
		return 0, unix.EINVAL
	}
	return v, nil
}

func (m *mockCard) SetClientCap(capability, value uint64) error {
	if capability == drm.ClientCapAtomic && !m.atomicSupported {
		return unix.EOPNOTSUPP
	}
	m.clientCaps[capability] = value
	return nil
}

func (m *mockCard) Resources() (*mode.Resources, error) {
	return &mode.Resources{
		Crtcs:      append([]uint32(nil), m.crtcIDs...),
		Connectors: append([]uint32(nil), m.connectorIDs...),
		Encoders:   append([]uint32(nil), m.encoderIDs...),
	}, nil
}

func (m *mockCard) PlaneResources() ([]uint32, error) {
	return append([]uint32(nil), m.planeIDs...), nil
}

func (m *mockCard) Connector(id uint32) (*mode.Connector, error) {
	c, ok := m.connectors[id]
	if !ok {
		return nil, unix.ENOENT
	}
	ret := *c
	for _, p := range m.objects[id].props {
		ret.Props = append(ret.Props, p)
		ret.PropValues = append(ret.PropValues, m.objects[id].values[p])
	}
	return &ret, nil
}

func (m *mockCard) Encoder(id uint32) (*mode.Encoder, error) {
	e, ok := m.encoders[id]
	if !ok {
		return nil, unix.ENOENT
	}
	ret := *e
	return &ret, nil
}

func (m *mockCard) Crtc(id uint32) (*mode.Crtc, error) {
	c, ok := m.legacyCrtcs[id]
	if !ok {
		return nil, unix.ENOENT
	}
	ret := *c
	return &ret, nil
}

func (m *mockCard) Plane(id uint32) (*mode.Plane, error) {
	p, ok := m.planes[id]
	if !ok {
		return nil, unix.ENOENT
	}
	ret := *p
	return &ret, nil
}

func (m *mockCard) ObjectProperties(objID, objType uint32) (*mode.ObjectProperties, error) {
	o, ok := m.objects[objID]
	if !ok || o.typ != objType {
		return nil, unix.ENOENT
	}
	ret := &mode.ObjectProperties{}
	for _, id := range o.props {
		ret.Props = append(ret.Props, id)
		ret.Values = append(ret.Values, o.values[id])
	}
	return ret, nil
}

func (m *mockCard) Property(propID uint32) (*mode.Property, error) {
	p, ok := m.props[propID]
	if !ok {
		return nil, unix.ENOENT
	}
	return &mode.Property{ID: p.id, Name: p.name, Flags: p.flags, Enums: p.enums}, nil
}

func (m *mockCard) PropertyBlob(blobID uint32) ([]byte, error) {
	b, ok := m.blobs[blobID]
	if !ok {
		return nil, unix.ENOENT
	}
	return append([]byte(nil), b...), nil
}

func (m *mockCard) CreatePropertyBlob(data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, unix.EINVAL
	}
	return m.createBlob(data), nil
}

func (m *mockCard) DestroyPropertyBlob(blobID uint32) error {
	if _, ok := m.blobs[blobID]; !ok {
		return unix.ENOENT
	}
	delete(m.blobs, blobID)
	return nil
}

func (m *mockCard) SetObjectProperty(objID, objType, propID uint32, value uint64) error {
	o, ok := m.objects[objID]
	if !ok || o.typ != objType {
		return unix.ENOENT
	}
	if _, ok := o.values[propID]; !ok {
		return unix.EINVAL
	}
	if m.props[propID].flags&mode.PropImmutable != 0 {
		return unix.EINVAL
	}
	m.setProps++
	o.values[propID] = value
	return nil
}

func (m *mockCard) AtomicCommit(req *mode.AtomicRequest, flags uint32, userData uint64) error {
	if flags&^mode.AtomicFlags != 0 {
		return unix.EINVAL
	}
	if m.clientCaps[drm.ClientCapAtomic] == 0 {
		return unix.EINVAL
	}
	items := req.Items()
	for _, it := range items {
		o, ok := m.objects[it.Object]
		if !ok {
			return unix.ENOENT
		}
		if _, ok := o.values[it.Property]; !ok {
			return unix.EINVAL
		}
		p := m.props[it.Property]
		if p.flags&mode.PropImmutable != 0 {
			return unix.EINVAL
		}
		if p.flags&mode.PropBlob != 0 && it.Value != 0 {
			if _, ok := m.blobs[uint32(it.Value)]; !ok {
				return unix.EINVAL
			}
		}
		if p.name == "FB_ID" && it.Value != 0 {
			if _, ok := m.fbs[uint32(it.Value)]; !ok {
				return unix.EINVAL
			}
		}
	}
	call := atomicCall{flags: flags, userData: userData, items: items}
	if m.reject != nil && m.reject(m, req) {
		return unix.EINVAL
	}
	if flags&mode.AtomicTestOnly != 0 {
		m.tests = append(m.tests, call)
		return nil
	}
	m.commits = append(m.commits, call)

	for _, it := range items {
		m.objects[it.Object].values[it.Property] = it.Value
	}
	crtcs := map[uint32]bool{}
	for _, it := range items {
		o := m.objects[it.Object]
		if o.typ == mode.ObjectCrtc {
			crtcs[o.id] = true
			continue
		}
		for _, id := range o.props {
			if m.props[id].name == "CRTC_ID" && o.values[id] != 0 {
				crtcs[uint32(o.values[id])] = true
			}
		}
	}
	if flags&mode.PageFlipEvent != 0 {
		ids := make([]uint32, 0, len(crtcs))
		for id := range crtcs {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			m.queueFlip(id, userData)
		}
	}
	return nil
}

func (m *mockCard) queueFlip(crtcID uint32, userData uint64) {
	m.pendingFlip[crtcID] = true
	m.events = append(m.events, mode.Event{
		Type:     mode.EventFlipComplete,
		UserData: userData,
		CrtcID:   crtcID,
		Sequence: uint32(len(m.events)),
		Time:     time.Duration(len(m.flips)+len(m.commits)) * 16 * time.Millisecond,
	})
}

func (m *mockCard) SetCrtc(crtcID, fbID, x, y uint32, connectors []uint32, info *mode.Info) error {
	c, ok := m.legacyCrtcs[crtcID]
	if !ok {
		return unix.ENOENT
	}
	if fbID != 0 {
		if _, ok := m.fbs[fbID]; !ok {
			return unix.EINVAL
		}
	}
	m.setCrtcs = append(m.setCrtcs, setCrtcCall{crtcID, fbID, x, y,
		append([]uint32(nil), connectors...), info})
	c.BufferID, c.X, c.Y = fbID, x, y
	c.ModeValid = 0
	if info != nil {
		c.Mode, c.ModeValid = *info, 1
	}
	return nil
}

func (m *mockCard) PageFlip(crtcID, fbID, flags uint32, userData uint64) error {
	if _, ok := m.legacyCrtcs[crtcID]; !ok {
		return unix.ENOENT
	}
	if m.pendingFlip[crtcID] {
		return unix.EBUSY
	}
	if _, ok := m.fbs[fbID]; !ok {
		return unix.EINVAL
	}
	m.flips = append(m.flips, pageFlipCall{crtcID, fbID, flags})
	m.legacyCrtcs[crtcID].BufferID = fbID
	if flags&mode.PageFlipEvent != 0 {
		m.queueFlip(crtcID, userData)
	}
	return nil
}

func (m *mockCard) SetCursor(crtcID, handle, width, height uint32) error {
	m.cursors = append(m.cursors, cursorCall{crtcID, handle, true})
	return nil
}

func (m *mockCard) SetCursor2(crtcID, handle, width, height uint32, hotX, hotY int32) error {
	if m.cursor2Err != nil {
		return m.cursor2Err
	}
	m.cursors = append(m.cursors, cursorCall{crtcID, handle, false})
	return nil
}

func (m *mockCard) MoveCursor(crtcID uint32, x, y int32) error {
	m.moves = append(m.moves, moveCall{crtcID, x, y})
	return nil
}

func (m *mockCard) SetGamma(crtcID uint32, red, green, blue []uint16) error {
	m.gammas++
	return nil
}

func (m *mockCard) WaitEvents(timeout time.Duration) (bool, error) {
	return len(m.events) > 0, nil
}

func (m *mockCard) ReadEvents() ([]mode.Event, error) {
	events := m.events
	m.events = nil
	for _, ev := range events {
		delete(m.pendingFlip, ev.CrtcID)
	}
	return events, nil
}

func (m *mockCard) Close() error {
	m.closed = true
	return nil
}

// verifyCleanup checks that everything created through the engine is
// gone, only the blobs the fake kernel made itself may stay.
func (m *mockCard) verifyCleanup(t *testing.T, kernelBlobs map[uint32]bool) {
	t.Helper()
	for id := range m.blobs {
		if !kernelBlobs[id] {
			t.Errorf("blob %d leaked", id)
		}
	}
	if len(m.fbs) != 0 {
		t.Errorf("%d framebuffers leaked", len(m.fbs))
	}
	if len(m.dumbs) != 0 {
		t.Errorf("%d dumb buffers leaked", len(m.dumbs))
	}
}

// blobSnapshot records the blobs that exist now.
func (m *mockCard) blobSnapshot() map[uint32]bool {
	ret := map[uint32]bool{}
	for id := range m.blobs {
		ret[id] = true
	}
	return ret
}
