package kms

import (
	"encoding/binary"
	"errors"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/NeowayLabs/kmspipe/buffer"
	"github.com/NeowayLabs/kmspipe/mode"
)

// SyncMode selects fixed or variable refresh.
type SyncMode int

const (
	SyncFixed SyncMode = iota
	SyncAdaptive
)

const (
	defaultCursorSize = 64
	staleAttempts     = 2
)

type (
	// GammaRamp holds one table per channel, all of the same length.
	GammaRamp struct {
		Red, Green, Blue []uint16
	}

	cursorState struct {
		pos      Point
		hotspot  Point
		buf      *buffer.Dumb
		dirtyPos bool
		dirtyBo  bool
	}

	// Pipeline is one logical output: a connector, the CRTC driving it
	// and the CRTC's primary plane, or several of those for a tiled
	// display. Index i of connectors, crtcs and planes is tile i.
	Pipeline struct {
		gpu *Gpu
		log zerolog.Logger

		connectors []*Connector
		crtcs      []*Crtc
		planes     []*Plane
		objects    []Object

		output Output

		primaryBuffer    buffer.Buffer
		oldTestBuffer    buffer.Buffer
		hasOldTestBuffer bool

		active             bool
		legacyNeedsModeset bool
		cursor             cursorState
		lastFlags          uint32
		pendingFlips       map[uint32]struct{}
	}
)

// Size returns the number of entries, 0 when the channels differ.
func (r GammaRamp) Size() int {
	if len(r.Red) != len(r.Green) || len(r.Red) != len(r.Blue) {
		return 0
	}
	return len(r.Red)
}

// colorLut packs the ramp as an array of struct drm_color_lut.
func (r GammaRamp) colorLut() []byte {
	const entry = 8
	ne := binary.NativeEndian
	b := make([]byte, r.Size()*entry)
	for i := 0; i < r.Size(); i++ {
		ne.PutUint16(b[i*entry:], r.Red[i])
		ne.PutUint16(b[i*entry+2:], r.Green[i])
		ne.PutUint16(b[i*entry+4:], r.Blue[i])
	}
	return b
}

// NewPipeline creates a single tile pipeline. plane is nil in legacy
// mode.
func NewPipeline(gpu *Gpu, conn *Connector, crtc *Crtc, plane *Plane) *Pipeline {
	p := &Pipeline{
		gpu:                gpu,
		log:                gpu.log.With().Str("output", conn.Name()).Logger(),
		active:             true,
		legacyNeedsModeset: !gpu.atomic,
		cursor:             cursorState{dirtyPos: true, dirtyBo: true},
		pendingFlips:       map[uint32]struct{}{},
	}
	p.AddTile(conn, crtc, plane)
	return p
}

// AddTile adds another tile of a tiled display.
func (p *Pipeline) AddTile(conn *Connector, crtc *Crtc, plane *Plane) {
	p.connectors = append(p.connectors, conn)
	p.crtcs = append(p.crtcs, crtc)
	if plane != nil {
		p.planes = append(p.planes, plane)
	}
	p.objects = p.objects[:0]
	for _, c := range p.connectors {
		p.objects = append(p.objects, c)
	}
	for _, c := range p.crtcs {
		p.objects = append(p.objects, c)
	}
	for _, pl := range p.planes {
		p.objects = append(p.objects, pl)
	}
}

func (p *Pipeline) Gpu() *Gpu {
	return p.gpu
}

func (p *Pipeline) Connectors() []*Connector {
	return p.connectors
}

func (p *Pipeline) Crtcs() []*Crtc {
	return p.crtcs
}

func (p *Pipeline) PrimaryPlanes() []*Plane {
	return p.planes
}

func (p *Pipeline) Objects() []Object {
	return p.objects
}

func (p *Pipeline) Output() Output {
	return p.output
}

func (p *Pipeline) SetOutput(out Output) {
	p.output = out
}

func (p *Pipeline) IsActive() bool {
	return p.active
}

func (p *Pipeline) PrimaryBuffer() buffer.Buffer {
	return p.primaryBuffer
}

// LastFlags are the flags of the last commit or page flip.
func (p *Pipeline) LastFlags() uint32 {
	return p.lastFlags
}

// PageFlipPending reports whether a page flip event is outstanding.
func (p *Pipeline) PageFlipPending() bool {
	return len(p.pendingFlips) > 0
}

func (p *Pipeline) setPrimaryBuffer(b buffer.Buffer) {
	buffer.Retain(b)
	buffer.Release(p.primaryBuffer)
	p.primaryBuffer = b
}

func (p *Pipeline) restoreOldTestBuffer() {
	if !p.hasOldTestBuffer {
		return
	}
	buffer.Release(p.primaryBuffer)
	p.primaryBuffer = p.oldTestBuffer
	p.oldTestBuffer = nil
	p.hasOldTestBuffer = false
}

func (p *Pipeline) dropOldTestBuffer() {
	if !p.hasOldTestBuffer {
		return
	}
	buffer.Release(p.oldTestBuffer)
	p.oldTestBuffer = nil
	p.hasOldTestBuffer = false
}

// staleRetry retries an operation once after reading the properties
// back from the kernel, which may have changed them behind our back,
// e.g. while another session owned the device. A failed attempt rolls
// back what was staged, so the retry stages it again.
func (p *Pipeline) staleRetry(op func() bool) bool {
	staged := p.stagedValues()
	err := retry.Do(
		func() error {
			if !op() {
				return errCommitFailed
			}
			return nil
		},
		retry.Attempts(staleAttempts),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			// also called after the last attempt
			if n+1 >= staleAttempts {
				return
			}
			p.log.Debug().Err(err).Msg("updating properties and trying again")
			p.UpdateProperties()
			p.restoreStaged(staged)
			p.stageActiveState()
		}),
	)
	return err == nil
}

// stagedValues records the staged values of the scalar properties.
// Blobs are left out: a rollback destroys the ones nothing refers to.
func (p *Pipeline) stagedValues() map[*Property]uint64 {
	staged := map[*Property]uint64{}
	for _, o := range p.objects {
		for _, prop := range o.Properties() {
			if !prop.blob && !prop.immutable {
				staged[prop] = prop.pending
			}
		}
	}
	return staged
}

func (p *Pipeline) restoreStaged(staged map[*Property]uint64) {
	for prop, v := range staged {
		prop.SetPending(v)
	}
}

// stageActiveState stages the routing, ACTIVE and MODE_ID for the
// state the pipeline is in. A new mode blob is only created when the
// kernel drives the CRTC with another mode.
func (p *Pipeline) stageActiveState() {
	if !p.gpu.atomic {
		return
	}
	for i, conn := range p.connectors {
		crtc := p.crtcs[i]
		var crtcID uint64
		if p.active {
			crtcID = uint64(crtc.ID())
		}
		conn.setPending(int(ConnectorCrtcID), crtcID)
		crtc.Property(CrtcActive).Set(Bool(p.active))
		switch m := conn.CurrentMode(); {
		case !p.active:
			crtc.SetPendingBlob(CrtcModeID, nil)
		case crtc.drivesMode(m.Info):
			if prop := crtc.Property(CrtcModeID); prop != nil {
				prop.SetPending(prop.Current())
			}
		default:
			crtc.SetPendingBlob(CrtcModeID, m.Info.Bytes())
		}
		p.planes[i].setPending(int(PlaneCrtcID), crtcID)
	}
}

// Present puts b on the screen with the next page flip.
func (p *Pipeline) Present(b buffer.Buffer) bool {
	if b == nil || b.FramebufferID() == 0 {
		p.log.Debug().Msg("refusing to present an invalid buffer")
		return false
	}
	p.setPrimaryBuffer(b)
	if !p.active {
		return true
	}
	if p.gpu.usesEglStreams() && !p.NeedsCommit() {
		return true
	}
	if p.gpu.atomic {
		if !p.staleRetry(p.atomicCommit) {
			p.log.Debug().Msg("atomic present failed")
			p.PrintDebugInfo()
			return false
		}
		return true
	}
	return p.presentLegacy()
}

func (p *Pipeline) atomicCommit() bool {
	return CommitPipelines([]*Pipeline{p}, CommitWithPageflipEvent)
}

// Test checks the staged state of all pipelines of the device with a
// test commit. It always succeeds in legacy mode.
func (p *Pipeline) Test() bool {
	if !p.gpu.atomic {
		return true
	}
	ps := p.gpu.Pipelines()
	found := false
	for _, q := range ps {
		if q == p {
			found = true
			break
		}
	}
	if !found {
		ps = append(ps[:len(ps):len(ps)], p)
	}
	return CommitPipelines(ps, CommitTest)
}

func (p *Pipeline) presentLegacy() bool {
	if cur := p.CurrentBuffer(); cur == nil || buffer.NeedsModeChange(cur, p.primaryBuffer) {
		if !p.Modeset(p.ModeIndex()) {
			return false
		}
	}
	p.lastFlags = mode.PageFlipEvent
	fbID := p.primaryBuffer.FramebufferID()
	for _, crtc := range p.crtcs {
		err := p.gpu.card.PageFlip(crtc.ID(), fbID, mode.PageFlipEvent, uint64(crtc.ID()))
		if err != nil {
			p.log.Warn().Err(err).Uint32("crtc", crtc.ID()).Msg("page flip failed")
			return false
		}
		crtc.SetNext(p.primaryBuffer)
		p.pendingFlips[crtc.ID()] = struct{}{}
	}
	return true
}

// checkTestBuffer makes sure an active pipeline has a buffer of the
// right size for test commits. The buffer it replaces is kept for
// rollback.
func (p *Pipeline) checkTestBuffer() bool {
	if !p.active {
		return true
	}
	size := p.SourceSize()
	if p.primaryBuffer != nil {
		if w, h := p.primaryBuffer.Size(); w == size.Width && h == size.Height {
			return true
		}
	}
	b := p.allocateTestBuffer(size)
	if b == nil {
		return false
	}
	if b.FramebufferID() == 0 {
		b.Release()
		return false
	}
	if p.hasOldTestBuffer {
		buffer.Release(p.primaryBuffer)
	} else {
		p.oldTestBuffer = p.primaryBuffer
		p.hasOldTestBuffer = true
	}
	p.primaryBuffer = b
	return true
}

func (p *Pipeline) allocateTestBuffer(size Size) buffer.Buffer {
	card := p.gpu.card
	if be := p.gpu.backend; be != nil {
		if be.EglDisplay() != 0 && p.output != nil {
			b := be.RenderTestFrame(p.output)
			if b == nil {
				p.log.Warn().Msg("backend could not render a test frame")
			}
			return b
		}
		if gbm := be.GbmDevice(); gbm != nil {
			b, err := buffer.AllocateGbm(card, gbm, size.Width, size.Height, mode.FormatXRGB8888)
			if err == nil {
				return b
			}
			p.log.Debug().Err(err).Msg("could not allocate a gbm test buffer")
		}
	}
	b, err := buffer.NewDumb(card, size.Width, size.Height, mode.FormatXRGB8888)
	if err != nil {
		p.log.Warn().Err(err).Msg("could not allocate a test buffer")
		return nil
	}
	return b
}

func (p *Pipeline) stageModes() {
	for i, conn := range p.connectors {
		m := conn.CurrentMode()
		p.crtcs[i].SetPendingBlob(CrtcModeID, m.Info.Bytes())
		if conn.HasOverscan() {
			conn.SetOverscan(conn.Overscan(), Size{m.Width, m.Height})
		}
	}
}

func (p *Pipeline) setModeIndex(index int) {
	for _, conn := range p.connectors {
		conn.SetModeIndex(index)
	}
}

// Modeset switches to mode index. If the mode does not work with the
// current transformation it is tried again without rotation.
func (p *Pipeline) Modeset(index int) bool {
	if index < 0 || index >= len(p.connectors[0].Modes()) {
		return false
	}
	old := p.ModeIndex()
	p.setModeIndex(index)
	if p.gpu.atomic {
		p.stageModes()
		works := p.Test()
		if !works && p.Transformation() != Rotate0 && p.setPendingTransformation(Rotate0) {
			p.setModeIndex(index)
			p.stageModes()
			works = p.Test()
		}
		if !works {
			p.log.Debug().Int("mode", index).Msg("modeset failed")
			p.setModeIndex(old)
			return false
		}
		return true
	}

	if !p.checkTestBuffer() {
		p.setModeIndex(old)
		return false
	}
	fbID := p.primaryBuffer.FramebufferID()
	for i, crtc := range p.crtcs {
		conn := p.connectors[i]
		pos := conn.TilePos()
		m := conn.CurrentMode().Info
		err := p.gpu.card.SetCrtc(crtc.ID(), fbID, uint32(pos.X), uint32(pos.Y),
			[]uint32{conn.ID()}, &m)
		if err != nil {
			p.log.Warn().Err(err).Uint32("crtc", crtc.ID()).Msg("setting crtc failed")
			p.setModeIndex(old)
			p.restoreOldTestBuffer()
			return false
		}
	}
	for _, conn := range p.connectors {
		conn.commitModeIndex()
	}
	p.dropOldTestBuffer()
	p.legacyNeedsModeset = false
	for _, crtc := range p.crtcs {
		if crtc.Current() != nil {
			crtc.SetNext(p.primaryBuffer)
		} else {
			crtc.SetCurrent(p.primaryBuffer)
		}
	}
	return true
}

// Setup stages the properties that take the outputs over from whatever
// drove them before: the mode found on the CRTC, the CRTC and plane
// routing and an unrotated plane covering the mode.
func (p *Pipeline) Setup() {
	if !p.gpu.atomic {
		return
	}
	for i, conn := range p.connectors {
		crtc := p.crtcs[i]
		if conn.CurrentCrtcID() == crtc.ID() {
			if m, ok := crtc.QueryCurrentMode(); ok {
				conn.FindCurrentMode(m)
			}
		}
		conn.setPending(int(ConnectorCrtcID), uint64(crtc.ID()))
		crtc.setPending(int(CrtcActive), 1)
		m := conn.CurrentMode()
		crtc.SetPendingBlob(CrtcModeID, m.Info.Bytes())
		p.planes[i].setPending(int(PlaneCrtcID), uint64(crtc.ID()))
		p.planes[i].SetTransformation(Rotate0)
	}
	p.stagePlaneGeometry()
}

func (p *Pipeline) stagePlaneGeometry() {
	transposed := p.Transformation().Transposed()
	for i, plane := range p.planes {
		conn := p.connectors[i]
		m := conn.CurrentMode()
		pos := conn.TilePos()
		src := Rect{X: pos.X, Y: pos.Y, Width: m.Width, Height: m.Height}
		if transposed {
			src = Rect{X: pos.Y, Y: pos.X, Width: m.Height, Height: m.Width}
		}
		plane.Set(src, Rect{Width: m.Width, Height: m.Height})
	}
}

func (p *Pipeline) populateAtomicValues(req *mode.AtomicRequest, flags *uint32) {
	if p.wantsFlipEvent() {
		*flags |= mode.PageFlipEvent
	}
	if p.needsModeset() {
		*flags |= mode.AtomicAllowModeset
	} else {
		*flags |= mode.AtomicNonblock
	}
	p.lastFlags = *flags

	if p.active {
		p.stagePlaneGeometry()
	}
	for i, plane := range p.planes {
		if p.active {
			plane.SetBuffer(p.crtcs[i].ID(), p.primaryBuffer)
		} else {
			plane.SetBuffer(0, nil)
		}
	}
	for _, o := range p.objects {
		o.AtomicPopulate(req)
	}
}

func (p *Pipeline) needsModeset() bool {
	for _, o := range p.objects {
		if o.NeedsModeset() {
			return true
		}
	}
	return false
}

// NeedsCommit reports whether any property has a staged change.
func (p *Pipeline) NeedsCommit() bool {
	for _, o := range p.objects {
		if o.NeedsCommit() {
			return true
		}
	}
	return false
}

// wantsFlipEvent reports whether commits of the pipeline complete with
// a page flip event. EGLStream flips complete through EGL.
func (p *Pipeline) wantsFlipEvent() bool {
	return p.active && !p.gpu.usesEglStreams()
}

// SetCursor shows b with the given hotspot on every CRTC. A nil buffer
// hides the cursor.
func (p *Pipeline) SetCursor(b *buffer.Dumb, hotspot Point) bool {
	if !p.cursor.dirtyBo && p.cursor.buf == b && p.cursor.hotspot == hotspot {
		return true
	}
	var handle uint32
	size := Size{defaultCursorSize, defaultCursorSize}
	if b != nil {
		handle = b.Handle()
		size.Width, size.Height = b.Size()
	}
	for _, crtc := range p.crtcs {
		err := p.gpu.card.SetCursor2(crtc.ID(), handle, size.Width, size.Height,
			hotspot.X, hotspot.Y)
		if errors.Is(err, unix.ENOTSUP) {
			err = p.gpu.card.SetCursor(crtc.ID(), handle, size.Width, size.Height)
		}
		if err != nil {
			p.log.Debug().Err(err).Uint32("crtc", crtc.ID()).Msg("setting cursor failed")
			return false
		}
	}
	if b != nil {
		b.Retain()
	}
	if p.cursor.buf != nil {
		p.cursor.buf.Release()
	}
	p.cursor.buf = b
	p.cursor.hotspot = hotspot
	p.cursor.dirtyBo = false
	return true
}

// MoveCursor moves the cursor to pos, in the coordinates of the whole
// output.
func (p *Pipeline) MoveCursor(pos Point) bool {
	if !p.cursor.dirtyPos && p.cursor.pos == pos {
		return true
	}
	p.cursor.pos = pos
	for i, crtc := range p.crtcs {
		tile := p.connectors[i].TilePos()
		err := p.gpu.card.MoveCursor(crtc.ID(), pos.X-tile.X, pos.Y-tile.Y)
		if err != nil {
			p.log.Debug().Err(err).Uint32("crtc", crtc.ID()).Msg("moving cursor failed")
			p.cursor.dirtyPos = true
			return false
		}
	}
	p.cursor.dirtyPos = false
	return true
}

func (p *Pipeline) CursorPos() Point {
	return p.cursor.pos
}

// IsCursorVisible reports whether a cursor is set and inside the output.
func (p *Pipeline) IsCursorVisible() bool {
	if p.cursor.buf == nil {
		return false
	}
	w, h := p.cursor.buf.Size()
	size := p.SourceSize()
	pos := p.cursor.pos
	return pos.X+int32(w) > 0 && pos.Y+int32(h) > 0 &&
		pos.X < int32(size.Width) && pos.Y < int32(size.Height)
}

func (p *Pipeline) hideCursor() {
	for _, crtc := range p.crtcs {
		if err := p.gpu.card.SetCursor(crtc.ID(), 0, 0, 0); err != nil {
			p.log.Debug().Err(err).Uint32("crtc", crtc.ID()).Msg("hiding cursor failed")
		}
	}
}

// SetActive turns the output on or off.
func (p *Pipeline) SetActive(active bool) bool {
	// the cursor has to go before the primary plane, amdgpu fails
	// the commit otherwise
	if p.active && !active {
		p.hideCursor()
	}
	old := p.active
	p.active = active

	var ok bool
	if p.gpu.atomic {
		p.stageActiveState()
		if active {
			ok = p.staleRetry(p.Test)
		} else {
			ok = p.atomicCommit()
		}
	} else {
		variant := DpmsOff
		if active {
			variant = DpmsOn
		}
		ok = true
		for _, conn := range p.connectors {
			if err := p.setDpms(conn, variant); err != nil {
				p.log.Warn().Err(err).Msg("setting dpms failed")
				ok = false
				break
			}
		}
	}

	if !ok {
		p.log.Debug().Bool("active", active).Msg("changing output state failed")
		p.active = old
	}
	if p.active {
		p.cursor.dirtyBo = true
		p.cursor.dirtyPos = true
		if p.cursor.buf != nil {
			p.SetCursor(p.cursor.buf, p.cursor.hotspot)
			p.MoveCursor(p.cursor.pos)
		}
	}
	return ok
}

func (p *Pipeline) setDpms(conn *Connector, variant int) error {
	prop := conn.Property(ConnectorDpms)
	if prop == nil {
		return ErrMissingRequiredProperty
	}
	value, ok := prop.enumValue(variant)
	if !ok {
		return ErrMissingRequiredProperty
	}
	return prop.SetPropertyLegacy(value)
}

// SetGammaRamp loads ramp into every CRTC, through GAMMA_LUT when all
// of them have it and with the legacy gamma ioctl otherwise.
func (p *Pipeline) SetGammaRamp(ramp GammaRamp) bool {
	if ramp.Size() == 0 {
		return false
	}
	hasLut := p.gpu.atomic
	for _, crtc := range p.crtcs {
		if crtc.Property(CrtcGammaLUT) == nil {
			hasLut = false
		}
	}
	if hasLut {
		lut := ramp.colorLut()
		for i, crtc := range p.crtcs {
			if !crtc.SetPendingBlob(CrtcGammaLUT, lut) {
				for _, staged := range p.crtcs[:i] {
					staged.Property(CrtcGammaLUT).RollbackPending()
				}
				return false
			}
		}
		return p.Test()
	}
	for _, crtc := range p.crtcs {
		err := p.gpu.card.SetGamma(crtc.ID(), ramp.Red, ramp.Green, ramp.Blue)
		if err != nil {
			p.log.Debug().Err(err).Uint32("crtc", crtc.ID()).Msg("setting gamma failed")
			return false
		}
	}
	return true
}

// SetSyncMode switches variable refresh on or off. Fixed refresh is
// always accepted.
func (p *Pipeline) SetSyncMode(sm SyncMode) bool {
	for i, crtc := range p.crtcs {
		if crtc.Property(CrtcVrrEnabled) == nil || !p.connectors[i].VrrCapable() {
			return sm == SyncFixed
		}
	}
	want := uint64(0)
	if sm == SyncAdaptive {
		want = 1
	}
	same := true
	for _, crtc := range p.crtcs {
		if crtc.Property(CrtcVrrEnabled).Pending() != want {
			same = false
		}
	}
	if same {
		return true
	}
	if p.gpu.atomic {
		for _, crtc := range p.crtcs {
			crtc.Property(CrtcVrrEnabled).SetPending(want)
		}
		return p.Test()
	}
	for _, crtc := range p.crtcs {
		if err := crtc.Property(CrtcVrrEnabled).SetPropertyLegacy(want); err != nil {
			p.log.Debug().Err(err).Msg("setting VRR_ENABLED failed")
			return false
		}
	}
	return true
}

// SyncMode returns the staged sync mode.
func (p *Pipeline) SyncMode() SyncMode {
	prop := p.crtcs[0].Property(CrtcVrrEnabled)
	if prop != nil && prop.Pending() != 0 {
		return SyncAdaptive
	}
	return SyncFixed
}

func (p *Pipeline) VrrCapable() bool {
	for i, crtc := range p.crtcs {
		if crtc.Property(CrtcVrrEnabled) == nil || !p.connectors[i].VrrCapable() {
			return false
		}
	}
	return true
}

// SetOverscan blanks overscan percent of the output's edges.
func (p *Pipeline) SetOverscan(overscan uint32) bool {
	if overscan > 100 {
		return false
	}
	if overscan != 0 && (len(p.connectors) > 1 || !p.HasOverscan()) {
		return false
	}
	for _, conn := range p.connectors {
		m := conn.CurrentMode()
		conn.SetOverscan(overscan, Size{m.Width, m.Height})
	}
	return p.Test()
}

func (p *Pipeline) HasOverscan() bool {
	for _, conn := range p.connectors {
		if !conn.HasOverscan() {
			return false
		}
	}
	return true
}

func (p *Pipeline) Overscan() uint32 {
	return p.connectors[0].Overscan()
}

// SetRgbRange sets the Broadcast RGB property. The legacy path has no
// way to set it.
func (p *Pipeline) SetRgbRange(r RgbRange) bool {
	if !p.gpu.atomic {
		return false
	}
	for _, conn := range p.connectors {
		prop := conn.Property(ConnectorBroadcastRGB)
		if prop == nil || !prop.HasEnum(int(r)) {
			return false
		}
	}
	for _, conn := range p.connectors {
		conn.Property(ConnectorBroadcastRGB).SetEnum(int(r))
	}
	return p.Test()
}

func (p *Pipeline) RgbRange() RgbRange {
	return p.connectors[0].RgbRange()
}

// SetTransformation rotates or reflects the output.
func (p *Pipeline) SetTransformation(t Transformation) bool {
	return p.setPendingTransformation(t) && p.Test()
}

func (p *Pipeline) setPendingTransformation(t Transformation) bool {
	if p.Transformation() == t {
		return true
	}
	if !p.gpu.atomic {
		return false
	}
	for i, plane := range p.planes {
		if !plane.SetTransformation(t) {
			for _, staged := range p.planes[:i] {
				staged.Property(PlaneRotation).RollbackPending()
			}
			return false
		}
	}
	return true
}

// Transformation is the staged transformation of the primary planes.
func (p *Pipeline) Transformation() Transformation {
	if len(p.planes) == 0 {
		return Rotate0
	}
	return p.planes[0].Transformation()
}

// PageFlipped advances the buffer slots after the kernel completed a
// flip.
func (p *Pipeline) PageFlipped() {
	for _, crtc := range p.crtcs {
		crtc.FlipBuffer()
	}
	for _, plane := range p.planes {
		plane.FlipBuffer()
	}
	clear(p.pendingFlips)
}

// flipCompleted handles the flip event of one CRTC and reports whether
// it was the last one the pipeline waited for.
func (p *Pipeline) flipCompleted(crtcID uint32) bool {
	if _, ok := p.pendingFlips[crtcID]; !ok {
		return false
	}
	delete(p.pendingFlips, crtcID)
	if len(p.pendingFlips) > 0 {
		return false
	}
	p.PageFlipped()
	return true
}

// IsComplete reports whether the tiles of a tiled display cover the
// whole tile grid.
func (p *Pipeline) IsComplete() bool {
	info := p.connectors[0].TilingInfo()
	if !info.IsTiled() || p.gpu.usesEglStreams() {
		return true
	}
	for x := 0; x < info.NumTilesX; x++ {
		for y := 0; y < info.NumTilesY; y++ {
			found := false
			for _, conn := range p.connectors {
				t := conn.TilingInfo()
				if t.GroupID == info.GroupID && t.LocX == x && t.LocY == y {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

func (p *Pipeline) TilingGroup() int {
	return p.connectors[0].TilingInfo().GroupID
}

// SourceSize is the size of the buffers presented on the output.
func (p *Pipeline) SourceSize() Size {
	size := p.connectors[0].TotalModeSize(p.ModeIndex())
	if p.Transformation().Transposed() {
		return Size{size.Height, size.Width}
	}
	return size
}

// ModeList returns the modes with the size of the whole output.
func (p *Pipeline) ModeList() []Mode {
	return p.connectors[0].ModeList()
}

func (p *Pipeline) ModeIndex() int {
	return p.connectors[0].ModeIndex()
}

func (p *Pipeline) CurrentMode() Mode {
	return p.ModeList()[p.ModeIndex()]
}

// CurrentBuffer is the buffer the kernel scans out.
func (p *Pipeline) CurrentBuffer() buffer.Buffer {
	if len(p.planes) > 0 {
		return p.planes[0].Current()
	}
	return p.crtcs[0].Current()
}

func (p *Pipeline) IsConnected() bool {
	for _, conn := range p.connectors {
		if !conn.IsConnected() {
			return false
		}
	}
	return true
}

// UpdateProperties reads back all properties and forces the cursor to
// be sent again.
func (p *Pipeline) UpdateProperties() {
	for _, o := range p.objects {
		if err := o.UpdateProperties(); err != nil {
			p.log.Warn().Err(err).Msg("updating properties failed")
		}
	}
	p.cursor.dirtyBo = true
	p.cursor.dirtyPos = true
}

// IsFormatSupported reports whether buffers of format can be scanned
// out by every tile.
func (p *Pipeline) IsFormatSupported(format uint32) bool {
	if !p.gpu.atomic {
		return format == mode.FormatXRGB8888 || format == mode.FormatARGB8888
	}
	for _, plane := range p.planes {
		if _, ok := plane.Formats()[format]; !ok {
			return false
		}
	}
	return true
}

// SupportedModifiers lists the modifiers the primary plane accepts for
// format. It is empty in legacy mode.
func (p *Pipeline) SupportedModifiers(format uint32) []uint64 {
	if !p.gpu.atomic || len(p.planes) == 0 {
		return nil
	}
	return p.planes[0].Formats()[format]
}

// PrintDebugInfo logs every property of every object at debug level.
func (p *Pipeline) PrintDebugInfo() {
	if p.log.GetLevel() > zerolog.DebugLevel {
		return
	}
	p.log.Debug().Uint32("flags", p.lastFlags).Msg("pipeline state")
	for _, o := range p.objects {
		for _, prop := range o.Properties() {
			p.log.Debug().
				Str("object", typeName(o.Type())).
				Uint32("id", o.ID()).
				Str("property", prop.Name()).
				Uint64("current", prop.Current()).
				Uint64("pending", prop.Pending()).
				Uint64("next", prop.Next()).
				Bool("legacy", prop.IsLegacy()).
				Bool("immutable", prop.IsImmutable()).
				Send()
		}
	}
}

func (p *Pipeline) teardown() {
	buffer.Release(p.primaryBuffer)
	p.primaryBuffer = nil
	p.dropOldTestBuffer()
	if p.cursor.buf != nil {
		p.cursor.buf.Release()
		p.cursor.buf = nil
	}
	clear(p.pendingFlips)
}
