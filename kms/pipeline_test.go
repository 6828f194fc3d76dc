package kms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/NeowayLabs/kmspipe/buffer"
	"github.com/NeowayLabs/kmspipe/mode"
)

func TestLegacyPresent(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	kernel := m.blobSnapshot()
	g := newTestGpu(t, m, Options{DisableAtomic: true})
	require.False(t, g.Atomic())

	conn, err := newConnector(g, m.connectorIDs[0])
	require.NoError(t, err)
	p := NewPipeline(g, conn, g.Crtcs()[0], nil)
	g.connectors = []*Connector{conn}
	g.pipelines = []*Pipeline{p}

	b0 := newFrame(t, m, p.SourceSize())
	b1 := newFrame(t, m, p.SourceSize())

	require.True(t, p.Present(b0))
	require.Len(t, m.setCrtcs, 1)
	set := m.setCrtcs[0]
	assert.Equal(t, g.Crtcs()[0].ID(), set.crtcID)
	assert.Equal(t, b0.FramebufferID(), set.fbID)
	assert.Equal(t, []uint32{conn.ID()}, set.connectors)
	assert.True(t, sameMode(mode1080p, *set.mode))
	assert.True(t, p.PageFlipPending())
	flip(t, g)

	require.True(t, p.Present(b1))
	assert.Len(t, m.setCrtcs, 1, "no second modeset")
	require.Len(t, m.flips, 2)
	assert.Equal(t, pageFlipCall{g.Crtcs()[0].ID(), b1.FramebufferID(), mode.PageFlipEvent}, m.flips[1])
	assert.Equal(t, uint32(mode.PageFlipEvent), p.LastFlags())
	assert.Same(t, b0, p.CurrentBuffer())

	flip(t, g)
	assert.Same(t, b1, p.CurrentBuffer())
	assert.False(t, p.PageFlipPending())
	assert.Empty(t, m.commits)

	b0.Release()
	b1.Release()
	require.NoError(t, g.Close())
	m.verifyCleanup(t, kernel)
}

func TestLegacyFormatChangeModesets(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	g, ps := setupOutputs(t, m, Options{DisableAtomic: true})
	p := ps[0]
	require.Len(t, m.setCrtcs, 1)

	xrgb := newFrame(t, m, p.SourceSize())
	defer xrgb.Release()
	require.True(t, p.Present(xrgb))
	assert.Len(t, m.setCrtcs, 1, "same format, only a flip")
	flip(t, g)

	size := p.SourceSize()
	rgb565, err := buffer.NewDumb(m, size.Width, size.Height, mode.FormatRGB565)
	require.NoError(t, err)
	defer rgb565.Release()
	require.True(t, p.Present(rgb565))
	require.Len(t, m.setCrtcs, 2, "a new format needs a modeset")
	assert.Equal(t, rgb565.FramebufferID(), m.setCrtcs[1].fbID)
	assert.True(t, sameMode(mode1080p, *m.setCrtcs[1].mode))
	require.NotEmpty(t, m.flips)
	assert.Equal(t, rgb565.FramebufferID(), m.flips[len(m.flips)-1].fbID)
	flip(t, g)
	assert.Same(t, rgb565, p.CurrentBuffer())
}

func TestTestBufferAllocation(t *testing.T) {
	tests := []struct {
		name    string
		backend bool
		egl     bool
		gbm     buffer.GbmDevice
		want    string
	}{
		{name: "no backend", want: "dumb"},
		{name: "backend renders", backend: true, egl: true, want: "rendered"},
		{name: "gbm", backend: true, gbm: &fakeGbmDevice{}, want: "gbm"},
		{name: "gbm fails", backend: true, gbm: &fakeGbmDevice{err: unix.ENOMEM}, want: "dumb"},
		{name: "backend without gbm", backend: true, want: "dumb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := simpleDevice(t, connectorConfig{})
			g, ps := setupOutputs(t, m, Options{})
			p := ps[0]
			out := &fakeOutput{}
			p.SetOutput(out)

			var rendered *buffer.Dumb
			if tt.backend {
				backend := &fakeBackend{}
				display := uintptr(0)
				if tt.egl {
					display = 1
					rendered = newFrame(t, m, Size{1280, 720})
					backend.On("RenderTestFrame", out).Return(rendered).Once()
				}
				backend.On("EglDisplay").Return(display)
				backend.On("GbmDevice").Return(tt.gbm).Maybe()
				backend.On("UseEglStreams").Return(false).Maybe()
				g.SetBackend(backend)
				defer backend.AssertExpectations(t)
			}

			require.True(t, p.Modeset(1))
			b := p.PrimaryBuffer()
			require.NotNil(t, b)
			w, h := b.Size()
			assert.Equal(t, Size{1280, 720}, Size{w, h})
			assert.Contains(t, m.fbs, b.FramebufferID())

			switch tt.want {
			case "rendered":
				assert.Same(t, rendered, b)
				assert.Equal(t, int32(1), rendered.Refs(), "the pipeline owns the frame")
			case "gbm":
				require.IsType(t, &buffer.Gbm{}, b)
				dev := tt.gbm.(*fakeGbmDevice)
				require.Len(t, dev.bos, 1)
				assert.Same(t, dev.bos[0], b.(*buffer.Gbm).BO())
			case "dumb":
				assert.IsType(t, &buffer.Dumb{}, b)
			}
		})
	}
}

func TestLegacyFlipBusy(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	g, ps := setupOutputs(t, m, Options{DisableAtomic: true})
	require.Len(t, ps, 1)
	p := ps[0]
	require.Len(t, m.setCrtcs, 1)

	b := newFrame(t, m, p.SourceSize())
	defer b.Release()
	require.True(t, p.Present(b))
	assert.False(t, p.Present(b), "the kernel refuses a second flip")
	flip(t, g)
	assert.True(t, p.Present(b))
}

func TestTestRejectionRollsBack(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	_, ps := setupOutputs(t, m, Options{})
	p := ps[0]
	primary := p.PrimaryBuffer()
	fbs := len(m.fbs)
	m.reject = func(m *mockCard, req *mode.AtomicRequest) bool {
		return m.effective(req, p.PrimaryPlanes()[0].ID(), "rotation") == 1<<1
	}

	assert.False(t, p.SetTransformation(Rotate90))
	assert.Equal(t, Rotate0, p.Transformation())
	requireSettled(t, p)
	assert.Same(t, primary, p.PrimaryBuffer())
	assert.Equal(t, fbs, len(m.fbs), "the test buffer is gone")
	assert.Equal(t, Size{1920, 1080}, p.SourceSize())
}

func TestModesetRetriesWithoutRotation(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	g, ps := setupOutputs(t, m, Options{})
	p := ps[0]
	crtc := p.Crtcs()[0].ID()
	plane := p.PrimaryPlanes()[0].ID()

	require.True(t, p.SetTransformation(Rotate90))
	assert.Equal(t, Size{1080, 1920}, p.SourceSize())
	b := newFrame(t, m, p.SourceSize())
	defer b.Release()
	require.True(t, p.Present(b))
	flip(t, g)
	require.Equal(t, uint64(1<<1), m.value(plane, "rotation"))

	m.reject = func(m *mockCard, req *mode.AtomicRequest) bool {
		info, ok := m.requestMode(req, crtc)
		return ok && sameMode(info, mode4k) && m.effective(req, plane, "rotation") == 1<<1
	}
	tests := len(m.tests)
	require.True(t, p.Modeset(2))
	assert.Equal(t, 2, p.CurrentMode().Index)
	assert.Equal(t, Rotate0, p.Transformation())
	assert.Equal(t, Size{3840, 2160}, p.SourceSize())
	assert.Equal(t, tests+1, len(m.tests), "one rejected and one accepted test")

	b4k := newFrame(t, m, p.SourceSize())
	defer b4k.Release()
	require.True(t, p.Present(b4k))
	assert.Equal(t, uint64(1), m.value(plane, "rotation"))
	info, ok := m.requestMode(mode.NewAtomicRequest(), crtc)
	require.True(t, ok)
	assert.True(t, sameMode(mode4k, info))
	flip(t, g)
	assert.Same(t, b4k, p.CurrentBuffer())
}

func TestModesetFailureKeepsMode(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	_, ps := setupOutputs(t, m, Options{})
	p := ps[0]
	primary := p.PrimaryBuffer()
	m.reject = func(m *mockCard, req *mode.AtomicRequest) bool {
		info, ok := m.requestMode(req, p.Crtcs()[0].ID())
		return ok && sameMode(info, mode720p)
	}

	assert.False(t, p.Modeset(1))
	assert.Equal(t, 0, p.CurrentMode().Index)
	assert.Same(t, primary, p.PrimaryBuffer())
	requireSettled(t, p)

	assert.False(t, p.Modeset(3))
	assert.False(t, p.Modeset(-1))
}

func TestTiledComposition(t *testing.T) {
	m := tiledDevice(t)
	kernel := m.blobSnapshot()
	g, ps := setupOutputs(t, m, Options{})
	require.Len(t, ps, 1)
	p := ps[0]

	require.Len(t, p.Connectors(), 2)
	assert.Equal(t, 0, p.Connectors()[0].TilingInfo().LocX)
	assert.Equal(t, 1, p.Connectors()[1].TilingInfo().LocX)
	assert.True(t, p.IsComplete())
	assert.Equal(t, 7, p.TilingGroup())
	assert.Equal(t, Size{3840, 2160}, p.SourceSize())
	assert.Equal(t, uint32(3840), p.CurrentMode().Width)

	planes := p.PrimaryPlanes()
	require.Len(t, planes, 2)
	assert.Equal(t, uint64(0), m.value(planes[0].ID(), "SRC_X"))
	assert.Equal(t, uint64(1920<<16), m.value(planes[1].ID(), "SRC_X"))
	assert.Equal(t, uint64(1920<<16), m.value(planes[1].ID(), "SRC_W"))
	assert.Equal(t, uint64(1920), m.value(planes[1].ID(), "CRTC_W"))
	assert.Equal(t, uint64(0), m.value(planes[1].ID(), "CRTC_X"))

	commit := m.lastCommit()
	found := false
	for _, it := range commit.items {
		if it.Object == planes[1].ID() && it.Property == planes[1].Property(PlaneSrcX).ID() {
			assert.Equal(t, uint64(1920<<16), it.Value)
			found = true
		}
	}
	assert.True(t, found)
	assert.NotZero(t, commit.flags&mode.AtomicAllowModeset)

	// both tiles scan out the same buffer
	fb := m.value(planes[0].ID(), "FB_ID")
	assert.NotZero(t, fb)
	assert.Equal(t, fb, m.value(planes[1].ID(), "FB_ID"))

	b := newFrame(t, m, p.SourceSize())
	require.True(t, p.Present(b))
	b.Release()
	assert.Equal(t, 2, len(m.events), "one event per tile")
	flip(t, g)
	assert.False(t, p.PageFlipPending())

	require.NoError(t, g.Close())
	m.verifyCleanup(t, kernel)
}

func TestTiledOverscanRejected(t *testing.T) {
	m := tiledDevice(t)
	_, ps := setupOutputs(t, m, Options{})
	p := ps[0]
	before := m.ioctlCount()

	assert.False(t, p.SetOverscan(5))
	assert.Equal(t, before, m.ioctlCount())
	requireSettled(t, p)
	assert.Equal(t, uint32(0), p.Overscan())
}

func TestEglStreamPresentBypass(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	g, ps := setupOutputs(t, m, Options{})
	p := ps[0]

	backend := &fakeBackend{}
	backend.On("UseEglStreams").Return(true)
	backend.On("PrimaryGpu").Return(g)
	g.SetBackend(backend)

	before := m.ioctlCount()
	b := buffer.NewEglStream(1, 77, 1920, 1080, mode.FormatXRGB8888)
	assert.True(t, p.Present(b))
	assert.Equal(t, before, m.ioctlCount())
	assert.Same(t, b, p.PrimaryBuffer())
	assert.False(t, p.PageFlipPending())
	backend.AssertExpectations(t)
}

func TestEglStreamOnOtherGpu(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	g, ps := setupOutputs(t, m, Options{})
	p := ps[0]

	backend := &fakeBackend{}
	backend.On("UseEglStreams").Return(true)
	backend.On("PrimaryGpu").Return(nil)
	g.SetBackend(backend)

	b := newFrame(t, m, p.SourceSize())
	defer b.Release()
	commits := m.commitCount()
	assert.True(t, p.Present(b))
	assert.Equal(t, commits+1, m.commitCount())
}

func TestPresentRejectsInvalidBuffer(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	_, ps := setupOutputs(t, m, Options{})
	p := ps[0]

	assert.False(t, p.Present(nil))
	assert.False(t, p.Present(buffer.NewEglStream(1, 0, 1920, 1080, mode.FormatXRGB8888)))
}

func TestPageFlipSlots(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	out := &fakeOutput{}
	out.On("PageFlipped", mock.Anything).Once()
	g := newTestGpu(t, m, Options{})
	g.SetOutput("DP-1", out)
	require.NoError(t, g.UpdateOutputs())
	p := g.Pipelines()[0]
	require.Same(t, out, p.Output())
	plane := p.PrimaryPlanes()[0]
	test := plane.Current()
	require.NotNil(t, test)

	b := newFrame(t, m, p.SourceSize())
	defer b.Release()
	require.True(t, p.Present(b))
	assert.Same(t, test, plane.Current())
	assert.Same(t, b, plane.Next())
	commit := m.lastCommit()
	assert.NotZero(t, commit.flags&mode.PageFlipEvent)
	assert.NotZero(t, commit.flags&mode.AtomicNonblock)
	assert.Zero(t, commit.flags&mode.AtomicAllowModeset)
	assert.Equal(t, uint64(p.Crtcs()[0].ID()), commit.userData)

	flip(t, g)
	assert.Same(t, b, plane.Current())
	assert.Nil(t, plane.Next())
	out.AssertExpectations(t)
}

func TestStaleRetry(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	_, ps := setupOutputs(t, m, Options{})
	p := ps[0]
	crtc := p.Crtcs()[0].ID()

	// another master switched the output off behind our back
	m.setValue(p.Connectors()[0].ID(), "CRTC_ID", 0)
	m.setValue(crtc, "ACTIVE", 0)
	refused := 0
	m.reject = func(m *mockCard, req *mode.AtomicRequest) bool {
		if m.effective(req, crtc, "ACTIVE") == 0 {
			refused++
			return true
		}
		return false
	}

	b := newFrame(t, m, p.SourceSize())
	defer b.Release()
	require.True(t, p.Present(b))
	assert.Equal(t, 1, refused)
	assert.Equal(t, uint64(1), m.value(crtc, "ACTIVE"))
	assert.Equal(t, uint64(crtc), m.value(p.Connectors()[0].ID(), "CRTC_ID"))
	assert.NotZero(t, m.lastCommit().flags&mode.AtomicAllowModeset)
	requireSettled(t, p)
}

func TestPresentFailureRollsBack(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	_, ps := setupOutputs(t, m, Options{})
	p := ps[0]
	plane := p.PrimaryPlanes()[0]
	shown := plane.Current()
	m.reject = func(*mockCard, *mode.AtomicRequest) bool { return true }

	b := newFrame(t, m, p.SourceSize())
	defer b.Release()
	tests, commits := len(m.tests), m.commitCount()
	assert.False(t, p.Present(b))
	assert.Equal(t, tests, len(m.tests))
	assert.Equal(t, commits, m.commitCount())
	assert.Same(t, shown, plane.Current())
	assert.False(t, p.PageFlipPending())
	requireSettled(t, p)
}

func TestSetActive(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	g, ps := setupOutputs(t, m, Options{})
	p := ps[0]
	plane := p.PrimaryPlanes()[0].ID()
	crtc := p.Crtcs()[0].ID()

	require.True(t, p.SetActive(false))
	assert.False(t, p.IsActive())
	assert.Equal(t, uint64(0), m.value(plane, "FB_ID"))
	assert.Equal(t, uint64(0), m.value(plane, "CRTC_ID"))
	assert.Equal(t, uint64(0), m.value(crtc, "ACTIVE"))
	assert.Equal(t, uint64(0), m.value(crtc, "MODE_ID"))
	assert.Zero(t, m.lastCommit().flags&mode.PageFlipEvent)
	assert.Nil(t, p.PrimaryPlanes()[0].Current())
	requireSettled(t, p)

	b := newFrame(t, m, p.SourceSize())
	defer b.Release()
	commits := m.commitCount()
	assert.True(t, p.Present(b), "presenting on an inactive output is a no-op")
	assert.Equal(t, commits, m.commitCount())

	require.True(t, p.SetActive(true))
	assert.True(t, p.IsActive())
	assert.Equal(t, commits, m.commitCount(), "activation is only tested")
	require.True(t, p.Present(b))
	assert.Equal(t, uint64(b.FramebufferID()), m.value(plane, "FB_ID"))
	assert.Equal(t, uint64(1), m.value(crtc, "ACTIVE"))
	assert.NotZero(t, m.lastCommit().flags&mode.AtomicAllowModeset)
	flip(t, g)
}

func TestSetActiveFailureRestoresState(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	_, ps := setupOutputs(t, m, Options{})
	p := ps[0]
	m.reject = func(*mockCard, *mode.AtomicRequest) bool { return true }

	assert.False(t, p.SetActive(false))
	assert.True(t, p.IsActive())
	requireSettled(t, p)
}

// rejectOnce makes the fake kernel refuse the next request only.
func rejectOnce(m *mockCard) *int {
	refused := 0
	m.reject = func(*mockCard, *mode.AtomicRequest) bool {
		refused++
		return refused == 1
	}
	return &refused
}

func TestSetActiveRetryStagesAgain(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	g, ps := setupOutputs(t, m, Options{})
	p := ps[0]
	conn := p.Connectors()[0]
	crtc := p.Crtcs()[0]

	require.True(t, p.SetActive(false))
	require.Equal(t, uint64(0), m.value(crtc.ID(), "ACTIVE"))

	refused := rejectOnce(m)
	require.True(t, p.SetActive(true))
	assert.Equal(t, 2, *refused, "rejected once, then tested again")
	assert.Equal(t, uint64(1), crtc.Property(CrtcActive).Pending())
	assert.Equal(t, uint64(crtc.ID()), conn.Property(ConnectorCrtcID).Pending())
	assert.NotZero(t, crtc.Property(CrtcModeID).Pending())

	b := newFrame(t, m, p.SourceSize())
	defer b.Release()
	require.True(t, p.Present(b))
	assert.Equal(t, uint64(1), m.value(crtc.ID(), "ACTIVE"))
	assert.Equal(t, uint64(crtc.ID()), m.value(conn.ID(), "CRTC_ID"))
	assert.Equal(t, uint64(b.FramebufferID()), m.value(p.PrimaryPlanes()[0].ID(), "FB_ID"))
	kernelMode, err := mode.InfoFromBytes(m.blobs[uint32(m.value(crtc.ID(), "MODE_ID"))])
	require.NoError(t, err)
	assert.True(t, sameMode(mode1080p, kernelMode))
	flip(t, g)
	requireSettled(t, p)
}

func TestPresentRetryKeepsActivation(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	g, ps := setupOutputs(t, m, Options{})
	p := ps[0]
	crtc := p.Crtcs()[0].ID()

	require.True(t, p.SetActive(false))
	require.True(t, p.SetActive(true))

	refused := rejectOnce(m)
	b := newFrame(t, m, p.SourceSize())
	defer b.Release()
	require.True(t, p.Present(b))
	assert.Equal(t, 3, *refused, "rejected test, then test and commit")
	assert.Equal(t, uint64(1), m.value(crtc, "ACTIVE"))
	assert.NotZero(t, m.value(crtc, "MODE_ID"))
	assert.NotZero(t, m.lastCommit().flags&mode.AtomicAllowModeset)
	flip(t, g)
	requireSettled(t, p)
}

func TestLegacySetActive(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	_, ps := setupOutputs(t, m, Options{DisableAtomic: true})
	p := ps[0]
	conn := p.Connectors()[0].ID()

	require.True(t, p.SetActive(false))
	assert.Equal(t, uint64(3), m.value(conn, "DPMS"))
	require.True(t, p.SetActive(true))
	assert.Equal(t, uint64(0), m.value(conn, "DPMS"))
}

func TestCursor(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	_, ps := setupOutputs(t, m, Options{})
	p := ps[0]
	crtc := p.Crtcs()[0].ID()

	cursor := newFrame(t, m, Size{64, 64})
	defer cursor.Release()
	require.True(t, p.SetCursor(cursor, Point{2, 3}))
	require.Len(t, m.cursors, 1)
	assert.Equal(t, cursorCall{crtc, cursor.Handle(), false}, m.cursors[0])
	require.True(t, p.SetCursor(cursor, Point{2, 3}))
	assert.Len(t, m.cursors, 1)

	require.True(t, p.MoveCursor(Point{100, 200}))
	require.True(t, p.MoveCursor(Point{100, 200}))
	require.Len(t, m.moves, 1)
	assert.Equal(t, moveCall{crtc, 100, 200}, m.moves[0])
	assert.Equal(t, Point{100, 200}, p.CursorPos())
	assert.True(t, p.IsCursorVisible())

	p.MoveCursor(Point{-64, 0})
	assert.False(t, p.IsCursorVisible())

	m.cursor2Err = unix.ENOTSUP
	require.True(t, p.SetCursor(cursor, Point{0, 0}))
	assert.True(t, m.cursors[len(m.cursors)-1].legacy)

	require.True(t, p.SetCursor(nil, Point{}))
	assert.Equal(t, uint32(0), m.cursors[len(m.cursors)-1].handle)
	assert.False(t, p.IsCursorVisible())
}

func TestTiledCursorPosition(t *testing.T) {
	m := tiledDevice(t)
	_, ps := setupOutputs(t, m, Options{})
	p := ps[0]

	require.True(t, p.MoveCursor(Point{2000, 10}))
	require.Len(t, m.moves, 2)
	assert.Equal(t, moveCall{p.Crtcs()[0].ID(), 2000, 10}, m.moves[0])
	assert.Equal(t, moveCall{p.Crtcs()[1].ID(), 80, 10}, m.moves[1])
}

func TestCursorRestoredOnActivation(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	_, ps := setupOutputs(t, m, Options{})
	p := ps[0]
	cursor := newFrame(t, m, Size{64, 64})
	defer cursor.Release()
	require.True(t, p.SetCursor(cursor, Point{}))
	require.True(t, p.MoveCursor(Point{5, 5}))

	require.True(t, p.SetActive(false))
	hide := m.cursors[len(m.cursors)-1]
	assert.Equal(t, uint32(0), hide.handle)

	require.True(t, p.SetActive(true))
	assert.Equal(t, cursor.Handle(), m.cursors[len(m.cursors)-1].handle)
	assert.Len(t, m.moves, 2)
}

func TestGammaLut(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	_, ps := setupOutputs(t, m, Options{})
	p := ps[0]

	ramp := GammaRamp{
		Red:   make([]uint16, 256),
		Green: make([]uint16, 256),
		Blue:  make([]uint16, 256),
	}
	for i := range ramp.Red {
		ramp.Red[i] = uint16(i << 8)
		ramp.Blue[i] = 0xffff
	}
	require.True(t, p.SetGammaRamp(ramp))
	lut := p.Crtcs()[0].Property(CrtcGammaLUT)
	blob := m.blobs[uint32(lut.Pending())]
	require.Len(t, blob, 256*8)
	assert.Equal(t, []byte{0, 1, 0, 0, 0xff, 0xff, 0, 0}, blob[8:16])
	assert.Zero(t, m.gammas)

	assert.False(t, p.SetGammaRamp(GammaRamp{Red: []uint16{1}}))
}

func TestLegacyGamma(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	_, ps := setupOutputs(t, m, Options{DisableAtomic: true})
	p := ps[0]

	ramp := GammaRamp{Red: []uint16{0, 1}, Green: []uint16{0, 1}, Blue: []uint16{0, 1}}
	require.True(t, p.SetGammaRamp(ramp))
	assert.Equal(t, 1, m.gammas)
}

func TestSyncMode(t *testing.T) {
	m := simpleDevice(t, connectorConfig{vrr: true})
	_, ps := setupOutputs(t, m, Options{})
	p := ps[0]

	require.True(t, p.VrrCapable())
	require.True(t, p.SetSyncMode(SyncAdaptive))
	assert.Equal(t, SyncAdaptive, p.SyncMode())
	require.True(t, p.SetSyncMode(SyncAdaptive))
	require.True(t, p.SetSyncMode(SyncFixed))
	assert.Equal(t, SyncFixed, p.SyncMode())
}

func TestSyncModeWithoutVrr(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	_, ps := setupOutputs(t, m, Options{})
	p := ps[0]

	assert.False(t, p.VrrCapable())
	assert.False(t, p.SetSyncMode(SyncAdaptive))
	assert.True(t, p.SetSyncMode(SyncFixed))
	assert.Equal(t, SyncFixed, p.SyncMode())
}

func TestRgbRange(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	_, ps := setupOutputs(t, m, Options{})
	p := ps[0]

	require.True(t, p.SetRgbRange(RgbRangeFull))
	assert.Equal(t, RgbRangeFull, p.RgbRange())
	assert.Equal(t, "full", p.RgbRange().String())
	assert.False(t, p.SetRgbRange(RgbRange(9)))
	assert.Equal(t, RgbRangeFull, p.RgbRange())
}

func TestLegacyRgbRange(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	_, ps := setupOutputs(t, m, Options{DisableAtomic: true})
	p := ps[0]

	assert.False(t, p.SetRgbRange(RgbRangeLimited))
	assert.Equal(t, RgbRangeAutomatic, p.RgbRange())
}

func TestOverscan(t *testing.T) {
	m := simpleDevice(t, connectorConfig{overscan: true})
	_, ps := setupOutputs(t, m, Options{})
	p := ps[0]

	require.True(t, p.HasOverscan())
	require.True(t, p.SetOverscan(5))
	assert.Equal(t, uint32(5), p.Overscan())
	assert.False(t, p.SetOverscan(101))
}

func TestOverscanUnsupported(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	_, ps := setupOutputs(t, m, Options{})
	p := ps[0]

	assert.False(t, p.HasOverscan())
	assert.False(t, p.SetOverscan(5))
	assert.True(t, p.SetOverscan(0))
}

func TestTransformationWithoutRotationProperty(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	for _, id := range m.planeIDs {
		m.dropProperty(id, "rotation")
	}
	_, ps := setupOutputs(t, m, Options{})
	p := ps[0]

	assert.True(t, p.SetTransformation(Rotate0))
	assert.False(t, p.SetTransformation(Rotate180))
	assert.Equal(t, Rotate0, p.Transformation())
}

func TestFormats(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	_, ps := setupOutputs(t, m, Options{})
	p := ps[0]

	assert.True(t, p.IsFormatSupported(mode.FormatXRGB8888))
	assert.False(t, p.IsFormatSupported(mode.FormatRGB565))
	assert.Equal(t, []uint64{mode.FormatModLinear}, p.SupportedModifiers(mode.FormatARGB8888))
}

func TestGroupCommit(t *testing.T) {
	m := simpleDevice(t, connectorConfig{})
	m.addConnector(connectorConfig{modes: []mode.Info{mode720p}})
	_, ps := setupOutputs(t, m, Options{})
	require.Len(t, ps, 2)
	a, b := ps[0], ps[1]

	// the second output refuses a mode change, the first must not
	// keep its own
	a.Connectors()[0].SetModeIndex(1)
	a.stageModes()
	b.Crtcs()[0].Property(CrtcActive).SetPending(0)
	m.reject = func(m *mockCard, req *mode.AtomicRequest) bool {
		return m.effective(req, b.Crtcs()[0].ID(), "ACTIVE") == 0
	}
	assert.False(t, CommitPipelines(ps, Commit))
	requireSettled(t, a)
	requireSettled(t, b)
	assert.Equal(t, 0, a.ModeIndex())

	m.reject = nil
	a.Connectors()[0].SetModeIndex(1)
	a.stageModes()
	require.True(t, CommitPipelines(ps, Commit))
	assert.Equal(t, 1, a.CurrentMode().Index)
	requireSettled(t, a)
}
