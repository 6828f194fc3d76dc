package kms

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/NeowayLabs/kmspipe/buffer"
	"github.com/NeowayLabs/kmspipe/mode"
)

type fakeOutput struct {
	mock.Mock
}

func (o *fakeOutput) PageFlipped(timestamp time.Duration) {
	o.Called(timestamp)
}

type fakeBackend struct {
	mock.Mock
}

func (b *fakeBackend) RenderTestFrame(out Output) buffer.Buffer {
	ret, _ := b.Called(out).Get(0).(buffer.Buffer)
	return ret
}

func (b *fakeBackend) GbmDevice() buffer.GbmDevice {
	ret, _ := b.Called().Get(0).(buffer.GbmDevice)
	return ret
}

func (b *fakeBackend) EglDisplay() uintptr {
	return b.Called().Get(0).(uintptr)
}

func (b *fakeBackend) UseEglStreams() bool {
	return b.Called().Bool(0)
}

func (b *fakeBackend) PrimaryGpu() *Gpu {
	ret, _ := b.Called().Get(0).(*Gpu)
	return ret
}

// fakeBO is a GBM buffer object without memory behind it.
type fakeBO struct {
	handle, width, height, format uint32
	destroyed                     bool
}

func (b *fakeBO) Handle() uint32   { return b.handle }
func (b *fakeBO) Stride() uint32   { return b.width * 4 }
func (b *fakeBO) Width() uint32    { return b.width }
func (b *fakeBO) Height() uint32   { return b.height }
func (b *fakeBO) Format() uint32   { return b.format }
func (b *fakeBO) Modifier() uint64 { return mode.FormatModInvalid }
func (b *fakeBO) Destroy()         { b.destroyed = true }

type fakeGbmDevice struct {
	bos []*fakeBO
	err error
}

func (d *fakeGbmDevice) CreateBO(width, height, format, flags uint32) (buffer.GbmBO, error) {
	if d.err != nil {
		return nil, d.err
	}
	bo := &fakeBO{handle: uint32(len(d.bos) + 1), width: width, height: height, format: format}
	d.bos = append(d.bos, bo)
	return bo, nil
}

var (
	mode1080p = testMode(1920, 1080, 60)
	mode720p  = testMode(1280, 720, 60)
	mode4k    = testMode(3840, 2160, 60)
	modeTile  = testMode(1920, 2160, 60)
)

// simpleDevice has two CRTCs with a primary plane each, a cursor plane
// and one connected display with three modes.
func simpleDevice(t *testing.T, cfg connectorConfig) *mockCard {
	m := newMockCard(t)
	m.addCrtc()
	m.addCrtc()
	m.addPlane(1, 0b01)
	m.addPlane(1, 0b10)
	m.addPlane(2, 0b11)
	if cfg.modes == nil {
		cfg.modes = []mode.Info{mode1080p, mode720p, mode4k}
	}
	m.addConnector(cfg)
	return m
}

// tiledDevice has one display made of two 1920x2160 tiles.
func tiledDevice(t *testing.T) *mockCard {
	m := newMockCard(t)
	m.addCrtc()
	m.addCrtc()
	m.addPlane(1, 0b01)
	m.addPlane(1, 0b10)
	m.addConnector(connectorConfig{
		modes:     []mode.Info{modeTile},
		tile:      "7:1:2:1:1:0:1920:2160",
		underscan: true,
	})
	m.addConnector(connectorConfig{
		modes:     []mode.Info{modeTile},
		tile:      "7:1:2:1:0:0:1920:2160",
		underscan: true,
	})
	return m
}

func newTestGpu(t *testing.T, m *mockCard, opts Options) *Gpu {
	t.Helper()
	g, err := NewGpu(m, opts)
	require.NoError(t, err)
	return g
}

// setupOutputs creates the GPU and its pipelines.
func setupOutputs(t *testing.T, m *mockCard, opts Options) (*Gpu, []*Pipeline) {
	t.Helper()
	g := newTestGpu(t, m, opts)
	require.NoError(t, g.UpdateOutputs())
	return g, g.Pipelines()
}

func newFrame(t *testing.T, m *mockCard, size Size) *buffer.Dumb {
	t.Helper()
	b, err := buffer.NewDumb(m, size.Width, size.Height, mode.FormatXRGB8888)
	require.NoError(t, err)
	return b
}

// flip delivers the queued page flip events.
func flip(t *testing.T, g *Gpu) {
	t.Helper()
	require.NoError(t, g.DispatchEvents())
}

// requireSettled checks that no property has a staged change left.
func requireSettled(t *testing.T, p *Pipeline) {
	t.Helper()
	for _, o := range p.Objects() {
		for _, prop := range o.Properties() {
			require.Equalf(t, prop.Current(), prop.Pending(),
				"%s %d property %s", typeName(o.Type()), o.ID(), prop.Name())
		}
	}
}

// requestMode decodes the mode a request sets on a CRTC.
func (m *mockCard) requestMode(req *mode.AtomicRequest, crtcID uint32) (mode.Info, bool) {
	id := uint32(m.effective(req, crtcID, "MODE_ID"))
	blob, ok := m.blobs[id]
	if !ok {
		return mode.Info{}, false
	}
	info, err := mode.InfoFromBytes(blob)
	return info, err == nil
}

func sameMode(a, b mode.Info) bool {
	return bytes.Equal(a.Bytes(), b.Bytes())
}

// dropProperty removes a property from an object, as a driver lacking
// it would.
func (m *mockCard) dropProperty(objID uint32, name string) {
	o := m.objects[objID]
	for i, id := range o.props {
		if m.props[id].name == name {
			o.props = append(o.props[:i], o.props[i+1:]...)
			delete(o.values, id)
			return
		}
	}
	m.t.Fatalf("object %d has no property %q", objID, name)
}

func (m *mockCard) ioctlCount() int {
	return len(m.tests) + len(m.commits) + len(m.setCrtcs) + len(m.flips) +
		len(m.cursors) + len(m.moves) + m.gammas + m.setProps
}
