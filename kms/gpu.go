package kms

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	drm "github.com/NeowayLabs/kmspipe"
	"github.com/NeowayLabs/kmspipe/mode"
)

const idleTimeout = 30 * time.Second

type (
	// Options configure NewGpu.
	Options struct {
		Logger *zerolog.Logger
		// DisableAtomic forces the legacy modesetting path.
		DisableAtomic bool
		Backend       Backend
	}

	// Gpu owns a DRM device and every object and pipeline on it.
	Gpu struct {
		card    Card
		log     zerolog.Logger
		backend Backend

		atomic          bool
		nvidia          bool
		monotonic       bool
		addFB2Modifiers bool
		cursorSize      Size

		crtcs      []*Crtc
		planes     []*Plane
		connectors []*Connector
		pipelines  []*Pipeline

		// outputs survive pipeline rebuilds, keyed by connector name
		outputs map[string]Output
	}
)

// NewGpu takes over card. Atomic modesetting is used unless disabled
// or the driver has no usable planes. Pipelines are built by
// UpdateOutputs.
func NewGpu(card Card, opts Options) (*Gpu, error) {
	g := &Gpu{
		card:       card,
		log:        zerolog.Nop(),
		backend:    opts.Backend,
		cursorSize: Size{defaultCursorSize, defaultCursorSize},
		outputs:    map[string]Output{},
	}
	if opts.Logger != nil {
		g.log = *opts.Logger
	}

	if v, err := card.Version(); err == nil {
		g.nvidia = strings.Contains(v.Name, "nvidia-drm")
		g.log = g.log.With().Str("driver", v.Name).Logger()
	} else {
		g.log.Debug().Err(err).Msg("could not query driver version")
	}
	if w, err := card.GetCap(drm.CapCursorWidth); err == nil && w > 0 {
		g.cursorSize.Width = uint32(w)
	}
	if h, err := card.GetCap(drm.CapCursorHeight); err == nil && h > 0 {
		g.cursorSize.Height = uint32(h)
	}
	if v, err := card.GetCap(drm.CapTimestampMonotonic); err == nil {
		g.monotonic = v != 0
	}
	if v, err := card.GetCap(drm.CapAddFB2Modifiers); err == nil {
		g.addFB2Modifiers = v != 0
	}

	if opts.DisableAtomic {
		g.log.Info().Msg("atomic modesetting disabled")
	} else if err := card.SetClientCap(drm.ClientCapAtomic, 1); err != nil {
		g.log.Info().Err(err).Msg("no atomic modesetting, using the legacy path")
	} else {
		g.atomic = true
		if !g.initPlanes() {
			g.log.Warn().Msg("no usable planes, falling back to the legacy path")
			g.atomic = false
		}
	}

	res, err := card.Resources()
	if err != nil {
		g.teardownObjects()
		return nil, fmt.Errorf("get resources: %w", err)
	}
	for i, id := range res.Crtcs {
		crtc, err := newCrtc(g, id, i)
		if err != nil {
			g.teardownObjects()
			return nil, fmt.Errorf("crtc %d: %w", id, err)
		}
		g.crtcs = append(g.crtcs, crtc)
	}
	g.log.Debug().Bool("atomic", g.atomic).
		Int("crtcs", len(g.crtcs)).
		Int("planes", len(g.planes)).
		Msg("gpu initialized")
	return g, nil
}

func (g *Gpu) initPlanes() bool {
	ids, err := g.card.PlaneResources()
	if err != nil {
		g.log.Warn().Err(err).Msg("could not list planes")
		return false
	}
	for _, id := range ids {
		plane, err := newPlane(g, id)
		if err != nil {
			g.log.Debug().Err(err).Uint32("plane", id).Msg("skipping plane")
			continue
		}
		g.planes = append(g.planes, plane)
	}
	return len(g.planes) > 0
}

func (g *Gpu) Card() Card {
	return g.card
}

func (g *Gpu) Logger() *zerolog.Logger {
	return &g.log
}

// Atomic reports whether atomic modesetting is used.
func (g *Gpu) Atomic() bool {
	return g.atomic
}

// IsNvidia reports the proprietary NVIDIA driver, which wants EGLStreams.
func (g *Gpu) IsNvidia() bool {
	return g.nvidia
}

func (g *Gpu) AddFB2Modifiers() bool {
	return g.addFB2Modifiers
}

func (g *Gpu) CursorSize() Size {
	return g.cursorSize
}

func (g *Gpu) Backend() Backend {
	return g.backend
}

func (g *Gpu) SetBackend(b Backend) {
	g.backend = b
}

func (g *Gpu) usesEglStreams() bool {
	return g.backend != nil && g.backend.UseEglStreams() && g.backend.PrimaryGpu() == g
}

func (g *Gpu) Crtcs() []*Crtc {
	return g.crtcs
}

func (g *Gpu) Planes() []*Plane {
	return g.planes
}

// Connectors returns the connected desktop connectors.
func (g *Gpu) Connectors() []*Connector {
	return g.connectors
}

func (g *Gpu) Pipelines() []*Pipeline {
	return g.pipelines
}

// SetOutput attaches out to the pipeline driving the named connector,
// now and after the pipelines are rebuilt.
func (g *Gpu) SetOutput(connector string, out Output) {
	g.outputs[connector] = out
	for _, p := range g.pipelines {
		if p.connectors[0].Name() == connector {
			p.SetOutput(out)
		}
	}
}

// UpdateOutputs rescans the connectors. When the set of connected
// outputs changed, pipelines are rebuilt with a configuration the
// kernel accepts and committed.
func (g *Gpu) UpdateOutputs() error {
	res, err := g.card.Resources()
	if err != nil {
		return fmt.Errorf("get resources: %w", err)
	}

	known := make(map[uint32]*Connector, len(g.connectors))
	for _, c := range g.connectors {
		known[c.ID()] = c
	}
	var connectors []*Connector
	for _, id := range res.Connectors {
		c, ok := known[id]
		delete(known, id)
		if ok {
			err = c.UpdateProperties()
		} else {
			c, err = newConnector(g, id)
		}
		if err != nil {
			g.log.Debug().Err(err).Uint32("connector", id).Msg("skipping connector")
			if ok {
				c.Teardown()
			}
			continue
		}
		if !c.IsConnected() || c.IsNonDesktop() {
			c.Teardown()
			continue
		}
		connectors = append(connectors, c)
	}
	for _, c := range known {
		c.Teardown()
	}

	for _, crtc := range g.crtcs {
		if err := crtc.UpdateProperties(); err != nil {
			g.log.Warn().Err(err).Uint32("crtc", crtc.ID()).Msg("updating crtc failed")
		}
	}
	for _, plane := range g.planes {
		if err := plane.UpdateProperties(); err != nil {
			g.log.Warn().Err(err).Uint32("plane", plane.ID()).Msg("updating plane failed")
		}
	}

	changed := len(connectors) != len(g.connectors)
	previous := make(map[*Connector]bool, len(g.connectors))
	for _, c := range g.connectors {
		previous[c] = true
	}
	for _, c := range connectors {
		changed = changed || !previous[c]
	}
	g.connectors = connectors
	if !changed && len(g.pipelines) > 0 {
		return nil
	}

	if g.atomic {
		sort.SliceStable(connectors, func(i, j int) bool {
			return connectors[i].CurrentCrtcID() > connectors[j].CurrentCrtcID()
		})
	}
	for _, p := range g.pipelines {
		p.teardown()
	}
	g.pipelines = nil

	groups := groupConnectors(connectors)
	pipelines := g.findWorkingCombination(nil, groups, g.crtcs, g.planes)
	if pipelines == nil {
		return ErrNoWorkingCombination
	}
	g.pipelines = pipelines
	for _, p := range pipelines {
		g.log.Info().
			Str("output", p.connectors[0].Name()).
			Int("tiles", len(p.connectors)).
			Stringer("mode", modeString(p.CurrentMode())).
			Msg("output enabled")
	}
	return nil
}

type modeString Mode

func (m modeString) String() string {
	return fmt.Sprintf("%dx%d@%.3f", m.Width, m.Height, float64(m.RefreshRate)/1000)
}

// groupConnectors puts the connectors of one tiled display together,
// ordered by tile position.
func groupConnectors(connectors []*Connector) [][]*Connector {
	var groups [][]*Connector
	index := map[int]int{}
	for _, c := range connectors {
		t := c.TilingInfo()
		if !t.IsTiled() {
			groups = append(groups, []*Connector{c})
			continue
		}
		if i, ok := index[t.GroupID]; ok {
			groups[i] = append(groups[i], c)
			continue
		}
		index[t.GroupID] = len(groups)
		groups = append(groups, []*Connector{c})
	}
	for _, group := range groups {
		sort.SliceStable(group, func(i, j int) bool {
			a, b := group[i].TilingInfo(), group[j].TilingInfo()
			if a.LocY != b.LocY {
				return a.LocY < b.LocY
			}
			return a.LocX < b.LocX
		})
	}
	return groups
}

type tile struct {
	conn  *Connector
	crtc  *Crtc
	plane *Plane
}

// findWorkingCombination assigns CRTCs and primary planes to the
// connector groups, trying combinations until a commit succeeds. A
// group that cannot be driven is left without a pipeline.
func (g *Gpu) findWorkingCombination(done []*Pipeline, groups [][]*Connector, crtcs []*Crtc, planes []*Plane) []*Pipeline {
	if len(groups) == 0 || len(crtcs) == 0 {
		if len(done) == 0 {
			return []*Pipeline{}
		}
		if g.commitCombination(done) {
			return done
		}
		return nil
	}
	group, rest := groups[0], groups[1:]

	var assign func(i int, tiles []tile, crtcs []*Crtc, planes []*Plane) []*Pipeline
	assign = func(i int, tiles []tile, crtcs []*Crtc, planes []*Plane) []*Pipeline {
		if i == len(group) {
			p := NewPipeline(g, tiles[0].conn, tiles[0].crtc, tiles[0].plane)
			for _, t := range tiles[1:] {
				p.AddTile(t.conn, t.crtc, t.plane)
			}
			if !p.IsComplete() {
				g.log.Debug().Str("output", p.connectors[0].Name()).Msg("tiled display is incomplete")
				return nil
			}
			next := append(done[:len(done):len(done)], p)
			if ret := g.findWorkingCombination(next, rest, crtcs, planes); ret != nil {
				return ret
			}
			p.teardown()
			return nil
		}
		conn := group[i]
		for _, crtc := range g.crtcOrder(conn, crtcs) {
			if !g.encoderSupports(conn, crtc) {
				continue
			}
			crtcsLeft := without(crtcs, crtc)
			if !g.atomic {
				ret := assign(i+1, append(tiles[:len(tiles):len(tiles)], tile{conn, crtc, nil}), crtcsLeft, planes)
				if ret != nil {
					return ret
				}
				continue
			}
			for _, plane := range planes {
				if plane.Kind() != PlaneTypePrimary || !plane.IsCrtcSupported(crtc.PipeIndex()) {
					continue
				}
				ret := assign(i+1, append(tiles[:len(tiles):len(tiles)], tile{conn, crtc, plane}),
					crtcsLeft, without(planes, plane))
				if ret != nil {
					return ret
				}
			}
		}
		return nil
	}
	if ret := assign(0, nil, crtcs, planes); ret != nil {
		return ret
	}
	g.log.Warn().Str("output", group[0].Name()).Msg("no working configuration for output")
	return g.findWorkingCombination(done, rest, crtcs, planes)
}

// crtcOrder puts the CRTC currently driving conn first.
func (g *Gpu) crtcOrder(conn *Connector, crtcs []*Crtc) []*Crtc {
	ordered := make([]*Crtc, 0, len(crtcs))
	current := conn.CurrentCrtcID()
	for _, crtc := range crtcs {
		if crtc.ID() == current {
			ordered = append(ordered, crtc)
		}
	}
	for _, crtc := range crtcs {
		if crtc.ID() != current {
			ordered = append(ordered, crtc)
		}
	}
	return ordered
}

func (g *Gpu) encoderSupports(conn *Connector, crtc *Crtc) bool {
	for _, id := range conn.Encoders() {
		enc, err := g.card.Encoder(id)
		if err != nil {
			g.log.Debug().Err(err).Uint32("encoder", id).Msg("could not query encoder")
			continue
		}
		if enc.SupportsCrtc(crtc.PipeIndex()) {
			return true
		}
	}
	return false
}

func without[T comparable](s []T, v T) []T {
	ret := make([]T, 0, len(s))
	for _, e := range s {
		if e != v {
			ret = append(ret, e)
		}
	}
	return ret
}

func (g *Gpu) commitCombination(pipelines []*Pipeline) bool {
	for _, p := range pipelines {
		if out, ok := g.outputs[p.connectors[0].Name()]; ok {
			p.SetOutput(out)
		}
		p.Setup()
	}
	return CommitPipelines(pipelines, Commit)
}

// ScanoutFormats returns the formats every primary plane can scan out,
// with the modifiers all of them accept.
func (g *Gpu) ScanoutFormats() map[uint32][]uint64 {
	if !g.atomic {
		return map[uint32][]uint64{
			mode.FormatXRGB8888: nil,
			mode.FormatARGB8888: nil,
		}
	}
	var ret map[uint32][]uint64
	for _, plane := range g.planes {
		if plane.Kind() != PlaneTypePrimary {
			continue
		}
		if ret == nil {
			ret = make(map[uint32][]uint64, len(plane.Formats()))
			for f, mods := range plane.Formats() {
				ret[f] = append([]uint64(nil), mods...)
			}
			continue
		}
		for f, mods := range ret {
			other, ok := plane.Formats()[f]
			if !ok {
				delete(ret, f)
				continue
			}
			var common []uint64
			for _, m := range mods {
				for _, o := range other {
					if m == o {
						common = append(common, m)
						break
					}
				}
			}
			ret[f] = common
		}
	}
	return ret
}

// DispatchEvents reads the pending events from the card and completes
// the page flips they report. It blocks when nothing is readable.
func (g *Gpu) DispatchEvents() error {
	events, err := g.card.ReadEvents()
	if err != nil {
		return fmt.Errorf("read drm events: %w", err)
	}
	for _, ev := range events {
		if ev.Type != mode.EventFlipComplete {
			continue
		}
		crtcID := ev.CrtcID
		if crtcID == 0 {
			crtcID = uint32(ev.UserData)
		}
		p := g.pipelineForCrtc(crtcID)
		if p == nil {
			g.log.Debug().Uint32("crtc", crtcID).Msg("page flip for an unknown crtc")
			continue
		}
		if p.flipCompleted(crtcID) && p.output != nil {
			p.output.PageFlipped(g.presentationTime(ev.Time))
		}
	}
	return nil
}

func (g *Gpu) pipelineForCrtc(id uint32) *Pipeline {
	for _, p := range g.pipelines {
		for _, crtc := range p.crtcs {
			if crtc.ID() == id {
				return p
			}
		}
	}
	return nil
}

// presentationTime converts an event timestamp to the monotonic clock.
func (g *Gpu) presentationTime(t time.Duration) time.Duration {
	if g.monotonic {
		return t
	}
	var mono, wall unix.Timespec
	if unix.ClockGettime(unix.CLOCK_MONOTONIC, &mono) != nil ||
		unix.ClockGettime(unix.CLOCK_REALTIME, &wall) != nil {
		return t
	}
	return t - time.Duration(wall.Nano()-mono.Nano())
}

func (g *Gpu) flipPending() bool {
	for _, p := range g.pipelines {
		if p.PageFlipPending() {
			return true
		}
	}
	return false
}

// WaitIdle waits until no page flip is outstanding.
func (g *Gpu) WaitIdle() error {
	deadline := time.Now().Add(idleTimeout)
	for g.flipPending() {
		left := time.Until(deadline)
		if left <= 0 {
			g.log.Warn().Msg("page flips did not complete")
			return ErrIdleTimeout
		}
		ready, err := g.card.WaitEvents(left)
		if err != nil {
			return fmt.Errorf("wait for drm events: %w", err)
		}
		if !ready {
			continue
		}
		if err := g.DispatchEvents(); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gpu) teardownObjects() {
	for _, c := range g.connectors {
		c.Teardown()
	}
	for _, crtc := range g.crtcs {
		crtc.releaseBuffers()
		crtc.Teardown()
	}
	for _, plane := range g.planes {
		plane.releaseBuffers()
		plane.Teardown()
	}
	g.connectors, g.crtcs, g.planes = nil, nil, nil
}

// Close waits for outstanding flips, releases every buffer and blob
// and closes the card.
func (g *Gpu) Close() error {
	var errs []error
	if err := g.WaitIdle(); err != nil {
		errs = append(errs, err)
	}
	for _, p := range g.pipelines {
		p.teardown()
	}
	g.pipelines = nil
	g.teardownObjects()
	if err := g.card.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
