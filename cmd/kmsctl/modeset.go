package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/NeowayLabs/kmspipe/buffer"
	"github.com/NeowayLabs/kmspipe/gbm"
	"github.com/NeowayLabs/kmspipe/internal/config"
	"github.com/NeowayLabs/kmspipe/internal/logging"
	"github.com/NeowayLabs/kmspipe/kms"
	"github.com/NeowayLabs/kmspipe/mode"
)

const pollInterval = 250 * time.Millisecond

type modesetOptions struct {
	duration time.Duration
	buffers  int
	useGbm   bool
}

func newModesetCmd(a *app) *cobra.Command {
	opts := modesetOptions{}
	cmd := &cobra.Command{
		Use:   "modeset",
		Short: "Light up every connected output with a test pattern",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if opts.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.duration)
				defer cancel()
			}
			return a.modeset(logging.WithComponent(ctx, "modeset"), opts)
		},
	}
	flags := cmd.Flags()
	flags.DurationVarP(&opts.duration, "duration", "d", 10*time.Second, "how long to show the pattern, 0 runs until interrupted")
	flags.IntVar(&opts.buffers, "buffers", 2, "dumb buffers per output")
	flags.BoolVar(&opts.useGbm, "gbm", false, "render with EGL into GBM surfaces instead of dumb buffers")
	return cmd
}

// backend hands the pipelines a GBM device and, when rendering with
// EGL, a display and test frames from the outputs' renderers.
type backend struct {
	gpu     *kms.Gpu
	gbm     *gbm.Device
	display *gbm.Display
}

func (b *backend) RenderTestFrame(out kms.Output) buffer.Buffer {
	o, ok := out.(*output)
	if !ok || o.source == nil {
		return nil
	}
	frame, err := o.source.next(o.frame)
	if err != nil {
		o.log.Warn().Err(err).Msg("rendering a test frame")
		return nil
	}
	return frame
}

func (b *backend) GbmDevice() buffer.GbmDevice {
	if b.gbm == nil {
		return nil
	}
	return b.gbm
}

func (b *backend) EglDisplay() uintptr {
	if b.display == nil {
		return 0
	}
	return b.display.Handle()
}

func (b *backend) UseEglStreams() bool {
	return false
}

func (b *backend) PrimaryGpu() *kms.Gpu {
	return b.gpu
}

// frameSource renders the frames of one output. The caller owns a
// reference to the returned buffer; nil means every buffer is busy.
type frameSource interface {
	next(frame int) (buffer.Buffer, error)
	release()
}

// dumbSource draws the test pattern on the CPU.
type dumbSource struct {
	swapchain *buffer.DumbSwapchain
}

func (s *dumbSource) next(frame int) (buffer.Buffer, error) {
	d := s.swapchain.Acquire()
	if d == nil {
		return nil, nil
	}
	data, err := d.Map()
	if err != nil {
		return nil, err
	}
	width, height := d.Size()
	drawPattern(data, d.Pitch(), width, height, frame)
	d.Retain()
	return d, nil
}

func (s *dumbSource) release() {
	s.swapchain.Release()
}

// gbmSource clears an EGL surface to the colour of the frame.
type gbmSource struct {
	ctx     *gbm.Context
	egl     *gbm.Surface
	surface *buffer.GbmSurface
}

func newGbmSource(card *kms.FileCard, be *backend, ctx *gbm.Context, size kms.Size) (*gbmSource, error) {
	egl, err := gbm.NewSurface(be.gbm, be.display, size.Width, size.Height, mode.FormatXRGB8888,
		buffer.GbmUseScanout|buffer.GbmUseRendering, nil)
	if err != nil {
		return nil, err
	}
	return &gbmSource{
		ctx:     ctx,
		egl:     egl,
		surface: buffer.NewGbmSurface(card, egl, false),
	}, nil
}

func (s *gbmSource) next(frame int) (buffer.Buffer, error) {
	// the context is current on one thread only
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := s.ctx.MakeCurrent(s.egl); err != nil {
		return nil, err
	}
	defer s.ctx.ReleaseCurrent()
	r, g, b := clearColor(frame)
	s.ctx.Clear(r, g, b)
	front, err := s.surface.SwapBuffersForDrm()
	if err != nil {
		return nil, err
	}
	return front, nil
}

func (s *gbmSource) release() {
	s.surface.Destroy()
}

// output renders the test pattern of one pipeline.
type output struct {
	pipeline *kms.Pipeline
	source   frameSource
	log      zerolog.Logger

	frame   int
	flipped bool
	last    time.Duration
}

func (o *output) PageFlipped(timestamp time.Duration) {
	o.flipped = true
	o.last = timestamp
}

func (o *output) render() error {
	b, err := o.source.next(o.frame)
	if err != nil {
		return err
	}
	if b == nil {
		o.log.Debug().Msg("every buffer is busy, skipping frame")
		return nil
	}
	defer buffer.Release(b)
	if !o.pipeline.Present(b) {
		return fmt.Errorf("present failed on %s", o.pipeline.Connectors()[0].Name())
	}
	o.frame++
	return nil
}

// renderer sets up the frame source of every output.
type renderer struct {
	card    *kms.FileCard
	be      *backend
	ctx     *gbm.Context
	buffers int
}

// useEgl switches the renderer to EGL on GBM surfaces.
func (r *renderer) useEgl(log *zerolog.Logger) {
	display, err := gbm.NewDisplay(r.be.gbm, mode.FormatXRGB8888)
	if err != nil {
		log.Warn().Err(err).Msg("no egl display, drawing into dumb buffers")
		return
	}
	ctx, err := gbm.NewContext(display)
	if err != nil {
		log.Warn().Err(err).Msg("no egl context, drawing into dumb buffers")
		display.Terminate()
		return
	}
	r.be.display = display
	r.ctx = ctx
}

func (r *renderer) source(size kms.Size) (frameSource, error) {
	if r.ctx != nil {
		return newGbmSource(r.card, r.be, r.ctx, size)
	}
	sc, err := buffer.NewDumbSwapchain(r.card, size.Width, size.Height, mode.FormatXRGB8888, r.buffers)
	if err != nil {
		return nil, err
	}
	return &dumbSource{swapchain: sc}, nil
}

func (r *renderer) close() {
	if r.ctx != nil {
		r.ctx.Destroy()
		r.be.display.Terminate()
	}
}

func (a *app) modeset(ctx context.Context, opts modesetOptions) error {
	log := logging.FromContext(ctx)
	be := &backend{}
	gpu, card, err := a.openGpu(be)
	if err != nil {
		return err
	}
	be.gpu = gpu
	r := &renderer{card: card, be: be, buffers: opts.buffers}
	if opts.useGbm {
		dev, err := gbm.Open(card.Fd())
		if err != nil {
			log.Warn().Err(err).Msg("no gbm, using dumb buffers")
		} else {
			be.gbm = dev
			defer dev.Close()
			r.useEgl(log)
			defer r.close()
		}
	}

	saved := saveCrtcs(card, log)
	var outputs []*output
	defer func() {
		if err := gpu.WaitIdle(); err != nil {
			log.Warn().Err(err).Msg("waiting for page flips")
		}
		for _, s := range saved {
			if err := mode.RestoreCrtc(card.File(), s); err != nil {
				log.Warn().Err(err).Uint32("crtc", s.Crtc.ID).Msg("restoring crtc")
			}
		}
		for _, out := range outputs {
			out.source.release()
		}
		if err := gpu.Close(); err != nil {
			log.Warn().Err(err).Msg("closing gpu")
		}
	}()

	if err := gpu.UpdateOutputs(); err != nil {
		return err
	}
	for _, p := range gpu.Pipelines() {
		name := p.Connectors()[0].Name()
		olog := logging.FromContext(logging.WithOutput(ctx, name))
		if !applyOutputConfig(p, a.cfg.Output(name), *olog) {
			continue
		}
		source, err := r.source(p.SourceSize())
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		out := &output{pipeline: p, source: source, log: *olog}
		gpu.SetOutput(name, out)
		outputs = append(outputs, out)
	}
	if len(outputs) == 0 {
		return errors.New("no output to drive")
	}

	readable := make(chan struct{})
	dispatched := make(chan struct{})
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pollEvents(ctx, card, readable, dispatched)
	})
	g.Go(func() error {
		return renderLoop(ctx, gpu, outputs, readable, dispatched)
	})
	err = g.Wait()

	for _, out := range outputs {
		log.Info().
			Str("output", out.pipeline.Connectors()[0].Name()).
			Str("frames", humanize.Comma(int64(out.frame))).
			Dur("last_flip", out.last).
			Msg("done")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// pollEvents waits for the card to become readable and hands over to
// the render loop, which owns the gpu.
func pollEvents(ctx context.Context, card kms.Card, readable, dispatched chan struct{}) error {
	for {
		ready, err := card.WaitEvents(pollInterval)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !ready {
			continue
		}
		select {
		case readable <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case <-dispatched:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func renderLoop(ctx context.Context, gpu *kms.Gpu, outputs []*output, readable, dispatched chan struct{}) error {
	for _, out := range outputs {
		if err := out.render(); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-readable:
		}
		err := gpu.DispatchEvents()
		select {
		case dispatched <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		for _, out := range outputs {
			if !out.flipped {
				continue
			}
			out.flipped = false
			if err := out.render(); err != nil {
				return err
			}
		}
	}
}

// applyOutputConfig applies the configured settings to p and reports
// whether the output stays on.
func applyOutputConfig(p *kms.Pipeline, cfg config.OutputConfig, log zerolog.Logger) bool {
	if !cfg.IsEnabled() {
		if !p.SetActive(false) {
			log.Warn().Msg("could not turn output off")
		}
		return false
	}
	if t, err := cfg.Transformation(); err == nil && t != p.Transformation() {
		if !p.SetTransformation(t) {
			log.Warn().Stringer("transform", t).Msg("transform not supported")
		}
	}
	if cfg.Mode != "" {
		want, err := config.ParseMode(cfg.Mode)
		if err == nil {
			if i, ok := want.Find(p.ModeList()); !ok {
				log.Warn().Str("mode", cfg.Mode).Msg("no such mode")
			} else if !p.Modeset(i) {
				log.Warn().Str("mode", cfg.Mode).Msg("modeset failed")
			}
		}
	}
	if cfg.Overscan > 0 && !p.SetOverscan(cfg.Overscan) {
		log.Warn().Uint32("overscan", cfg.Overscan).Msg("overscan not supported")
	}
	if !p.SetSyncMode(cfg.SyncMode()) {
		log.Warn().Msg("adaptive sync not supported")
	}
	if r, err := cfg.Range(); err == nil && r != p.RgbRange() {
		if !p.SetRgbRange(r) {
			log.Warn().Stringer("range", r).Msg("rgb range not supported")
		}
	}
	return true
}

// saveCrtcs records the CRTCs that drive a connector, to give the
// screen back the way it was found.
func saveCrtcs(card *kms.FileCard, log *zerolog.Logger) []*mode.SavedCrtc {
	res, err := card.Resources()
	if err != nil {
		return nil
	}
	connectors := map[uint32][]uint32{}
	for _, id := range res.Connectors {
		conn, err := card.Connector(id)
		if err != nil || conn.EncoderID == 0 {
			continue
		}
		enc, err := card.Encoder(conn.EncoderID)
		if err != nil || enc.CrtcID == 0 {
			continue
		}
		connectors[enc.CrtcID] = append(connectors[enc.CrtcID], id)
	}
	var saved []*mode.SavedCrtc
	for _, id := range res.Crtcs {
		s, err := mode.SaveCrtc(card.File(), id, connectors[id])
		if err != nil {
			log.Debug().Err(err).Uint32("crtc", id).Msg("could not save crtc")
			continue
		}
		saved = append(saved, s)
	}
	return saved
}

var patternColors = [...]uint32{0xffffff, 0xffff00, 0x00ffff, 0x00ff00, 0xff00ff, 0xff0000, 0x0000ff, 0x000000}

// clearColor cycles through the pattern colours, one per 30 frames.
func clearColor(frame int) (r, g, b float32) {
	c := patternColors[(frame/30)%len(patternColors)]
	return float32(c>>16&0xff) / 255, float32(c>>8&0xff) / 255, float32(c&0xff) / 255
}

// drawPattern fills an XRGB8888 buffer with colour bars and a white
// bar that moves one step per frame.
func drawPattern(data []byte, pitch, width, height uint32, frame int) {
	if width == 0 || height == 0 {
		return
	}
	marker := uint32(frame*8) % width
	for y := uint32(0); y < height; y++ {
		row := data[y*pitch:]
		for x := uint32(0); x < width; x++ {
			c := patternColors[x*uint32(len(patternColors))/width]
			if x >= marker && x < marker+8 {
				c = 0xffffff
			}
			px := row[x*4 : x*4+4]
			px[0] = byte(c)
			px[1] = byte(c >> 8)
			px[2] = byte(c >> 16)
			px[3] = 0xff
		}
	}
}
