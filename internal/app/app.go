// Package app wires vigil's stages into a running assistant.
//
// [New] builds the capture path (beamformer, conditioning filter, voice
// activity gate, wake detector, transcription stage), the dialog orchestrator and speech output
// around the providers it is given. [App.Run] drives them until the context is
// cancelled and [App.Shutdown] releases the devices.
//
// The capture goroutine is the only one that touches the beamformer, the gate
// and the wake window; everything it hands off goes through non-blocking
// queues so a slow provider never stalls capture.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vigil/internal/backend"
	"github.com/MrWong99/vigil/internal/config"
	"github.com/MrWong99/vigil/internal/dialog"
	"github.com/MrWong99/vigil/internal/events"
	"github.com/MrWong99/vigil/internal/gate"
	"github.com/MrWong99/vigil/internal/health"
	"github.com/MrWong99/vigil/internal/observe"
	"github.com/MrWong99/vigil/internal/speech"
	"github.com/MrWong99/vigil/internal/transcribe"
	"github.com/MrWong99/vigil/internal/wake"
	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/audio/beam"
	"github.com/MrWong99/vigil/pkg/audio/filter"
	"github.com/MrWong99/vigil/pkg/audio/playback"
	"github.com/MrWong99/vigil/pkg/provider/stt"
	"github.com/MrWong99/vigil/pkg/provider/tts"
	"github.com/MrWong99/vigil/pkg/provider/vad"
	"github.com/MrWong99/vigil/pkg/types"
)

// levelInterval throttles KindLevel events.
const levelInterval = 100 * time.Millisecond

// Providers holds the devices and engines the pipeline runs on. Every field
// is required. cmd/vigil fills it through the config registry.
type Providers struct {
	Source  audio.Source
	Sink    audio.Sink
	VAD     vad.Engine
	STT     stt.Provider
	Spotter wake.Spotter
	TTS     tts.Provider
	Backend backend.Backend
}

func (p *Providers) validate() error {
	var errs []error
	check := func(name string, missing bool) {
		if missing {
			errs = append(errs, fmt.Errorf("%s provider is required", name))
		}
	}
	check("audio source", p.Source == nil)
	check("audio sink", p.Sink == nil)
	check("vad", p.VAD == nil)
	check("stt", p.STT == nil)
	check("spotter", p.Spotter == nil)
	check("tts", p.TTS == nil)
	check("backend", p.Backend == nil)
	return errors.Join(errs...)
}

// Option configures an [App].
type Option func(*App)

// WithEventSink sets the lifecycle event sink. Default: events.Discard.
func WithEventSink(s events.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithMetrics sets the metric instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithDialogOptions passes extra options to the orchestrator. Tests use it
// to pin turn IDs and clocks.
func WithDialogOptions(opts ...dialog.Option) Option {
	return func(a *App) { a.dialogOpts = append(a.dialogOpts, opts...) }
}

// App owns the pipeline's lifetime.
type App struct {
	cfg     *config.Config
	p       *Providers
	sink    events.Sink
	metrics *observe.Metrics
	log     *slog.Logger

	dialogOpts []dialog.Option

	beam   *beam.Beamformer
	filter *filter.Chain // nil when disabled
	vadSes vad.SessionHandle
	gate   *gate.Gate
	wake   *wake.Detector
	stage  *transcribe.Stage
	player *playback.Player
	speech *speech.Output
	orch   *dialog.Orchestrator

	capturing atomic.Bool

	// Owned by the capture goroutine.
	sinceLevel  time.Duration
	mismatchLog bool

	stopOnce sync.Once
}

// New builds the pipeline. Nothing runs until [App.Run].
func New(cfg *config.Config, p *Providers, opts ...Option) (*App, error) {
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a := &App{
		cfg:     cfg,
		p:       p,
		sink:    events.Discard,
		metrics: observe.DefaultMetrics(),
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	var err error
	a.beam, err = beam.New(beam.Config{
		Channels:          cfg.Audio.Channels,
		Spacing:           cfg.Beam.Spacing,
		Angle:             cfg.Beam.Angle,
		Adaptive:          cfg.Beam.Adaptive,
		CalibrationFrames: cfg.Beam.CalibrationFrames,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	if cfg.Filter.Enabled {
		a.filter = filter.New(filterConfig(cfg.Filter))
	}

	a.vadSes, err = p.VAD.NewSession(vad.Config{
		SampleRate:      cfg.Audio.SampleRate,
		FrameSizeMs:     int(cfg.Audio.FrameDuration / time.Millisecond),
		SpeechThreshold: cfg.VAD.Threshold,
	})
	if err != nil {
		return nil, fmt.Errorf("app: open vad session: %w", err)
	}
	a.gate = gate.New(a.vadSes, gate.Config{
		ActivationFrames: cfg.VAD.ActivationFrames,
		SilenceTimeout:   cfg.VAD.SilenceTimeout,
	})

	phrases := wakePhrases(cfg.Wake.Phrases)
	a.stage = transcribe.New(p.STT, transcribe.Config{
		Stream: stt.StreamConfig{
			SampleRate: cfg.Audio.SampleRate,
			Language:   cfg.Transcribe.Language,
			Keywords:   wake.Keywords(phrases, 1.5),
		},
		FinalTimeout: cfg.Transcribe.FinalTimeout,
		QueueFrames:  cfg.Transcribe.QueueFrames,
	},
		func(id, text string) { a.orch.HandleFinal(id, text) },
		transcribe.WithPartialHandler(func(id, text string) { a.orch.HandlePartial(id, text) }),
		transcribe.WithErrorHandler(func(id string, err error) { a.orch.HandleTranscribeError(id, err) }),
		transcribe.WithLogger(a.log),
	)

	a.player = playback.New(p.Sink,
		playback.WithBufferDuration(cfg.Audio.PlaybackBuffer),
		playback.WithLevelHandler(func(level int) {
			a.sink.Emit(events.Event{Kind: events.KindLevel, At: time.Now(), Level: level, Source: "output"})
		}),
	)
	a.speech = speech.New(p.TTS, a.player,
		speech.WithVoice(tts.Voice{ID: cfg.Speech.Voice, Language: cfg.Speech.Language, Speed: cfg.Speech.Speed}),
		speech.WithDoneHandler(func(r speech.Result) { a.orch.HandleSpeechResult(r) }),
		speech.WithMetrics(a.metrics),
	)

	a.wake, err = wake.New(p.Spotter, wake.Config{
		Phrases:       phrases,
		Threshold:     cfg.Wake.Threshold,
		PreRoll:       cfg.Wake.PreRoll,
		MaxWindow:     cfg.Wake.MaxWindow,
		Cooldown:      cfg.Wake.Cooldown,
		LeadIn:        cfg.Wake.LeadIn,
		FrameDuration: cfg.Audio.FrameDuration,
	},
		func(ev types.WakeEvent) { a.orch.HandleWake(ev) },
		wake.WithHypothesisHandler(func(h wake.Hypothesis) { a.orch.HandleHypothesis(h) }),
		wake.WithScoreHandler(func(m wake.Match) { a.metrics.WakeScore.Record(context.Background(), m.Score) }),
		wake.WithLogger(a.log),
	)
	if err != nil {
		_ = a.vadSes.Close()
		return nil, fmt.Errorf("app: %w", err)
	}

	dopts := []dialog.Option{
		dialog.WithSink(a.sink),
		dialog.WithMetrics(a.metrics),
		dialog.WithLogger(a.log),
		dialog.WithTextFilter(a.stripWakePhrase),
	}
	a.orch, err = dialog.New(dialogConfig(cfg), p.Backend, a.stage, a.speech, append(dopts, a.dialogOpts...)...)
	if err != nil {
		_ = a.vadSes.Close()
		_ = a.player.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	return a, nil
}

func wakePhrases(in []config.WakePhrase) []wake.Phrase {
	out := make([]wake.Phrase, len(in))
	for i, p := range in {
		out[i] = wake.Phrase{Canonical: p.Canonical, Variants: p.Variants}
	}
	return out
}

func filterConfig(c config.FilterConfig) filter.Config {
	return filter.Config{
		LowCut:         c.LowCut,
		HighCut:        c.HighCut,
		NoiseGate:      c.NoiseGate,
		NoiseThreshold: c.NoiseThreshold,
		Normalize:      c.Normalize,
		TargetRMS:      c.TargetRMS,
		MaxGain:        c.MaxGain,
	}
}

func dialogPhrases(p config.PhrasesConfig) dialog.Phrases {
	return dialog.Phrases{
		WakeAcks:        p.WakeAcks,
		Acknowledgments: p.Acknowledgments,
		Timeout:         p.Timeout,
		Error:           p.Error,
	}
}

// cancelPatterns falls back to the built-in set when the file lists none.
func cancelPatterns(cfg *config.Config) []string {
	if len(cfg.Dialog.CancelPatterns) == 0 {
		return dialog.DefaultCancelPatterns
	}
	return cfg.Dialog.CancelPatterns
}

func dialogConfig(cfg *config.Config) dialog.Config {
	return dialog.Config{
		SystemPrompt:   cfg.Dialog.SystemPrompt,
		BackendTimeout: cfg.Backend.Timeout,
		ListenTimeout:  cfg.Dialog.ListenTimeout,
		SilenceTimeout: cfg.VAD.SilenceTimeout,
		FollowUp:       cfg.Dialog.FollowUp,
		HistoryTurns:   cfg.Dialog.HistoryTurns,
		QueueSize:      cfg.Dialog.QueueSize,
		WakeAck:        cfg.Dialog.WakeAck,
		Phrases:        dialogPhrases(cfg.Dialog.Phrases),
		CancelPatterns: cancelPatterns(cfg),
	}
}

// stripWakePhrase removes a leading wake phrase that the transcriber heard
// again in the utterance's lead-in audio.
func (a *App) stripWakePhrase(text string) string {
	return a.wake.Scorer().StripPhrase(text, a.wake.Threshold())
}

// Orchestrator exposes the dialog controller, e.g. for a manual cancel.
func (a *App) Orchestrator() *dialog.Orchestrator { return a.orch }

// Capturing reports whether frames are flowing from the source.
func (a *App) Capturing() bool { return a.capturing.Load() }

// Direction returns the beamformer's current steering angle in degrees.
func (a *App) Direction() float64 { return a.beam.Direction() }

// Run starts capture, wake spotting and the orchestrator and blocks until ctx
// is cancelled or a stage fails. It returns ctx's error on a normal shutdown.
func (a *App) Run(ctx context.Context) error {
	frames, err := a.p.Source.Start(ctx)
	if err != nil {
		return fmt.Errorf("app: start capture: %w", err)
	}
	a.log.Info("capture started",
		"format", a.p.Source.Format(),
		"phrases", len(a.cfg.Wake.Phrases),
		"threshold", a.cfg.Wake.Threshold,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.orch.Run(gctx) })
	g.Go(func() error { return a.wake.Run(gctx) })
	g.Go(func() error {
		a.capturing.Store(true)
		defer a.capturing.Store(false)
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case f, ok := <-frames:
				if !ok {
					if err := gctx.Err(); err != nil {
						return err
					}
					return errors.New("app: capture stream ended")
				}
				a.processFrame(gctx, f)
			}
		}
	})
	return g.Wait()
}

// processFrame runs one captured frame through the capture path. It must only
// be called from the capture goroutine.
func (a *App) processFrame(ctx context.Context, f types.AudioFrame) {
	mono, err := a.beam.Process(f)
	if err != nil {
		if errors.Is(err, beam.ErrChannelConfigMismatch) && !a.mismatchLog {
			a.mismatchLog = true
			a.log.Warn("beamformer bypassed", "err", err, "channels", f.Channels)
			a.sink.Emit(events.Event{Kind: events.KindError, At: time.Now(), Code: events.CodeBeamMismatch, Err: err.Error()})
		}
		mono = beam.FirstChannel(f)
	}
	raw := mono
	if a.filter != nil {
		mono = a.filter.Process(mono)
	}

	_, edge, err := a.gate.Process(mono)
	if err != nil {
		a.log.Debug("vad failed on frame", "seq", f.Seq, "err", err)
	}
	switch edge {
	case gate.SpeechStarted:
		a.metrics.VADActivations.Add(ctx, 1)
		a.log.Debug("speech started", "seq", f.Seq, "direction", a.beam.Direction())
		a.orch.HandleSpeechStarted()
	case gate.SpeechEnded:
		a.orch.HandleSpeechEnded()
	}

	a.wake.Process(mono, edge, a.gate.Active(), a.orch.WakeArmed())
	a.stage.Feed(mono)

	a.sinceLevel += mono.Duration()
	if a.sinceLevel >= levelInterval {
		a.sinceLevel = 0
		a.sink.Emit(events.Event{
			Kind:   events.KindLevel,
			At:     time.Now(),
			Level:  audio.Level(audio.RMS(raw.Samples)),
			Source: "input",
		})
	}
}

// Apply pushes the hot-reloadable fields of cfg into the running pipeline.
func (a *App) Apply(d config.ConfigDiff, cfg *config.Config) {
	if d.WakeThresholdChanged {
		a.wake.SetThreshold(cfg.Wake.Threshold)
	}
	if d.WakePhrasesChanged {
		a.wake.SetPhrases(wakePhrases(cfg.Wake.Phrases))
	}
	if d.SilenceTimeoutChanged {
		a.gate.SetSilenceTimeout(cfg.VAD.SilenceTimeout)
		a.orch.SetSilenceTimeout(cfg.VAD.SilenceTimeout)
	}
	if d.ActivationFramesChanged {
		a.gate.SetActivationFrames(cfg.VAD.ActivationFrames)
	}
	if d.ListenTimeoutChanged {
		a.orch.SetListenTimeout(cfg.Dialog.ListenTimeout)
	}
	if d.FollowUpChanged {
		a.orch.SetFollowUp(cfg.Dialog.FollowUp)
	}
	if d.PhrasesChanged {
		a.orch.SetPhrases(dialogPhrases(cfg.Dialog.Phrases))
	}
	if d.CancelPatternsChanged {
		f, err := dialog.NewFilter(cancelPatterns(cfg))
		if err != nil {
			a.log.Warn("cancel patterns not applied", "err", err)
		} else {
			a.orch.SetFilter(f)
		}
	}
}

// Checkers returns the readiness checks for the admin listener.
func (a *App) Checkers() []health.Checker {
	checks := []health.Checker{
		health.Flag("capture", a.Capturing, "capture is not running"),
	}
	if h, ok := a.p.Backend.(interface{ Healthy() bool }); ok {
		checks = append(checks, health.Flag("backend", h.Healthy, "backend circuit is open"))
	}
	if h, ok := a.p.TTS.(interface{ Healthy() bool }); ok {
		checks = append(checks, health.Flag("tts", h.Healthy, "every synthesis provider is failing"))
	}
	return checks
}

// DropoutReporter returns a capture dropout handler that counts the dropout
// and emits a KindDropout event. Pass it to [audio.WithDropoutHandler] when
// building the source.
func DropoutReporter(sink events.Sink, m *observe.Metrics, source string) func(error, uint64, time.Duration) {
	return func(err error, lost uint64, gap time.Duration) {
		m.Dropouts.Add(context.Background(), 1, metric.WithAttributes(observe.Attr("source", source)))
		m.RecordDrop(context.Background(), "capture", int64(lost))
		ev := events.Event{Kind: events.KindDropout, At: time.Now(), Source: source}
		if err != nil {
			ev.Err = err.Error()
		}
		sink.Emit(ev)
		slog.Warn("capture dropout", "source", source, "frames_lost", lost, "gap", gap, "err", err)
	}
}

// Shutdown stops playback and releases the devices and any provider holding
// native resources. It is safe to call more than once; later calls are
// no-ops. Closers still pending when ctx expires are skipped.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.speech.Stop()
		closers := []struct {
			name string
			fn   func() error
		}{
			{"player", a.player.Close},
			{"source", a.p.Source.Close},
			{"sink", a.p.Sink.Close},
			{"vad session", a.vadSes.Close},
		}
		for _, p := range []any{a.p.STT, a.p.Spotter, a.p.TTS} {
			if c, ok := p.(io.Closer); ok {
				closers = append(closers, struct {
					name string
					fn   func() error
				}{fmt.Sprintf("%T", p), c.Close})
			}
		}
		for i, c := range closers {
			if err := ctx.Err(); err != nil {
				a.log.Warn("shutdown deadline exceeded", "remaining", len(closers)-i)
				errs = append(errs, err)
				return
			}
			if err := c.fn(); err != nil {
				a.log.Warn("close failed", "component", c.name, "err", err)
				errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
			}
		}
		a.log.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
