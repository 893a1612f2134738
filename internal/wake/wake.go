// Package wake detects the configured wake phrase in the live audio stream.
//
// The [Detector] is fed every mono frame by the capture goroutine. It keeps a
// pre-roll ring of the most recent audio and, while the voice activity gate is
// open and the orchestrator has armed it, collects a speech window. When the
// gate closes (or the window reaches its limit) the window is handed to a
// [Spotter] on a worker goroutine through a one-slot handoff, so frame
// processing never blocks. The spotter's hypothesis is scored against every
// configured phrase and a [types.WakeEvent] fires when the best score reaches
// the threshold.
package wake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/vigil/internal/gate"
	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/types"
)

// ErrModelUnavailable means the spotter cannot run at all: no recogniser is
// configured or its model failed to load. It is fatal to the pipeline.
var ErrModelUnavailable = errors.New("wake: detector model unavailable")

const (
	DefaultThreshold = 0.8
	DefaultPreRoll   = time.Second
	DefaultMaxWindow = 2 * time.Second
	DefaultCooldown  = 1500 * time.Millisecond

	// DefaultLeadIn is the audio taken from the pre-roll when the gate opens,
	// covering the frames the gate needed to decide.
	DefaultLeadIn = 300 * time.Millisecond
)

// Hypothesis is what a spotter recognised in a window.
type Hypothesis struct {
	Text string

	// Confidence is the model's own confidence, 0–1. Zero means the spotter
	// does not report one.
	Confidence float64
}

// Spotter recognises the speech in a short window of mono frames.
type Spotter interface {
	Spot(ctx context.Context, frames []types.AudioFrame) (Hypothesis, error)
}

// Config holds the detector parameters. Zero durations and thresholds take
// their defaults.
type Config struct {
	Phrases   []Phrase
	Threshold float64
	PreRoll   time.Duration
	MaxWindow time.Duration
	Cooldown  time.Duration
	LeadIn    time.Duration

	// FrameDuration sizes the pre-roll ring. Default: audio.DefaultFrameDuration.
	FrameDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.PreRoll <= 0 {
		c.PreRoll = DefaultPreRoll
	}
	if c.MaxWindow <= 0 {
		c.MaxWindow = DefaultMaxWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.LeadIn <= 0 {
		c.LeadIn = DefaultLeadIn
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = audio.DefaultFrameDuration
	}
	return c
}

// Option configures a [Detector].
type Option func(*Detector)

// WithHypothesisHandler registers fn to receive every non-empty hypothesis,
// whether or not it fired. The orchestrator uses it to hear safety phrases
// while speaking.
func WithHypothesisHandler(fn func(Hypothesis)) Option {
	return func(d *Detector) { d.onHypothesis = fn }
}

// WithScoreHandler registers fn to receive the best match of every scored
// window. Used for the score histogram.
func WithScoreHandler(fn func(Match)) Option {
	return func(d *Detector) { d.onScore = fn }
}

// WithClock overrides time.Now for cooldown and event timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.log = l }
}

type window struct {
	frames  []types.AudioFrame
	preRoll []types.AudioFrame
}

// Detector spots wake phrases. Process must be called from a single
// goroutine; Run executes the spotter on its own goroutine. SetThreshold,
// SetPhrases and Dropped are safe from any goroutine.
type Detector struct {
	spotter Spotter
	onWake  func(types.WakeEvent)

	onHypothesis func(Hypothesis)
	onScore      func(Match)
	now          func() time.Time
	log          *slog.Logger

	cfg       Config
	threshold atomic.Uint64 // math.Float64bits
	scorer    atomic.Pointer[Scorer]

	preroll *audio.Ring[types.AudioFrame]
	handoff chan window
	dropped atomic.Uint64

	// Capture goroutine state.
	collecting bool
	overflowed bool
	current    []types.AudioFrame
	windowDur  time.Duration

	mu        sync.Mutex
	lastFired time.Time
}

// New returns a detector that calls onWake for every accepted window. onWake
// runs on the worker goroutine and must not block for long.
func New(spotter Spotter, cfg Config, onWake func(types.WakeEvent), opts ...Option) (*Detector, error) {
	if spotter == nil {
		return nil, fmt.Errorf("%w: no spotter configured", ErrModelUnavailable)
	}
	cfg = cfg.withDefaults()
	d := &Detector{
		spotter: spotter,
		onWake:  onWake,
		now:     time.Now,
		log:     slog.Default(),
		cfg:     cfg,
		preroll: audio.NewRing[types.AudioFrame](int(cfg.PreRoll / cfg.FrameDuration)),
		handoff: make(chan window, 1),
	}
	for _, o := range opts {
		o(d)
	}
	d.SetThreshold(cfg.Threshold)
	d.SetPhrases(cfg.Phrases)
	return d, nil
}

// SetThreshold changes the firing threshold. Values outside (0, 1] are
// ignored.
func (d *Detector) SetThreshold(t float64) {
	if t <= 0 || t > 1 {
		return
	}
	d.threshold.Store(floatBits(t))
}

// Threshold returns the firing threshold.
func (d *Detector) Threshold() float64 { return floatFrom(d.threshold.Load()) }

// SetPhrases replaces the phrase list.
func (d *Detector) SetPhrases(phrases []Phrase) {
	d.scorer.Store(NewScorer(phrases))
}

// Scorer returns the current scorer.
func (d *Detector) Scorer() *Scorer { return d.scorer.Load() }

// PreRoll returns a copy of the most recent frames, oldest first.
func (d *Detector) PreRoll() []types.AudioFrame { return d.preroll.Snapshot() }

// Dropped returns how many windows were dropped because the spotter was
// still busy with the previous one.
func (d *Detector) Dropped() uint64 { return d.dropped.Load() }

// Process records f in the pre-roll and, when armed, advances the speech
// window using the gate edge and state for the same frame. It never blocks.
func (d *Detector) Process(f types.AudioFrame, edge gate.Edge, active, armed bool) {
	d.preroll.Push(f)

	if !armed {
		d.resetWindow()
		return
	}

	// Being armed mid-utterance starts a window as if the gate had just
	// opened.
	if edge == gate.SpeechStarted || (!d.collecting && active) {
		d.resetWindow()
		d.collecting = true
		d.current = d.leadIn()
		for _, fr := range d.current {
			d.windowDur += fr.Duration()
		}
		return
	}
	if !d.collecting {
		return
	}

	if edge == gate.SpeechEnded || !active {
		if !d.overflowed {
			d.submit()
		}
		d.resetWindow()
		return
	}
	if d.overflowed {
		return
	}
	d.current = append(d.current, f)
	d.windowDur += f.Duration()
	if d.windowDur >= d.cfg.MaxWindow {
		// The phrase may open a longer sentence; score what fits and ignore
		// the rest until the gate closes.
		d.submit()
		d.overflowed = true
		d.current = nil
	}
}

// leadIn returns the pre-roll tail covering cfg.LeadIn, which includes the
// frame just pushed.
func (d *Detector) leadIn() []types.AudioFrame {
	all := d.preroll.Snapshot()
	var dur time.Duration
	i := len(all)
	for i > 0 && dur < d.cfg.LeadIn {
		i--
		dur += all[i].Duration()
	}
	return all[i:]
}

func (d *Detector) resetWindow() {
	d.collecting = false
	d.overflowed = false
	d.current = nil
	d.windowDur = 0
}

func (d *Detector) submit() {
	if len(d.current) == 0 {
		return
	}
	w := window{frames: d.current, preRoll: d.preroll.Snapshot()}
	select {
	case d.handoff <- w:
	default:
		d.dropped.Add(1)
		d.log.Debug("wake: spotter busy, window dropped", "frames", len(w.frames))
	}
}

// Run spots submitted windows until ctx is done. It returns ctx.Err() on
// shutdown or an error wrapping ErrModelUnavailable when the spotter becomes
// unusable.
func (d *Detector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case w := <-d.handoff:
			if err := d.evaluate(ctx, w); err != nil {
				return err
			}
		}
	}
}

func (d *Detector) evaluate(ctx context.Context, w window) error {
	hyp, err := d.spotter.Spot(ctx, w.frames)
	if err != nil {
		if errors.Is(err, ErrModelUnavailable) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.log.Warn("wake: spotter failed", "err", err)
		return nil
	}
	if hyp.Text == "" {
		return nil
	}
	if d.onHypothesis != nil {
		d.onHypothesis(hyp)
	}

	ev, ok := d.Score(hyp)
	if !ok {
		return nil
	}
	ev.PreRoll = w.preRoll
	if d.onWake != nil {
		d.onWake(ev)
	}
	return nil
}

// Score rates hyp against the configured phrases and applies threshold and
// cooldown. It returns the event that should fire, without pre-roll.
func (d *Detector) Score(hyp Hypothesis) (types.WakeEvent, bool) {
	m, ok := d.scorer.Load().Best(hyp.Text)
	if !ok {
		return types.WakeEvent{}, false
	}
	if hyp.Confidence > 0 {
		m.Score *= hyp.Confidence
	}
	if d.onScore != nil {
		d.onScore(m)
	}
	if m.Score < d.Threshold() {
		d.log.Debug("wake: below threshold", "text", hyp.Text, "phrase", m.Phrase, "score", m.Score)
		return types.WakeEvent{}, false
	}

	now := d.now()
	d.mu.Lock()
	if !d.lastFired.IsZero() && now.Sub(d.lastFired) < d.cfg.Cooldown {
		d.mu.Unlock()
		d.log.Debug("wake: cooldown active", "phrase", m.Phrase)
		return types.WakeEvent{}, false
	}
	d.lastFired = now
	d.mu.Unlock()

	return types.WakeEvent{
		At:         now,
		Phrase:     m.Phrase,
		Variant:    m.Variant,
		Confidence: m.Score,
		Trailing:   m.Trailing,
	}, true
}

func floatBits(f float64) uint64 { return math.Float64bits(f) }
func floatFrom(b uint64) float64 { return math.Float64frombits(b) }
