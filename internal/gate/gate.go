// Package gate applies hysteresis to per-frame voice activity decisions.
//
// A [Gate] opens after K consecutive speech frames and closes after a
// continuous stretch of non-speech longer than the silence timeout. Short
// pauses inside an utterance therefore never close it, and an isolated loud
// frame never opens it.
package gate

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/MrWong99/vigil/pkg/provider/vad"
	"github.com/MrWong99/vigil/pkg/types"
)

const (
	// DefaultActivationFrames is K, the consecutive speech frames that open
	// the gate.
	DefaultActivationFrames = 3

	// DefaultSilenceTimeout is how much continuous silence closes the gate.
	DefaultSilenceTimeout = 800 * time.Millisecond
)

// Edge is a gate state transition.
type Edge int

const (
	// EdgeNone means the frame did not change the gate state.
	EdgeNone Edge = iota

	// SpeechStarted means the gate opened on this frame.
	SpeechStarted

	// SpeechEnded means the gate closed on this frame.
	SpeechEnded
)

// String returns the edge name.
func (e Edge) String() string {
	switch e {
	case SpeechStarted:
		return "speech_started"
	case SpeechEnded:
		return "speech_ended"
	default:
		return "none"
	}
}

// Config holds the hysteresis parameters.
type Config struct {
	ActivationFrames int
	SilenceTimeout   time.Duration
}

// Gate wraps a VAD session. Process must be called from a single goroutine;
// Active, Energy and the setters are safe from any goroutine.
type Gate struct {
	sess vad.SessionHandle

	activation atomic.Int32
	timeout    atomic.Int64

	active atomic.Bool
	energy atomic.Uint64 // math.Float64bits

	speechRun int
	silence   time.Duration
}

// New returns a gate over sess. Zero fields in cfg take their defaults.
func New(sess vad.SessionHandle, cfg Config) *Gate {
	g := &Gate{sess: sess}
	g.SetActivationFrames(cfg.ActivationFrames)
	g.SetSilenceTimeout(cfg.SilenceTimeout)
	return g
}

// SetActivationFrames changes K. Non-positive values restore the default.
func (g *Gate) SetActivationFrames(k int) {
	if k <= 0 {
		k = DefaultActivationFrames
	}
	g.activation.Store(int32(k))
}

// SetSilenceTimeout changes the closing timeout. Non-positive values restore
// the default.
func (g *Gate) SetSilenceTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultSilenceTimeout
	}
	g.timeout.Store(int64(d))
}

// SilenceTimeout returns the current closing timeout.
func (g *Gate) SilenceTimeout() time.Duration {
	return time.Duration(g.timeout.Load())
}

// Active reports whether the gate is open.
func (g *Gate) Active() bool { return g.active.Load() }

// Energy returns the most recent smoothed energy estimate, 0–1.
func (g *Gate) Energy() float64 { return math.Float64frombits(g.energy.Load()) }

// Process classifies one mono frame and applies hysteresis.
func (g *Gate) Process(f types.AudioFrame) (types.VadDecision, Edge, error) {
	if f.Channels != 1 {
		return types.VadDecision{Seq: f.Seq, Active: g.active.Load()}, EdgeNone,
			fmt.Errorf("gate: frame %d has %d channels, want mono", f.Seq, f.Channels)
	}
	r, err := g.sess.ProcessFrame(f.Samples)
	if err != nil {
		return types.VadDecision{Seq: f.Seq, Active: g.active.Load()}, EdgeNone, fmt.Errorf("gate: %w", err)
	}
	g.energy.Store(math.Float64bits(r.Energy))

	edge := EdgeNone
	active := g.active.Load()
	if r.Speech {
		g.speechRun++
		g.silence = 0
		if !active && g.speechRun >= int(g.activation.Load()) {
			active = true
			edge = SpeechStarted
		}
	} else {
		g.speechRun = 0
		if active {
			g.silence += f.Duration()
			if g.silence >= g.SilenceTimeout() {
				active = false
				g.silence = 0
				edge = SpeechEnded
			}
		}
	}
	g.active.Store(active)

	return types.VadDecision{Seq: f.Seq, Active: active, Energy: r.Energy}, edge, nil
}

// Reset closes the gate and clears all counters and VAD state.
func (g *Gate) Reset() {
	g.speechRun = 0
	g.silence = 0
	g.active.Store(false)
	g.energy.Store(0)
	g.sess.Reset()
}
