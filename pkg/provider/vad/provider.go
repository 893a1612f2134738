// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a frame-level speech classifier (an energy detector, the
// WebRTC VAD, or a model) and surfaces it as a stateful per-stream session.
// Sessions report the raw per-frame verdict; hysteresis (how many speech frames
// open the gate, how much silence closes it) is applied by the caller.
//
// VAD is synchronous: ProcessFrame returns immediately, which makes it
// suitable for the capture goroutine that runs once per frame.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle must not be shared across goroutines.
package vad

import "errors"

// ErrFrameSize is returned when a frame does not match the session's
// configured length.
var ErrFrameSize = errors.New("vad: frame size does not match session configuration")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Frames passed to ProcessFrame
	// must be mono at this rate.
	SampleRate int

	// FrameSizeMs is the duration of each frame in milliseconds. Most engines
	// operate on fixed sizes (10, 20 or 30 ms).
	FrameSizeMs int

	// SpeechThreshold is the probability above which a frame is classified as
	// speech. Range 0.0–1.0. Engines with a binary classifier ignore it.
	SpeechThreshold float64

	// Mode is the engine's aggressiveness, 0 (least) to 3 (most). Engines
	// without modes ignore it.
	Mode int
}

// FrameSamples returns the number of samples per frame for cfg.
func (c Config) FrameSamples() int {
	return c.SampleRate * c.FrameSizeMs / 1000
}

// Result is the verdict for a single frame.
type Result struct {
	// Speech is the raw classification of this frame.
	Speech bool

	// Probability is the speech probability, 0.0–1.0. Binary classifiers
	// report 0 or 1.
	Probability float64

	// Energy is a smoothed RMS estimate, 0.0–1.0.
	Energy float64
}

// SessionHandle is an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame classifies one mono frame of signed 16-bit samples. It
	// must not block.
	ProcessFrame(samples []int16) (Result, error)

	// Reset clears accumulated state (noise floor, smoothing) without closing
	// the session.
	Reset()

	// Close releases resources. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// NewSession creates a session ready to accept frames. It returns an error
	// for unsupported sample rates or frame sizes.
	NewSession(cfg Config) (SessionHandle, error)
}

// Smoother is an exponential moving average used by engines for the Energy
// field.
type Smoother struct {
	Alpha float64
	value float64
	init  bool
}

// Update folds v into the average and returns the new value.
func (s *Smoother) Update(v float64) float64 {
	if !s.init {
		s.value, s.init = v, true
		return v
	}
	s.value = s.Alpha*v + (1-s.Alpha)*s.value
	return s.value
}

// Reset forgets the history.
func (s *Smoother) Reset() { s.value, s.init = 0, false }
