// Package energy implements a dependency-free VAD engine that compares frame
// RMS against an adaptive noise floor and rejects spectrally flat signals
// (fans, hiss) even when they are loud.
package energy

import (
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/provider/vad"
)

const (
	defaultRatio       = 3.0
	defaultMinEnergy   = 0.01
	defaultMaxFlatness = 0.7
	defaultNoiseFloor  = 0.003
	spectrumBins       = 32
)

// Option configures an [Engine].
type Option func(*Engine)

// WithRatio sets the signal-to-floor ratio at which the speech probability
// reaches 0.5. Default: 3.
func WithRatio(r float64) Option {
	return func(e *Engine) {
		if r > 1 {
			e.ratio = r
		}
	}
}

// WithMinEnergy sets the absolute RMS (0–1) below which nothing is speech.
// Default: 0.01.
func WithMinEnergy(v float64) Option {
	return func(e *Engine) {
		if v > 0 {
			e.minEnergy = v
		}
	}
}

// WithMaxFlatness sets the spectral flatness (0–1) above which a frame is
// treated as noise. Default: 0.7.
func WithMaxFlatness(v float64) Option {
	return func(e *Engine) {
		if v > 0 && v <= 1 {
			e.maxFlatness = v
		}
	}
}

// Engine creates energy VAD sessions. It is safe for concurrent use.
type Engine struct {
	ratio       float64
	minEnergy   float64
	maxFlatness float64
}

var _ vad.Engine = (*Engine)(nil)

// New returns an energy engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		ratio:       defaultRatio,
		minEnergy:   defaultMinEnergy,
		maxFlatness: defaultMaxFlatness,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 || cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid config: rate=%d frame=%dms", cfg.SampleRate, cfg.FrameSizeMs)
	}
	threshold := cfg.SpeechThreshold
	if threshold <= 0 || threshold >= 1 {
		threshold = 0.5
	}
	s := &session{
		eng:       e,
		frameLen:  cfg.FrameSamples(),
		threshold: threshold,
		energy:    vad.Smoother{Alpha: 0.3},
	}
	s.basis = newBasis(s.frameLen, spectrumBins)
	s.Reset()
	return s, nil
}

type session struct {
	eng       *Engine
	frameLen  int
	threshold float64
	floor     float64
	energy    vad.Smoother
	basis     *basis
	closed    bool
}

func (s *session) ProcessFrame(samples []int16) (vad.Result, error) {
	if s.closed {
		return vad.Result{}, errors.New("energy: session closed")
	}
	if len(samples) != s.frameLen {
		return vad.Result{}, fmt.Errorf("%w: got %d samples, want %d", vad.ErrFrameSize, len(samples), s.frameLen)
	}

	rms := audio.RMS(samples)
	smoothed := s.energy.Update(rms)

	snr := rms / math.Max(s.floor, 1e-6)
	prob := snr / (snr + s.eng.ratio)
	speech := prob >= s.threshold && rms >= s.eng.minEnergy
	if speech && flatness(samples, s.basis) > s.eng.maxFlatness {
		speech = false
		prob = math.Min(prob, s.threshold/2)
	}

	switch {
	case rms < s.floor:
		s.floor = 0.8*s.floor + 0.2*rms
	case !speech:
		s.floor = 0.98*s.floor + 0.02*rms
	}
	s.floor = math.Max(s.floor, 1e-5)

	return vad.Result{Speech: speech, Probability: prob, Energy: smoothed}, nil
}

func (s *session) Reset() {
	s.floor = defaultNoiseFloor
	s.energy.Reset()
}

func (s *session) Close() error {
	s.closed = true
	return nil
}

// basis caches a Hann window and the sine/cosine tables of a small DFT.
type basis struct {
	window   []float64
	cos, sin [][]float64
}

func newBasis(n, bins int) *basis {
	b := &basis{window: make([]float64, n)}
	for i := range n {
		b.window[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(max(n-1, 1)))
	}
	b.cos = make([][]float64, bins)
	b.sin = make([][]float64, bins)
	for k := range bins {
		// Bin centres evenly spread between DC and Nyquist.
		freq := (float64(k) + 0.5) / float64(bins) * 0.5
		b.cos[k] = make([]float64, n)
		b.sin[k] = make([]float64, n)
		for i := range n {
			ph := 2 * math.Pi * freq * float64(i)
			b.cos[k][i] = math.Cos(ph)
			b.sin[k][i] = math.Sin(ph)
		}
	}
	return b
}

// Flatness returns the spectral flatness of samples: the ratio of the
// geometric to the arithmetic mean of the magnitude spectrum. Pure tones and
// voiced speech score near 0, white noise near 0.85.
func Flatness(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	return flatness(samples, newBasis(len(samples), spectrumBins))
}

func flatness(samples []int16, b *basis) float64 {
	var logSum, sum float64
	for k := range b.cos {
		var re, im float64
		for i, s := range samples {
			v := float64(s) * b.window[i]
			re += v * b.cos[k][i]
			im -= v * b.sin[k][i]
		}
		mag := math.Hypot(re, im)
		logSum += math.Log(mag + 1e-9)
		sum += mag
	}
	n := float64(len(b.cos))
	mean := sum / n
	if mean < 1e-6 {
		return 0
	}
	return math.Exp(logSum/n) / mean
}
