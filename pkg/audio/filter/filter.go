// Package filter conditions mono speech before it reaches voice detection and
// recognition.
//
// A [Chain] applies, in order, a telephone-band band-pass (second-order
// high-pass and low-pass sections), a soft noise gate keyed on the frame's
// RMS and a normalisation gain towards a target RMS. Filter state carries
// across frames so the chain can run on a live stream, and gain changes are
// ramped over a frame to avoid clicks.
package filter

import (
	"math"

	"github.com/MrWong99/vigil/pkg/types"
)

const (
	DefaultLowCut         = 300.0
	DefaultHighCut        = 3400.0
	DefaultNoiseThreshold = 150.0
	DefaultTargetRMS      = 3000.0
	DefaultMaxGain        = 4.0
	DefaultMinGain        = 0.25

	// DefaultGateFloor is the gain applied to frames well below the noise
	// threshold.
	DefaultGateFloor = 0.1
)

// Config selects the stages and their parameters. Levels are RMS values in
// int16 sample units.
type Config struct {
	// LowCut and HighCut bound the pass band in Hz. A HighCut at or above
	// the Nyquist frequency disables the low-pass section; a zero LowCut
	// disables the high-pass section.
	LowCut  float64
	HighCut float64

	NoiseGate      bool
	NoiseThreshold float64
	GateFloor      float64

	Normalize bool
	TargetRMS float64
	MaxGain   float64
	MinGain   float64
}

// DefaultConfig enables every stage with the default parameters.
func DefaultConfig() Config {
	return Config{
		LowCut:         DefaultLowCut,
		HighCut:        DefaultHighCut,
		NoiseGate:      true,
		NoiseThreshold: DefaultNoiseThreshold,
		GateFloor:      DefaultGateFloor,
		Normalize:      true,
		TargetRMS:      DefaultTargetRMS,
		MaxGain:        DefaultMaxGain,
		MinGain:        DefaultMinGain,
	}
}

func (c Config) withDefaults() Config {
	if c.NoiseThreshold <= 0 {
		c.NoiseThreshold = DefaultNoiseThreshold
	}
	if c.GateFloor <= 0 || c.GateFloor > 1 {
		c.GateFloor = DefaultGateFloor
	}
	if c.TargetRMS <= 0 {
		c.TargetRMS = DefaultTargetRMS
	}
	if c.MaxGain <= 0 {
		c.MaxGain = DefaultMaxGain
	}
	if c.MinGain <= 0 {
		c.MinGain = DefaultMinGain
	}
	if c.MinGain > c.MaxGain {
		c.MinGain = c.MaxGain
	}
	return c
}

// Chain is a stateful conditioning chain for one mono stream. It is not safe
// for concurrent use.
type Chain struct {
	cfg Config

	rate     int
	sections []*biquad
	gain     float64
}

// New returns a chain for cfg. Coefficients are computed from the first
// frame's sample rate.
func New(cfg Config) *Chain {
	return &Chain{cfg: cfg.withDefaults(), gain: 1}
}

// Gain returns the gain applied at the end of the last frame.
func (c *Chain) Gain() float64 { return c.gain }

// Reset clears the filter state and gain.
func (c *Chain) Reset() {
	for _, s := range c.sections {
		s.reset()
	}
	c.gain = 1
}

// Process returns a conditioned copy of f. Multi-channel frames are returned
// unchanged.
func (c *Chain) Process(f types.AudioFrame) types.AudioFrame {
	if len(f.Samples) == 0 || f.Channels > 1 {
		return f
	}
	if f.SampleRate != c.rate {
		c.design(f.SampleRate)
	}

	buf := make([]float64, len(f.Samples))
	for i, s := range f.Samples {
		x := float64(s)
		for _, sec := range c.sections {
			x = sec.process(x)
		}
		buf[i] = x
	}

	target := 1.0
	level := rms(buf)
	gated := false
	if c.cfg.NoiseGate {
		target = c.gateGain(level)
		gated = target < 1
	}
	if c.cfg.Normalize && !gated && level >= 1 {
		target *= clamp(c.cfg.TargetRMS/level, c.cfg.MinGain, c.cfg.MaxGain)
	}

	out := make([]int16, len(buf))
	step := (target - c.gain) / float64(len(buf))
	g := c.gain
	for i, x := range buf {
		g += step
		out[i] = clip(x * g)
	}
	c.gain = target

	f.Samples = out
	return f
}

// gateGain is the floor below half the threshold, unity from the threshold
// up and linear in between.
func (c *Chain) gateGain(level float64) float64 {
	thr, floor := c.cfg.NoiseThreshold, c.cfg.GateFloor
	switch {
	case level >= thr:
		return 1
	case level <= thr/2:
		return floor
	default:
		return floor + (1-floor)*(level-thr/2)/(thr/2)
	}
}

func (c *Chain) design(rate int) {
	c.rate = rate
	c.sections = c.sections[:0]
	if rate <= 0 {
		return
	}
	nyquist := float64(rate) / 2
	if c.cfg.LowCut > 0 && c.cfg.LowCut < nyquist {
		c.sections = append(c.sections, highPass(float64(rate), c.cfg.LowCut))
	}
	if c.cfg.HighCut > 0 && c.cfg.HighCut < nyquist {
		c.sections = append(c.sections, lowPass(float64(rate), c.cfg.HighCut))
	}
}

// biquad is a second-order section in transposed direct form II.
type biquad struct {
	b0, b1, b2, a1, a2 float64
	z1, z2             float64
}

func (b *biquad) process(x float64) float64 {
	y := b.b0*x + b.z1
	b.z1 = b.b1*x - b.a1*y + b.z2
	b.z2 = b.b2*x - b.a2*y
	return y
}

func (b *biquad) reset() { b.z1, b.z2 = 0, 0 }

// Butterworth Q for a single second-order section.
var butterworthQ = 1 / math.Sqrt2

func highPass(rate, cutoff float64) *biquad {
	w := 2 * math.Pi * cutoff / rate
	cos, alpha := math.Cos(w), math.Sin(w)/(2*butterworthQ)
	a0 := 1 + alpha
	return &biquad{
		b0: (1 + cos) / 2 / a0,
		b1: -(1 + cos) / a0,
		b2: (1 + cos) / 2 / a0,
		a1: -2 * cos / a0,
		a2: (1 - alpha) / a0,
	}
}

func lowPass(rate, cutoff float64) *biquad {
	w := 2 * math.Pi * cutoff / rate
	cos, alpha := math.Cos(w), math.Sin(w)/(2*butterworthQ)
	a0 := 1 + alpha
	return &biquad{
		b0: (1 - cos) / 2 / a0,
		b1: (1 - cos) / a0,
		b2: (1 - cos) / 2 / a0,
		a1: -2 * cos / a0,
		a2: (1 - alpha) / a0,
	}
}

func rms(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(x)))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clip(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(math.Round(v))
}
