// Package beam turns synchronised multi-microphone frames into a single mono
// channel by delay-and-sum beamforming over a linear array.
//
// The steering delay comes either from the configured angle or, in adaptive
// mode, from a cross-correlation estimate of the direction of arrival over a
// short rolling window. Fractional delays are rounded to whole samples.
package beam

import (
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/types"
)

// SpeedOfSound in metres per second.
const SpeedOfSound = 343.0

// ErrChannelConfigMismatch is returned by [Beamformer.Process] when a frame's
// channel count differs from the configured array.
var ErrChannelConfigMismatch = errors.New("beam: channel count does not match configuration")

// Config describes the microphone array.
type Config struct {
	// Channels is the number of microphones. One disables beamforming.
	Channels int

	// Spacing is the distance between adjacent microphones in metres.
	Spacing float64

	// Angle is the steering angle in degrees; 0 is broadside.
	Angle float64

	// Adaptive re-estimates the direction of arrival from the signal.
	Adaptive bool

	// CalibrationFrames is the rolling window used by adaptive mode.
	// Default: 10.
	CalibrationFrames int

	// Smoothing is the weight of a new direction estimate, 0–1. Default: 0.2.
	Smoothing float64

	// MinLevel is the RMS (0–1) below which a window is too quiet to estimate
	// direction from. Default: 0.01.
	MinLevel float64
}

func (c Config) withDefaults() Config {
	if c.Channels < 1 {
		c.Channels = 1
	}
	if c.CalibrationFrames <= 0 {
		c.CalibrationFrames = 10
	}
	if c.Smoothing <= 0 || c.Smoothing > 1 {
		c.Smoothing = 0.2
	}
	if c.MinLevel <= 0 {
		c.MinLevel = 0.01
	}
	return c
}

// Beamformer is a stateful delay-and-sum processor. It keeps only the tail of
// the previous frame per channel and the calibration window between calls.
// It is not safe for concurrent use; the capture goroutine owns it.
type Beamformer struct {
	cfg Config

	rate    int
	maxLag  int
	steer   float64 // smoothed inter-mic delay in samples
	history [][]int16

	calA, calB *audio.Ring[[]int16]
	direction  float64
}

// New validates cfg and returns a beamformer.
func New(cfg Config) (*Beamformer, error) {
	cfg = cfg.withDefaults()
	if cfg.Channels > 1 && cfg.Spacing <= 0 {
		return nil, fmt.Errorf("beam: spacing must be positive for %d channels", cfg.Channels)
	}
	if cfg.Angle < -90 || cfg.Angle > 90 {
		return nil, fmt.Errorf("beam: angle %.1f outside [-90, 90]", cfg.Angle)
	}
	b := &Beamformer{
		cfg:       cfg,
		direction: cfg.Angle,
		calA:      audio.NewRing[[]int16](cfg.CalibrationFrames),
		calB:      audio.NewRing[[]int16](cfg.CalibrationFrames),
	}
	return b, nil
}

// Direction returns the current steering angle in degrees.
func (b *Beamformer) Direction() float64 { return b.direction }

// Process beamforms f into a mono frame with the same sequence number and
// frame count. Single-channel configurations pass frames through.
func (b *Beamformer) Process(f types.AudioFrame) (types.AudioFrame, error) {
	if f.Channels != b.cfg.Channels {
		return types.AudioFrame{}, fmt.Errorf("%w: got %d, want %d", ErrChannelConfigMismatch, f.Channels, b.cfg.Channels)
	}
	if f.Channels == 1 {
		return f, nil
	}
	if f.SampleRate != b.rate {
		b.reset(f.SampleRate)
	}

	n := f.FrameCount()
	chans := make([][]int16, f.Channels)
	for ch := range chans {
		chans[ch] = audio.Channel(f.Samples, f.Channels, ch)
	}

	if b.cfg.Adaptive {
		b.calibrate(chans[0], chans[1])
	}

	d := int(math.Round(b.steer))
	maxShift := 0
	for i := range f.Channels {
		maxShift = max(maxShift, i*d)
	}

	out := make([]int16, n)
	for t := range n {
		var sum int32
		for i, x := range chans {
			delay := maxShift - i*d
			sum += int32(b.sampleAt(i, x, t-delay))
		}
		out[t] = int16(sum / int32(f.Channels))
	}

	for i, x := range chans {
		b.remember(i, x)
	}

	return types.AudioFrame{
		Seq:        f.Seq,
		Samples:    out,
		Channels:   1,
		SampleRate: f.SampleRate,
		Timestamp:  f.Timestamp,
	}, nil
}

// FirstChannel extracts channel 0 as a mono frame. The pipeline uses it as the
// passthrough when a frame does not match the configured array.
func FirstChannel(f types.AudioFrame) types.AudioFrame {
	return types.AudioFrame{
		Seq:        f.Seq,
		Samples:    audio.Channel(f.Samples, f.Channels, 0),
		Channels:   1,
		SampleRate: f.SampleRate,
		Timestamp:  f.Timestamp,
	}
}

func (b *Beamformer) reset(rate int) {
	b.rate = rate
	b.maxLag = int(math.Ceil(b.cfg.Spacing * float64(rate) / SpeedOfSound))
	b.steer = angleToLag(b.cfg.Angle, b.cfg.Spacing, rate)
	b.history = make([][]int16, b.cfg.Channels)
	for i := range b.history {
		b.history[i] = make([]int16, b.maxLag*(b.cfg.Channels-1))
	}
	b.calA.Reset()
	b.calB.Reset()
}

// sampleAt returns x[t] for the current frame, reaching into the previous
// frame's tail for negative t.
func (b *Beamformer) sampleAt(ch int, x []int16, t int) int16 {
	if t >= 0 {
		return x[t]
	}
	h := b.history[ch]
	idx := len(h) + t
	if idx < 0 {
		return 0
	}
	return h[idx]
}

func (b *Beamformer) remember(ch int, x []int16) {
	h := b.history[ch]
	if len(h) == 0 {
		return
	}
	if len(x) >= len(h) {
		copy(h, x[len(x)-len(h):])
		return
	}
	copy(h, h[len(x):])
	copy(h[len(h)-len(x):], x)
}

func (b *Beamformer) calibrate(a, c []int16) {
	b.calA.Push(a)
	b.calB.Push(c)
	if b.calA.Len() < b.calA.Cap() {
		return
	}
	winA := concat(b.calA.Snapshot())
	if audio.RMS(winA) < b.cfg.MinLevel {
		return
	}
	winB := concat(b.calB.Snapshot())
	lag := bestLag(winA, winB, b.maxLag)
	b.steer = (1-b.cfg.Smoothing)*b.steer + b.cfg.Smoothing*float64(lag)
	b.direction = lagToAngle(b.steer, b.cfg.Spacing, b.rate)
}

// EstimateDirection returns the direction of arrival in degrees and the
// inter-channel lag in samples for a two-microphone pair. A positive lag means
// the sound reached a before b.
func EstimateDirection(a, b []int16, sampleRate int, spacing float64) (float64, int) {
	maxLag := int(math.Ceil(spacing * float64(sampleRate) / SpeedOfSound))
	lag := bestLag(a, b, maxLag)
	return lagToAngle(float64(lag), spacing, sampleRate), lag
}

// bestLag returns the k in [-maxLag, maxLag] maximising sum(a[t] * b[t+k]).
func bestLag(a, b []int16, maxLag int) int {
	n := min(len(a), len(b))
	best, bestScore := 0, math.Inf(-1)
	for k := -maxLag; k <= maxLag; k++ {
		var score float64
		for t := max(0, -k); t < n && t+k < n; t++ {
			score += float64(a[t]) * float64(b[t+k])
		}
		if score > bestScore {
			best, bestScore = k, score
		}
	}
	return best
}

func angleToLag(deg, spacing float64, rate int) float64 {
	return spacing * math.Sin(deg*math.Pi/180) * float64(rate) / SpeedOfSound
}

func lagToAngle(lag, spacing float64, rate int) float64 {
	if spacing <= 0 || rate <= 0 {
		return 0
	}
	s := lag * SpeedOfSound / (float64(rate) * spacing)
	s = math.Max(-1, math.Min(1, s))
	return math.Asin(s) * 180 / math.Pi
}

func concat(chunks [][]int16) []int16 {
	var n int
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]int16, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
