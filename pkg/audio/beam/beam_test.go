package beam_test

import (
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/vigil/pkg/audio/beam"
	"github.com/MrWong99/vigil/pkg/types"
)

const (
	rate    = 16000
	spacing = 0.1
	lag     = 3
	frameN  = 320
)

// noise returns a deterministic broadband signal.
func noise(n int, seed uint32) []int16 {
	out := make([]int16, n)
	x := seed
	for i := range out {
		x = x*1664525 + 1013904223
		out[i] = int16(x>>16) / 4
	}
	return out
}

// stereoFrames splits src into frames where channel 1 is channel 0 delayed by
// lag samples.
func stereoFrames(src []int16, delay int) []types.AudioFrame {
	var frames []types.AudioFrame
	for start, seq := 0, uint64(0); start+frameN <= len(src); start, seq = start+frameN, seq+1 {
		s := make([]int16, frameN*2)
		for t := range frameN {
			s[t*2] = src[start+t]
			if idx := start + t - delay; idx >= 0 {
				s[t*2+1] = src[idx]
			}
		}
		frames = append(frames, types.AudioFrame{Seq: seq, Samples: s, Channels: 2, SampleRate: rate})
	}
	return frames
}

func TestEstimateDirection(t *testing.T) {
	t.Parallel()

	a := noise(2000, 1)
	b := make([]int16, len(a))
	copy(b[lag:], a)

	angle, got := beam.EstimateDirection(a, b, rate, spacing)
	if got != lag {
		t.Fatalf("lag = %d, want %d", got, lag)
	}
	want := math.Asin(lag*beam.SpeedOfSound/(rate*spacing)) * 180 / math.Pi
	if math.Abs(angle-want) > 0.01 {
		t.Errorf("angle = %.2f, want %.2f", angle, want)
	}
}

func TestEstimateDirection_Reversed(t *testing.T) {
	t.Parallel()

	b := noise(2000, 7)
	a := make([]int16, len(b))
	copy(a[2:], b)

	angle, got := beam.EstimateDirection(a, b, rate, spacing)
	if got != -2 {
		t.Fatalf("lag = %d, want -2", got)
	}
	if angle >= 0 {
		t.Errorf("angle = %.2f, want negative", angle)
	}
}

func TestProcess_SteeredSumAlignsChannels(t *testing.T) {
	t.Parallel()

	src := noise(frameN*4, 3)
	frames := stereoFrames(src, lag)
	angle := math.Asin(lag*beam.SpeedOfSound/(rate*spacing)) * 180 / math.Pi

	bf, err := beam.New(beam.Config{Channels: 2, Spacing: spacing, Angle: angle})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i, f := range frames {
		out, err := bf.Process(f)
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if out.Seq != f.Seq || out.Channels != 1 || len(out.Samples) != frameN {
			t.Fatalf("frame %d: seq=%d channels=%d samples=%d", i, out.Seq, out.Channels, len(out.Samples))
		}
		if i == 0 {
			continue
		}
		// Aligned sum of two identical signals halves back to the source.
		for tt := range frameN {
			want := src[i*frameN+tt-lag]
			if out.Samples[tt] != want {
				t.Fatalf("frame %d sample %d = %d, want %d", i, tt, out.Samples[tt], want)
			}
		}
	}
}

func TestProcess_AdaptiveFindsDirection(t *testing.T) {
	t.Parallel()

	frames := stereoFrames(noise(frameN*8, 5), lag)
	bf, err := beam.New(beam.Config{
		Channels:          2,
		Spacing:           spacing,
		Adaptive:          true,
		CalibrationFrames: 3,
		Smoothing:         1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, f := range frames {
		if _, err := bf.Process(f); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	want := math.Asin(lag*beam.SpeedOfSound/(rate*spacing)) * 180 / math.Pi
	if math.Abs(bf.Direction()-want) > 0.5 {
		t.Errorf("Direction = %.2f, want %.2f", bf.Direction(), want)
	}
}

func TestProcess_SingleChannelPassthrough(t *testing.T) {
	t.Parallel()

	bf, err := beam.New(beam.Config{Channels: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	in := types.AudioFrame{Seq: 9, Samples: []int16{1, 2, 3}, Channels: 1, SampleRate: rate}
	out, err := bf.Process(in)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Seq != 9 || len(out.Samples) != 3 || out.Samples[2] != 3 {
		t.Errorf("out = %+v", out)
	}
}

func TestProcess_ChannelMismatch(t *testing.T) {
	t.Parallel()

	bf, err := beam.New(beam.Config{Channels: 2, Spacing: spacing})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	in := types.AudioFrame{Seq: 1, Samples: []int16{1, 2, 3, 4, 5, 6}, Channels: 3, SampleRate: rate}
	if _, err := bf.Process(in); !errors.Is(err, beam.ErrChannelConfigMismatch) {
		t.Fatalf("err = %v, want ErrChannelConfigMismatch", err)
	}

	mono := beam.FirstChannel(in)
	if mono.Channels != 1 || len(mono.Samples) != 2 || mono.Samples[0] != 1 || mono.Samples[1] != 4 {
		t.Errorf("FirstChannel = %+v", mono)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := beam.New(beam.Config{Channels: 2}); err == nil {
		t.Error("expected error for zero spacing")
	}
	if _, err := beam.New(beam.Config{Channels: 2, Spacing: 0.1, Angle: 120}); err == nil {
		t.Error("expected error for angle out of range")
	}
}
