package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/vigil/pkg/types"
)

// FormatConverter converts frames to a target format. It logs a warning on the
// first format mismatch. Create one per stream; it is not meant to be shared
// across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts frame to the target format. A frame that already matches is
// returned unchanged. Resampling happens before channel conversion so a stereo
// stream headed for mono is never resampled twice.
//
// Frames whose sample count is not a multiple of their channel count are
// malformed; Convert returns a frame with no samples for them.
func (c *FormatConverter) Convert(frame types.AudioFrame) types.AudioFrame {
	if frame.Channels <= 0 || len(frame.Samples)%frame.Channels != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: misaligned frame, dropping",
				"samples", len(frame.Samples),
				"channels", frame.Channels,
			)
		})
		return types.AudioFrame{
			Seq:        frame.Seq,
			SampleRate: c.Target.SampleRate,
			Channels:   c.Target.Channels,
			Timestamp:  frame.Timestamp,
		}
	}

	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(frame.SampleRate, frame.Channels),
			"to", c.Target.String(),
		)
	})

	samples := frame.Samples
	channels := frame.Channels
	if frame.SampleRate != c.Target.SampleRate {
		samples = Resample(samples, channels, frame.SampleRate, c.Target.SampleRate)
	}
	if channels != c.Target.Channels {
		samples = Remix(samples, channels, c.Target.Channels)
		channels = c.Target.Channels
	}

	return types.AudioFrame{
		Seq:        frame.Seq,
		Samples:    samples,
		Channels:   channels,
		SampleRate: c.Target.SampleRate,
		Timestamp:  frame.Timestamp,
	}
}

// Remix converts interleaved samples between channel counts. Mono is duplicated
// into every output channel; multi-channel input headed for mono is averaged;
// any other combination keeps the first min(src, dst) channels and zero-fills
// the rest.
func Remix(samples []int16, src, dst int) []int16 {
	if src == dst || src <= 0 || dst <= 0 {
		return samples
	}
	switch {
	case src == 1:
		out := make([]int16, len(samples)*dst)
		for i, s := range samples {
			for ch := range dst {
				out[i*dst+ch] = s
			}
		}
		return out
	case dst == 1:
		return Downmix(samples, src)
	}
	frames := len(samples) / src
	out := make([]int16, frames*dst)
	n := min(src, dst)
	for i := range frames {
		copy(out[i*dst:i*dst+n], samples[i*src:i*src+n])
	}
	return out
}

// Downmix averages interleaved channels into mono. It uses int32 arithmetic
// and clamps to the int16 range.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(samples[i*channels+ch])
		}
		out[i] = clamp16(sum / int32(channels))
	}
	return out
}

// Channel extracts a single channel from interleaved samples. An out-of-range
// channel yields silence of the right length.
func Channel(samples []int16, channels, ch int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	if ch < 0 || ch >= channels {
		return out
	}
	for i := range frames {
		out[i] = samples[i*channels+ch]
	}
	return out
}

// Resample converts interleaved samples from srcRate to dstRate using linear
// interpolation per channel. The input is returned unchanged when the rates
// match or are invalid.
func Resample(samples []int16, channels, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return samples
	}
	srcFrames := len(samples) / channels
	if srcFrames == 0 {
		return samples
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]int16, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			s0 := float64(samples[idx*channels+ch])
			s1 := float64(samples[next*channels+ch])
			out[i*channels+ch] = int16(s0*(1-frac) + s1*frac)
		}
	}
	return out
}

// ResampleMono16 resamples little-endian PCM16 mono bytes. TTS providers hand
// out raw bytes, so playback converts them before splitting into buffers.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate {
		return pcm
	}
	return SamplesToBytes(Resample(BytesToSamples(pcm), 1, srcRate, dstRate))
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// formatString returns e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
