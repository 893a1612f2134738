package audio

import (
	"time"

	"github.com/MrWong99/vigil/pkg/types"
)

// DefaultFrameDuration is the capture cadence used when none is configured.
const DefaultFrameDuration = 20 * time.Millisecond

// Framer slices an arbitrary PCM stream into fixed-length frames with strictly
// increasing sequence numbers. Sources own one Framer for their whole lifetime
// so numbering continues across device reopens.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	format          Format
	samplesPerFrame int // interleaved samples per frame
	frameDur        time.Duration

	seq     uint64
	pending []int16
	oddByte []byte
}

// NewFramer returns a framer producing frames of frameDur at the given format.
// A non-positive frameDur selects [DefaultFrameDuration].
func NewFramer(f Format, frameDur time.Duration) *Framer {
	if frameDur <= 0 {
		frameDur = DefaultFrameDuration
	}
	perChannel := int(int64(f.SampleRate) * int64(frameDur) / int64(time.Second))
	if perChannel < 1 {
		perChannel = 1
	}
	return &Framer{
		format:          f,
		samplesPerFrame: perChannel * max(f.Channels, 1),
		frameDur:        frameDur,
	}
}

// FrameSamples returns the number of interleaved samples per frame.
func (fr *Framer) FrameSamples() int { return fr.samplesPerFrame }

// FrameDuration returns the frame length.
func (fr *Framer) FrameDuration() time.Duration { return fr.frameDur }

// Write appends interleaved samples and returns every frame completed by them.
func (fr *Framer) Write(samples []int16) []types.AudioFrame {
	fr.pending = append(fr.pending, samples...)
	var out []types.AudioFrame
	for len(fr.pending) >= fr.samplesPerFrame {
		frame := make([]int16, fr.samplesPerFrame)
		copy(frame, fr.pending[:fr.samplesPerFrame])
		fr.pending = fr.pending[fr.samplesPerFrame:]
		out = append(out, fr.next(frame))
	}
	if len(fr.pending) == 0 {
		fr.pending = nil
	}
	return out
}

// WriteBytes appends little-endian PCM16 bytes. An odd trailing byte is carried
// over to the next call.
func (fr *Framer) WriteBytes(b []byte) []types.AudioFrame {
	if len(fr.oddByte) > 0 {
		b = append(fr.oddByte, b...)
		fr.oddByte = nil
	}
	if len(b)%2 != 0 {
		fr.oddByte = []byte{b[len(b)-1]}
		b = b[:len(b)-1]
	}
	return fr.Write(BytesToSamples(b))
}

// Skip discards any partial frame and advances the sequence and timestamp by
// the number of whole frames that fit into lost. It returns the number of
// frames skipped. Sources call it after a dropout so frame timestamps keep
// tracking wall-clock time.
func (fr *Framer) Skip(lost time.Duration) uint64 {
	fr.pending = nil
	fr.oddByte = nil
	if lost <= 0 {
		return 0
	}
	n := uint64(lost / fr.frameDur)
	fr.seq += n
	return n
}

// Seq returns the sequence number the next frame will carry.
func (fr *Framer) Seq() uint64 { return fr.seq }

func (fr *Framer) next(samples []int16) types.AudioFrame {
	f := types.AudioFrame{
		Seq:        fr.seq,
		Samples:    samples,
		Channels:   fr.format.Channels,
		SampleRate: fr.format.SampleRate,
		Timestamp:  time.Duration(fr.seq) * fr.frameDur,
	}
	fr.seq++
	return f
}
