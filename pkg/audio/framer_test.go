package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/vigil/pkg/audio"
)

func TestFramer_FixedLengthFrames(t *testing.T) {
	t.Parallel()

	fr := audio.NewFramer(audio.Format{SampleRate: 16000, Channels: 2}, 20*time.Millisecond)
	if fr.FrameSamples() != 640 {
		t.Fatalf("FrameSamples = %d, want 640", fr.FrameSamples())
	}

	// 1.5 frames, then another 1.5 frames.
	first := fr.Write(make([]int16, 960))
	second := fr.Write(make([]int16, 960))
	frames := append(first, second...)
	if len(first) != 1 || len(frames) != 3 {
		t.Fatalf("frames = %d/%d, want 1/3", len(first), len(frames))
	}
	for i, f := range frames {
		if len(f.Samples) != 640 {
			t.Errorf("frame %d samples = %d, want 640", i, len(f.Samples))
		}
		if f.Channels != 2 || f.SampleRate != 16000 {
			t.Errorf("frame %d format = %d/%d", i, f.SampleRate, f.Channels)
		}
		if f.Duration() != 20*time.Millisecond {
			t.Errorf("frame %d duration = %v", i, f.Duration())
		}
	}
}

func TestFramer_StrictlyIncreasingSeq(t *testing.T) {
	t.Parallel()

	fr := audio.NewFramer(audio.Format{SampleRate: 8000, Channels: 1}, 10*time.Millisecond)
	var last uint64
	var seen int
	for chunk := 1; chunk < 200; chunk += 7 {
		for _, f := range fr.Write(make([]int16, chunk)) {
			if seen > 0 && f.Seq <= last {
				t.Fatalf("seq %d after %d", f.Seq, last)
			}
			if f.Timestamp != time.Duration(f.Seq)*10*time.Millisecond {
				t.Fatalf("frame %d timestamp = %v", f.Seq, f.Timestamp)
			}
			last = f.Seq
			seen++
		}
	}
	if seen == 0 {
		t.Fatal("no frames produced")
	}
}

func TestFramer_SkipAdvancesSeq(t *testing.T) {
	t.Parallel()

	fr := audio.NewFramer(audio.Format{SampleRate: 16000, Channels: 1}, 20*time.Millisecond)
	fr.Write(make([]int16, 320+100)) // one frame plus a partial
	if got := fr.Skip(100 * time.Millisecond); got != 5 {
		t.Fatalf("Skip = %d, want 5", got)
	}
	frames := fr.Write(make([]int16, 320))
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1 (partial must be discarded)", len(frames))
	}
	if frames[0].Seq != 6 {
		t.Errorf("seq after skip = %d, want 6", frames[0].Seq)
	}
}

func TestFramer_WriteBytesCarriesOddByte(t *testing.T) {
	t.Parallel()

	fr := audio.NewFramer(audio.Format{SampleRate: 1000, Channels: 1}, 2*time.Millisecond)
	pcm := audio.SamplesToBytes([]int16{1, 2})
	if got := fr.WriteBytes(pcm[:3]); len(got) != 0 {
		t.Fatalf("frames from 3 bytes = %d, want 0", len(got))
	}
	got := fr.WriteBytes(pcm[3:])
	if len(got) != 1 {
		t.Fatalf("frames = %d, want 1", len(got))
	}
	if got[0].Samples[0] != 1 || got[0].Samples[1] != 2 {
		t.Errorf("samples = %v, want [1 2]", got[0].Samples)
	}
}
