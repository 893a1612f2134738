package gate_test

import (
	"testing"
	"time"

	"github.com/MrWong99/vigil/internal/gate"
	"github.com/MrWong99/vigil/pkg/provider/vad"
	"github.com/MrWong99/vigil/pkg/provider/vad/mock"
	"github.com/MrWong99/vigil/pkg/types"
)

// frame returns a 20 ms mono frame at 16 kHz.
func frame(seq uint64) types.AudioFrame {
	return types.AudioFrame{Seq: seq, Samples: make([]int16, 320), Channels: 1, SampleRate: 16000}
}

// script turns a pattern like "SSS..S" into VAD results: S is speech, anything
// else is silence.
func script(pattern string) []vad.Result {
	out := make([]vad.Result, len(pattern))
	for i, c := range pattern {
		out[i] = vad.Result{Speech: c == 'S', Energy: 0.1}
	}
	return out
}

type step struct {
	active bool
	edge   gate.Edge
}

func run(t *testing.T, g *gate.Gate, n int) []step {
	t.Helper()
	out := make([]step, n)
	for i := range n {
		d, e, err := g.Process(frame(uint64(i)))
		if err != nil {
			t.Fatalf("Process(%d): %v", i, err)
		}
		if d.Seq != uint64(i) {
			t.Fatalf("decision seq = %d, want %d", d.Seq, i)
		}
		out[i] = step{d.Active, e}
	}
	return out
}

func TestGate_IsolatedLoudFrameDoesNotActivate(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{Script: script("..S..SS..S..")}
	g := gate.New(sess, gate.Config{ActivationFrames: 3})
	for i, s := range run(t, g, 12) {
		if s.active || s.edge != gate.EdgeNone {
			t.Fatalf("frame %d: active=%v edge=%v", i, s.active, s.edge)
		}
	}
}

func TestGate_ActivatesAfterKFrames(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{Script: script("SSSS")}
	g := gate.New(sess, gate.Config{ActivationFrames: 3})
	steps := run(t, g, 4)
	if steps[1].active {
		t.Fatal("active after 2 frames")
	}
	if !steps[2].active || steps[2].edge != gate.SpeechStarted {
		t.Fatalf("frame 2 = %+v, want active with SpeechStarted", steps[2])
	}
	if steps[3].edge != gate.EdgeNone {
		t.Errorf("frame 3 edge = %v, want none", steps[3].edge)
	}
	if !g.Active() {
		t.Error("Active() = false")
	}
}

func TestGate_ShortPauseDoesNotClose(t *testing.T) {
	t.Parallel()

	// 100 ms silence timeout = 5 frames; a 4-frame pause keeps the gate open.
	sess := &mock.Session{Script: script("SSS....SS")}
	g := gate.New(sess, gate.Config{ActivationFrames: 3, SilenceTimeout: 100 * time.Millisecond})
	for i, s := range run(t, g, 9)[2:] {
		if !s.active || s.edge == gate.SpeechEnded {
			t.Fatalf("frame %d closed the gate during a short pause", i+2)
		}
	}
}

func TestGate_SustainedSilenceCloses(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{Script: script("SSS.....")}
	g := gate.New(sess, gate.Config{ActivationFrames: 3, SilenceTimeout: 100 * time.Millisecond})
	steps := run(t, g, 8)
	if !steps[6].active {
		t.Fatal("closed before timeout")
	}
	if steps[7].active || steps[7].edge != gate.SpeechEnded {
		t.Fatalf("frame 7 = %+v, want closed with SpeechEnded", steps[7])
	}
}

func TestGate_ResetClears(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{Default: vad.Result{Speech: true}}
	g := gate.New(sess, gate.Config{ActivationFrames: 1})
	run(t, g, 2)
	if !g.Active() {
		t.Fatal("gate not active")
	}
	g.Reset()
	if g.Active() {
		t.Error("gate active after Reset")
	}
	if sess.Resets() != 1 {
		t.Errorf("VAD resets = %d, want 1", sess.Resets())
	}
}

func TestGate_RejectsStereo(t *testing.T) {
	t.Parallel()

	g := gate.New(&mock.Session{}, gate.Config{})
	f := types.AudioFrame{Samples: make([]int16, 640), Channels: 2, SampleRate: 16000}
	if _, _, err := g.Process(f); err == nil {
		t.Error("expected error for stereo frame")
	}
}

func TestGate_Defaults(t *testing.T) {
	t.Parallel()

	g := gate.New(&mock.Session{}, gate.Config{})
	if g.SilenceTimeout() != gate.DefaultSilenceTimeout {
		t.Errorf("SilenceTimeout = %v, want %v", g.SilenceTimeout(), gate.DefaultSilenceTimeout)
	}
	g.SetSilenceTimeout(time.Second)
	if g.SilenceTimeout() != time.Second {
		t.Errorf("SilenceTimeout after set = %v", g.SilenceTimeout())
	}
}
