package speech_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/vigil/internal/speech"
	audiomock "github.com/MrWong99/vigil/pkg/audio/mock"
	"github.com/MrWong99/vigil/pkg/audio/playback"
	ttsmock "github.com/MrWong99/vigil/pkg/provider/tts/mock"
)

type harness struct {
	out     *speech.Output
	tts     *ttsmock.Provider
	sink    *audiomock.Sink
	player  *playback.Player
	results chan speech.Result
}

func newHarness(t *testing.T, p *ttsmock.Provider) *harness {
	t.Helper()
	h := &harness{
		tts:     p,
		sink:    &audiomock.Sink{},
		results: make(chan speech.Result, 8),
	}
	h.player = playback.New(h.sink)
	t.Cleanup(func() { _ = h.player.Close() })
	h.out = speech.New(p, h.player, speech.WithDoneHandler(func(r speech.Result) { h.results <- r }))
	return h
}

func (h *harness) result(t *testing.T) speech.Result {
	t.Helper()
	select {
	case r := <-h.results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no speech result")
		return speech.Result{}
	}
}

func TestSpeak_SentencesReachProviderVerbatim(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &ttsmock.Provider{ChunkBytes: 640})
	if err := h.out.Speak(context.Background(), "turn-1", "Son las tres. ¿Algo más?"); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	r := h.result(t)
	if diff := cmp.Diff(speech.Result{TurnID: "turn-1"}, r, cmp.Comparer(func(a, b error) bool { return a == b })); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Son las tres.", "¿Algo más?"}, h.tts.Texts()); diff != "" {
		t.Errorf("texts mismatch (-want +got):\n%s", diff)
	}
	if got := len(h.sink.Samples()); got != 640 {
		t.Errorf("samples played = %d, want 640", got)
	}
	if h.out.Speaking() {
		t.Error("Speaking = true after completion")
	}
}

func TestSpeak_CleansMarkup(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &ttsmock.Provider{})
	_ = h.out.Speak(context.Background(), "t", "**Listo** 👍 ver https://example.com")
	h.result(t)
	if diff := cmp.Diff([]string{"Listo ver"}, h.tts.Texts()); diff != "" {
		t.Errorf("texts mismatch (-want +got):\n%s", diff)
	}
}

func TestSpeak_NothingToSay(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &ttsmock.Provider{})
	if err := h.out.Speak(context.Background(), "t", " 🤖 "); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if r := h.result(t); r.TurnID != "t" || r.Interrupted || r.Err != nil {
		t.Errorf("result = %+v", r)
	}
	if h.tts.CallCount() != 0 {
		t.Error("provider called for empty text")
	}
}

func TestSpeak_StartFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &ttsmock.Provider{SynthesizeErr: errors.New("401")})
	err := h.out.Speak(context.Background(), "t", "Hola.")
	if !errors.Is(err, speech.ErrSynthesisFailed) {
		t.Fatalf("Speak error = %v, want ErrSynthesisFailed", err)
	}
	select {
	case r := <-h.results:
		t.Errorf("unexpected result %+v after start failure", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSpeak_StreamFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &ttsmock.Provider{StreamErr: errors.New("socket closed")})
	if err := h.out.Speak(context.Background(), "t", "Hola."); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	r := h.result(t)
	if !errors.Is(r.Err, speech.ErrSynthesisFailed) {
		t.Errorf("result error = %v, want ErrSynthesisFailed", r.Err)
	}
}

func TestStop_InterruptsPlaybackAndSynthesis(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &ttsmock.Provider{ChunkBytes: 640, Hold: true})
	if err := h.out.Speak(context.Background(), "t", "Una respuesta muy larga. Con dos frases."); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for !h.player.Playing() {
		if time.Now().After(deadline) {
			t.Fatal("playback never started")
		}
		time.Sleep(time.Millisecond)
	}
	if !h.out.Speaking() {
		t.Error("Speaking = false during playback")
	}

	start := time.Now()
	h.out.Stop()
	r := h.result(t)
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("stop took %v", elapsed)
	}
	if !r.Interrupted || r.Err != nil {
		t.Errorf("result = %+v, want interrupted without error", r)
	}
	if h.sink.FlushCount() == 0 {
		t.Error("sink not flushed")
	}
}

func TestStop_IdleAndRepeated(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &ttsmock.Provider{})
	h.out.Stop()
	h.out.Stop()

	if err := h.out.Speak(context.Background(), "after", "Sigo aquí."); err != nil {
		t.Fatalf("Speak after Stop: %v", err)
	}
	if r := h.result(t); r.Interrupted {
		t.Error("speech after Stop was interrupted")
	}
}

func TestStop_ConcurrentWithSpeak(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &ttsmock.Provider{ChunkBytes: 320})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 50 {
			h.out.Stop()
		}
	}()
	for i := range 5 {
		_ = h.out.Speak(context.Background(), string(rune('a'+i)), "Hola.")
	}
	<-done
	for range 5 {
		h.result(t)
	}
}
