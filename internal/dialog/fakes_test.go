package dialog_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/vigil/internal/backend"
	"github.com/MrWong99/vigil/internal/dialog"
	"github.com/MrWong99/vigil/internal/events"
	"github.com/MrWong99/vigil/internal/speech"
	"github.com/MrWong99/vigil/pkg/types"
)

// callLog records calls across fakes so tests can assert ordering.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeTranscriber struct {
	log *callLog

	mu    sync.Mutex
	utts  []*types.Utterance
	abort int
}

func (f *fakeTranscriber) Begin(_ context.Context, utt *types.Utterance) {
	f.mu.Lock()
	f.utts = append(f.utts, utt)
	f.mu.Unlock()
	f.log.add("begin")
}

func (f *fakeTranscriber) Finish() { f.log.add("finish") }

func (f *fakeTranscriber) Abort() {
	f.mu.Lock()
	f.abort++
	f.mu.Unlock()
	f.log.add("abort")
}

func (f *fakeTranscriber) begun() []*types.Utterance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Utterance(nil), f.utts...)
}

func (f *fakeTranscriber) aborts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.abort
}

// fakeSpeaker records spoken text. With autoDone every Speak completes at
// once through done.
type fakeSpeaker struct {
	log      *callLog
	autoDone bool
	err      error
	done     func(speech.Result)

	mu    sync.Mutex
	texts []string
	turns []string
	stops int
}

func (f *fakeSpeaker) Speak(_ context.Context, turnID, text string) error {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.turns = append(f.turns, turnID)
	err, auto, done := f.err, f.autoDone, f.done
	f.mu.Unlock()
	f.log.add("speak")
	if err != nil {
		return fmt.Errorf("%w: %w", speech.ErrSynthesisFailed, err)
	}
	if auto && done != nil {
		go done(speech.Result{TurnID: turnID})
	}
	return nil
}

func (f *fakeSpeaker) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	f.log.add("stop")
}

func (f *fakeSpeaker) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakeSpeaker) lastTurn() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.turns) == 0 {
		return ""
	}
	return f.turns[len(f.turns)-1]
}

type fakeBackend struct {
	reply func(ctx context.Context, req backend.Request) (string, error)

	mu   sync.Mutex
	reqs []backend.Request
}

func (f *fakeBackend) Reply(ctx context.Context, req backend.Request) (string, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.reply == nil {
		return "", errors.New("no reply configured")
	}
	return f.reply(ctx, req)
}

func (f *fakeBackend) requests() []backend.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Request(nil), f.reqs...)
}

func replyWith(text string) func(context.Context, backend.Request) (string, error) {
	return func(context.Context, backend.Request) (string, error) { return text, nil }
}

type harness struct {
	orch    *dialog.Orchestrator
	rec     *events.Recorder
	log     *callLog
	tr      *fakeTranscriber
	sp      *fakeSpeaker
	backend *fakeBackend
}

func newHarness(t *testing.T, cfg dialog.Config, b *fakeBackend, autoDone bool, opts ...dialog.Option) *harness {
	t.Helper()
	h := &harness{rec: &events.Recorder{}, log: &callLog{}, backend: b}
	h.tr = &fakeTranscriber{log: h.log}
	h.sp = &fakeSpeaker{log: h.log, autoDone: autoDone}

	var n int
	var idMu sync.Mutex
	opts = append([]dialog.Option{
		dialog.WithSink(h.rec),
		dialog.WithIDGenerator(func() string {
			idMu.Lock()
			defer idMu.Unlock()
			n++
			return fmt.Sprintf("turn-%d", n)
		}),
	}, opts...)
	orch, err := dialog.New(cfg, b, h.tr, h.sp, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.orch = orch
	h.sp.done = orch.HandleSpeechResult
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.orch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// waitStates waits until the recorded transitions equal want.
func (h *harness) waitStates(t *testing.T, want ...string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := h.rec.States()
		if slices.Equal(got, want) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("states = %v, want %v", got, want)
		}
		time.Sleep(time.Millisecond)
	}
}

// waitCall waits until the call log contains name.
func (h *harness) waitCall(t *testing.T, name string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !slices.Contains(h.log.all(), name) {
		if time.Now().After(deadline) {
			t.Fatalf("calls = %v, want %s", h.log.all(), name)
		}
		time.Sleep(time.Millisecond)
	}
}

// waitBegun waits for the n-th Begin call and returns its utterance ID.
func (h *harness) waitBegun(t *testing.T, n int) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if utts := h.tr.begun(); len(utts) >= n {
			return utts[n-1].ID
		}
		if time.Now().After(deadline) {
			t.Fatalf("Begin calls = %d, want %d", len(h.tr.begun()), n)
		}
		time.Sleep(time.Millisecond)
	}
}

// waitCount waits until state has been entered n times.
func (h *harness) waitCount(t *testing.T, state string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := 0
		for _, s := range h.rec.States() {
			if s == state {
				got++
			}
		}
		if got >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s entered %d times, want %d; states %v", state, got, n, h.rec.States())
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) waitEvent(t *testing.T, kind events.Kind, match func(events.Event) bool) events.Event {
	t.Helper()
	var found events.Event
	ok := h.rec.WaitFor(func(e events.Event) bool {
		if e.Kind == kind && (match == nil || match(e)) {
			found = e
			return true
		}
		return false
	}, 2*time.Second)
	if !ok {
		t.Fatalf("no %s event; got %+v", kind, h.rec.Events())
	}
	return found
}

func wakeEvent(conf float64) types.WakeEvent {
	return types.WakeEvent{
		At:         time.Now(),
		Phrase:     "jarvis",
		Variant:    "jarvis",
		Confidence: conf,
		PreRoll:    []types.AudioFrame{{Seq: 1, Samples: make([]int16, 320), Channels: 1, SampleRate: 16000}},
	}
}
