// Package events carries lifecycle notifications out of the pipeline.
//
// The dialog orchestrator and the capture loop emit [Event]s to a [Sink]:
// state transitions, wake detections, transcripts, replies, errors and audio
// levels. Sinks never block the caller. [LogSink] renders events through slog,
// [Hub] broadcasts them as JSON over websockets to UI collaborators, [Multi]
// fans out to several sinks and [Recorder] keeps them for tests.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind identifies the type of an event.
type Kind string

const (
	KindState   Kind = "state"
	KindWake    Kind = "wake"
	KindBargeIn Kind = "barge_in"
	KindPartial Kind = "partial"
	KindFinal   Kind = "final"
	KindReply   Kind = "reply"
	KindSpeak   Kind = "speak"
	KindError   Kind = "error"
	KindLevel   Kind = "level"
	KindDropout Kind = "dropout"
)

// Error codes carried in Event.Code for KindError.
const (
	CodeBackendTimeout   = "BackendTimeout"
	CodeBackendError     = "BackendError"
	CodeSynthesisFailed  = "SynthesisFailed"
	CodeTranscribeFailed = "TranscribeFailed"
	CodeQueueOverflow    = "QueueOverflow"
	CodeBeamMismatch     = "ChannelConfigMismatch"
)

// Event is a single lifecycle notification. Fields that do not apply to the
// kind are left zero and omitted from JSON.
type Event struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`

	TurnID string `json:"turn_id,omitempty"`

	// State and From describe a KindState transition.
	State string `json:"state,omitempty"`
	From  string `json:"from,omitempty"`

	// Text is the transcript, reply or spoken text.
	Text string `json:"text,omitempty"`

	Phrase     string  `json:"phrase,omitempty"`
	Variant    string  `json:"variant,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	// Level is the 0–100 input or output level for KindLevel.
	Level  int    `json:"level,omitempty"`
	Source string `json:"source,omitempty"`

	Code string `json:"code,omitempty"`
	Err  string `json:"error,omitempty"`
}

// Sink receives events. Emit must not block and must be safe for concurrent
// use.
type Sink interface {
	Emit(Event)
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// Multi fans events out to every sink in order.
type Multi []Sink

// Emit implements [Sink].
func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// LogSink writes events to a slog logger. Level events are logged at debug.
type LogSink struct {
	Logger *slog.Logger
}

// Emit implements [Sink].
func (s LogSink) Emit(e Event) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	attrs := []slog.Attr{slog.String("kind", string(e.Kind))}
	add := func(key, v string) {
		if v != "" {
			attrs = append(attrs, slog.String(key, v))
		}
	}
	add("turn", e.TurnID)
	add("from", e.From)
	add("state", e.State)
	add("phrase", e.Phrase)
	add("variant", e.Variant)
	add("text", e.Text)
	add("code", e.Code)
	add("err", e.Err)
	if e.Confidence != 0 {
		attrs = append(attrs, slog.Float64("confidence", e.Confidence))
	}

	level := slog.LevelInfo
	switch e.Kind {
	case KindLevel, KindPartial:
		if e.Kind == KindLevel {
			attrs = append(attrs, slog.Int("level", e.Level), slog.String("source", e.Source))
		}
		level = slog.LevelDebug
	case KindError, KindDropout:
		level = slog.LevelWarn
	}
	l.LogAttrs(context.Background(), level, "event", attrs...)
}

// Recorder stores every event. It is meant for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// Emit implements [Sink].
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	ch := r.notify
	r.notify = nil
	r.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind returns recorded events of the given kind.
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// States returns the target state of every recorded transition, in order.
func (r *Recorder) States() []string {
	var out []string
	for _, e := range r.OfKind(KindState) {
		out = append(out, e.State)
	}
	return out
}

// WaitFor blocks until an event satisfying match is recorded or timeout
// elapses. It reports whether one was seen.
func (r *Recorder) WaitFor(match func(Event) bool, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		r.mu.Lock()
		for _, e := range r.events {
			if match(e) {
				r.mu.Unlock()
				return true
			}
		}
		if r.notify == nil {
			r.notify = make(chan struct{})
		}
		ch := r.notify
		r.mu.Unlock()

		select {
		case <-ch:
		case <-deadline:
			return false
		}
	}
}

// Reset clears recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
