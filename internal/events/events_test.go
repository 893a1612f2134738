package events_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/vigil/internal/events"
)

func TestMulti_FansOut(t *testing.T) {
	t.Parallel()

	var a, b events.Recorder
	m := events.Multi{&a, events.Discard, &b}
	m.Emit(events.Event{Kind: events.KindWake, Phrase: "jarvis"})

	for _, r := range []*events.Recorder{&a, &b} {
		if got := r.OfKind(events.KindWake); len(got) != 1 || got[0].Phrase != "jarvis" {
			t.Errorf("recorded = %+v", got)
		}
	}
}

func TestRecorder_States(t *testing.T) {
	t.Parallel()

	var r events.Recorder
	r.Emit(events.Event{Kind: events.KindState, State: "LISTENING"})
	r.Emit(events.Event{Kind: events.KindFinal, Text: "hola"})
	r.Emit(events.Event{Kind: events.KindState, State: "THINKING"})

	if diff := cmp.Diff([]string{"LISTENING", "THINKING"}, r.States()); diff != "" {
		t.Errorf("States mismatch (-want +got):\n%s", diff)
	}
	r.Reset()
	if len(r.Events()) != 0 {
		t.Error("Reset did not clear events")
	}
}

func TestRecorder_WaitFor(t *testing.T) {
	t.Parallel()

	var r events.Recorder
	go func() {
		time.Sleep(10 * time.Millisecond)
		r.Emit(events.Event{Kind: events.KindReply, Text: "listo"})
	}()
	if !r.WaitFor(func(e events.Event) bool { return e.Kind == events.KindReply }, time.Second) {
		t.Fatal("WaitFor timed out")
	}
	if r.WaitFor(func(e events.Event) bool { return e.Kind == events.KindError }, 20*time.Millisecond) {
		t.Fatal("WaitFor matched an event that was never emitted")
	}
}

func TestLogSink(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	s := events.LogSink{Logger: logger}

	s.Emit(events.Event{Kind: events.KindError, Code: events.CodeBackendTimeout, TurnID: "t1"})
	s.Emit(events.Event{Kind: events.KindLevel, Level: 42})

	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "code=BackendTimeout") {
		t.Errorf("error event not logged as warning: %q", out)
	}
	if strings.Contains(out, "kind=level") {
		t.Errorf("level event logged above debug: %q", out)
	}
}

func TestHub_Broadcast(t *testing.T) {
	t.Parallel()

	hub := events.NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	// Wait for registration before emitting.
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Emit(events.Event{Kind: events.KindState, From: "STANDBY", State: "LISTENING"})

	_, msg, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var got events.Event
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != events.KindState || got.State != "LISTENING" || got.From != "STANDBY" {
		t.Errorf("event = %+v", got)
	}
}

func TestHub_CloseDisconnects(t *testing.T) {
	t.Parallel()

	hub := events.NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	for hub.Clients() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	hub.Close()

	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("close status = %v (err %v), want going away", websocket.CloseStatus(err), err)
	}
	if hub.Clients() != 0 {
		t.Errorf("Clients = %d after Close", hub.Clients())
	}
	hub.Emit(events.Event{Kind: events.KindWake}) // must not panic
}
