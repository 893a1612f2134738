package main

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/vigil/internal/config"
	"github.com/MrWong99/vigil/internal/observe"
)

func testAdmin(t *testing.T, cancel func()) *httptest.Server {
	t.Helper()
	srv := newAdminServer("127.0.0.1:0", adminHandlers{
		metrics: observe.DefaultMetrics(),
		scrape:  http.NotFoundHandler(),
		events:  http.NotFoundHandler(),
		cancel:  cancel,
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestAdminCancel(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ts := testAdmin(t, func() { calls.Add(1) })

	resp, err := http.Post(ts.URL+"/cancel", "", nil)
	if err != nil {
		t.Fatalf("POST /cancel: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("cancel called %d times, want 1", got)
	}
}

func TestAdminCancel_RejectsGet(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ts := testAdmin(t, func() { calls.Add(1) })

	resp, err := http.Get(ts.URL + "/cancel")
	if err != nil {
		t.Fatalf("GET /cancel: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
	if got := calls.Load(); got != 0 {
		t.Errorf("cancel called %d times, want 0", got)
	}
}

func TestTelemetryAttributes(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Backend.Kind = config.BackendCommand
	cfg.Backend.Command = "assistant-cli"

	got := map[string]string{}
	for _, kv := range telemetryAttributes(cfg) {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	if got["vigil.backend.kind"] != "command" {
		t.Errorf("backend kind = %q, want command", got["vigil.backend.kind"])
	}
	if got["vigil.backend"] != "assistant-cli" {
		t.Errorf("backend = %q, want assistant-cli", got["vigil.backend"])
	}
	if got["vigil.audio.source"] != cfg.Audio.Source.Name {
		t.Errorf("audio source = %q, want %q", got["vigil.audio.source"], cfg.Audio.Source.Name)
	}
}
