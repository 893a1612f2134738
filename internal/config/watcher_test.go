package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/vigil/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
wake:
  threshold: 0.8
`

const watcherUpdatedYAML = `
server:
  log_level: debug
wake:
  threshold: 0.7
`

const watcherInvalidYAML = `
wake:
  threshold: 7
`

// writeFile writes content and moves the mtime forward so the watcher sees a
// change even on coarse-grained filesystems.
func writeFile(t *testing.T, path, content string, age time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
	mtime := time.Now().Add(age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("failed to set mtime: %v", err)
	}
}

type changeLog struct {
	mu    sync.Mutex
	diffs []config.ConfigDiff
	cfgs  []*config.Config
	ch    chan struct{}
}

func newChangeLog() *changeLog { return &changeLog{ch: make(chan struct{}, 8)} }

func (l *changeLog) record(d config.ConfigDiff, cfg *config.Config) {
	l.mu.Lock()
	l.diffs = append(l.diffs, d)
	l.cfgs = append(l.cfgs, cfg)
	l.mu.Unlock()
	l.ch <- struct{}{}
}

func (l *changeLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.diffs)
}

func startWatcher(t *testing.T, path string, l *changeLog) *config.Watcher {
	t.Helper()
	w, err := config.NewWatcher(path, l.record, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run returned %v", err)
		}
	})
	return w
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	writeFile(t, path, watcherValidYAML, -time.Minute)

	w := startWatcher(t, path, newChangeLog())
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("log_level = %q, want %q", got, config.LogInfo)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	writeFile(t, path, watcherValidYAML, -time.Minute)

	l := newChangeLog()
	w := startWatcher(t, path, l)
	writeFile(t, path, watcherUpdatedYAML, 0)

	select {
	case <-l.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	l.mu.Lock()
	d, cfg := l.diffs[0], l.cfgs[0]
	l.mu.Unlock()
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug || !d.WakeThresholdChanged {
		t.Errorf("diff = %+v, want log level and wake threshold changes", d)
	}
	if cfg.Wake.Threshold != 0.7 {
		t.Errorf("new threshold = %v, want 0.7", cfg.Wake.Threshold)
	}
	if w.Current() != cfg {
		t.Error("Current() should return the reloaded config")
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	writeFile(t, path, watcherValidYAML, -time.Minute)

	l := newChangeLog()
	w := startWatcher(t, path, l)
	writeFile(t, path, watcherInvalidYAML, 0)
	time.Sleep(200 * time.Millisecond)

	if n := l.count(); n != 0 {
		t.Errorf("callback should not be called for invalid config, got %d calls", n)
	}
	if got := w.Current().Wake.Threshold; got != 0.8 {
		t.Errorf("Current() threshold = %v, want the previous 0.8", got)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	writeFile(t, path, watcherValidYAML, -time.Minute)

	l := newChangeLog()
	startWatcher(t, path, l)
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		t.Fatalf("failed to touch file: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if n := l.count(); n != 0 {
		t.Errorf("callback should not fire for touch-only, got %d calls", n)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}
