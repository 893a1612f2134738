package backend

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/vigil/pkg/types"
)

func need(t *testing.T, bins ...string) {
	t.Helper()
	for _, b := range bins {
		if _, err := exec.LookPath(b); err != nil {
			t.Skipf("%s not available", b)
		}
	}
}

func TestNewCommand(t *testing.T) {
	t.Parallel()

	if _, err := NewCommand("", nil); err == nil {
		t.Error("expected error for empty command")
	}
	if _, err := NewCommand("claude", nil, WithPromptTemplate("{{.Text")); err == nil {
		t.Error("expected error for broken template")
	}
}

func TestCommand_Prompt(t *testing.T) {
	t.Parallel()

	c, err := NewCommand("claude", nil, WithAssistantName("JARVIS"))
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	got, err := c.Prompt(Request{
		SystemPrompt: "Eres JARVIS.",
		Text:         "qué hora es",
		History: []types.Message{
			{Role: "user", Content: "hola"},
			{Role: "assistant", Content: "A sus órdenes."},
		},
	})
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	want := "[CONTEXTO: Eres JARVIS.]\n\n" +
		"Usuario: hola\n" +
		"JARVIS: A sus órdenes.\n" +
		"Usuario: qué hora es\n\n" +
		"Responde como JARVIS:"
	if got != want {
		t.Errorf("Prompt =\n%q\nwant\n%q", got, want)
	}

	got, _ = c.Prompt(Request{Text: "hola"})
	if want := "Usuario: hola\n\nResponde como JARVIS:"; got != want {
		t.Errorf("Prompt without context = %q, want %q", got, want)
	}
}

func TestCommand_ReplyStdin(t *testing.T) {
	t.Parallel()
	need(t, "cat")

	c, _ := NewCommand("cat", nil, WithPromptTemplate("{{.Text}}"))
	got, err := c.Reply(context.Background(), Request{Text: "  eco  "})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if got != "eco" {
		t.Errorf("Reply = %q, want %q", got, "eco")
	}
}

func TestCommand_ReplyInlinePrompt(t *testing.T) {
	t.Parallel()
	need(t, "echo")

	c, _ := NewCommand("echo", []string{"-n", "{prompt}"}, WithPromptTemplate("dijo {{.Text}}"))
	got, err := c.Reply(context.Background(), Request{Text: "hola"})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if got != "dijo hola" {
		t.Errorf("Reply = %q", got)
	}
}

func TestCommand_Failures(t *testing.T) {
	t.Parallel()
	need(t, "sh")

	tests := []struct {
		name    string
		script  string
		wantMsg string
	}{
		{"non-zero exit", "echo 'not logged in' >&2; exit 3", "not logged in"},
		{"empty output", "true", "empty reply"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, _ := NewCommand("sh", []string{"-c", tt.script})
			_, err := c.Reply(context.Background(), Request{Text: "hola"})
			if !errors.Is(err, ErrBackendError) {
				t.Fatalf("Reply error = %v, want ErrBackendError", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestCommand_Timeout(t *testing.T) {
	t.Parallel()
	need(t, "sleep")

	c, _ := NewCommand("sleep", []string{"30"})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Reply(ctx, Request{Text: "hola"})
	if !errors.Is(err, ErrBackendTimeout) {
		t.Fatalf("Reply error = %v, want ErrBackendTimeout", err)
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Errorf("Reply took %v after the deadline", d)
	}
}

func TestCommand_NotFound(t *testing.T) {
	t.Parallel()

	c, _ := NewCommand("vigil-no-such-binary", nil, WithSearchPaths(t.TempDir()))
	_, err := c.Reply(context.Background(), Request{Text: "hola"})
	if !errors.Is(err, ErrBackendError) {
		t.Fatalf("Reply error = %v, want ErrBackendError", err)
	}
}

func TestCommand_SearchPaths(t *testing.T) {
	t.Parallel()
	need(t, "sh")

	dir := t.TempDir()
	script := filepath.Join(dir, "vigil-test-brain")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho 'Entendido.'\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	c, _ := NewCommand("vigil-test-brain", nil, WithSearchPaths("/nonexistent", dir))
	got, err := c.Reply(context.Background(), Request{Text: "hola"})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if got != "Entendido." {
		t.Errorf("Reply = %q", got)
	}
}
