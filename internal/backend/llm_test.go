package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/vigil/internal/resilience"
	"github.com/MrWong99/vigil/pkg/provider/llm"
	"github.com/MrWong99/vigil/pkg/provider/llm/mock"
	"github.com/MrWong99/vigil/pkg/types"
)

func deadlinePast() time.Time { return time.Now().Add(-time.Second) }

func TestLLM_Reply(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "  Son las tres.\n"}}
	b := NewLLM(p, "openai", WithTemperature(0.4), WithMaxTokens(120))

	history := []types.Message{
		{Role: "user", Content: "hola"},
		{Role: "assistant", Content: "Dígame."},
	}
	got, err := b.Reply(context.Background(), Request{
		SystemPrompt: "Eres un mayordomo.",
		Text:         "qué hora es",
		History:      history,
	})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if got != "Son las tres." {
		t.Errorf("Reply = %q", got)
	}

	req, ok := p.LastRequest()
	if !ok {
		t.Fatal("provider not called")
	}
	want := llm.CompletionRequest{
		SystemPrompt: "Eres un mayordomo.",
		Messages: []types.Message{
			{Role: "user", Content: "hola"},
			{Role: "assistant", Content: "Dígame."},
			{Role: "user", Content: "qué hora es"},
		},
		Temperature: 0.4,
		MaxTokens:   120,
	}
	if diff := cmp.Diff(want, req); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
	if len(history) != 2 {
		t.Error("caller's history was modified")
	}
}

func TestLLM_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		p       *mock.Provider
		timeout time.Duration
		want    error
	}{
		{"provider error", &mock.Provider{CompleteErr: errors.New("503")}, time.Second, ErrBackendError},
		{"empty reply", &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "  "}}, time.Second, ErrBackendError},
		{"nil response", &mock.Provider{}, time.Second, ErrBackendError},
		{
			"timeout",
			&mock.Provider{Delay: time.Minute, CompleteResponse: &llm.CompletionResponse{Content: "late"}},
			20 * time.Millisecond,
			ErrBackendTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithTimeout(context.Background(), tt.timeout)
			defer cancel()
			_, err := NewLLM(tt.p, "test").Reply(ctx, Request{Text: "hola"})
			if !errors.Is(err, tt.want) {
				t.Errorf("Reply error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLLM_Cancelled(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Delay: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := NewLLM(p, "test").Reply(ctx, Request{Text: "hola"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Reply error = %v, want context.Canceled", err)
	}
	if Kind(err) != "" {
		t.Errorf("Kind = %q, want empty for cancellation", Kind(err))
	}
}

func TestLLM_CircuitBreaker(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteErr: errors.New("down")}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	b := NewLLM(p, "test", WithCircuitBreaker(cb))

	for range 2 {
		_, _ = b.Reply(context.Background(), Request{Text: "hola"})
	}
	if b.Healthy() {
		t.Error("Healthy = true after breaker opened")
	}
	_, err := b.Reply(context.Background(), Request{Text: "hola"})
	if !errors.Is(err, ErrBackendError) || !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Reply error = %v, want ErrBackendError wrapping ErrCircuitOpen", err)
	}
	if got := p.CompleteCallCount(); got != 2 {
		t.Errorf("provider calls = %d, want 2", got)
	}
}
