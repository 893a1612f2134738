package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/vigil/pkg/provider/llm"
	llmmock "github.com/MrWong99/vigil/pkg/provider/llm/mock"
)

func TestLLMFallback_Complete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		primaryErr error
		want       string
		wantCalls  [2]int
	}{
		{"primary answers", nil, "desde el primario", [2]int{1, 0}},
		{"fails over", errors.New("503"), "desde el respaldo", [2]int{1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			primary := &llmmock.Provider{
				CompleteResponse:  &llm.CompletionResponse{Content: "desde el primario"},
				CompleteErr:       tt.primaryErr,
				ModelCapabilities: llm.ModelCapabilities{ContextWindow: 8192},
			}
			secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "desde el respaldo"}}
			fb := NewLLMFallback(primary, "primary", FallbackConfig{})
			fb.AddFallback("secondary", secondary)

			resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if resp.Content != tt.want {
				t.Errorf("Content = %q, want %q", resp.Content, tt.want)
			}
			if got := [2]int{primary.CompleteCallCount(), secondary.CompleteCallCount()}; got != tt.wantCalls {
				t.Errorf("calls = %v, want %v", got, tt.wantCalls)
			}
			if fb.Capabilities().ContextWindow != 8192 {
				t.Errorf("Capabilities not taken from the primary")
			}
		})
	}
}

func TestLLMFallback_AllFail(t *testing.T) {
	t.Parallel()

	fb := NewLLMFallback(&llmmock.Provider{CompleteErr: errors.New("down")}, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	if _, err := fb.Complete(context.Background(), llm.CompletionRequest{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if fb.Healthy() {
		t.Error("Healthy after the only breaker opened")
	}
}

func TestLLMFallback_StreamCompletion(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{StreamErr: errors.New("stream refused")}
	secondary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Hola"}, {Text: ".", FinishReason: "stop"}}}
	fb := NewLLMFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var text string
	for c := range ch {
		text += c.Text
	}
	if text != "Hola." {
		t.Errorf("streamed %q, want %q", text, "Hola.")
	}
}
