package backend

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/vigil/internal/observe"
	"github.com/MrWong99/vigil/internal/resilience"
	"github.com/MrWong99/vigil/pkg/provider/llm"
	"github.com/MrWong99/vigil/pkg/types"
)

// LLMOption configures an [LLM] backend.
type LLMOption func(*LLM)

// WithCircuitBreaker guards every call with cb. An open breaker fails the
// call immediately with ErrBackendError.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) LLMOption {
	return func(b *LLM) { b.breaker = cb }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) LLMOption {
	return func(b *LLM) { b.temperature = t }
}

// WithMaxTokens caps the reply length. Spoken replies should be short.
func WithMaxTokens(n int) LLMOption {
	return func(b *LLM) { b.maxTokens = n }
}

// WithMetrics records latency and failures on m.
func WithMetrics(m *observe.Metrics) LLMOption {
	return func(b *LLM) { b.metrics = m }
}

// LLM answers through a language model.
type LLM struct {
	provider    llm.Provider
	name        string
	breaker     *resilience.CircuitBreaker
	temperature float64
	maxTokens   int
	metrics     *observe.Metrics
}

var _ Backend = (*LLM)(nil)

// NewLLM returns a backend over p. name labels metrics and spans.
func NewLLM(p llm.Provider, name string, opts ...LLMOption) *LLM {
	b := &LLM{provider: p, name: name}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Healthy reports whether the circuit breaker lets calls through. A provider
// that reports its own health, such as a fallback chain, is consulted too.
func (b *LLM) Healthy() bool {
	if b.breaker != nil && b.breaker.State() == resilience.StateOpen {
		return false
	}
	if h, ok := b.provider.(interface{ Healthy() bool }); ok {
		return h.Healthy()
	}
	return true
}

// Reply sends the history and text as one completion request.
func (b *LLM) Reply(ctx context.Context, req Request) (string, error) {
	ctx, span := observe.StartSpan(ctx, "backend.llm")
	start := time.Now()

	creq := llm.CompletionRequest{
		SystemPrompt: req.SystemPrompt,
		Messages:     append(append([]types.Message(nil), req.History...), types.Message{Role: "user", Content: req.Text}),
		Temperature:  b.temperature,
		MaxTokens:    b.maxTokens,
	}

	var reply string
	call := func() error {
		resp, err := b.provider.Complete(ctx, creq)
		if err != nil {
			return err
		}
		if resp != nil {
			reply = strings.TrimSpace(resp.Content)
		}
		if reply == "" {
			return errors.New("empty reply")
		}
		return nil
	}
	var err error
	if b.breaker != nil {
		err = b.breaker.Execute(call)
	} else {
		err = call()
	}
	err = classify(ctx, err)

	if b.metrics != nil {
		b.metrics.RecordBackend(ctx, time.Since(start), Kind(err))
		status := "ok"
		if err != nil {
			status = "error"
		}
		b.metrics.RecordProviderRequest(ctx, b.name, "llm", status)
	}
	observe.EndSpan(span, err)
	if err != nil {
		if Kind(err) != "" {
			observe.Logger(ctx).Warn("backend: llm reply failed", "provider", b.name, "err", err)
		}
		return "", err
	}
	slog.Debug("backend: llm replied", "provider", b.name, "chars", len(reply), "latency", time.Since(start))
	return reply, nil
}
