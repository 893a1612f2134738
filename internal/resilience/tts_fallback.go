package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/provider/tts"
)

// TTSFallback is a [tts.Provider] that fails over when a stream cannot be
// started. Every provider in the chain must emit the same format, since the
// player is configured once.
type TTSFallback struct {
	group  *FallbackGroup[tts.Provider]
	format audio.Format
}

var (
	_ tts.Provider    = (*TTSFallback)(nil)
	_ tts.VoiceLister = (*TTSFallback)(nil)
)

// NewTTSFallback returns a fallback chain with primary first.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group:  NewFallbackGroup(primary, primaryName, cfg),
		format: primary.Format(),
	}
}

// AddFallback registers another provider. It fails when p's output format
// differs from the primary's.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) error {
	if got := p.Format(); got != f.format {
		return fmt.Errorf("resilience: tts fallback %q emits %s, primary emits %s", name, got, f.format)
	}
	f.group.AddFallback(name, p)
	return nil
}

// Healthy reports whether any provider's breaker is not open.
func (f *TTSFallback) Healthy() bool { return f.group.Healthy() }

// Format returns the shared output format.
func (f *TTSFallback) Format() audio.Format { return f.format }

// SynthesizeStream starts a stream on the first healthy provider. A provider
// that fails to start has not read from text, so the next one sees every
// fragment.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (*tts.Stream, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) (*tts.Stream, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}

// ListVoices lists the voices of the first healthy provider that can
// enumerate them.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) ([]tts.Voice, error) {
		l, ok := p.(tts.VoiceLister)
		if !ok {
			return nil, fmt.Errorf("resilience: %T cannot list voices", p)
		}
		return l.ListVoices(ctx)
	})
}
