// NativeProvider runs whisper.cpp in-process through its CGO bindings. The
// whisper.cpp static library (libwhisper.a) and headers (whisper.h) must be
// available at link time via LIBRARY_PATH and C_INCLUDE_PATH.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MrWong99/vigil/pkg/provider/stt"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// whisper.cpp models are trained on 16 kHz mono input.
const modelSampleRate = 16000

var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider with a model loaded once and shared
// by all sessions. Each inference creates its own whisper context.
type NativeProvider struct {
	model        whisperlib.Model
	language     string
	sampleRate   int
	partialEvery time.Duration
	maxBuffer    time.Duration
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the default language. Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeSampleRate sets the sample rate assumed when the stream config
// leaves it zero.
func WithNativeSampleRate(rate int) NativeOption {
	return func(p *NativeProvider) { p.sampleRate = rate }
}

// WithNativePartialInterval sets the partial re-transcription interval. Zero
// disables partials, which is cheaper on CPU-only hosts.
func WithNativePartialInterval(d time.Duration) NativeOption {
	return func(p *NativeProvider) { p.partialEvery = d }
}

// WithNativeMaxBuffer caps the buffered audio.
func WithNativeMaxBuffer(d time.Duration) NativeOption {
	return func(p *NativeProvider) { p.maxBuffer = d }
}

// NewNative loads the ggml model at modelPath. Call Close when done.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &NativeProvider{
		model:        model,
		language:     defaultLanguage,
		sampleRate:   defaultSampleRate,
		partialEvery: defaultPartialInterval,
		maxBuffer:    defaultMaxBuffer,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the model.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// StartStream opens a session.
func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	lang = baseLanguage(lang)
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = p.sampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}
	bc := stt.BatchConfig{
		SampleRate:   sr,
		Channels:     ch,
		PartialEvery: p.partialEvery,
		MaxBuffer:    p.maxBuffer,
	}
	infer := func(ctx context.Context, pcm []byte) (string, error) {
		return p.infer(ctx, pcm, sr, ch, lang)
	}
	return stt.NewBatchSession(ctx, bc, infer), nil
}

func (p *NativeProvider) infer(ctx context.Context, pcm []byte, sampleRate, channels int, language string) (string, error) {
	samples := pcmToFloat32Mono(pcm, channels)
	if sampleRate != modelSampleRate {
		samples = resampleFloat32(samples, sampleRate, modelSampleRate)
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: new context: %w", err)
	}
	if language != "" {
		if err := wctx.SetLanguage(language); err != nil {
			return "", fmt.Errorf("whisper: set language %q: %w", language, err)
		}
	}
	// The encoder callback returning false aborts the run.
	proceed := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(samples, proceed, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var sb strings.Builder
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: next segment: %w", err)
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strings.TrimSpace(segment.Text))
	}
	return cleanText(sb.String()), nil
}
