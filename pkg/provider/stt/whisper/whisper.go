// Package whisper provides whisper.cpp backed STT providers.
//
// Provider talks to a running whisper-server binary (POST /inference).
// NativeProvider loads a ggml model in-process through the whisper.cpp Go
// bindings. whisper.cpp is a batch engine, so both buffer the session audio
// and transcribe it when the session is closed. While audio is still arriving
// the buffer is re-transcribed periodically to produce partials.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("es"),
//	    whisper.WithPartialInterval(time.Second),
//	)
//	handle, err := p.StartStream(ctx, cfg)
//	handle.SendAudio(pcmChunk)
//	handle.Close()
//	transcript := <-handle.Finals()
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/provider/stt"
)

const (
	defaultLanguage        = "en"
	defaultSampleRate      = 16000
	defaultPartialInterval = time.Second
	defaultMaxBuffer       = 30 * time.Second
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the server (e.g.
// "base.en"). Empty uses whatever the server was started with.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the language hint used when StreamConfig.Language is
// empty. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithSampleRate sets the sample rate assumed when StreamConfig.SampleRate is
// zero. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithPartialInterval sets how much new audio triggers a partial
// re-transcription. Zero disables partials. Defaults to 1 s.
func WithPartialInterval(d time.Duration) Option {
	return func(p *Provider) {
		p.partialEvery = d
	}
}

// WithMaxBuffer caps the buffered audio; reaching it forces a final.
// Defaults to 30 s.
func WithMaxBuffer(d time.Duration) Option {
	return func(p *Provider) {
		p.maxBuffer = d
	}
}

// WithHTTPClient replaces the HTTP client. The default has a 30 s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
type Provider struct {
	serverURL    string
	model        string
	language     string
	sampleRate   int
	partialEvery time.Duration
	maxBuffer    time.Duration
	httpClient   *http.Client
}

// New creates a Provider for the server at serverURL
// (e.g. "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:    serverURL,
		language:     defaultLanguage,
		sampleRate:   defaultSampleRate,
		partialEvery: defaultPartialInterval,
		maxBuffer:    defaultMaxBuffer,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a session. No request is made until partial or final
// inference is due.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	bc := p.batchConfig(cfg)
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	lang = baseLanguage(lang)
	infer := func(ctx context.Context, pcm []byte) (string, error) {
		return p.infer(ctx, pcm, bc.SampleRate, bc.Channels, lang)
	}
	return stt.NewBatchSession(ctx, bc, infer), nil
}

func (p *Provider) batchConfig(cfg stt.StreamConfig) stt.BatchConfig {
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = p.sampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}
	return stt.BatchConfig{
		SampleRate:   sr,
		Channels:     ch,
		PartialEvery: p.partialEvery,
		MaxBuffer:    p.maxBuffer,
	}
}

// infer POSTs pcm as a WAV file to /inference as multipart/form-data.
func (p *Provider) infer(ctx context.Context, pcm []byte, sampleRate, channels int, language string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(pcm, sampleRate, channels)); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return cleanText(result.Text), nil
}
