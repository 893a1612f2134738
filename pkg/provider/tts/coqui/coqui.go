// Package coqui provides a TTS provider backed by a local Coqui TTS server.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is GET /api/tts with query
//     parameters; voices come from GET /details.
//
//   - APIModeXTTS: the XTTS v2 API server. Synthesis is POST /tts_to_audio/
//     with a JSON body; voices come from GET /studio_speakers.
//
// Both servers answer one HTTP call per utterance with a WAV file, so
// SynthesizeStream groups incoming fragments into sentences and keeps a small
// number of requests in flight while preserving sentence order. All audio is
// converted to the provider's output format.
//
//	p, err := coqui.New("http://localhost:5002",
//	    coqui.WithLanguage("es"),
//	    coqui.WithOutputSampleRate(16000),
//	)
//	st, err := p.SynthesizeStream(ctx, textCh, tts.Voice{})
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/provider/tts"
)

var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

const (
	defaultLanguage        = "en"
	defaultTimeout         = 30 * time.Second
	defaultOutputRate      = 22050
	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"

	// sentenceLookahead bounds concurrent synthesis requests.
	sentenceLookahead = 4

	audioChanBuf = 64
	pcmChunkSize = 4096
)

// APIMode selects which Coqui server API the provider targets.
type APIMode string

const (
	// APIModeXTTS targets the XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the language used when the voice leaves it empty.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode. Defaults to APIModeStandard.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// WithOutputSampleRate sets the rate all synthesised audio is resampled to.
// Defaults to 22050, the native rate of most Coqui models.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) {
		if rate > 0 {
			p.outputRate = rate
		}
	}
}

// Provider implements tts.Provider. It is safe for concurrent use.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode
	outputRate int
}

// New creates a Provider for the server at serverURL
// (e.g. "http://localhost:5002").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		outputRate: defaultOutputRate,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Format reports mono PCM at the configured output rate.
func (p *Provider) Format() audio.Format {
	return audio.Format{SampleRate: p.outputRate, Channels: 1}
}

type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

type audioResult struct {
	pcm []byte
	err error
}

type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// SynthesizeStream accumulates fragments into sentences and synthesises each
// one. The first failed request ends the stream with its error.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (*tts.Stream, error) {
	// XTTS needs a reference speaker; standard single-speaker models do not.
	if voice.ID == "" && p.apiMode == APIModeXTTS {
		return nil, errors.New("coqui: voice ID must not be empty in XTTS mode")
	}
	if voice.Language == "" {
		voice.Language = p.language
	}

	st, out, finish := tts.NewStream(audioChanBuf)

	go func() {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		sentences := make(chan string, sentenceLookahead)
		results := make(chan chan audioResult, sentenceLookahead)

		go accumulate(ctx, text, sentences)

		go func() {
			defer close(results)
			for sentence := range sentences {
				ch := make(chan audioResult, 1)
				select {
				case results <- ch:
				case <-ctx.Done():
					return
				}
				go func() {
					pcm, err := p.synthesize(ctx, sentence, voice)
					ch <- audioResult{pcm: pcm, err: err}
				}()
			}
		}()

		for ch := range results {
			var res audioResult
			select {
			case res = <-ch:
			case <-ctx.Done():
				finish(ctx.Err())
				return
			}
			if res.err != nil {
				finish(res.err)
				return
			}
			for pcm := res.pcm; len(pcm) > 0; {
				end := min(pcmChunkSize, len(pcm))
				select {
				case out <- pcm[:end]:
				case <-ctx.Done():
					finish(ctx.Err())
					return
				}
				pcm = pcm[end:]
			}
		}
		finish(ctx.Err())
	}()

	return st, nil
}

// accumulate reads fragments and emits complete sentences, flushing the
// remainder when text closes.
func accumulate(ctx context.Context, text <-chan string, sentences chan<- string) {
	defer close(sentences)
	var buf strings.Builder
	emit := func(s string) bool {
		select {
		case sentences <- s:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for {
		select {
		case fragment, ok := <-text:
			if !ok {
				if rest := strings.TrimSpace(buf.String()); rest != "" {
					emit(rest)
				}
				return
			}
			buf.WriteString(fragment)
			parts, rest := tts.CutSentences(buf.String())
			buf.Reset()
			buf.WriteString(rest)
			for _, sentence := range parts {
				if !emit(sentence) {
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Provider) synthesize(ctx context.Context, sentence string, voice tts.Voice) ([]byte, error) {
	var (
		req *http.Request
		err error
	)
	if p.apiMode == APIModeStandard {
		req, err = p.standardRequest(ctx, sentence, voice)
	} else {
		req, err = p.xttsRequest(ctx, sentence, voice)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	pcm, f, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	samples := audio.Remix(audio.BytesToSamples(pcm), f.Channels, 1)
	samples = audio.Resample(samples, 1, f.SampleRate, p.outputRate)
	return audio.SamplesToBytes(samples), nil
}

func (p *Provider) xttsRequest(ctx context.Context, sentence string, voice tts.Voice) (*http.Request, error) {
	data, err := json.Marshal(ttsRequest{
		Text:       sentence,
		SpeakerWav: voice.ID,
		Language:   baseLanguage(voice.Language),
	})
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (p *Provider) standardRequest(ctx context.Context, sentence string, voice tts.Voice) (*http.Request, error) {
	params := url.Values{}
	params.Set("text", sentence)
	if voice.ID != "" {
		params.Set("speaker_id", voice.ID)
	}
	if voice.Language != "" {
		params.Set("language_id", baseLanguage(voice.Language))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	return req, nil
}

// ListVoices returns the server's speakers, sorted by ID. A single-speaker
// standard model is reported as one voice named after the model.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	endpoint := detailsEndpoint
	if p.apiMode == APIModeXTTS {
		endpoint = studioSpeakersEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create list-voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s returned status %d", endpoint, resp.StatusCode)
	}

	var ids []string
	if p.apiMode == APIModeXTTS {
		var raw map[string]json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return nil, fmt.Errorf("coqui: decode studio speakers: %w", err)
		}
		for name := range raw {
			ids = append(ids, name)
		}
	} else {
		var details detailsResponse
		if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
			return nil, fmt.Errorf("coqui: decode details response: %w", err)
		}
		ids = append(ids, details.Speakers...)
		if len(ids) == 0 {
			name := details.ModelName
			if name == "" {
				name = "default"
			}
			ids = []string{name}
		}
	}
	sort.Strings(ids)

	voices := make([]tts.Voice, 0, len(ids))
	for _, id := range ids {
		voices = append(voices, tts.Voice{ID: id, Language: p.language})
	}
	return voices, nil
}

func baseLanguage(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		return strings.ToLower(tag[:i])
	}
	return strings.ToLower(tag)
}
