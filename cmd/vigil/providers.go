package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/vigil/internal/app"
	"github.com/MrWong99/vigil/internal/backend"
	"github.com/MrWong99/vigil/internal/config"
	"github.com/MrWong99/vigil/internal/observe"
	"github.com/MrWong99/vigil/internal/resilience"
	"github.com/MrWong99/vigil/internal/wake"
	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/audio/beep"
	audiocmd "github.com/MrWong99/vigil/pkg/audio/command"
	"github.com/MrWong99/vigil/pkg/audio/malgo"
	"github.com/MrWong99/vigil/pkg/provider/llm"
	"github.com/MrWong99/vigil/pkg/provider/llm/anyllm"
	"github.com/MrWong99/vigil/pkg/provider/llm/openai"
	"github.com/MrWong99/vigil/pkg/provider/stt"
	"github.com/MrWong99/vigil/pkg/provider/stt/deepgram"
	"github.com/MrWong99/vigil/pkg/provider/stt/vosk"
	"github.com/MrWong99/vigil/pkg/provider/stt/whisper"
	"github.com/MrWong99/vigil/pkg/provider/tts"
	ttscmd "github.com/MrWong99/vigil/pkg/provider/tts/command"
	"github.com/MrWong99/vigil/pkg/provider/tts/coqui"
	"github.com/MrWong99/vigil/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/vigil/pkg/provider/vad"
	"github.com/MrWong99/vigil/pkg/provider/vad/energy"
	"github.com/MrWong99/vigil/pkg/provider/vad/webrtc"
)

// espeakArgs is the synthesiser invocation used when the command TTS entry
// names no command.
var espeakArgs = []string{"--stdout", "-v", "{lang}", "{text}"}

// registerBuiltinProviders wires every provider that ships with vigil into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if v, ok := optFloat(entry.Options, "ratio"); ok {
			opts = append(opts, energy.WithRatio(v))
		}
		if v, ok := optFloat(entry.Options, "min_energy"); ok {
			opts = append(opts, energy.WithMinEnergy(v))
		}
		if v, ok := optFloat(entry.Options, "max_flatness"); ok {
			opts = append(opts, energy.WithMaxFlatness(v))
		}
		return energy.New(opts...), nil
	})
	reg.RegisterVAD("webrtc", func(config.ProviderEntry) (vad.Engine, error) {
		return webrtc.New(), nil
	})

	// ── LLM ───────────────────────────────────────────────────────────────────
	// Everything any-llm-go supports shares the same pattern: optional APIKey
	// plus optional BaseURL. openai has a native client as well; the
	// "openai-native" entry selects it.
	for _, name := range []string{
		"openai", "anthropic", "ollama", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			model := entry.Model
			if model == "" && name == "ollama" {
				model = "llama3.2"
			}
			return anyllm.New(name, model, opts...)
		})
	}
	reg.RegisterLLM("openai-native", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d, ok := optDuration(entry.Options, "timeout"); ok {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if d, ok := optDuration(entry.Options, "partial_interval"); ok {
			opts = append(opts, whisper.WithPartialInterval(d))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if d, ok := optDuration(entry.Options, "partial_interval"); ok {
			opts = append(opts, whisper.WithNativePartialInterval(d))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("vosk", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []vosk.Option
		if v, ok := optBool(entry.Options, "keyword_grammar"); ok {
			opts = append(opts, vosk.WithKeywordGrammar(v))
		}
		return vosk.New(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("command", func(entry config.ProviderEntry) (tts.Provider, error) {
		name, args := optString(entry.Options, "command"), optStrings(entry.Options, "args")
		wav, _ := optBool(entry.Options, "wav")
		if name == "" {
			name, args, wav = "espeak-ng", espeakArgs, true
		}
		var opts []ttscmd.Option
		if wav {
			opts = append(opts, ttscmd.WithWAVOutput())
		}
		if rate, ok := optInt(entry.Options, "input_sample_rate"); ok {
			opts = append(opts, ttscmd.WithInputFormat(audio.Format{SampleRate: rate, Channels: 1}))
		}
		if rate, ok := optInt(entry.Options, "output_sample_rate"); ok {
			opts = append(opts, ttscmd.WithOutputSampleRate(rate))
		}
		if entry.Model != "" {
			opts = append(opts, ttscmd.WithDefaultVoice(tts.Voice{ID: entry.Model}))
		}
		return ttscmd.New(name, args, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if d, ok := optDuration(entry.Options, "timeout"); ok {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── Audio devices ─────────────────────────────────────────────────────────

	reg.RegisterSource("malgo", func(_ config.ProviderEntry, dev config.Device) (audio.Source, error) {
		return malgo.NewSource(dev.Name, dev.Format, dev.Capture...), nil
	})
	reg.RegisterSource("command", func(entry config.ProviderEntry, dev config.Device) (audio.Source, error) {
		return audiocmd.NewSource(optString(entry.Options, "command"), optStrings(entry.Options, "args"),
			dev.Name, dev.Format, dev.Capture...), nil
	})

	reg.RegisterSink("malgo", func(_ config.ProviderEntry, dev config.Device) (audio.Sink, error) {
		return malgo.NewSink(dev.Name, dev.Format, malgo.WithBufferDuration(dev.Buffer))
	})
	reg.RegisterSink("beep", func(_ config.ProviderEntry, dev config.Device) (audio.Sink, error) {
		return beep.NewSink(dev.Format, dev.Buffer)
	})
	reg.RegisterSink("command", func(entry config.ProviderEntry, dev config.Device) (audio.Sink, error) {
		return audiocmd.NewSink(optString(entry.Options, "command"), optStrings(entry.Options, "args"),
			dev.Name, dev.Format), nil
	})

	for kind, names := range reg.Names() {
		slog.Debug("registered providers", "kind", kind, "names", names)
	}
}

// buildProviders instantiates everything cfg names. STT, TTS and LLM
// providers with fallbacks are wrapped in circuit-breaking chains.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics, dev config.Device) (*app.Providers, error) {
	ps := &app.Providers{}
	fb := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Resilience.MaxFailures,
		ResetTimeout: cfg.Resilience.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state changed", "name", name, "from", from, "to", to)
			metrics.RecordCircuit(context.Background(), name, to.String())
		},
	}}

	var err error
	if ps.VAD, err = reg.CreateVAD(cfg.Providers.VAD); err != nil {
		return nil, fmt.Errorf("create vad provider %q: %w", cfg.Providers.VAD.Name, err)
	}

	if ps.STT, err = buildSTT(cfg, reg, fb); err != nil {
		return nil, err
	}
	if ps.TTS, err = buildTTS(cfg, reg, fb); err != nil {
		return nil, err
	}

	// The spotter needs its own provider instance so wake windows never wait
	// behind an open transcription stream. An unnamed spotter shares the
	// transcriber's provider.
	spotterSTT := ps.STT
	if cfg.Providers.Spotter.Name != "" {
		if spotterSTT, err = reg.CreateSTT(cfg.Providers.Spotter); err != nil {
			return nil, fmt.Errorf("create spotter provider %q: %w", cfg.Providers.Spotter.Name, err)
		}
	}
	phrases := make([]wake.Phrase, len(cfg.Wake.Phrases))
	for i, p := range cfg.Wake.Phrases {
		phrases[i] = wake.Phrase{Canonical: p.Canonical, Variants: p.Variants}
	}
	ps.Spotter, err = wake.NewSTTSpotter(spotterSTT, stt.StreamConfig{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   1,
		Language:   cfg.Transcribe.Language,
	}, phrases)
	if err != nil {
		return nil, fmt.Errorf("create wake spotter: %w", err)
	}

	if ps.Backend, err = buildBackend(cfg, reg, fb, metrics); err != nil {
		return nil, err
	}

	if ps.Source, err = reg.CreateSource(cfg.Audio.Source, dev); err != nil {
		return nil, fmt.Errorf("create audio source %q: %w", cfg.Audio.Source.Name, err)
	}
	sinkDev := dev
	sinkDev.Format.Channels = 1
	if ps.Sink, err = reg.CreateSink(cfg.Audio.Sink, sinkDev); err != nil {
		_ = ps.Source.Close()
		return nil, fmt.Errorf("create audio sink %q: %w", cfg.Audio.Sink.Name, err)
	}

	slog.Info("providers created",
		"vad", cfg.Providers.VAD.Name,
		"stt", cfg.Providers.STT.Name,
		"tts", cfg.Providers.TTS.Name,
		"backend", cfg.Backend.Kind,
		"source", cfg.Audio.Source.Name,
		"sink", cfg.Audio.Sink.Name,
	)
	return ps, nil
}

func buildSTT(cfg *config.Config, reg *config.Registry, fb resilience.FallbackConfig) (stt.Provider, error) {
	primary, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	if len(cfg.Providers.STTFallbacks) == 0 {
		return primary, nil
	}
	chain := resilience.NewSTTFallback(primary, cfg.Providers.STT.Name, fb)
	for _, e := range cfg.Providers.STTFallbacks {
		p, err := reg.CreateSTT(e)
		if err != nil {
			return nil, fmt.Errorf("create stt fallback %q: %w", e.Name, err)
		}
		chain.AddFallback(e.Name, p)
	}
	return chain, nil
}

func buildTTS(cfg *config.Config, reg *config.Registry, fb resilience.FallbackConfig) (tts.Provider, error) {
	primary, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	if len(cfg.Providers.TTSFallbacks) == 0 {
		return primary, nil
	}
	chain := resilience.NewTTSFallback(primary, cfg.Providers.TTS.Name, fb)
	for _, e := range cfg.Providers.TTSFallbacks {
		p, err := reg.CreateTTS(e)
		if err != nil {
			return nil, fmt.Errorf("create tts fallback %q: %w", e.Name, err)
		}
		if err := chain.AddFallback(e.Name, p); err != nil {
			return nil, err
		}
	}
	return chain, nil
}

func buildBackend(cfg *config.Config, reg *config.Registry, fb resilience.FallbackConfig, metrics *observe.Metrics) (backend.Backend, error) {
	bc := cfg.Backend
	if bc.Kind == config.BackendCommand {
		opts := []backend.CommandOption{backend.WithCommandMetrics(metrics)}
		if bc.PromptTemplate != "" {
			opts = append(opts, backend.WithPromptTemplate(bc.PromptTemplate))
		}
		if bc.AssistantName != "" {
			opts = append(opts, backend.WithAssistantName(bc.AssistantName))
		}
		b, err := backend.NewCommand(bc.Command, bc.Args, opts...)
		if err != nil {
			return nil, fmt.Errorf("create command backend: %w", err)
		}
		return b, nil
	}

	primary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	opts := []backend.LLMOption{backend.WithMetrics(metrics)}
	if bc.Temperature > 0 {
		opts = append(opts, backend.WithTemperature(bc.Temperature))
	}
	if bc.MaxTokens > 0 {
		opts = append(opts, backend.WithMaxTokens(bc.MaxTokens))
	}

	if len(cfg.Providers.LLMFallbacks) == 0 {
		cbCfg := fb.CircuitBreaker
		cbCfg.Name = "llm:" + cfg.Providers.LLM.Name
		opts = append(opts, backend.WithCircuitBreaker(resilience.NewCircuitBreaker(cbCfg)))
		return backend.NewLLM(primary, cfg.Providers.LLM.Name, opts...), nil
	}
	chain := resilience.NewLLMFallback(primary, cfg.Providers.LLM.Name, fb)
	for _, e := range cfg.Providers.LLMFallbacks {
		p, err := reg.CreateLLM(e)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", e.Name, err)
		}
		chain.AddFallback(e.Name, p)
	}
	return backend.NewLLM(chain, cfg.Providers.LLM.Name, opts...), nil
}

// ── Option helpers ────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map. It returns
// "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optStrings extracts a list of strings. YAML decodes sequences as []any.
func optStrings(opts map[string]any, key string) []string {
	raw, ok := opts[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func optInt(opts map[string]any, key string) (int, bool) {
	v, ok := opts[key].(int)
	return v, ok
}

func optBool(opts map[string]any, key string) (bool, bool) {
	v, ok := opts[key].(bool)
	return v, ok
}

// optDuration accepts a Go duration string such as "1.5s".
func optDuration(opts map[string]any, key string) (time.Duration, bool) {
	s := optString(opts, key)
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid duration option", "key", key, "value", s, "err", err)
		return 0, false
	}
	return d, true
}
