package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"vad":    {"energy", "webrtc"},
	"stt":    {"whisper", "whisper-native", "vosk", "deepgram"},
	"tts":    {"command", "coqui", "elevenlabs"},
	"llm":    {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "openai-native"},
	"source": {"malgo", "command"},
	"sink":   {"malgo", "beep", "command"},
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// envRef matches ${NAME}. Bare $NAME is left alone so regular expressions in
// cancel_patterns keep their anchors.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces every ${NAME} in data with the variable's value. Unset
// variables expand to the empty string.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default], expands
// ${VAR} references and validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("config: validate: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, fieldError(fe))
		}
	}

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio ↔ beamformer
	if cfg.Audio.Channels > 1 && cfg.Beam.Spacing <= 0 {
		errs = append(errs, fmt.Errorf("beam.spacing must be positive for %d capture channels", cfg.Audio.Channels))
	}
	if cfg.Audio.Source.Name == "" {
		errs = append(errs, errors.New("audio.source.name is required"))
	}
	if cfg.Audio.Sink.Name == "" {
		errs = append(errs, errors.New("audio.sink.name is required"))
	}

	// Wake timing
	if cfg.Wake.LeadIn > cfg.Wake.PreRoll && cfg.Wake.PreRoll > 0 {
		errs = append(errs, fmt.Errorf("wake.lead_in %v exceeds wake.pre_roll %v", cfg.Wake.LeadIn, cfg.Wake.PreRoll))
	}
	seen := make(map[string]int, len(cfg.Wake.Phrases))
	for i, p := range cfg.Wake.Phrases {
		key := strings.ToLower(strings.TrimSpace(p.Canonical))
		if prev, ok := seen[key]; ok && key != "" {
			errs = append(errs, fmt.Errorf("wake.phrases[%d].canonical %q is a duplicate of wake.phrases[%d]", i, p.Canonical, prev))
		}
		seen[key] = i
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	if cfg.Providers.VAD.Name == "" {
		errs = append(errs, errors.New("providers.vad.name is required"))
	}
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("stt", cfg.Providers.Spotter.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("source", cfg.Audio.Source.Name)
	validateProviderName("sink", cfg.Audio.Sink.Name)
	for kind, list := range map[string][]ProviderEntry{
		"stt": cfg.Providers.STTFallbacks,
		"tts": cfg.Providers.TTSFallbacks,
		"llm": cfg.Providers.LLMFallbacks,
	} {
		for i, e := range list {
			if e.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s_fallbacks[%d].name is required", kind, i))
			}
			validateProviderName(kind, e.Name)
		}
	}

	// Backend ↔ provider cross-validation
	switch cfg.Backend.Kind {
	case BackendCommand:
		if cfg.Backend.Command == "" {
			errs = append(errs, errors.New("backend.command is required when backend.kind is command"))
		}
	case BackendLLM, "":
		if cfg.Providers.LLM.Name == "" {
			errs = append(errs, errors.New("backend.kind llm requires providers.llm to be configured"))
		}
	}

	if f := cfg.Filter; f.Enabled && f.LowCut > 0 && f.HighCut > 0 && f.LowCut >= f.HighCut {
		errs = append(errs, fmt.Errorf("filter.low_cut %v must be below filter.high_cut %v", f.LowCut, f.HighCut))
	}
	if f := cfg.Filter; f.Enabled && f.HighCut >= float64(cfg.Audio.SampleRate)/2 && cfg.Audio.SampleRate > 0 {
		slog.Warn("filter.high_cut is at or above the Nyquist frequency, low-pass disabled",
			"high_cut", f.HighCut,
			"sample_rate", cfg.Audio.SampleRate,
		)
	}

	for i, p := range cfg.Dialog.CancelPatterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("dialog.cancel_patterns[%d]: %w", i, err))
		}
	}

	if cfg.Dialog.FollowUp > 0 && cfg.Dialog.FollowUp > cfg.Dialog.ListenTimeout && cfg.Dialog.ListenTimeout > 0 {
		slog.Warn("dialog.follow_up is longer than dialog.listen_timeout",
			"follow_up", cfg.Dialog.FollowUp,
			"listen_timeout", cfg.Dialog.ListenTimeout,
		)
	}

	return errors.Join(errs...)
}

// fieldError renders a validator failure with the YAML path of the field.
func fieldError(fe validator.FieldError) error {
	path := fe.Namespace()
	if _, rest, ok := strings.Cut(path, "."); ok {
		path = rest
	}
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", path)
	case "min":
		return fmt.Errorf("%s needs at least %s entries", path, fe.Param())
	case "oneof":
		return fmt.Errorf("%s %q is invalid; valid values: %s", path, fe.Value(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gte", "gt":
		return fmt.Errorf("%s %v must be at least %s", path, fe.Value(), fe.Param())
	case "lte", "lt":
		return fmt.Errorf("%s %v must be at most %s", path, fe.Value(), fe.Param())
	case "url":
		return fmt.Errorf("%s %q is not a valid URL", path, fe.Value())
	case "hostname_port":
		return fmt.Errorf("%s %q must be host:port", path, fe.Value())
	default:
		return fmt.Errorf("%s failed %q validation", path, fe.Tag())
	}
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
