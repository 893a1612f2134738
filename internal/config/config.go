// Package config provides the configuration schema, loader, provider registry
// and file watcher for vigil.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// BackendKind selects how replies are produced.
type BackendKind string

const (
	// BackendLLM sends each request to providers.llm.
	BackendLLM BackendKind = "llm"

	// BackendCommand runs an external program per request.
	BackendCommand BackendKind = "command"
)

// Config is the root configuration. It is typically loaded from a YAML file
// with [Load] or [LoadFromReader]; [Default] returns a runnable baseline.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Audio      AudioConfig      `yaml:"audio"`
	Beam       BeamConfig       `yaml:"beam"`
	Filter     FilterConfig     `yaml:"filter"`
	VAD        VADConfig        `yaml:"vad"`
	Wake       WakeConfig       `yaml:"wake"`
	Transcribe TranscribeConfig `yaml:"transcribe"`
	Speech     SpeechConfig     `yaml:"speech"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Backend    BackendConfig    `yaml:"backend"`
	Dialog     DialogConfig     `yaml:"dialog"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds the admin listener and logging settings.
type ServerConfig struct {
	// ListenAddr serves /metrics, /healthz, /readyz and /events. Empty
	// disables the admin listener.
	ListenAddr string `yaml:"listen_addr" validate:"omitempty,hostname_port"`

	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig describes the capture and playback devices.
type AudioConfig struct {
	// Source and Sink name the device backends ("malgo", "command", "beep").
	Source ProviderEntry `yaml:"source"`
	Sink   ProviderEntry `yaml:"sink"`

	// Device is the capture device name; empty picks the system default.
	Device string `yaml:"device"`

	SampleRate    int           `yaml:"sample_rate" validate:"gte=8000,lte=48000"`
	Channels      int           `yaml:"channels" validate:"gte=1,lte=8"`
	FrameDuration time.Duration `yaml:"frame_duration" validate:"gte=10ms,lte=100ms"`

	// CaptureBuffer is the number of frames queued between the device and
	// the pipeline before the oldest are dropped.
	CaptureBuffer int `yaml:"capture_buffer" validate:"gte=0"`

	// PlaybackBuffer sizes the sink's device buffer.
	PlaybackBuffer time.Duration `yaml:"playback_buffer" validate:"gte=0"`
}

// BeamConfig configures the delay-and-sum beamformer. It only applies when
// audio.channels is greater than one.
type BeamConfig struct {
	// Spacing is the distance between adjacent microphones in metres.
	Spacing float64 `yaml:"spacing" validate:"gte=0,lte=1"`

	// Angle is the fixed steering angle in degrees; 0 is broadside.
	Angle float64 `yaml:"angle" validate:"gte=-90,lte=90"`

	Adaptive          bool `yaml:"adaptive"`
	CalibrationFrames int  `yaml:"calibration_frames" validate:"gte=0"`
}

// FilterConfig conditions the beamformed signal before voice detection and
// recognition. Levels are RMS values in int16 sample units.
type FilterConfig struct {
	Enabled bool `yaml:"enabled"`

	// LowCut and HighCut bound the band-pass in Hz; zero disables a side.
	LowCut  float64 `yaml:"low_cut" validate:"gte=0"`
	HighCut float64 `yaml:"high_cut" validate:"gte=0"`

	NoiseGate      bool    `yaml:"noise_gate"`
	NoiseThreshold float64 `yaml:"noise_threshold" validate:"gte=0,lte=32767"`

	Normalize bool    `yaml:"normalize"`
	TargetRMS float64 `yaml:"target_rms" validate:"gte=0,lte=32767"`
	MaxGain   float64 `yaml:"max_gain" validate:"gte=0,lte=100"`
}

// VADConfig tunes the voice activity gate.
type VADConfig struct {
	// Threshold is the engine's speech probability cut-off.
	Threshold float64 `yaml:"threshold" validate:"gte=0,lte=1"`

	// ActivationFrames is the number of consecutive speech frames that open
	// the gate.
	ActivationFrames int `yaml:"activation_frames" validate:"gte=0,lte=100"`

	// SilenceTimeout is how long the gate stays open after the last speech
	// frame. Hot-reloadable.
	SilenceTimeout time.Duration `yaml:"silence_timeout" validate:"gte=0"`
}

// WakePhrase is one wake phrase with the spellings a recogniser commonly
// produces for it.
type WakePhrase struct {
	Canonical string   `yaml:"canonical" validate:"required"`
	Variants  []string `yaml:"variants"`
}

// WakeConfig configures wake phrase detection. Phrases and Threshold are
// hot-reloadable.
type WakeConfig struct {
	Phrases   []WakePhrase  `yaml:"phrases" validate:"required,min=1,dive"`
	Threshold float64       `yaml:"threshold" validate:"gt=0,lte=1"`
	PreRoll   time.Duration `yaml:"pre_roll" validate:"gte=0"`
	MaxWindow time.Duration `yaml:"max_window" validate:"gte=0"`
	Cooldown  time.Duration `yaml:"cooldown" validate:"gte=0"`
	LeadIn    time.Duration `yaml:"lead_in" validate:"gte=0"`
}

// TranscribeConfig configures the transcription stage.
type TranscribeConfig struct {
	// Language is passed to the recogniser; empty lets it auto-detect.
	Language     string        `yaml:"language"`
	FinalTimeout time.Duration `yaml:"final_timeout" validate:"gte=0"`
	QueueFrames  int           `yaml:"queue_frames" validate:"gte=0"`
}

// SpeechConfig selects the synthesis voice.
type SpeechConfig struct {
	Voice    string  `yaml:"voice"`
	Language string  `yaml:"language"`
	Speed    float64 `yaml:"speed" validate:"omitempty,gte=0.5,lte=2"`
}

// ProvidersConfig names the engine behind each capability. The *Fallbacks
// lists are tried in order when the primary fails.
type ProvidersConfig struct {
	VAD ProviderEntry `yaml:"vad"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
	LLM ProviderEntry `yaml:"llm"`

	// Spotter is the recogniser used for wake windows. Empty reuses stt.
	Spotter ProviderEntry `yaml:"spotter"`

	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks" validate:"dive"`
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks" validate:"dive"`
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks" validate:"dive"`
}

// ProviderEntry is the configuration of a single provider instance.
type ProviderEntry struct {
	// Name selects the registered factory (e.g. "whisper-native", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey may reference the environment as ${VAR}.
	APIKey string `yaml:"api_key"`

	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// Model is the model name or, for local engines, the model path.
	Model string `yaml:"model"`

	// Options carries provider-specific settings.
	Options map[string]any `yaml:"options"`
}

// BackendConfig selects the reasoning backend.
type BackendConfig struct {
	Kind BackendKind `yaml:"kind" validate:"omitempty,oneof=llm command"`

	// Command and Args run the program for [BackendCommand]. An argument
	// equal to "{prompt}" is replaced by the prompt; otherwise the prompt is
	// written to stdin.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// PromptTemplate is a text/template rendering the prompt for the command
	// backend. Empty uses the built-in one.
	PromptTemplate string `yaml:"prompt_template"`

	AssistantName string `yaml:"assistant_name"`

	Timeout     time.Duration `yaml:"timeout" validate:"gte=0"`
	Temperature float64       `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int           `yaml:"max_tokens" validate:"gte=0"`
}

// DialogConfig configures the conversation controller. ListenTimeout,
// FollowUp, Phrases and CancelPatterns are hot-reloadable.
type DialogConfig struct {
	SystemPrompt  string        `yaml:"system_prompt"`
	ListenTimeout time.Duration `yaml:"listen_timeout" validate:"gte=0"`
	FollowUp      time.Duration `yaml:"follow_up" validate:"gte=0"`

	// HistoryTurns is the number of exchanges passed back to the backend.
	// Negative disables history.
	HistoryTurns int `yaml:"history_turns" validate:"gte=-1,lte=50"`

	QueueSize int  `yaml:"queue_size" validate:"gte=0"`
	WakeAck   bool `yaml:"wake_ack"`

	Phrases PhrasesConfig `yaml:"phrases"`

	// CancelPatterns are regular expressions matched against the whole
	// utterance. Empty keeps the built-in ones.
	CancelPatterns []string `yaml:"cancel_patterns"`
}

// PhrasesConfig overrides the spoken phrase bank. Empty lists keep the
// built-in phrases.
type PhrasesConfig struct {
	WakeAcks        []string `yaml:"wake_acks"`
	Acknowledgments []string `yaml:"acknowledgments"`
	Timeout         []string `yaml:"timeout"`
	Error           []string `yaml:"error"`
}

// ResilienceConfig tunes the circuit breakers in front of remote providers.
type ResilienceConfig struct {
	MaxFailures  int           `yaml:"max_failures" validate:"gte=0"`
	ResetTimeout time.Duration `yaml:"reset_timeout" validate:"gte=0"`
}

// Default returns a configuration that runs on a stock Linux desktop: default
// microphone and speaker through miniaudio, energy VAD, a local whisper model,
// espeak-ng and an Ollama backend, with "Jarvis" as wake phrase.
//
// [LoadFromReader] decodes on top of Default, so a file only needs the fields
// it changes. Provider entries carry only a name here; the factories fill in
// their own model defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:9464",
			LogLevel:   LogInfo,
		},
		Audio: AudioConfig{
			Source:         ProviderEntry{Name: "malgo"},
			Sink:           ProviderEntry{Name: "malgo"},
			SampleRate:     16000,
			Channels:       1,
			FrameDuration:  20 * time.Millisecond,
			CaptureBuffer:  100,
			PlaybackBuffer: 200 * time.Millisecond,
		},
		Beam: BeamConfig{
			Spacing: 0.05,
		},
		Filter: FilterConfig{
			Enabled:        true,
			LowCut:         300,
			HighCut:        3400,
			NoiseGate:      true,
			NoiseThreshold: 150,
			Normalize:      true,
			TargetRMS:      3000,
			MaxGain:        4,
		},
		VAD: VADConfig{
			Threshold:        0.5,
			ActivationFrames: 3,
			SilenceTimeout:   800 * time.Millisecond,
		},
		Wake: WakeConfig{
			Phrases: []WakePhrase{{
				Canonical: "jarvis",
				Variants:  []string{"jarbis", "harvis", "yarvis", "jarvi", "charvis"},
			}},
			Threshold: 0.8,
			PreRoll:   time.Second,
			MaxWindow: 2 * time.Second,
			Cooldown:  1500 * time.Millisecond,
			LeadIn:    300 * time.Millisecond,
		},
		Transcribe: TranscribeConfig{
			Language:     "es",
			FinalTimeout: 1500 * time.Millisecond,
		},
		Speech: SpeechConfig{
			Language: "es",
		},
		Providers: ProvidersConfig{
			VAD: ProviderEntry{Name: "energy"},
			STT: ProviderEntry{Name: "whisper-native"},
			TTS: ProviderEntry{Name: "command"},
			LLM: ProviderEntry{Name: "ollama"},
		},
		Backend: BackendConfig{
			Kind:          BackendLLM,
			AssistantName: "Jarvis",
			Timeout:       60 * time.Second,
			Temperature:   0.7,
		},
		Dialog: DialogConfig{
			ListenTimeout: 10 * time.Second,
			HistoryTurns:  5,
			QueueSize:     64,
		},
		Resilience: ResilienceConfig{
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
		},
	}
}
