package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/provider/llm"
	"github.com/MrWong99/vigil/pkg/provider/stt"
	"github.com/MrWong99/vigil/pkg/provider/tts"
	"github.com/MrWong99/vigil/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Device carries the audio settings a source or sink factory needs besides
// its provider entry.
type Device struct {
	// Name is the OS device name; empty selects the default device.
	Name   string
	Format audio.Format

	// Buffer is the sink's device buffer.
	Buffer time.Duration

	// Capture options are passed through to [audio.NewCapture].
	Capture []audio.CaptureOption
}

// DeviceFromConfig builds the [Device] described by an [AudioConfig].
func DeviceFromConfig(c AudioConfig, capture ...audio.CaptureOption) Device {
	opts := []audio.CaptureOption{audio.WithFrameDuration(c.FrameDuration)}
	if c.CaptureBuffer > 0 {
		opts = append(opts, audio.WithBuffer(c.CaptureBuffer))
	}
	return Device{
		Name:    c.Device,
		Format:  audio.Format{SampleRate: c.SampleRate, Channels: c.Channels},
		Buffer:  c.PlaybackBuffer,
		Capture: append(opts, capture...),
	}
}

type (
	VADFactory    func(ProviderEntry) (vad.Engine, error)
	STTFactory    func(ProviderEntry) (stt.Provider, error)
	TTSFactory    func(ProviderEntry) (tts.Provider, error)
	LLMFactory    func(ProviderEntry) (llm.Provider, error)
	SourceFactory func(ProviderEntry, Device) (audio.Source, error)
	SinkFactory   func(ProviderEntry, Device) (audio.Sink, error)
)

// factories is one name → factory table.
type factories[F any] map[string]F

func (f factories[F]) lookup(kind, name string) (F, error) {
	factory, ok := f[name]
	if !ok {
		var zero F
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, name)
	}
	return factory, nil
}

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	vad    factories[VADFactory]
	stt    factories[STTFactory]
	tts    factories[TTSFactory]
	llm    factories[LLMFactory]
	source factories[SourceFactory]
	sink   factories[SinkFactory]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		vad:    make(factories[VADFactory]),
		stt:    make(factories[STTFactory]),
		tts:    make(factories[TTSFactory]),
		llm:    make(factories[LLMFactory]),
		source: make(factories[SourceFactory]),
		sink:   make(factories[SinkFactory]),
	}
}

// RegisterVAD registers a VAD engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVAD(name string, f VADFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = f
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, f STTFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = f
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, f TTSFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = f
}

// RegisterLLM registers an LLM provider factory under name.
func (r *Registry) RegisterLLM(name string, f LLMFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = f
}

// RegisterSource registers a capture device factory under name.
func (r *Registry) RegisterSource(name string, f SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source[name] = f
}

// RegisterSink registers a playback device factory under name.
func (r *Registry) RegisterSink(name string, f SinkFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink[name] = f
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	f, err := r.vad.lookup("vad", entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return f(entry)
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	f, err := r.stt.lookup("stt", entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return f(entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	f, err := r.tts.lookup("tts", entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return f(entry)
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	f, err := r.llm.lookup("llm", entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return f(entry)
}

// CreateSource opens nothing yet; it builds the capture source named by
// entry.Name for dev.
func (r *Registry) CreateSource(entry ProviderEntry, dev Device) (audio.Source, error) {
	r.mu.RLock()
	f, err := r.source.lookup("source", entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return f(entry, dev)
}

// CreateSink builds the playback sink named by entry.Name for dev.
func (r *Registry) CreateSink(entry ProviderEntry, dev Device) (audio.Sink, error) {
	r.mu.RLock()
	f, err := r.sink.lookup("sink", entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return f(entry, dev)
}

// Names returns the registered names per kind, sorted. cmd/vigil logs them at
// startup.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		"vad":    sortedKeys(r.vad),
		"stt":    sortedKeys(r.stt),
		"tts":    sortedKeys(r.tts),
		"llm":    sortedKeys(r.llm),
		"source": sortedKeys(r.source),
		"sink":   sortedKeys(r.sink),
	}
}

func sortedKeys[F any](m factories[F]) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
