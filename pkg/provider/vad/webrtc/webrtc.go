// Package webrtc adapts the WebRTC voice activity detector
// (github.com/maxhawkins/go-webrtcvad) to the [vad.Engine] interface.
//
// The detector accepts 10, 20 or 30 ms frames at 8, 16, 32 or 48 kHz.
package webrtc

import (
	"errors"
	"fmt"
	"slices"

	"github.com/maxhawkins/go-webrtcvad"

	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/provider/vad"
)

var (
	supportedRates  = []int{8000, 16000, 32000, 48000}
	supportedFrames = []int{10, 20, 30}
)

// DefaultMode is the aggressiveness used when Config.Mode is out of range.
const DefaultMode = 2

// Engine creates WebRTC VAD sessions.
type Engine struct{}

var _ vad.Engine = (*Engine)(nil)

// New returns a WebRTC VAD engine.
func New() *Engine { return &Engine{} }

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	mode := cfg.Mode
	if mode < 0 || mode > 3 {
		mode = DefaultMode
	}
	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("webrtc: create vad: %w", err)
	}
	if err := v.SetMode(mode); err != nil {
		return nil, fmt.Errorf("webrtc: set mode %d: %w", mode, err)
	}
	return &session{
		vad:      v,
		rate:     cfg.SampleRate,
		frameLen: cfg.FrameSamples(),
		mode:     mode,
		energy:   vad.Smoother{Alpha: 0.3},
	}, nil
}

// Validate reports whether cfg is usable by the WebRTC detector.
func Validate(cfg vad.Config) error {
	if !slices.Contains(supportedRates, cfg.SampleRate) {
		return fmt.Errorf("webrtc: unsupported sample rate %d (want one of %v)", cfg.SampleRate, supportedRates)
	}
	if !slices.Contains(supportedFrames, cfg.FrameSizeMs) {
		return fmt.Errorf("webrtc: unsupported frame size %dms (want one of %v)", cfg.FrameSizeMs, supportedFrames)
	}
	return nil
}

type session struct {
	vad      *webrtcvad.VAD
	rate     int
	frameLen int
	mode     int
	energy   vad.Smoother
	closed   bool
}

func (s *session) ProcessFrame(samples []int16) (vad.Result, error) {
	if s.closed {
		return vad.Result{}, errors.New("webrtc: session closed")
	}
	if len(samples) != s.frameLen {
		return vad.Result{}, fmt.Errorf("%w: got %d samples, want %d", vad.ErrFrameSize, len(samples), s.frameLen)
	}
	active, err := s.vad.Process(s.rate, audio.SamplesToBytes(samples))
	if err != nil {
		return vad.Result{}, fmt.Errorf("webrtc: process: %w", err)
	}
	r := vad.Result{Speech: active, Energy: s.energy.Update(audio.RMS(samples))}
	if active {
		r.Probability = 1
	}
	return r, nil
}

// Reset recreates the detector so no state from the previous stream leaks
// into the next one.
func (s *session) Reset() {
	s.energy.Reset()
	if v, err := webrtcvad.New(); err == nil && v.SetMode(s.mode) == nil {
		s.vad = v
	}
}

func (s *session) Close() error {
	s.closed = true
	s.vad = nil
	return nil
}
