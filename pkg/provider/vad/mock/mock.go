// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify the Config sessions are created with. Use Session to
// script per-frame results and inspect the frames that were classified.
//
// Example:
//
//	sess := &mock.Session{Script: []vad.Result{{Speech: true}, {Speech: false}}}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"

	"github.com/MrWong99/vigil/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, a new default Session is
	// returned.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned from NewSession.
	NewSessionErr error

	// Configs records the Config of every NewSession call.
	Configs []vad.Config
}

var _ vad.Engine = (*Engine)(nil)

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Configs = append(e.Configs, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Session is a mock implementation of vad.SessionHandle.
//
// Each ProcessFrame call returns the next entry of Script; once the script is
// exhausted Default is returned. When Classify is set it takes precedence over
// both.
type Session struct {
	mu sync.Mutex

	Script   []vad.Result
	Default  vad.Result
	Classify func(samples []int16) vad.Result

	// ProcessErr, if non-nil, is returned by every ProcessFrame call.
	ProcessErr error

	frames     int
	resets     int
	closeCount int
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessFrame implements vad.SessionHandle.
func (s *Session) ProcessFrame(samples []int16) (vad.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	if s.ProcessErr != nil {
		return vad.Result{}, s.ProcessErr
	}
	if s.Classify != nil {
		return s.Classify(samples), nil
	}
	if len(s.Script) > 0 {
		r := s.Script[0]
		s.Script = s.Script[1:]
		return r, nil
	}
	return s.Default, nil
}

// Reset implements vad.SessionHandle.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

// Close implements vad.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	return nil
}

// Frames returns how many frames were classified.
func (s *Session) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Resets returns how many times Reset was called.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}
