// Package backend turns a finished utterance into the assistant's reply.
//
// A [Backend] is either a language model reached through an [llm.Provider]
// ([LLM]) or an external command-line tool such as `claude -p` ([Command]).
// Every failure is reported as one of two sentinels so the dialog
// orchestrator can pick the right spoken notice: [ErrBackendTimeout] when the
// deadline passed and [ErrBackendError] for everything else. A call cancelled
// by the caller (barge-in, safety phrase) returns the context's error
// unchanged.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/vigil/pkg/types"
)

var (
	// ErrBackendTimeout means the reply did not arrive before the deadline.
	ErrBackendTimeout = errors.New("backend: timed out")

	// ErrBackendError means the backend failed or returned nothing usable.
	ErrBackendError = errors.New("backend: failed")
)

// Request is one turn.
type Request struct {
	// SystemPrompt is the assistant's personality prompt.
	SystemPrompt string

	// Text is the user's utterance.
	Text string

	// History is the recent conversation window, oldest first, without the
	// current utterance.
	History []types.Message
}

// Backend produces the reply to a request. Implementations must be safe for
// concurrent use and must return promptly once ctx is done.
type Backend interface {
	Reply(ctx context.Context, req Request) (string, error)
}

// classify maps err to the package sentinels. ctx is the context the call ran
// under.
func classify(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrBackendTimeout), errors.Is(err, ErrBackendError):
		return err
	case errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrBackendTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrBackendError, err)
	}
}

// Kind names the failure class of err for metrics and events: "timeout",
// "error", or "" when err is nil or a cancellation.
func Kind(err error) string {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return ""
	case errors.Is(err, ErrBackendTimeout):
		return "timeout"
	default:
		return "error"
	}
}
