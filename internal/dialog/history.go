package dialog

import "github.com/MrWong99/vigil/pkg/types"

// history is the in-memory conversation window. It is owned by the
// orchestrator goroutine.
type history struct {
	max  int // exchanges kept
	msgs []types.Message
}

func (h *history) add(user, assistant string) {
	if h.max <= 0 {
		return
	}
	h.msgs = append(h.msgs,
		types.Message{Role: "user", Content: user},
		types.Message{Role: "assistant", Content: assistant},
	)
	if over := len(h.msgs) - 2*h.max; over > 0 {
		h.msgs = append(h.msgs[:0:0], h.msgs[over:]...)
	}
}

func (h *history) snapshot() []types.Message {
	return append([]types.Message(nil), h.msgs...)
}

func (h *history) reset() { h.msgs = nil }
