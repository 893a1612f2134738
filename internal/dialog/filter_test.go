package dialog

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/vigil/pkg/types"
)

func TestFilter_DefaultPatterns(t *testing.T) {
	t.Parallel()

	f := MustFilter(DefaultCancelPatterns)
	tests := []struct {
		text string
		want bool
	}{
		{"stop", true},
		{"Stop!", true},
		{"cancel", true},
		{"para", true},
		{"¡Para ya!", true},
		{"cancela", true},
		{"Silencio.", true},
		{"basta", true},
		{"para qué sirve esto", false},
		{"stop the music please", false},
		{"", false},
		{"   ", false},
	}
	for _, tt := range tests {
		if _, got := f.Match(tt.text); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestFilter_Custom(t *testing.T) {
	t.Parallel()

	if _, err := NewFilter([]string{`(?i)^enough$`, `[`}); err == nil {
		t.Fatal("expected compile error")
	}
	f := MustFilter([]string{`(?i)^enough$`})
	pattern, ok := f.Match(" Enough ")
	if !ok || pattern != `(?i)^enough$` {
		t.Errorf("Match = %q, %v", pattern, ok)
	}

	var nilFilter *Filter
	if _, ok := nilFilter.Match("stop"); ok {
		t.Error("nil filter matched")
	}
}

func TestHistory_KeepsLastExchanges(t *testing.T) {
	t.Parallel()

	h := history{max: 2}
	h.add("a", "1")
	h.add("b", "2")
	h.add("c", "3")
	want := []types.Message{
		{Role: "user", Content: "b"},
		{Role: "assistant", Content: "2"},
		{Role: "user", Content: "c"},
		{Role: "assistant", Content: "3"},
	}
	if diff := cmp.Diff(want, h.snapshot()); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	snap := h.snapshot()
	snap[0].Content = "changed"
	if h.snapshot()[0].Content != "b" {
		t.Error("snapshot aliases the window")
	}

	disabled := history{max: -1}
	disabled.add("a", "1")
	if len(disabled.snapshot()) != 0 {
		t.Error("disabled history kept messages")
	}
}

func TestPhrases_FallBackToDefaults(t *testing.T) {
	t.Parallel()

	var p Phrases
	defaults := DefaultPhrases()
	for name, got := range map[string]string{
		"wake ack":       p.wakeAck(),
		"acknowledgment": p.acknowledgment(),
		"timeout":        p.timeout(),
		"failure":        p.failure(),
	} {
		if got == "" {
			t.Errorf("%s phrase empty", name)
		}
	}
	custom := Phrases{Timeout: []string{"Sin respuesta."}}
	if got := custom.timeout(); got != "Sin respuesta." {
		t.Errorf("timeout = %q", got)
	}
	if len(defaults.Error) == 0 || len(defaults.WakeAcks) == 0 {
		t.Error("default phrase lists empty")
	}
}
