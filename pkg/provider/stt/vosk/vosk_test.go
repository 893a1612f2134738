package vosk

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/vigil/pkg/provider/stt"
	"github.com/MrWong99/vigil/pkg/types"
)

func TestParseFinal(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want types.Transcript
		ok   bool
	}{
		{
			name: "with words",
			raw:  `{"result":[{"word":"qué","conf":0.8},{"word":"hora","conf":1.0}],"text":"qué hora"}`,
			want: types.Transcript{Text: "qué hora", IsFinal: true, Confidence: 0.9},
			ok:   true,
		},
		{
			name: "text only",
			raw:  `{"text":"hola"}`,
			want: types.Transcript{Text: "hola", IsFinal: true, Confidence: 1},
			ok:   true,
		},
		{name: "empty", raw: `{"text":""}`},
		{name: "only unknown", raw: `{"text":"[unk]"}`},
		{name: "garbage", raw: `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseFinal(tt.raw)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if diff := cmp.Diff(tt.want, got); ok && diff != "" {
				t.Errorf("transcript mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParsePartial(t *testing.T) {
	if text, ok := parsePartial(`{"partial":"jarvis [unk]"}`); !ok || text != "jarvis" {
		t.Errorf("parsePartial = %q, %v", text, ok)
	}
	if _, ok := parsePartial(`{"partial":""}`); ok {
		t.Error("empty partial reported ok")
	}
}

func TestKeywordGrammar(t *testing.T) {
	g := keywordGrammar([]types.KeywordBoost{{Keyword: " Jarvis "}, {Keyword: ""}, {Keyword: "yarvis"}})
	var words []string
	if err := json.Unmarshal([]byte(g), &words); err != nil {
		t.Fatalf("grammar is not a JSON array: %v", err)
	}
	if diff := cmp.Diff([]string{"jarvis", "yarvis", "[unk]"}, words); diff != "" {
		t.Errorf("grammar mismatch (-want +got):\n%s", diff)
	}
}

func TestNew_EmptyPath(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty model path")
	}
}

// TestSession_Silence needs a real model directory in VOSK_MODEL_PATH.
func TestSession_Silence(t *testing.T) {
	path := os.Getenv("VOSK_MODEL_PATH")
	if path == "" {
		t.Skip("VOSK_MODEL_PATH not set")
	}
	p, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	h, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 2})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	_ = h.SendAudio(make([]byte, 64000))
	_ = h.Close()
	for tr := range h.Finals() {
		t.Errorf("unexpected final for silence: %+v", tr)
	}
	if err := h.SendAudio(nil); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v", err)
	}
}
