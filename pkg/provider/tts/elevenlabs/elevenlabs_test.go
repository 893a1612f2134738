package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/provider/tts"
)

func TestNew(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("k", WithOutputFormat("mp3_44100_128")); err == nil {
		t.Error("expected error for non-PCM output format")
	}
	p, err := New("k", WithOutputFormat("pcm_24000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.Format(); got != (audio.Format{SampleRate: 24000, Channels: 1}) {
		t.Errorf("Format = %v", got)
	}
}

func TestStreamURL(t *testing.T) {
	p, _ := New("k")
	raw := p.streamURL(tts.Voice{ID: "abc 1", Language: "es-MX"})
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Path != "/v1/text-to-speech/abc 1/stream-input" {
		t.Errorf("path = %q", u.Path)
	}
	q := u.Query()
	if q.Get("model_id") != defaultModel || q.Get("output_format") != "pcm_16000" || q.Get("language_code") != "es" {
		t.Errorf("query = %v", q)
	}
}

// fakeServer records text messages and answers the end-of-input message with
// one audio chunk per received fragment followed by isFinal.
type fakeServer struct {
	mu       sync.Mutex
	messages []textMessage
	failWith string
}

func (f *fakeServer) handler(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()
	ctx := r.Context()
	var fragments int
	for {
		_, msg, err := c.Read(ctx)
		if err != nil {
			return
		}
		var m textMessage
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		f.mu.Lock()
		f.messages = append(f.messages, m)
		f.mu.Unlock()

		if f.failWith != "" {
			b, _ := json.Marshal(audioResponse{Error: f.failWith, Message: "nope"})
			_ = c.Write(ctx, websocket.MessageText, b)
			return
		}
		switch m.Text {
		case " ":
		case "":
			for range fragments {
				b, _ := json.Marshal(audioResponse{Audio: base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0})})
				_ = c.Write(ctx, websocket.MessageText, b)
			}
			b, _ := json.Marshal(audioResponse{IsFinal: true})
			_ = c.Write(ctx, websocket.MessageText, b)
			_ = c.Close(websocket.StatusNormalClosure, "")
			return
		default:
			fragments++
		}
	}
}

func newFake(t *testing.T, f *fakeServer) *Provider {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(srv.Close)
	p, err := New("secret", WithBaseURLs("ws"+strings.TrimPrefix(srv.URL, "http"), srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestSynthesizeStream(t *testing.T) {
	f := &fakeServer{}
	p := newFake(t, f)

	text := make(chan string, 3)
	text <- "Son las tres."
	text <- "  "
	text <- "Hasta luego."
	close(text)

	st, err := p.SynthesizeStream(context.Background(), text, tts.Voice{ID: "v1", Speed: 1.1})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	var pcm []byte
	for chunk := range st.Audio {
		pcm = append(pcm, chunk...)
	}
	if err := st.Err(); err != nil {
		t.Fatalf("stream err: %v", err)
	}
	if len(pcm) != 8 {
		t.Errorf("pcm bytes = %d, want 8", len(pcm))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var texts []string
	for _, m := range f.messages {
		texts = append(texts, m.Text)
	}
	if diff := cmp.Diff([]string{" ", "Son las tres. ", "Hasta luego. ", ""}, texts); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
	first := f.messages[0]
	if first.XiAPIKey != "secret" || first.VoiceSettings == nil || first.VoiceSettings.Speed != 1.1 {
		t.Errorf("first message = %+v", first)
	}
}

func TestSynthesizeStream_ServerError(t *testing.T) {
	p := newFake(t, &fakeServer{failWith: "quota_exceeded"})
	text := make(chan string, 1)
	text <- "Hola."
	close(text)

	st, err := p.SynthesizeStream(context.Background(), text, tts.Voice{ID: "v1"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	for range st.Audio {
	}
	if st.Err() == nil || !strings.Contains(st.Err().Error(), "quota_exceeded") {
		t.Errorf("Err = %v", st.Err())
	}
}

func TestSynthesizeStream_Cancel(t *testing.T) {
	p := newFake(t, &fakeServer{})
	ctx, cancel := context.WithCancel(context.Background())
	text := make(chan string)
	st, err := p.SynthesizeStream(ctx, text, tts.Voice{ID: "v1"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	cancel()
	select {
	case _, ok := <-st.Audio:
		for ok {
			_, ok = <-st.Audio
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after cancel")
	}
	if st.Err() == nil {
		t.Error("expected cancellation error")
	}
}

func TestSynthesizeStream_EmptyVoice(t *testing.T) {
	p, _ := New("k")
	if _, err := p.SynthesizeStream(context.Background(), nil, tts.Voice{}); err == nil {
		t.Fatal("expected error for empty voice ID")
	}
}

func TestListVoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/voices" || r.Header.Get("xi-api-key") != "secret" {
			http.Error(w, "bad request", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"voices":[{"voice_id":"v1","name":"Lucia","labels":{"language":"es"}},{"voice_id":"v2","name":"Sam"}]}`))
	}))
	defer srv.Close()

	p, _ := New("secret", WithBaseURLs("ws://unused", srv.URL))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	want := []tts.Voice{{ID: "v1", Language: "es"}, {ID: "v2"}}
	if diff := cmp.Diff(want, voices); diff != "" {
		t.Errorf("voices mismatch (-want +got):\n%s", diff)
	}
}
