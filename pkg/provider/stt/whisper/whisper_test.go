package whisper_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"mime"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/vigil/pkg/provider/stt"
	"github.com/MrWong99/vigil/pkg/provider/stt/whisper"
	"github.com/MrWong99/vigil/pkg/types"
)

// ---- helpers ----------------------------------------------------------------

type serverState struct {
	calls atomic.Int32
	mu    sync.Mutex
	langs []string
}

func (s *serverState) languages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.langs...)
}

// newMockServer answers POST /inference with text and records the language
// field of each request.
func newMockServer(t *testing.T, text string, status int) (*httptest.Server, *serverState) {
	t.Helper()
	st := &serverState{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		st.calls.Add(1)
		if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "multipart/form-data" {
			if err := r.ParseMultipartForm(1 << 22); err == nil {
				st.mu.Lock()
				st.langs = append(st.langs, r.FormValue("language"))
				st.mu.Unlock()
			}
		}
		if status != http.StatusOK {
			http.Error(w, "boom", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": text})
	}))
	t.Cleanup(srv.Close)
	return srv, st
}

// speechPCM returns a 440 Hz tone well above the silence threshold.
func speechPCM(samples int) []byte {
	buf := make([]byte, samples*2)
	for i := range samples {
		v := int16(10_000 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func start(t *testing.T, p *whisper.Provider, cfg stt.StreamConfig) stt.SessionHandle {
	t.Helper()
	h, err := p.StartStream(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	return h
}

func collect(ch <-chan types.Transcript) []types.Transcript {
	var out []types.Transcript
	for tr := range ch {
		out = append(out, tr)
	}
	return out
}

var mono16k = stt.StreamConfig{SampleRate: 16000, Channels: 1}

// ---- construction -----------------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	t.Parallel()
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty serverURL")
	}
}

func TestStartStream_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()
	p, _ := whisper.New("http://localhost:1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.StartStream(ctx, mono16k); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestSetKeywords_NotSupported(t *testing.T) {
	t.Parallel()
	p, _ := whisper.New("http://localhost:1", whisper.WithPartialInterval(0))
	h := start(t, p, mono16k)
	defer h.Close()
	err := h.SetKeywords([]types.KeywordBoost{{Keyword: "jarvis", Boost: 5}})
	if !errors.Is(err, stt.ErrNotSupported) {
		t.Errorf("SetKeywords err = %v, want ErrNotSupported", err)
	}
}

// ---- session behaviour ------------------------------------------------------

func TestClose_EmitsFinal(t *testing.T) {
	t.Parallel()
	srv, st := newMockServer(t, " what time is it ", http.StatusOK)
	p, _ := whisper.New(srv.URL, whisper.WithPartialInterval(0))
	h := start(t, p, mono16k)

	if err := h.SendAudio(speechPCM(16000)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if st.calls.Load() != 0 {
		t.Fatal("inference ran before Close")
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	finals := collect(h.Finals())
	if len(finals) != 1 {
		t.Fatalf("got %d finals, want 1", len(finals))
	}
	if finals[0].Text != "what time is it" || !finals[0].IsFinal {
		t.Errorf("final = %+v", finals[0])
	}
	if finals[0].Duration != time.Second {
		t.Errorf("duration = %v, want 1s", finals[0].Duration)
	}
}

func TestClose_SilenceSkipsInference(t *testing.T) {
	t.Parallel()
	srv, st := newMockServer(t, "ghost", http.StatusOK)
	p, _ := whisper.New(srv.URL, whisper.WithPartialInterval(0))
	h := start(t, p, mono16k)
	_ = h.SendAudio(make([]byte, 32000))
	_ = h.Close()

	if finals := collect(h.Finals()); len(finals) != 0 {
		t.Errorf("got %d finals for silence", len(finals))
	}
	if n := st.calls.Load(); n != 0 {
		t.Errorf("server called %d times for silence", n)
	}
}

func TestPartialsDuringStream(t *testing.T) {
	t.Parallel()
	srv, _ := newMockServer(t, "hello", http.StatusOK)
	p, _ := whisper.New(srv.URL, whisper.WithPartialInterval(100*time.Millisecond))
	h := start(t, p, mono16k)
	// 200 ms of audio crosses the partial interval twice.
	for range 4 {
		_ = h.SendAudio(speechPCM(800))
	}

	select {
	case tr := <-h.Partials():
		if tr.Text != "hello" || tr.IsFinal {
			t.Errorf("partial = %+v", tr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no partial emitted")
	}
	_ = h.Close()
	if finals := collect(h.Finals()); len(finals) != 1 {
		t.Errorf("got %d finals, want 1", len(finals))
	}
}

func TestMaxBufferForcesFinal(t *testing.T) {
	t.Parallel()
	srv, _ := newMockServer(t, "chunk", http.StatusOK)
	p, _ := whisper.New(srv.URL,
		whisper.WithPartialInterval(0),
		whisper.WithMaxBuffer(500*time.Millisecond),
	)
	h := start(t, p, mono16k)
	_ = h.SendAudio(speechPCM(8000))

	select {
	case tr := <-h.Finals():
		if tr.Text != "chunk" {
			t.Errorf("final = %+v", tr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("max buffer did not force a final")
	}
	_ = h.Close()
}

func TestLanguageTagReduced(t *testing.T) {
	t.Parallel()
	srv, st := newMockServer(t, "hola", http.StatusOK)
	p, _ := whisper.New(srv.URL, whisper.WithPartialInterval(0))
	h := start(t, p, stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "es-ES"})
	_ = h.SendAudio(speechPCM(4000))
	_ = h.Close()
	collect(h.Finals())

	langs := st.languages()
	if len(langs) != 1 || langs[0] != "es" {
		t.Errorf("languages sent = %v, want [es]", langs)
	}
}

func TestServerError_NoFinal(t *testing.T) {
	t.Parallel()
	srv, st := newMockServer(t, "", http.StatusInternalServerError)
	p, _ := whisper.New(srv.URL, whisper.WithPartialInterval(0))
	h := start(t, p, mono16k)
	_ = h.SendAudio(speechPCM(4000))
	_ = h.Close()

	if finals := collect(h.Finals()); len(finals) != 0 {
		t.Errorf("got %d finals after server error", len(finals))
	}
	if st.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", st.calls.Load())
	}
}

func TestBlankAudioTagDropped(t *testing.T) {
	t.Parallel()
	srv, _ := newMockServer(t, "[BLANK_AUDIO]", http.StatusOK)
	p, _ := whisper.New(srv.URL, whisper.WithPartialInterval(0))
	h := start(t, p, mono16k)
	_ = h.SendAudio(speechPCM(4000))
	_ = h.Close()
	if finals := collect(h.Finals()); len(finals) != 0 {
		t.Errorf("finals = %+v, want none", finals)
	}
}

func TestClose_IdempotentAndSendAfterClose(t *testing.T) {
	t.Parallel()
	p, _ := whisper.New("http://localhost:1", whisper.WithPartialInterval(0))
	h := start(t, p, mono16k)
	if err := h.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := h.SendAudio(speechPCM(10)); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
	if _, ok := <-h.Partials(); ok {
		t.Error("partials channel still open")
	}
}

func TestConcurrentSendAudio(t *testing.T) {
	t.Parallel()
	srv, _ := newMockServer(t, "ok", http.StatusOK)
	p, _ := whisper.New(srv.URL, whisper.WithPartialInterval(0))
	h := start(t, p, mono16k)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				_ = h.SendAudio(speechPCM(160))
			}
		}()
	}
	wg.Wait()
	_ = h.Close()
	finals := collect(h.Finals())
	if len(finals) != 1 || !strings.EqualFold(finals[0].Text, "ok") {
		t.Errorf("finals = %+v", finals)
	}
}
