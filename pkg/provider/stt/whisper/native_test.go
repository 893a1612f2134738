package whisper_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/MrWong99/vigil/pkg/provider/stt/whisper"
)

// testModelPath reads WHISPER_MODEL_PATH and skips when it is unset.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("WHISPER_MODEL_PATH")
	if p == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	return p
}

func TestNewNative_EmptyPath_ReturnsError(t *testing.T) {
	if _, err := whisper.NewNative(""); err == nil {
		t.Fatal("expected error for empty model path")
	}
}

func TestNewNative_InvalidPath_ReturnsError(t *testing.T) {
	if _, err := whisper.NewNative("/nonexistent/path/to/model.bin"); err == nil {
		t.Fatal("expected error for invalid model path")
	}
}

func TestNative_SilenceProducesNoFinal(t *testing.T) {
	p, err := whisper.NewNative(testModelPath(t),
		whisper.WithNativeLanguage("en"),
		whisper.WithNativePartialInterval(0),
	)
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer p.Close()

	h, err := p.StartStream(context.Background(), mono16k)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	_ = h.SendAudio(make([]byte, 32000))
	_ = h.Close()
	if finals := collect(h.Finals()); len(finals) != 0 {
		t.Errorf("finals = %+v, want none", finals)
	}
}

func TestNative_ToneCompletes(t *testing.T) {
	p, err := whisper.NewNative(testModelPath(t), whisper.WithNativePartialInterval(0))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer p.Close()

	h, err := p.StartStream(context.Background(), mono16k)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	_ = h.SendAudio(speechPCM(16000))

	done := make(chan struct{})
	go func() {
		_ = h.Close()
		collect(h.Finals())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(60 * time.Second):
		t.Fatal("native inference did not finish")
	}
}
