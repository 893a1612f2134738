package whisper

import (
	"encoding/binary"
	"math"
	"testing"
)

func pcm16(values ...int16) []byte {
	b := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	return b
}

func TestPcmToFloat32Mono_Scale(t *testing.T) {
	tests := []struct {
		name  string
		value int16
		want  float32
	}{
		{"max positive", 32767, 32767.0 / 32768.0},
		{"max negative", -32768, -1.0},
		{"zero", 0, 0.0},
		{"mid positive", 16384, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := pcmToFloat32Mono(pcm16(tt.value), 1)
			if len(out) != 1 {
				t.Fatalf("len = %d, want 1", len(out))
			}
			if math.Abs(float64(out[0]-tt.want)) > 1e-6 {
				t.Errorf("sample = %f, want %f", out[0], tt.want)
			}
		})
	}
}

func TestPcmToFloat32Mono_AveragesChannels(t *testing.T) {
	out := pcmToFloat32Mono(pcm16(16384, -16384, 16384, 16384), 2)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if math.Abs(float64(out[0])) > 1e-6 {
		t.Errorf("frame 0 = %f, want 0", out[0])
	}
	if math.Abs(float64(out[1]-0.5)) > 1e-6 {
		t.Errorf("frame 1 = %f, want 0.5", out[1])
	}
}

func TestPcmToFloat32Mono_IgnoresPartialFrame(t *testing.T) {
	b := append(pcm16(1, 2, 3), 0x7f)
	if got := len(pcmToFloat32Mono(b, 2)); got != 1 {
		t.Errorf("len = %d, want 1", got)
	}
}

func TestResampleFloat32(t *testing.T) {
	in := make([]float32, 480)
	for i := range in {
		in[i] = float32(i) / 480
	}
	out := resampleFloat32(in, 48000, 16000)
	if len(out) != 160 {
		t.Fatalf("len = %d, want 160", len(out))
	}
	if math.Abs(float64(out[1]-in[3])) > 1e-6 {
		t.Errorf("out[1] = %f, want %f", out[1], in[3])
	}
	if same := resampleFloat32(in, 16000, 16000); len(same) != len(in) {
		t.Errorf("equal rates changed length to %d", len(same))
	}
}

func TestCleanText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{" hello   world ", "hello world"},
		{"[BLANK_AUDIO]", ""},
		{"(music) what time is it", "what time is it"},
		{"ok [ Silence ] then", "ok then"},
	}
	for _, tt := range tests {
		if got := cleanText(tt.in); got != tt.want {
			t.Errorf("cleanText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBaseLanguage(t *testing.T) {
	tests := map[string]string{
		"es":    "es",
		"es-ES": "es",
		"en_US": "en",
		"DE":    "de",
		"":      "",
	}
	for in, want := range tests {
		if got := baseLanguage(in); got != want {
			t.Errorf("baseLanguage(%q) = %q, want %q", in, got, want)
		}
	}
}
