package speech

import "testing"

func TestClean(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"emoji", "Hola 😀 mundo 🎉", "Hola mundo"},
		{"emoji sequence", "Listo 👍🏽 señor ❤️", "Listo señor"},
		{"url", "Visita https://example.com para más", "Visita para más"},
		{"www url", "Mira www.example.com/x ahora.", "Mira ahora."},
		{"link", "Lea [la guía](https://go.dev/doc) primero.", "Lea la guía primero."},
		{"bold and italic", "Texto **negrita** y *cursiva*", "Texto negrita y cursiva"},
		{"inline code", "Ejecute `go test` ahora.", "Ejecute go test ahora."},
		{"code fence", "Así:\n```go\nfmt.Println(1)\n```\nListo.", "Así: Listo."},
		{"heading and bullets", "# Resumen\n- uno\n- dos\n1. tres", "Resumen uno dos tres"},
		{"thinking block", "<thinking>mmm</thinking>Son las tres.", "Son las tres."},
		{"decorations", "► Hecho ✓", "Hecho"},
		{"whitespace", "Hola    mundo   test", "Hola mundo test"},
		{"numbers survive", "Son 3.14 euros, 50% menos.", "Son 3.14 euros, 50% menos."},
		{"only symbols", "🤖 ✓", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Clean(tt.in); got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
