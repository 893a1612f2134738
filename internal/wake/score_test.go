package wake_test

import (
	"testing"

	"github.com/MrWong99/vigil/internal/wake"
)

var jarvis = []wake.Phrase{{
	Canonical: "jarvis",
	Variants:  []string{"jarvi", "jarby", "harvey", "chavis", "chaves"},
}}

func TestScorer_AcceptsEveryVariant(t *testing.T) {
	t.Parallel()

	s := wake.NewScorer(jarvis)
	for _, v := range append([]string{"jarvis"}, jarvis[0].Variants...) {
		t.Run(v, func(t *testing.T) {
			t.Parallel()
			m, ok := s.Best(v + " qué hora es")
			if !ok {
				t.Fatal("no match")
			}
			if m.Phrase != "jarvis" {
				t.Errorf("Phrase = %q, want jarvis", m.Phrase)
			}
			if m.Score < wake.DefaultThreshold {
				t.Errorf("Score = %.3f, want >= %.2f", m.Score, wake.DefaultThreshold)
			}
		})
	}
}

func TestScorer_ToleratesMisrecognition(t *testing.T) {
	t.Parallel()

	s := wake.NewScorer(jarvis)
	for _, heard := range []string{"Járvis", "jarbis", "yarvis", "JARVIS!"} {
		m, _ := s.Best(heard)
		if m.Score < wake.DefaultThreshold {
			t.Errorf("Best(%q).Score = %.3f, want >= %.2f", heard, m.Score, wake.DefaultThreshold)
		}
	}
}

func TestScorer_RejectsUnrelatedText(t *testing.T) {
	t.Parallel()

	s := wake.NewScorer(jarvis)
	for _, text := range []string{"qué hora es", "hola buenos días", "pon música", "gracias", "the weather is nice"} {
		m, _ := s.Best(text)
		if m.Score >= wake.DefaultThreshold {
			t.Errorf("Best(%q) = %+v, want score below %.2f", text, m, wake.DefaultThreshold)
		}
	}
}

func TestScorer_Empty(t *testing.T) {
	t.Parallel()

	if _, ok := wake.NewScorer(jarvis).Best("   "); ok {
		t.Error("blank hypothesis matched")
	}
	if _, ok := wake.NewScorer(nil).Best("jarvis"); ok {
		t.Error("scorer without phrases matched")
	}
}

func TestScorer_TieBreaksByConfigurationOrder(t *testing.T) {
	t.Parallel()

	phrases := []wake.Phrase{
		{Canonical: "hey vigil", Variants: []string{"jarvis"}},
		{Canonical: "jarvis"},
	}
	m, _ := wake.NewScorer(phrases).Best("jarvis")
	if m.Phrase != "hey vigil" || m.Priority != 0 {
		t.Errorf("tie resolved to %+v, want first configured phrase", m)
	}

	phrases[0], phrases[1] = phrases[1], phrases[0]
	m, _ = wake.NewScorer(phrases).Best("jarvis")
	if m.Phrase != "jarvis" {
		t.Errorf("tie resolved to %q after reordering, want jarvis", m.Phrase)
	}
}

func TestScorer_HigherScoreBeatsPriority(t *testing.T) {
	t.Parallel()

	phrases := []wake.Phrase{{Canonical: "javier"}, {Canonical: "jarvis"}}
	m, _ := wake.NewScorer(phrases).Best("jarvis")
	if m.Phrase != "jarvis" {
		t.Errorf("Phrase = %q, want jarvis", m.Phrase)
	}
}

func TestScorer_MultiWordPhrase(t *testing.T) {
	t.Parallel()

	s := wake.NewScorer([]wake.Phrase{{Canonical: "oye vigil"}})
	m, _ := s.Best("oye vigil apaga la luz")
	if m.Score < 0.95 {
		t.Errorf("Score = %.3f, want near 1", m.Score)
	}
	if m.Trailing != "apaga la luz" {
		t.Errorf("Trailing = %q", m.Trailing)
	}
}

func TestScorer_Trailing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want string
	}{
		{"Jarvis, ¿qué hora es?", "qué hora es"},
		{"jarvis", ""},
		{"oye jarvis pon música", "pon música"},
	}
	s := wake.NewScorer(jarvis)
	for _, tt := range tests {
		m, _ := s.Best(tt.text)
		if m.Trailing != tt.want {
			t.Errorf("Best(%q).Trailing = %q, want %q", tt.text, m.Trailing, tt.want)
		}
	}
}

func TestScorer_StripPhrase(t *testing.T) {
	t.Parallel()

	s := wake.NewScorer(jarvis)
	if got := s.StripPhrase("jarvis qué tiempo hace", 0.8); got != "qué tiempo hace" {
		t.Errorf("StripPhrase = %q", got)
	}
	if got := s.StripPhrase("  qué tiempo hace ", 0.8); got != "qué tiempo hace" {
		t.Errorf("StripPhrase without phrase = %q", got)
	}
}
