package wake

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// phoneticBoost is the share of the remaining distance to 1.0 that a
// Double Metaphone overlap adds to a Jaro-Winkler score.
const phoneticBoost = 0.5

// Phrase is a canonical trigger phrase with the spellings a recogniser is
// known to produce for it ("jarvis" heard as "jarvi", "harvey", "chavis").
type Phrase struct {
	Canonical string   `yaml:"canonical"`
	Variants  []string `yaml:"variants"`
}

// Match is the best scoring alignment of a hypothesis with one phrase.
type Match struct {
	Phrase  string
	Variant string
	Score   float64

	// Priority is the phrase's position in the configuration.
	Priority int

	// Trailing is the hypothesis text after the matched words.
	Trailing string
}

type pattern struct {
	canonical string
	variant   string
	priority  int
	tokens    []string
	codes     []map[string]struct{}
}

// Scorer compares recogniser hypotheses against the configured phrases. It is
// read-only after construction and safe for concurrent use.
type Scorer struct {
	patterns []pattern
}

// NewScorer compiles phrases. Each phrase contributes its canonical text and
// every variant as reference patterns.
func NewScorer(phrases []Phrase) *Scorer {
	s := &Scorer{}
	for i, p := range phrases {
		refs := append([]string{p.Canonical}, p.Variants...)
		for _, ref := range refs {
			tokens := tokenize(ref)
			if len(tokens) == 0 {
				continue
			}
			pt := pattern{canonical: p.Canonical, variant: ref, priority: i, tokens: tokens}
			for _, t := range tokens {
				pt.codes = append(pt.codes, codes(t))
			}
			s.patterns = append(s.patterns, pt)
		}
	}
	return s
}

// Best returns the highest scoring match across all phrases. Equal scores
// resolve to the phrase configured first. ok is false when the hypothesis is
// empty or no phrases are configured.
func (s *Scorer) Best(hypothesis string) (best Match, ok bool) {
	words := strings.Fields(hypothesis)
	tokens := make([]string, len(words))
	for i, w := range words {
		tokens[i] = normalize(w)
	}
	if len(tokens) == 0 {
		return Match{}, false
	}
	for _, p := range s.patterns {
		score, end := p.score(tokens)
		m := Match{
			Phrase:   p.canonical,
			Variant:  p.variant,
			Score:    score,
			Priority: p.priority,
			Trailing: trailing(words, end),
		}
		if !ok || m.Score > best.Score || (m.Score == best.Score && m.Priority < best.Priority) {
			best, ok = m, true
		}
	}
	return best, ok
}

// score slides a window the length of the pattern (and one token longer or
// shorter, for split or merged words) over tokens. It returns the best score
// and the index just past the best window.
func (p pattern) score(tokens []string) (float64, int) {
	var (
		best float64
		end  int
	)
	n := len(p.tokens)
	ref := strings.Join(p.tokens, " ")
	refConcat := strings.Join(p.tokens, "")
	for size := max(n-1, 1); size <= n+1; size++ {
		for i := 0; i+size <= len(tokens); i++ {
			window := tokens[i : i+size]
			jw := matchr.JaroWinkler(strings.Join(window, " "), ref, false)
			if s := matchr.JaroWinkler(strings.Join(window, ""), refConcat, false); s > jw {
				jw = s
			}
			if p.phoneticMatch(window) {
				jw += (1 - jw) * phoneticBoost
			}
			if jw > best {
				best, end = jw, i+size
			}
		}
	}
	return best, end
}

// phoneticMatch reports whether every pattern token shares a Double Metaphone
// code with some window token.
func (p pattern) phoneticMatch(window []string) bool {
	for _, want := range p.codes {
		if len(want) == 0 {
			return false
		}
		found := false
		for _, w := range window {
			if overlap(want, codes(w)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// StripPhrase removes the best matching wake phrase and anything before it
// from text when the match scores at least threshold. Otherwise text is
// returned trimmed.
func (s *Scorer) StripPhrase(text string, threshold float64) string {
	m, ok := s.Best(text)
	if !ok || m.Score < threshold {
		return strings.TrimSpace(text)
	}
	return m.Trailing
}

func trailing(words []string, end int) string {
	if end >= len(words) {
		return ""
	}
	return strings.Trim(strings.Join(words[end:], " "), " ,.;:!?¡¿")
}

func codes(token string) map[string]struct{} {
	out := make(map[string]struct{}, 2)
	primary, secondary := matchr.DoubleMetaphone(token)
	if primary != "" {
		out[primary] = struct{}{}
	}
	if secondary != "" {
		out[secondary] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// normalize lower-cases a word, removes diacritics and drops punctuation.
func normalize(word string) string {
	// Transformers are stateful; build one per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	s, _, err := transform.String(t, word)
	if err != nil {
		s = word
	}
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			return unicode.ToLower(r)
		default:
			return -1
		}
	}, s)
}

func tokenize(text string) []string {
	var out []string
	for _, w := range strings.Fields(text) {
		if t := normalize(w); t != "" {
			out = append(out, t)
		}
	}
	return out
}
