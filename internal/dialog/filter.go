package dialog

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultCancelPatterns are the built-in safety and cancel phrases. They
// match only when the phrase is the whole utterance, so "para qué sirve
// esto" does not cancel anything.
var DefaultCancelPatterns = []string{
	`(?i)^\W*(?:stop|cancel)\W*$`,
	`(?i)^\W*(?:para|cancela|silencio|basta)(?:\s+ya)?\W*$`,
}

// Filter recognises safety and cancel phrases in transcripts and spotter
// hypotheses. It is immutable and safe for concurrent use.
type Filter struct {
	patterns []*regexp.Regexp
}

// NewFilter compiles patterns. With no patterns the filter never matches.
func NewFilter(patterns []string) (*Filter, error) {
	f := &Filter{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("dialog: cancel pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// MustFilter is like [NewFilter] but panics on an invalid pattern.
func MustFilter(patterns []string) *Filter {
	f, err := NewFilter(patterns)
	if err != nil {
		panic(err)
	}
	return f
}

// Match reports whether text is a cancel phrase and returns the pattern that
// matched.
func (f *Filter) Match(text string) (string, bool) {
	if f == nil {
		return "", false
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}
	for _, re := range f.patterns {
		if re.MatchString(trimmed) {
			return re.String(), true
		}
	}
	return "", false
}
