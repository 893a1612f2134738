package speech

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

var (
	reThinking  = regexp.MustCompile(`(?is)<(thinking|reflection)>.*?</(thinking|reflection)>`)
	reFence     = regexp.MustCompile("(?s)```.*?```")
	reLink      = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	reURL       = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)
	reBold      = regexp.MustCompile(`(\*\*|__)([^*_]+?)(\*\*|__)`)
	reItalic    = regexp.MustCompile(`\*([^*\n]+)\*`)
	reCode      = regexp.MustCompile("`([^`]+)`")
	reHeading   = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s*`)
	reBullet    = regexp.MustCompile(`(?m)^\s*(?:[-*+•►◆]|\d+[.)])\s+`)
	reDecor     = regexp.MustCompile(`[►◆⟩✓✗⚠]`)
	reSpace     = regexp.MustCompile(`\s+`)
	reSpacedEnd = regexp.MustCompile(`\s+([.,;:!?])`)
)

// Clean prepares a backend reply for speech synthesis: reasoning blocks,
// code, links and URLs, markdown markup and emoji are removed and whitespace
// is collapsed. Headings and list items are kept as plain text.
func Clean(text string) string {
	text = reThinking.ReplaceAllString(text, " ")
	text = reFence.ReplaceAllString(text, " ")
	text = reLink.ReplaceAllString(text, "$1")
	text = reURL.ReplaceAllString(text, "")
	text = reBold.ReplaceAllString(text, "$2")
	text = reItalic.ReplaceAllString(text, "$1")
	text = reCode.ReplaceAllString(text, "$1")
	text = reHeading.ReplaceAllString(text, "")
	text = reBullet.ReplaceAllString(text, "")
	text = reDecor.ReplaceAllString(text, "")
	text, _, _ = transform.String(runes.Remove(runes.Predicate(isEmoji)), text)
	text = reSpace.ReplaceAllString(text, " ")
	text = reSpacedEnd.ReplaceAllString(text, "$1")
	return strings.TrimSpace(text)
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F000 && r <= 0x1FAFF: // pictographs, emoticons, transport, flags
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols and dingbats
		return true
	case r == 0x200D, r == 0x20E3, r >= 0xFE00 && r <= 0xFE0F: // joiners and selectors
		return true
	case r >= 0xE0020 && r <= 0xE007F: // tag sequences
		return true
	}
	return unicode.Is(unicode.Co, r)
}
