package whisper

import (
	"encoding/binary"
	"regexp"
	"strings"
)

// pcmToFloat32Mono converts PCM16LE to float32 in [-1, 1], averaging the
// channels of each frame. A trailing partial frame is ignored.
func pcmToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	n := len(pcm) / (2 * channels)
	mono := make([]float32, n)
	for i := range n {
		var sum float32
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[idx:idx+2]))) / 32768.0
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// resampleFloat32 converts mono samples between rates by linear
// interpolation.
func resampleFloat32(in []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(dstRate) / int64(srcRate))
	out := make([]float32, n)
	step := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = in[j]*(1-frac) + in[j+1]*frac
	}
	return out
}

// whisper marks non-speech with bracketed or parenthesised tags such as
// "[BLANK_AUDIO]" or "(music)".
var nonSpeech = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)`)

// cleanText strips non-speech tags and collapses whitespace.
func cleanText(s string) string {
	s = nonSpeech.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

// baseLanguage reduces a BCP-47 tag to the ISO 639-1 code whisper expects
// ("es-ES" becomes "es").
func baseLanguage(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}
