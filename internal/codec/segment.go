package codec

import (
	"strings"
	"unicode"
)

// Segment is the default pre-freeze segmenter: identity unless the source
// language code begins with "zh", in which case spaces are inserted between
// adjacent CJK glyphs. The result is idempotent (segmenting twice changes
// nothing), which keeps freeze↔rehydrate round trips stable. A dictionary
// segmenter can be plugged in via Freezer.Segmenter.
func Segment(text, sourceLang string) string {
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(sourceLang)), "zh") {
		return text
	}
	runes := []rune(text)
	var b strings.Builder
	b.Grow(len(text) + len(text)/2)
	for i, r := range runes {
		b.WriteRune(r)
		if i+1 < len(runes) && isCJK(r) && isCJK(runes[i+1]) {
			b.WriteRune(' ')
		}
	}
	return b.String()
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r)
}
