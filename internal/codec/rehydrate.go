package codec

import (
	"fmt"
	"regexp"
	"strings"
)

// tokenRunRe locates any ⟦NAME⟧ token in a text. The delimiters are fixed
// glyphs chosen to never occur in source content.
var tokenRunRe = regexp.MustCompile(`⟦([^⟧]*)⟧`)

// TokenName strips the token delimiters: "⟦PH_1⟧" -> "PH_1".
func TokenName(token string) string {
	return strings.TrimSuffix(strings.TrimPrefix(token, "⟦"), "⟧")
}

// TokenNames returns every token name appearing in text, in order, with
// duplicates preserved (callers compare multisets).
func TokenNames(text string) []string {
	var out []string
	for _, m := range tokenRunRe.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	return out
}

// UnknownTokenError reports a token name present in a target text but absent
// from the pass's placeholder map. Rehydration fails whole: no partial
// output is written.
type UnknownTokenError struct {
	Name     string
	StringID string
}

func (e *UnknownTokenError) Error() string {
	if e.StringID != "" {
		return fmt.Sprintf("unknown_token: %q in row %s has no mapping", e.Name, e.StringID)
	}
	return fmt.Sprintf("unknown_token: %q has no mapping", e.Name)
}

// Rehydrate replaces every token in text with its original glyph run.
func Rehydrate(stringID, text string, mappings map[string]string) (string, error) {
	var unknown *UnknownTokenError
	out := tokenRunRe.ReplaceAllStringFunc(text, func(tok string) string {
		name := TokenName(tok)
		orig, ok := mappings[name]
		if !ok {
			if unknown == nil {
				unknown = &UnknownTokenError{Name: name, StringID: stringID}
			}
			return tok
		}
		return orig
	})
	if unknown != nil {
		return "", unknown
	}
	return out, nil
}
