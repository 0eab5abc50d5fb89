package codec

import (
	"fmt"
	"sort"
	"strings"
)

// Warning is a non-fatal sanity finding produced during freezing, keyed by
// string_id for the early QA report.
type Warning struct {
	StringID string `json:"string_id"`
	Detail   string `json:"detail"`
}

// Freezer replaces placeholder and tag glyph runs with opaque ⟦PH_n⟧ /
// ⟦TAG_n⟧ tokens. One Freezer is one freeze pass: counters start at zero,
// identical glyph runs reuse their token, and the pass produces exactly one
// placeholder map. A Freezer is not safe for concurrent use; concurrent
// passes use separate Freezers.
type Freezer struct {
	schema *Schema

	// Segmenter pre-processes source text before pattern matching. Nil means
	// Segment (identity except zh* languages).
	Segmenter func(text, sourceLang string) string

	phCounter  int
	tagCounter int
	reverse    map[string]string // original glyph run -> in-text token
	mappings   map[string]string // token name -> original glyph run
	warnings   []Warning
}

func NewFreezer(schema *Schema) *Freezer {
	if schema == nil {
		schema = DefaultSchema()
	}
	return &Freezer{
		schema:   schema,
		reverse:  map[string]string{},
		mappings: map[string]string{},
	}
}

// Freeze tokenizes one source text within the current pass.
func (f *Freezer) Freeze(stringID, text, sourceLang string) string {
	seg := f.Segmenter
	if seg == nil {
		seg = Segment
	}
	text = seg(text, sourceLang)

	type span struct {
		start, end int
		token      string
	}
	var claimed []span
	overlaps := func(s, e int) bool {
		for _, c := range claimed {
			if s < c.end && c.start < e {
				return true
			}
		}
		return false
	}

	for _, p := range f.schema.compiled {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			if loc[0] == loc[1] || overlaps(loc[0], loc[1]) {
				continue
			}
			orig := text[loc[0]:loc[1]]
			tok, ok := f.reverse[orig]
			if !ok {
				tok = f.mint(p.typ, orig)
			}
			claimed = append(claimed, span{start: loc[0], end: loc[1], token: tok})
		}
	}

	sort.Slice(claimed, func(i, j int) bool { return claimed[i].start < claimed[j].start })

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, c := range claimed {
		b.WriteString(text[last:c.start])
		b.WriteString(c.token)
		last = c.end
	}
	b.WriteString(text[last:])
	frozen := b.String()

	f.warnings = append(f.warnings, checkBalance(stringID, frozen)...)
	return frozen
}

func (f *Freezer) mint(typ, orig string) string {
	var tok string
	if typ == PatternTag {
		f.tagCounter++
		tok = f.schema.renderToken(PatternTag, f.tagCounter)
	} else {
		f.phCounter++
		tok = f.schema.renderToken(PatternPlaceholder, f.phCounter)
	}
	f.reverse[orig] = tok
	f.mappings[TokenName(tok)] = orig
	return tok
}

// Warnings returns the balance-check findings accumulated so far.
func (f *Freezer) Warnings() []Warning {
	return append([]Warning{}, f.warnings...)
}

// Mappings returns token name -> original glyph run for the pass.
func (f *Freezer) Mappings() map[string]string {
	out := make(map[string]string, len(f.mappings))
	for k, v := range f.mappings {
		out[k] = v
	}
	return out
}

func (f *Freezer) Counts() (ph, tag int) {
	return f.phCounter, f.tagCounter
}

// checkBalance flags unbalanced brace, bracket and angle pairs left in the
// frozen text. Imbalance is a warning, never an abort: legitimate prose can
// contain a bare "<" or "}".
func checkBalance(stringID, frozen string) []Warning {
	pairs := []struct {
		open, close rune
		label       string
	}{
		{'{', '}', "brace"},
		{'[', ']', "bracket"},
		{'<', '>', "angle"},
	}
	var out []Warning
	for _, p := range pairs {
		opens := strings.Count(frozen, string(p.open))
		closes := strings.Count(frozen, string(p.close))
		if opens != closes {
			out = append(out, Warning{
				StringID: stringID,
				Detail:   fmt.Sprintf("unbalanced %s: %d open vs %d close", p.label, opens, closes),
			})
		}
	}
	return out
}
