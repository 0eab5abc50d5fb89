package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/locflow/locflow/internal/model"
)

// translateSystemPrompt builds the translation instructions for one batch,
// injecting the glossary constraints relevant to the batch's rows.
func (e *Engine) translateSystemPrompt(rows []model.Row) string {
	lang := e.opts.TargetLang
	if lang == "" {
		lang = "the target language"
	}
	var b strings.Builder
	fmt.Fprintf(&b, `You translate game/UI strings into %s.
Respond inside a JSON object {"items":[...]} where each item is {"id":"<id>","text":"<translation>"}.
Rules:
- Copy every ⟦...⟧ token into the translation exactly as written, same count per token.
- Never invent placeholders or markup.
- When an item carries max_len, the translation must not exceed that many characters.
`, lang)

	constraints := e.glossaryConstraints(rows)
	if len(constraints) > 0 {
		b.WriteString("Terminology (source = target, mandatory):\n")
		for _, c := range constraints {
			fmt.Fprintf(&b, "- %s = %s\n", c[0], c[1])
		}
	}
	return b.String()
}

// glossaryConstraints unions the per-row constraint subsets, deduplicated
// and in first-seen order.
func (e *Engine) glossaryConstraints(rows []model.Row) [][2]string {
	if e.gloss == nil {
		return nil
	}
	seen := map[string]bool{}
	var out [][2]string
	for _, r := range rows {
		src := r.SourceText
		if orig, ok := e.origSources[r.StringID]; ok {
			src = orig
		}
		for _, entry := range e.gloss.ConstraintsFor(src) {
			if seen[entry.TermSource] {
				continue
			}
			seen[entry.TermSource] = true
			out = append(out, [2]string{entry.TermSource, entry.TermTarget})
		}
	}
	return out
}

// translatePayload renders the batch rows as the user message.
func translatePayload(rows []model.Row) string {
	type item struct {
		ID     string `json:"id"`
		Source string `json:"source"`
		MaxLen int    `json:"max_len,omitempty"`
	}
	items := make([]item, 0, len(rows))
	for _, r := range rows {
		items = append(items, item{ID: r.StringID, Source: r.SourceText, MaxLen: r.MaxLengthTarget})
	}
	b, _ := json.Marshal(map[string]any{"items": items})
	return string(b)
}
