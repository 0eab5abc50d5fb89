package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/locflow/locflow/internal/llm"
)

// item is one per-row payload in a model response. Fields beyond id are
// kept raw so each stage decodes its own shape.
type item struct {
	ID     string
	Fields map[string]string
}

type itemEnvelope struct {
	Items []map[string]any `json:"items"`
}

// parseItems decodes a response body as {"items":[{id,...}]}. On a decode
// failure one tolerant repair pass is applied before giving up with a
// parse error.
func parseItems(body string) ([]item, error) {
	items, err := decodeItems(body)
	if err == nil {
		return items, nil
	}
	items, err2 := decodeItems(repairJSON(body))
	if err2 == nil {
		return items, nil
	}
	return nil, llm.NewParseError(fmt.Sprintf("response is not an items object: %v", err))
}

func decodeItems(body string) ([]item, error) {
	var env itemEnvelope
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(body)))
	if err := dec.Decode(&env); err != nil {
		return nil, err
	}
	if env.Items == nil {
		return nil, fmt.Errorf("missing items array")
	}
	out := make([]item, 0, len(env.Items))
	for i, raw := range env.Items {
		it := item{Fields: make(map[string]string)}
		for k, v := range raw {
			s, ok := v.(string)
			if !ok {
				s = fmt.Sprint(v)
			}
			if k == "id" {
				it.ID = s
				continue
			}
			it.Fields[k] = s
		}
		if it.ID == "" {
			return nil, fmt.Errorf("items[%d] has no id", i)
		}
		out = append(out, it)
	}
	return out, nil
}

// repairJSON is the single tolerant pass: strip markdown fences, drop
// trailing commas, and rewrite curly quotes around keys and values.
func repairJSON(body string) string {
	s := strings.TrimSpace(body)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	for _, q := range []string{"“", "”"} {
		s = strings.ReplaceAll(s, q, `"`)
	}
	s = stripTrailingCommas(s)
	return s
}

func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			b.WriteByte(ch)
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		if ch == '"' {
			inString = true
			b.WriteByte(ch)
			continue
		}
		if ch == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue // drop the comma
			}
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// checkIDs enforces the response-coverage rule: response IDs must cover
// every batch ID, and with partialMatch off must introduce none beyond
// them.
func checkIDs(items []item, batchIDs []string, partialMatch bool) error {
	got := make(map[string]bool, len(items))
	for _, it := range items {
		got[it.ID] = true
	}
	var missing []string
	for _, id := range batchIDs {
		if !got[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return llm.NewParseError(fmt.Sprintf("response missing ids: %s", strings.Join(missing, ", ")))
	}
	if !partialMatch {
		want := make(map[string]bool, len(batchIDs))
		for _, id := range batchIDs {
			want[id] = true
		}
		for _, it := range items {
			if !want[it.ID] {
				return llm.NewParseError(fmt.Sprintf("response has unexpected id %q", it.ID))
			}
		}
	}
	return nil
}
