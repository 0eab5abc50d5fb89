// Package cost folds a trace file into spend totals per model, per step,
// and per (model, step) pair.
package cost

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/locflow/locflow/internal/pricing"
	"github.com/locflow/locflow/internal/trace"
)

// knownSteps are the pipeline's own step names; calls outside this set are
// flagged in the report rather than rejected.
var knownSteps = map[string]bool{
	"translate":          true,
	"soft_qa":            true,
	"repair_hard":        true,
	"repair_soft":        true,
	"glossary_translate": true,
}

type Line struct {
	Model            string  `json:"model"`
	Step             string  `json:"step"`
	Calls            int     `json:"calls"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	EstimatedTokens  int     `json:"estimated_token_calls"`
	CostUSD          float64 `json:"cost_usd"`
	PricingMissing   bool    `json:"pricing_missing,omitempty"`
}

type Summary struct {
	GeneratedAt  string          `json:"generated_at"`
	TracePath    string          `json:"trace_path"`
	TotalCalls   int             `json:"total_calls"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	PerModel     map[string]Line `json:"per_model"`
	PerStep      map[string]Line `json:"per_step"`
	PerPair      map[string]Line `json:"per_model_step"`
	UnknownSteps []string        `json:"unknown_steps,omitempty"`
	Unpriced     []string        `json:"unpriced_models,omitempty"`
}

type Aggregator struct {
	book *pricing.Book
	now  func() time.Time
}

func NewAggregator(book *pricing.Book) *Aggregator {
	return &Aggregator{book: book, now: time.Now}
}

// AggregateFile reads the trace at path and folds every llm_call event.
func (a *Aggregator) AggregateFile(path string) (*Summary, error) {
	events, err := trace.ReadEvents(path)
	if err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	sum := a.Aggregate(events)
	sum.TracePath = path
	return sum, nil
}

func (a *Aggregator) Aggregate(events []trace.Event) *Summary {
	sum := &Summary{
		GeneratedAt: a.now().UTC().Format(time.RFC3339),
		PerModel:    map[string]Line{},
		PerStep:     map[string]Line{},
		PerPair:     map[string]Line{},
	}
	unknown := map[string]bool{}
	unpriced := map[string]bool{}

	for _, ev := range events {
		if ev.Type != trace.EventLLMCall {
			continue
		}
		pt, ct, estimated := tokensFor(ev)
		cost, priced := a.book.CostFor(ev.Model, pt, ct)
		if !priced {
			unpriced[ev.Model] = true
		}
		if !knownSteps[ev.Step] {
			unknown[ev.Step] = true
		}

		sum.TotalCalls++
		sum.TotalCostUSD += cost
		fold(sum.PerModel, ev.Model, ev.Model, ev.Step, pt, ct, cost, estimated, !priced)
		fold(sum.PerStep, ev.Step, ev.Model, ev.Step, pt, ct, cost, estimated, !priced)
		fold(sum.PerPair, ev.Model+"/"+ev.Step, ev.Model, ev.Step, pt, ct, cost, estimated, !priced)
	}
	sum.UnknownSteps = sortedKeys(unknown)
	sum.Unpriced = sortedKeys(unpriced)
	return sum
}

// tokensFor prefers recorded usage; otherwise the ceil(chars/4) estimate.
func tokensFor(ev trace.Event) (pt, ct int, estimated bool) {
	if ev.UsagePresent && ev.Usage != nil {
		return ev.Usage.PromptTokens, ev.Usage.CompletionTokens, false
	}
	return (ev.ReqChars + 3) / 4, (ev.RespChars + 3) / 4, true
}

func fold(m map[string]Line, key, model, step string, pt, ct int, cost float64, estimated, unpriced bool) {
	line := m[key]
	if line.Calls == 0 {
		line.Model = model
		line.Step = step
	}
	line.Calls++
	line.PromptTokens += int64(pt)
	line.CompletionTokens += int64(ct)
	line.CostUSD += cost
	if estimated {
		line.EstimatedTokens++
	}
	if unpriced {
		line.PricingMissing = true
	}
	m[key] = line
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// WriteJSON writes the machine-readable summary.
func (s *Summary) WriteJSON(path string) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

// Markdown renders the human report. Unknown steps and missing pricing are
// called out up front; token counts estimated from character counts use
// the documented ceil(chars/4) heuristic.
func (s *Summary) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Cost report\n\n")
	fmt.Fprintf(&b, "Generated: %s\n\n", s.GeneratedAt)
	fmt.Fprintf(&b, "Total calls: %d  \nTotal cost: $%.4f\n\n", s.TotalCalls, s.TotalCostUSD)
	if len(s.UnknownSteps) > 0 {
		fmt.Fprintf(&b, "**Unknown steps in trace:** %s\n\n", strings.Join(s.UnknownSteps, ", "))
	}
	if len(s.Unpriced) > 0 {
		fmt.Fprintf(&b, "**Models without pricing (billed as $0):** %s\n\n", strings.Join(s.Unpriced, ", "))
	}
	writeTable := func(title string, m map[string]Line) {
		fmt.Fprintf(&b, "## %s\n\n", title)
		fmt.Fprintf(&b, "| key | calls | prompt tokens | completion tokens | est. calls | cost (USD) |\n")
		fmt.Fprintf(&b, "|---|---|---|---|---|---|\n")
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			l := m[k]
			flag := ""
			if l.PricingMissing {
				flag = " (!)"
			}
			fmt.Fprintf(&b, "| %s%s | %d | %d | %d | %d | %.4f |\n",
				k, flag, l.Calls, l.PromptTokens, l.CompletionTokens, l.EstimatedTokens, l.CostUSD)
		}
		fmt.Fprintf(&b, "\n")
	}
	writeTable("Per model", s.PerModel)
	writeTable("Per step", s.PerStep)
	writeTable("Per model and step", s.PerPair)
	fmt.Fprintf(&b, "Token counts without recorded usage are estimated as ceil(chars/4).\n")
	return b.String()
}
