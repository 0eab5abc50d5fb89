// Package softqa is the LLM-backed stylistic review stage. It is a thin
// pass over the scheduler: one review call per batch, issues out, no
// judgment of its own.
package softqa

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/locflow/locflow/internal/model"
	"github.com/locflow/locflow/internal/scheduler"
)

const Step = "soft_qa"

// Runner is the scheduler surface the stage needs.
type Runner interface {
	Run(ctx context.Context, req scheduler.Request) ([]scheduler.RowResult, error)
}

// Issue is one reviewer finding, later turned into a repair task.
type Issue struct {
	StringID   string `json:"string_id"`
	Detail     string `json:"detail"`
	Suggestion string `json:"suggestion,omitempty"`
}

type Stage struct {
	runner     Runner
	targetLang string
}

func NewStage(runner Runner, targetLang string) *Stage {
	return &Stage{runner: runner, targetLang: targetLang}
}

// Review sends source/target pairs for stylistic review and collects the
// reported issues. Rows the reviewer could not be reached for are skipped,
// not failed; soft QA never blocks a run.
func (s *Stage) Review(ctx context.Context, rows []model.Row, targets map[string]string) ([]Issue, error) {
	var pending []model.Row
	for _, r := range rows {
		if strings.TrimSpace(targets[r.StringID]) != "" {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	results, err := s.runner.Run(ctx, scheduler.Request{
		Step:         Step,
		Rows:         pending,
		ResultField:  "verdict",
		SystemPrompt: func([]model.Row) string { return s.systemPrompt() },
		UserPrompt: func(batch []model.Row) string {
			return reviewPayload(batch, targets)
		},
	})
	if err != nil {
		return nil, err
	}

	var issues []Issue
	for _, rr := range results {
		if rr.Err != nil {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(rr.Text), "ok") {
			continue
		}
		issues = append(issues, Issue{
			StringID:   rr.StringID,
			Detail:     strings.TrimSpace(rr.Fields["issue"]),
			Suggestion: strings.TrimSpace(rr.Fields["suggestion"]),
		})
	}
	return issues, nil
}

func (s *Stage) systemPrompt() string {
	lang := s.targetLang
	if lang == "" {
		lang = "the target language"
	}
	return fmt.Sprintf(`You review game/UI translations into %s for tone, fluency and terminology.
For every item respond inside a JSON object {"items":[...]} where each item is
{"id": "<id>", "verdict": "ok"} when the translation reads well, or
{"id": "<id>", "verdict": "issue", "issue": "<short finding>", "suggestion": "<better wording>"} when it does not.
Tokens like %s must be copied verbatim and never judged.`, lang, "⟦PH_1⟧")
}

func reviewPayload(rows []model.Row, targets map[string]string) string {
	type item struct {
		ID     string `json:"id"`
		Source string `json:"source"`
		Target string `json:"target"`
	}
	items := make([]item, 0, len(rows))
	for _, r := range rows {
		items = append(items, item{ID: r.StringID, Source: r.SourceText, Target: targets[r.StringID]})
	}
	b, _ := json.Marshal(map[string]any{"items": items})
	return string(b)
}
