// Package repair re-translates rows that failed hard or soft QA, over a
// bounded number of rounds with escalating prompts, and escalates the
// leftovers to a human reviewer.
package repair

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/locflow/locflow/internal/codec"
	"github.com/locflow/locflow/internal/model"
	"github.com/locflow/locflow/internal/scheduler"
)

const (
	StepHard = "repair_hard"
	StepSoft = "repair_soft"

	StatusPending   = "pending"
	StatusRepaired  = "repaired"
	StatusEscalated = "escalated"

	VariantStandard = "standard"
	VariantDetailed = "detailed"
	VariantExpert   = "expert"

	// needsHumanSentinel in a model reply means the model itself gave up.
	needsHumanSentinel = "[NEEDS_HUMAN]"

	defaultMaxRounds = 3
)

// Task tracks one broken row across rounds.
type Task struct {
	StringID string    `json:"string_id"`
	Step     string    `json:"step"` // repair_hard or repair_soft
	Reason   string    `json:"reason"`
	Status   string    `json:"status"`
	History  []Attempt `json:"history,omitempty"`
}

type Attempt struct {
	Round   int    `json:"round"`
	Model   string `json:"model"`
	Variant string `json:"variant"`
	Output  string `json:"output,omitempty"`
	Reject  string `json:"reject,omitempty"` // why the fix was not accepted
}

type RoundConfig struct {
	Model         string `yaml:"model"`
	PromptVariant string `yaml:"prompt_variant"`
}

type Config struct {
	MaxRounds int           `yaml:"max_rounds"`
	Rounds    []RoundConfig `yaml:"rounds,omitempty"`
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load repair config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse repair config %s: %w", path, err)
	}
	return cfg, nil
}

// Runner is the scheduler surface the loop drives.
type Runner interface {
	Run(ctx context.Context, req scheduler.Request) ([]scheduler.RowResult, error)
}

type Loop struct {
	runner Runner
	cfg    Config
	outDir string
	now    func() time.Time
}

func NewLoop(runner Runner, cfg Config, outDir string) *Loop {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaultMaxRounds
	}
	return &Loop{runner: runner, cfg: cfg, outDir: outDir, now: time.Now}
}

// roundSetup resolves model and prompt variant for a 1-based round. Rounds
// beyond the configured list escalate the variant and keep the last model.
func (l *Loop) roundSetup(round int) RoundConfig {
	if len(l.cfg.Rounds) > 0 {
		idx := round - 1
		if idx >= len(l.cfg.Rounds) {
			idx = len(l.cfg.Rounds) - 1
		}
		rc := l.cfg.Rounds[idx]
		if rc.PromptVariant == "" {
			rc.PromptVariant = variantForRound(round)
		}
		return rc
	}
	return RoundConfig{PromptVariant: variantForRound(round)}
}

func variantForRound(round int) string {
	switch {
	case round <= 1:
		return VariantStandard
	case round == 2:
		return VariantDetailed
	default:
		return VariantExpert
	}
}

// Result is the loop's outcome: updated targets plus final task states.
type Result struct {
	Targets   map[string]string
	Tasks     []Task
	Escalated int
	Repaired  int
}

// Run drives up to MaxRounds repair rounds over the pending tasks. rows is
// keyed by string_id and carries the frozen source in SourceText; targets
// is the current translation table, updated in place on accepted fixes.
func (l *Loop) Run(ctx context.Context, rows map[string]model.Row, targets map[string]string, tasks []Task) (*Result, error) {
	for i := range tasks {
		if tasks[i].Status == "" {
			tasks[i].Status = StatusPending
		}
	}
	for round := 1; round <= l.cfg.MaxRounds; round++ {
		byStep := map[string][]*Task{}
		for i := range tasks {
			t := &tasks[i]
			if t.Status == StatusPending {
				byStep[t.Step] = append(byStep[t.Step], t)
			}
		}
		if len(byStep) == 0 {
			break
		}
		rc := l.roundSetup(round)
		for step, stepTasks := range byStep {
			if err := l.runRound(ctx, round, rc, step, stepTasks, rows, targets); err != nil {
				return nil, err
			}
		}
		l.writeHeartbeat(round)
		l.writeCheckpoint(tasks)
	}

	res := &Result{Targets: targets, Tasks: tasks}
	for i := range tasks {
		switch tasks[i].Status {
		case StatusRepaired:
			res.Repaired++
		case StatusPending:
			tasks[i].Status = StatusEscalated
			res.Escalated++
		case StatusEscalated:
			res.Escalated++
		}
	}
	if err := l.writeReviewerCSV(tasks); err != nil {
		return nil, err
	}
	l.writeCheckpoint(tasks)
	l.writeDone()
	return res, nil
}

func (l *Loop) runRound(ctx context.Context, round int, rc RoundConfig, step string, stepTasks []*Task, rows map[string]model.Row, targets map[string]string) error {
	taskByID := make(map[string]*Task, len(stepTasks))
	var batch []model.Row
	for _, t := range stepTasks {
		r, ok := rows[t.StringID]
		if !ok {
			t.Status = StatusEscalated
			continue
		}
		taskByID[t.StringID] = t
		batch = append(batch, r)
	}
	if len(batch) == 0 {
		return nil
	}

	results, err := l.runner.Run(ctx, scheduler.Request{
		Step:          step,
		Rows:          batch,
		ModelOverride: rc.Model,
		ResultField:   "text",
		SystemPrompt: func([]model.Row) string {
			return repairSystemPrompt(rc.PromptVariant)
		},
		UserPrompt: func(rs []model.Row) string {
			return repairPayload(rs, targets, taskByID)
		},
	})
	if err != nil {
		return err
	}
	for _, rr := range results {
		t := taskByID[rr.StringID]
		if t == nil {
			continue
		}
		att := Attempt{Round: round, Model: rr.Model, Variant: rc.PromptVariant, Output: rr.Text}
		if rr.Err != nil {
			att.Reject = rr.Err.Error()
			t.History = append(t.History, att)
			continue
		}
		if reject := validateFix(rows[rr.StringID], rr.Text); reject != "" {
			att.Reject = reject
			t.History = append(t.History, att)
			continue
		}
		targets[rr.StringID] = rr.Text
		t.Status = StatusRepaired
		t.History = append(t.History, att)
	}
	return nil
}

// validateFix is the local acceptance gate; it reports the rejection
// reason or empty for an accepted fix.
func validateFix(row model.Row, fix string) string {
	fix = strings.TrimSpace(fix)
	if fix == "" {
		return "empty fix"
	}
	if strings.Contains(fix, needsHumanSentinel) {
		return "model requested human review"
	}
	if row.MaxLengthTarget > 0 && len([]rune(fix)) > row.MaxLengthTarget {
		return fmt.Sprintf("fix length %d exceeds limit %d", len([]rune(fix)), row.MaxLengthTarget)
	}
	if !sameTokenSet(row.SourceText, fix) {
		return "token set differs from source"
	}
	return ""
}

func sameTokenSet(frozen, target string) bool {
	count := func(names []string) map[string]int {
		m := map[string]int{}
		for _, n := range names {
			m[n]++
		}
		return m
	}
	want := count(codec.TokenNames(frozen))
	got := count(codec.TokenNames(target))
	if len(want) != len(got) {
		return false
	}
	for n, c := range want {
		if got[n] != c {
			return false
		}
	}
	return true
}

func repairSystemPrompt(variant string) string {
	base := `You fix a rejected translation. Respond inside {"items":[...]} where each item is {"id":"<id>","text":"<fixed translation>"}.
Copy every ⟦...⟧ token from the source exactly once per occurrence. Respect the given length limit.
If a string cannot be fixed, return "` + needsHumanSentinel + `" as its text.`
	switch variant {
	case VariantDetailed:
		return base + `
For each item, first re-read the rejection reason and make the minimal change that resolves it without introducing new wording problems.`
	case VariantExpert:
		return base + `
You are the senior reviewer of last resort. Rewrite freely as long as meaning, tokens and length limit are preserved; prior attempts failed with smaller edits.`
	default:
		return base
	}
}

func repairPayload(rows []model.Row, targets map[string]string, tasks map[string]*Task) string {
	type item struct {
		ID      string `json:"id"`
		Source  string `json:"source"`
		Current string `json:"current"`
		Reason  string `json:"reason"`
		MaxLen  int    `json:"max_len,omitempty"`
	}
	items := make([]item, 0, len(rows))
	for _, r := range rows {
		reason := ""
		if t := tasks[r.StringID]; t != nil {
			reason = t.Reason
		}
		items = append(items, item{
			ID:      r.StringID,
			Source:  r.SourceText,
			Current: targets[r.StringID],
			Reason:  reason,
			MaxLen:  r.MaxLengthTarget,
		})
	}
	b, _ := json.Marshal(map[string]any{"items": items})
	return string(b)
}

// writeReviewerCSV emits every escalated task with its full history for a
// human pass.
func (l *Loop) writeReviewerCSV(tasks []Task) error {
	var escalated []Task
	for _, t := range tasks {
		if t.Status == StatusEscalated {
			escalated = append(escalated, t)
		}
	}
	if len(escalated) == 0 || l.outDir == "" {
		return nil
	}
	f, err := os.Create(filepath.Join(l.outDir, "needs_review.csv"))
	if err != nil {
		return fmt.Errorf("create reviewer csv: %w", err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write([]string{"string_id", "step", "reason", "rounds", "history"}); err != nil {
		return err
	}
	for _, t := range escalated {
		hist, _ := json.Marshal(t.History)
		rec := []string{t.StringID, t.Step, t.Reason, fmt.Sprintf("%d", len(t.History)), string(hist)}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// Watchdog files. Best effort: a failed marker write never fails the run.

func (l *Loop) writeHeartbeat(round int) {
	if l.outDir == "" {
		return
	}
	body := fmt.Sprintf("round=%d time=%s\n", round, l.now().UTC().Format(time.RFC3339))
	_ = os.WriteFile(filepath.Join(l.outDir, "repair.heartbeat"), []byte(body), 0o644)
}

func (l *Loop) writeCheckpoint(tasks []Task) {
	if l.outDir == "" {
		return
	}
	b, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(l.outDir, "repair_checkpoint.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

func (l *Loop) writeDone() {
	if l.outDir == "" {
		return
	}
	_ = os.WriteFile(filepath.Join(l.outDir, "DONE"), []byte(l.now().UTC().Format(time.RFC3339)+"\n"), 0o644)
}
