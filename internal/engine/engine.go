// Package engine wires the pipeline stages into a run: freeze, translate,
// hard QA, soft QA, repair, rehydrate, report.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/locflow/locflow/internal/cache"
	"github.com/locflow/locflow/internal/codec"
	"github.com/locflow/locflow/internal/csvio"
	"github.com/locflow/locflow/internal/glossary"
	"github.com/locflow/locflow/internal/llm"
	"github.com/locflow/locflow/internal/llmclient"
	"github.com/locflow/locflow/internal/model"
	"github.com/locflow/locflow/internal/qa"
	"github.com/locflow/locflow/internal/repair"
	"github.com/locflow/locflow/internal/router"
	"github.com/locflow/locflow/internal/scheduler"
	"github.com/locflow/locflow/internal/softqa"
	"github.com/locflow/locflow/internal/trace"
)

// Exit codes. Non-zero must be reliable enough to drive CI.
const (
	ExitOK     = 0
	ExitQAFail = 1
	ExitConfig = 2
)

// Options is everything a run needs beyond the environment.
type Options struct {
	InputPath  string
	OutputDir  string
	SourceLang string
	TargetLang string

	SchemaPath    string
	GlossaryPath  string
	RoutingPath   string
	SchedulerPath string
	RepairPath    string

	CachePath string
	CacheTTL  time.Duration
	CacheMax  int64
	NoCache   bool

	Forbidden []string

	// BestEffort emits a partial CSV and report instead of failing fast on
	// rows that stay broken after repair.
	BestEffort bool
	SoftQA     bool
	Resume     bool
}

// Engine owns the wired stages for one run.
type Engine struct {
	opts   Options
	env    llmclient.Env
	sched  *scheduler.Scheduler
	router *router.Router
	store  *cache.Store
	gloss  *glossary.Index
	schema *codec.Schema
	sink   *trace.Sink
	runID  string

	// origSources keys string_id to the pre-freeze source text; glossary
	// matching runs against the original glyphs, not the token form.
	origSources map[string]string
}

// New wires an engine from options and environment. Transport is injectable
// for tests; pass nil for the real HTTP client.
func New(opts Options, env llmclient.Env, transport scheduler.Transport) (*Engine, error) {
	e := &Engine{opts: opts, env: env, runID: ulid.Make().String()}

	e.schema = codec.DefaultSchema()
	if opts.SchemaPath != "" {
		s, warnings, err := codec.LoadSchema(opts.SchemaPath)
		if err != nil {
			return nil, err
		}
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		}
		e.schema = s
	}

	e.gloss = glossary.New(nil)
	if opts.GlossaryPath != "" {
		g, err := glossary.Load(opts.GlossaryPath)
		if err != nil {
			return nil, err
		}
		e.gloss = g
	}

	if opts.RoutingPath != "" {
		r, err := router.Load(opts.RoutingPath)
		if err != nil {
			return nil, err
		}
		e.router = r
	}

	schedCfg := scheduler.DefaultConfig()
	if opts.SchedulerPath != "" {
		c, err := scheduler.LoadConfig(opts.SchedulerPath)
		if err != nil {
			return nil, err
		}
		schedCfg = c
	}

	if !opts.NoCache && opts.CachePath != "" {
		store, err := cache.Open(opts.CachePath, cache.Options{TTL: opts.CacheTTL, MaxBytes: opts.CacheMax})
		if err != nil {
			// Cache faults never fail the pipeline.
			fmt.Fprintf(os.Stderr, "warning: cache disabled: %v\n", err)
		} else {
			e.store = store
		}
	}

	e.sink = trace.NewDiscardSink()
	if env.TracePath != "" {
		sink, err := trace.NewSink(env.TracePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: trace disabled: %v\n", err)
		} else {
			e.sink = sink
		}
	}

	if transport == nil {
		transport = llm.NewClient()
	}
	e.sched = scheduler.New(schedCfg, e.router, transport, e.store, e.gloss.Digest(), e.sink, env)
	return e, nil
}

// Close releases the run's shared resources.
func (e *Engine) Close() {
	if e.store != nil {
		e.store.Close()
	}
	if e.sink != nil {
		e.sink.Close()
	}
}

// RunResult summarizes a finished run for the CLI.
type RunResult struct {
	ExitCode  int
	Report    *qa.Report
	FinalCSV  string
	Escalated int
}

// Run executes the full pipeline. The returned error describes what went
// wrong; RunResult.ExitCode is always usable.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	if err := os.MkdirAll(e.opts.OutputDir, 0o755); err != nil {
		return &RunResult{ExitCode: ExitConfig}, fmt.Errorf("output dir: %w", err)
	}
	if err := e.env.Validate(); err != nil {
		return &RunResult{ExitCode: ExitConfig}, err
	}

	in, err := csvio.ReadInput(e.opts.InputPath)
	if err != nil {
		return &RunResult{ExitCode: ExitConfig}, err
	}
	e.origSources = make(map[string]string, len(in.Rows))
	for _, r := range in.Rows {
		e.origSources[r.StringID] = r.SourceText
	}
	e.writeRunMeta()

	// Freeze.
	frozen, phMap, warnings := e.freeze(in)
	if len(warnings) > 0 {
		e.writeFreezeWarnings(warnings)
	}
	draftPath := filepath.Join(e.opts.OutputDir, "draft.csv")
	if err := csvio.WriteDraft(draftPath, in, frozen); err != nil {
		return &RunResult{ExitCode: ExitQAFail}, err
	}
	if err := codec.WriteMap(filepath.Join(e.opts.OutputDir, "placeholder_map.json"), phMap); err != nil {
		return &RunResult{ExitCode: ExitQAFail}, err
	}

	// Translate over the frozen text.
	frozenRows := make([]model.Row, len(in.Rows))
	for i, r := range in.Rows {
		fr := r
		fr.SourceText = frozen[r.StringID]
		frozenRows[i] = fr
	}
	targets, err := e.translate(ctx, frozenRows)
	if err != nil {
		return &RunResult{ExitCode: exitFor(err)}, err
	}

	rowsByID := make(map[string]model.Row, len(frozenRows))
	for _, r := range frozenRows {
		rowsByID[r.StringID] = r
	}

	// Hard QA, then repair, then QA again.
	validator, err := qa.NewValidator(e.schema, e.opts.Forbidden)
	if err != nil {
		return &RunResult{ExitCode: ExitConfig}, err
	}
	report := e.validate(validator, frozenRows, targets, false)

	tasks := e.collectTasks(ctx, report, frozenRows, targets)
	escalated := 0
	escalatedIDs := map[string]bool{}
	if len(tasks) > 0 {
		repCfg := repair.Config{}
		if e.opts.RepairPath != "" {
			repCfg, err = repair.LoadConfig(e.opts.RepairPath)
			if err != nil {
				return &RunResult{ExitCode: ExitConfig}, err
			}
		}
		loop := repair.NewLoop(e.sched, repCfg, e.opts.OutputDir)
		res, err := loop.Run(ctx, rowsByID, targets, tasks)
		if err != nil {
			return &RunResult{ExitCode: exitFor(err)}, err
		}
		escalated = res.Escalated
		// Re-validate before dropping escalated rows so the report still
		// names them; the final CSV excludes them below.
		report = e.validate(validator, frozenRows, targets, escalated > 0)
		for _, t := range res.Tasks {
			if t.Status == repair.StatusEscalated {
				delete(targets, t.StringID)
				escalatedIDs[t.StringID] = true
			}
		}
	}

	if err := qa.WriteReport(report, filepath.Join(e.opts.OutputDir, "qa_report.json")); err != nil {
		return &RunResult{ExitCode: ExitQAFail}, err
	}

	result := &RunResult{Report: report, Escalated: escalated}
	if report.HasErrors && !e.opts.BestEffort {
		result.ExitCode = ExitQAFail
		return result, fmt.Errorf("hard QA failed: %d rows in error", len(report.Errors))
	}

	// Rehydrate. An unknown token fails the whole run; no partial final CSV.
	rehydrated := make(map[string]string, len(targets))
	for id, text := range targets {
		out, err := codec.Rehydrate(id, text, phMap.Mappings)
		if err != nil {
			result.ExitCode = ExitQAFail
			return result, err
		}
		rehydrated[id] = out
	}

	// Escalated rows live in the reviewer CSV only; the final CSV omits
	// them entirely.
	finalPath := filepath.Join(e.opts.OutputDir, "translated.csv")
	if err := csvio.WriteTranslated(finalPath, in.Omit(escalatedIDs), frozen, rehydrated, ""); err != nil {
		result.ExitCode = ExitQAFail
		return result, err
	}
	result.FinalCSV = finalPath
	if report.HasErrors || escalated > 0 {
		result.ExitCode = ExitQAFail
		return result, nil
	}
	result.ExitCode = ExitOK
	return result, nil
}

// writeRunMeta drops a small marker so a run directory is self-describing.
func (e *Engine) writeRunMeta() {
	meta := map[string]string{
		"run_id":     e.runID,
		"input":      e.opts.InputPath,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(e.opts.OutputDir, "run.json"), append(b, '\n'), 0o644)
}

func (e *Engine) freeze(in *csvio.File) (map[string]string, *codec.Map, []codec.Warning) {
	fz := codec.NewFreezer(e.schema)
	frozen := make(map[string]string, len(in.Rows))
	for _, r := range in.Rows {
		frozen[r.StringID] = fz.Freeze(r.StringID, r.SourceText, e.opts.SourceLang)
	}
	return frozen, fz.BuildMap(e.opts.InputPath, time.Now()), fz.Warnings()
}

func (e *Engine) writeFreezeWarnings(warnings []codec.Warning) {
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "warning: row %s: %s\n", w.StringID, w.Detail)
	}
}

func (e *Engine) translate(ctx context.Context, rows []model.Row) (map[string]string, error) {
	results, err := e.sched.Run(ctx, scheduler.Request{
		Step:           "translate",
		Rows:           rows,
		ResultField:    "text",
		UseCache:       e.store != nil,
		CheckpointPath: e.checkpointPath("translate"),
		SystemPrompt:   e.translateSystemPrompt,
		UserPrompt:     translatePayload,
	})
	if err != nil {
		return nil, err
	}
	targets := make(map[string]string, len(results))
	for _, rr := range results {
		if rr.Err != nil {
			// Broken rows surface through hard QA as empty targets.
			continue
		}
		targets[rr.StringID] = rr.Text
	}
	return targets, nil
}

func (e *Engine) checkpointPath(step string) string {
	if !e.opts.Resume {
		return ""
	}
	return filepath.Join(e.opts.OutputDir, step+"_checkpoint.json")
}

func (e *Engine) validate(v *qa.Validator, rows []model.Row, targets map[string]string, partial bool) *qa.Report {
	checked := make([]qa.Checked, 0, len(rows))
	for i, r := range rows {
		checked = append(checked, qa.FromRow(i+1, r, r.SourceText, targets[r.StringID]))
	}
	rep := v.Validate(checked, e.opts.InputPath, partial)
	// The validator skips empty targets, so count untranslated rows here.
	for _, r := range rows {
		if targets[r.StringID] == "" {
			rep.HasErrors = true
			break
		}
	}
	return rep
}

// collectTasks folds hard-QA errors and soft-QA findings into repair tasks.
func (e *Engine) collectTasks(ctx context.Context, report *qa.Report, rows []model.Row, targets map[string]string) []repair.Task {
	var tasks []repair.Task
	seen := map[string]bool{}
	for _, qe := range report.Errors {
		if seen[qe.StringID] {
			continue
		}
		seen[qe.StringID] = true
		tasks = append(tasks, repair.Task{
			StringID: qe.StringID,
			Step:     repair.StepHard,
			Reason:   fmt.Sprintf("%s: %s", qe.Type, qe.Detail),
		})
	}
	if e.opts.SoftQA {
		stage := softqa.NewStage(e.sched, e.opts.TargetLang)
		issues, err := stage.Review(ctx, rows, targets)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: soft QA skipped: %v\n", err)
			return tasks
		}
		for _, is := range issues {
			if seen[is.StringID] {
				continue
			}
			seen[is.StringID] = true
			tasks = append(tasks, repair.Task{
				StringID: is.StringID,
				Step:     repair.StepSoft,
				Reason:   is.Detail,
			})
		}
	}
	return tasks
}

func exitFor(err error) int {
	var le *llm.Error
	if errors.As(err, &le) && le.Kind == llm.KindConfig {
		return ExitConfig
	}
	return ExitQAFail
}
