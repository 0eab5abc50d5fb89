package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/locflow/locflow/internal/cache"
	"github.com/locflow/locflow/internal/llm"
	"github.com/locflow/locflow/internal/llmclient"
	"github.com/locflow/locflow/internal/model"
	"github.com/locflow/locflow/internal/router"
	"github.com/locflow/locflow/internal/trace"
)

// Transport is the single LLM round trip the scheduler drives.
type Transport interface {
	Complete(ctx context.Context, req llm.Request) (llm.Result, error)
}

// PromptBuilder renders a prompt from the batch's rows, so per-row
// constraints like length limits can be injected.
type PromptBuilder func(rows []model.Row) string

// Request is one step's worth of work.
type Request struct {
	Step         string
	Rows         []model.Row
	SystemPrompt PromptBuilder
	UserPrompt   PromptBuilder

	// ModelOverride pins the model, bypassing the router chain.
	ModelOverride string

	// ResultField names the per-item payload field; defaults to "text".
	ResultField string

	// CheckpointPath enables resume; empty disables checkpointing. Row
	// results are persisted to a paired results file so resumed rows
	// replay their outcome.
	CheckpointPath string

	// UseCache consults and fills the cache store for this step.
	UseCache bool
}

// RowResult is the per-row outcome, in input order when preserve_order is
// on. Err is set for rows that exhausted every model and retry.
type RowResult struct {
	StringID  string
	Text      string
	Fields    map[string]string
	Model     string
	FromCache bool
	Err       error
}

type Scheduler struct {
	cfg       *Config
	router    *router.Router
	transport Transport
	store     *cache.Store
	digest    string
	sink      *trace.Sink
	env       llmclient.Env

	tracker *latencyTracker
	gate    *cooldownGate

	// sleep is swapped in tests so backoff does not wall-clock wait.
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

func New(cfg *Config, rt *router.Router, tp Transport, store *cache.Store, glossaryDigest string, sink *trace.Sink, env llmclient.Env) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if env.Timeout > 0 {
		cfg.SetFallbackTimeout(env.Timeout)
	}
	if sink == nil {
		sink = trace.NewDiscardSink()
	}
	return &Scheduler{
		cfg:       cfg,
		router:    rt,
		transport: tp,
		store:     store,
		digest:    glossaryDigest,
		sink:      sink,
		env:       env,
		tracker:   newLatencyTracker(),
		gate:      newCooldownGate(),
		sleep:     sleepCtx,
		newID:     func() string { return ulid.Make().String() },
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// chainFor resolves model selection: metadata override beats the router
// chain, which beats the environment default. Nothing left is a fatal
// configuration error.
func (s *Scheduler) chainFor(req Request) ([]string, error) {
	if m := strings.TrimSpace(req.ModelOverride); m != "" {
		return []string{m}, nil
	}
	if chain := s.router.Chain(req.Step); len(chain) > 0 {
		return chain, nil
	}
	if m := strings.TrimSpace(s.env.DefaultModel); m != "" {
		return []string{m}, nil
	}
	return nil, llm.NewConfigError("no model for step %q: no override, empty routing chain, LLM_MODEL unset", req.Step)
}

// Run executes the step to completion and returns one result per row.
// Rows recorded in the checkpoint replay their persisted result instead
// of going back to the wire.
func (s *Scheduler) Run(ctx context.Context, req Request) ([]RowResult, error) {
	if req.ResultField == "" {
		req.ResultField = "text"
	}
	chain, err := s.chainFor(req)
	if err != nil {
		return nil, err
	}
	primary := chain[0]

	s.sink.Emit(&trace.Event{
		Type: trace.EventStepStart, Step: req.Step,
		RouterDefaultModel: primary,
		ConfigHash:         s.router.ConfigHash(),
		Meta:               map[string]any{"rows": len(req.Rows)},
	})
	s.sink.Emit(&trace.Event{
		Type: trace.EventRouterDecision, Step: req.Step,
		RouterDefaultModel: primary,
		ConfigHash:         s.router.ConfigHash(),
		Meta:               map[string]any{"chain": chain},
	})

	cp, err := s.loadCheckpoint(req)
	if err != nil {
		return nil, err
	}
	done := cp.doneSet()
	var saved map[string]savedResult
	if req.CheckpointPath != "" {
		saved, err = loadResults(resultsPath(req.CheckpointPath))
		if err != nil {
			return nil, err
		}
		if saved == nil {
			saved = map[string]savedResult{}
		}
	}

	order := make(map[string]int, len(req.Rows))
	results := make([]RowResult, 0, len(req.Rows))
	var pending []model.Row
	for i, r := range req.Rows {
		order[r.StringID] = i
		// Done rows replay their persisted result; a done ID whose result
		// is missing goes back into the pending set.
		if done[r.StringID] {
			if sr, ok := saved[r.StringID]; ok {
				results = append(results, RowResult{StringID: r.StringID, Text: sr.Text, Fields: sr.Fields, Model: sr.Model})
				continue
			}
		}
		pending = append(pending, r)
	}

	var toSchedule []model.Row
	for _, r := range pending {
		if hit, ok := s.cacheGet(r, primary, req); ok {
			results = append(results, hit)
			cp.Stats.CacheHits++
			continue
		}
		toSchedule = append(toSchedule, r)
	}

	batches := s.planBatches(req.Step, toSchedule)
	wireResults, runErr := s.runPool(ctx, req, chain, batches, cp, saved)
	results = append(results, wireResults...)

	if s.cfg.preserveOrder() {
		sortByInputOrder(results, order)
	}

	s.sink.Emit(&trace.Event{
		Type: trace.EventStepComplete, Step: req.Step,
		Meta: map[string]any{
			"succeeded":  cp.Stats.Succeeded,
			"failed":     cp.Stats.Failed,
			"cache_hits": cp.Stats.CacheHits,
		},
	})
	return results, runErr
}

func (s *Scheduler) loadCheckpoint(req Request) (*Checkpoint, error) {
	if req.CheckpointPath == "" {
		return &Checkpoint{Step: req.Step}, nil
	}
	cp, err := LoadCheckpoint(req.CheckpointPath)
	if err != nil {
		return nil, err
	}
	if cp == nil || cp.Step != req.Step {
		return &Checkpoint{Step: req.Step}, nil
	}
	return cp, nil
}

func (s *Scheduler) cacheGet(r model.Row, primary string, req Request) (RowResult, bool) {
	if !req.UseCache || s.store == nil {
		return RowResult{}, false
	}
	text, ok := s.store.Get(r.SourceText, s.digest, primary)
	ev := &trace.Event{Type: trace.EventCacheMiss, Step: req.Step, Meta: map[string]any{"string_id": r.StringID}}
	if ok {
		ev.Type = trace.EventCacheHit
	}
	s.sink.Emit(ev)
	if !ok {
		return RowResult{}, false
	}
	return RowResult{StringID: r.StringID, Text: text, Model: primary, FromCache: true}, true
}

// planBatches splits rows by content type, then by similar length, then
// into size-clamped batches.
func (s *Scheduler) planBatches(step string, rows []model.Row) [][]model.Row {
	var normal, long []model.Row
	for _, r := range rows {
		if r.IsLongText {
			long = append(long, r)
		} else {
			normal = append(normal, r)
		}
	}
	msPerToken := s.tracker.medianMSPerToken()
	var batches [][]model.Row
	if len(normal) > 0 {
		p := s.cfg.ParamsFor(step, false)
		batches = append(batches, splitBatches(groupBySimilarLength(normal, s.cfg.Grouping), p, s.cfg.DynamicSizing, msPerToken)...)
	}
	if len(long) > 0 {
		p := s.cfg.ParamsFor(step, true)
		batches = append(batches, splitBatches(groupBySimilarLength(long, s.cfg.Grouping), p, s.cfg.DynamicSizing, msPerToken)...)
	}
	return batches
}

// runPool feeds batches through a bounded queue into the worker pool and
// gathers results. Checkpoint writes are serialized on cpMu.
func (s *Scheduler) runPool(ctx context.Context, req Request, chain []string, batches [][]model.Row, cp *Checkpoint, saved map[string]savedResult) ([]RowResult, error) {
	if len(batches) == 0 {
		return nil, nil
	}
	workers := s.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	queue := make(chan []model.Row, 2*workers)
	resultCh := make(chan []RowResult, len(batches))
	errCh := make(chan error, len(batches))

	var cpMu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rows := range queue {
				batchRes, fatal := s.runBatch(ctx, req, chain, rows)
				cpMu.Lock()
				for _, rr := range batchRes {
					if rr.Err == nil {
						cp.DoneIDs = append(cp.DoneIDs, rr.StringID)
						cp.Stats.Succeeded++
						if saved != nil {
							saved[rr.StringID] = savedResult{Text: rr.Text, Fields: rr.Fields, Model: rr.Model}
						}
					} else {
						cp.Stats.Failed++
					}
				}
				cp.BatchIdx++
				if req.CheckpointPath != "" {
					_ = cp.Save(req.CheckpointPath)
					_ = saveResults(resultsPath(req.CheckpointPath), saved)
				}
				cpMu.Unlock()
				resultCh <- batchRes
				if fatal != nil {
					errCh <- fatal
				}
			}
		}()
	}

feed:
	for _, b := range batches {
		select {
		case <-ctx.Done():
			break feed
		case queue <- b:
		}
	}
	close(queue)
	wg.Wait()
	close(resultCh)
	close(errCh)

	var all []RowResult
	for rs := range resultCh {
		all = append(all, rs...)
	}
	for err := range errCh {
		// Config errors abort the run; everything else stays per-row.
		return all, err
	}
	if err := ctx.Err(); err != nil {
		return all, err
	}
	return all, nil
}

// runBatch drives one batch through the model chain with whole-batch
// retries. The second return is non-nil only for run-fatal config errors.
func (s *Scheduler) runBatch(ctx context.Context, req Request, chain []string, rows []model.Row) ([]RowResult, error) {
	batchID := s.newID()
	longText := rows[0].IsLongText
	params := s.cfg.ParamsFor(req.Step, longText)

	s.sink.Emit(&trace.Event{
		Type: trace.EventBatchStart, Step: req.Step,
		Meta: map[string]any{"batch_id": batchID, "size": len(rows), "long_text": longText},
	})

	var results []RowResult
	remaining := rows
	var lastErr error
	for attempt := 0; attempt <= params.Retry && len(remaining) > 0; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, time.Duration(1<<uint(attempt))*time.Second); err != nil {
				break
			}
		}
		got, failed, err := s.tryChain(ctx, req, chain, remaining, batchID, attempt, params)
		results = append(results, got...)
		remaining = failed
		lastErr = err
		if err != nil {
			e := llm.AsError(err)
			if e.Kind == llm.KindConfig {
				results = append(results, failRows(remaining, err)...)
				s.emitBatchComplete(req.Step, batchID, results)
				return results, err
			}
			if !e.Retryable() {
				break
			}
			continue
		}
		if len(remaining) == 0 {
			break
		}
		// Partial success: the emitted rows stand, the empty-payload
		// remainder goes around again.
	}
	results = append(results, failRows(remaining, lastErr)...)
	s.emitBatchComplete(req.Step, batchID, results)
	return results, nil
}

func (s *Scheduler) emitBatchComplete(step, batchID string, results []RowResult) {
	ok, bad := 0, 0
	for _, r := range results {
		if r.Err == nil {
			ok++
		} else {
			bad++
		}
	}
	s.sink.Emit(&trace.Event{
		Type: trace.EventBatchComplete, Step: step,
		Meta: map[string]any{"batch_id": batchID, "succeeded": ok, "failed": bad},
	})
}

func failRows(rows []model.Row, err error) []RowResult {
	if len(rows) == 0 {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("no result produced")
	}
	out := make([]RowResult, 0, len(rows))
	for _, r := range rows {
		out = append(out, RowResult{StringID: r.StringID, Err: err})
	}
	return out
}

// tryChain walks the router chain once for the batch. It returns the rows
// that succeeded, the rows still unresolved, and the last error seen.
func (s *Scheduler) tryChain(ctx context.Context, req Request, chain []string, rows []model.Row, batchID string, attempt int, params BatchParams) (done []RowResult, failed []model.Row, lastErr error) {
	primary := chain[0]
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.StringID
	}

	for ci, m := range chain {
		if len(rows) > 1 && !s.router.BatchCapable(m) {
			lastErr = llm.NewConfigError("model %q is not batch capable", m)
			continue
		}
		cooldown := params.Cooldown()
		if err := s.gate.wait(ctx, m, cooldown); err != nil {
			return done, rows, err
		}

		gp := s.router.GenerationParams(req.Step)
		lreq := llm.Request{
			BaseURL:        s.env.BaseURL,
			APIKey:         s.env.APIKey,
			Model:          m,
			Temperature:    gp.Temperature,
			MaxTokens:      gp.MaxTokens,
			ResponseFormat: gp.ResponseFormat,
			Timeout:        params.Timeout(),
			Metadata: map[string]any{
				"step":       req.Step,
				"batch_id":   batchID,
				"attempt_no": attempt,
				"is_batch":   len(rows) > 1,
			},
		}
		if req.SystemPrompt != nil {
			lreq.System = req.SystemPrompt(rows)
		}
		if req.UserPrompt != nil {
			lreq.User = req.UserPrompt(rows)
		}

		res, err := s.transport.Complete(ctx, lreq)
		if err == nil {
			var items []item
			items, err = parseItems(res.Text)
			if err == nil {
				err = checkIDs(items, ids, s.cfg.PartialMatch)
			}
			if err == nil {
				s.emitCall(req.Step, res, m, primary, ci > 0, attempt, batchID, ids)
				s.observe(res)
				d, f := s.applyItems(req, rows, items, res.Model, primary)
				return append(done, d...), f, nil
			}
		}
		lastErr = err
		e := llm.AsError(err)
		s.sink.Emit(&trace.Event{
			Type: trace.EventLLMError, Step: req.Step,
			Model: m, SelectedModel: m, RouterDefaultModel: primary,
			AttemptNo: attempt, ErrorKind: string(e.Kind), HTTPStatus: e.HTTPStatus,
			Meta: map[string]any{"batch_id": batchID, "string_ids": ids},
		})
		if e.Kind == llm.KindConfig {
			return done, rows, err
		}
		if !s.router.ShouldFallback(err) {
			return done, rows, err
		}
	}
	return done, rows, lastErr
}

func (s *Scheduler) emitCall(step string, res llm.Result, selected, primary string, fallback bool, attempt int, batchID string, ids []string) {
	ev := &trace.Event{
		Type: trace.EventLLMCall, Step: step,
		RequestID:          res.RequestID,
		Model:              res.Model,
		SelectedModel:      selected,
		RouterDefaultModel: primary,
		FallbackUsed:       fallback,
		AttemptNo:          attempt,
		LatencyMS:          res.LatencyMS,
		ReqChars:           res.ReqChars,
		RespChars:          res.RespChars,
		UsagePresent:       res.Usage != nil,
		Meta:               map[string]any{"batch_id": batchID, "string_ids": ids},
	}
	if res.Usage != nil {
		ev.Usage = &trace.Usage{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
		}
	}
	s.sink.Emit(ev)
}

func (s *Scheduler) observe(res llm.Result) {
	tokens := 0
	if res.Usage != nil {
		tokens = res.Usage.TotalTokens
	}
	if tokens == 0 {
		tokens = (res.ReqChars + res.RespChars + 3) / 4
	}
	s.tracker.observe(res.LatencyMS, tokens)
}

// applyItems matches response items back to rows. Rows whose payload field
// came back empty stay in the retry set; successes are cached under the
// chain's primary model so a re-run hits without consulting the router.
func (s *Scheduler) applyItems(req Request, rows []model.Row, items []item, modelName, cacheModel string) (done []RowResult, failed []model.Row) {
	byID := make(map[string]item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	for _, r := range rows {
		it, ok := byID[r.StringID]
		text := strings.TrimSpace(it.Fields[req.ResultField])
		if !ok || text == "" {
			failed = append(failed, r)
			continue
		}
		done = append(done, RowResult{
			StringID: r.StringID,
			Text:     text,
			Fields:   it.Fields,
			Model:    modelName,
		})
		if req.UseCache && s.store != nil {
			s.store.Set(r.SourceText, s.digest, cacheModel, text)
		}
	}
	return done, failed
}

func sortByInputOrder(results []RowResult, order map[string]int) {
	less := func(i, j int) bool {
		return order[results[i].StringID] < order[results[j].StringID]
	}
	// Insertion sort keeps it simple; batches arrive mostly ordered.
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}
