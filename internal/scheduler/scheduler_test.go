package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/locflow/locflow/internal/cache"
	"github.com/locflow/locflow/internal/llm"
	"github.com/locflow/locflow/internal/llmclient"
	"github.com/locflow/locflow/internal/model"
	"github.com/locflow/locflow/internal/router"
	"github.com/locflow/locflow/internal/trace"
)

// fakeTransport answers each call through a script function and records
// every request it saw.
type fakeTransport struct {
	mu    sync.Mutex
	calls []llm.Request
	reply func(n int, req llm.Request) (llm.Result, error)
}

func (f *fakeTransport) Complete(_ context.Context, req llm.Request) (llm.Result, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.reply(n, req)
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func itemsBody(field string, pairs ...string) llm.Result {
	type it map[string]string
	var items []it
	for i := 0; i+1 < len(pairs); i += 2 {
		items = append(items, it{"id": pairs[i], field: pairs[i+1]})
	}
	b, _ := json.Marshal(map[string]any{"items": items})
	return llm.Result{Text: string(b), Model: "fast-mini", LatencyMS: 10, RespChars: len(b)}
}

func testRouter(t *testing.T) *router.Router {
	t.Helper()
	return router.New(&router.Config{
		Routing: map[string]router.StepRoute{
			"translate": {Default: "fast-mini", Fallback: []string{"relay-pro"}},
		},
	})
}

func newTestScheduler(t *testing.T, tp Transport, store *cache.Store) *Scheduler {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Workers = 2
	s := New(cfg, testRouter(t), tp, store, "gdigest", trace.NewDiscardSink(), llmclient.Env{BaseURL: "http://unit", APIKey: "k"})
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func rows(ids ...string) []model.Row {
	out := make([]model.Row, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Row{StringID: id, SourceText: "source of " + id})
	}
	return out
}

func TestRun_TranslatesAndPreservesOrder(t *testing.T) {
	tp := &fakeTransport{reply: func(_ int, req llm.Request) (llm.Result, error) {
		return itemsBody("text", "a", "A", "b", "B", "c", "C"), nil
	}}
	s := newTestScheduler(t, tp, nil)

	got, err := s.Run(context.Background(), Request{Step: "translate", Rows: rows("a", "b", "c")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("results = %d", len(got))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got[i].StringID != want || got[i].Err != nil {
			t.Fatalf("result[%d] = %+v", i, got[i])
		}
	}
	if got[0].Text != "A" || got[2].Text != "C" {
		t.Fatalf("payloads = %q %q", got[0].Text, got[2].Text)
	}
}

func TestRun_CacheReuseSkipsLLM(t *testing.T) {
	store, err := cache.Open(filepath.Join(t.TempDir(), "c.db"), cache.Options{})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	defer store.Close()

	tp := &fakeTransport{reply: func(_ int, req llm.Request) (llm.Result, error) {
		return itemsBody("text", "a", "A", "b", "B"), nil
	}}
	s := newTestScheduler(t, tp, store)
	req := Request{Step: "translate", Rows: rows("a", "b"), UseCache: true}

	if _, err := s.Run(context.Background(), req); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := tp.callCount()
	if first == 0 {
		t.Fatalf("first run made no calls")
	}

	got, err := s.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if tp.callCount() != first {
		t.Fatalf("second run hit the wire: %d calls", tp.callCount()-first)
	}
	for _, rr := range got {
		if !rr.FromCache || rr.Text == "" {
			t.Fatalf("expected cache hit, got %+v", rr)
		}
	}
	if st := store.Stats(); st.Hits != 2 {
		t.Fatalf("cache stats = %+v", st)
	}
}

func TestRun_FallbackOn429(t *testing.T) {
	tp := &fakeTransport{reply: func(_ int, req llm.Request) (llm.Result, error) {
		if req.Model == "fast-mini" {
			return llm.Result{}, llm.ErrorFromHTTPStatus(429, "rate limited")
		}
		res := itemsBody("text", "a", "A")
		res.Model = req.Model
		return res, nil
	}}
	s := newTestScheduler(t, tp, nil)

	got, err := s.Run(context.Background(), Request{Step: "translate", Rows: rows("a")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 1 || got[0].Err != nil || got[0].Model != "relay-pro" {
		t.Fatalf("result = %+v", got)
	}
	if tp.callCount() != 2 {
		t.Fatalf("calls = %d", tp.callCount())
	}
}

func TestRun_Hard404FailsBatchWithoutFallback(t *testing.T) {
	tp := &fakeTransport{reply: func(_ int, req llm.Request) (llm.Result, error) {
		return llm.Result{}, llm.ErrorFromHTTPStatus(404, "no such model")
	}}
	s := newTestScheduler(t, tp, nil)

	got, err := s.Run(context.Background(), Request{Step: "translate", Rows: rows("a")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 1 || got[0].Err == nil {
		t.Fatalf("result = %+v", got)
	}
	if e := llm.AsError(got[0].Err); e.Kind != llm.KindHTTP {
		t.Fatalf("kind = %v", e.Kind)
	}
	if tp.callCount() != 1 {
		t.Fatalf("hard 4xx must not fall back or retry: %d calls", tp.callCount())
	}
}

func TestRun_ParseErrorRetriesWholeBatch(t *testing.T) {
	tp := &fakeTransport{reply: func(n int, req llm.Request) (llm.Result, error) {
		if n < 2 { // both chain models return garbage on the first pass
			return llm.Result{Text: "sorry, here you go: A"}, nil
		}
		return itemsBody("text", "a", "A"), nil
	}}
	s := newTestScheduler(t, tp, nil)

	got, err := s.Run(context.Background(), Request{Step: "translate", Rows: rows("a")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got[0].Err != nil || got[0].Text != "A" {
		t.Fatalf("result = %+v", got[0])
	}
	if tp.callCount() != 3 {
		t.Fatalf("calls = %d", tp.callCount())
	}
}

func TestRun_NoModelAnywhereIsConfigError(t *testing.T) {
	tp := &fakeTransport{reply: func(int, llm.Request) (llm.Result, error) {
		t.Fatal("must not reach the wire")
		return llm.Result{}, nil
	}}
	cfg := DefaultConfig()
	s := New(cfg, router.New(&router.Config{}), tp, nil, "", trace.NewDiscardSink(), llmclient.Env{})

	_, err := s.Run(context.Background(), Request{Step: "translate", Rows: rows("a")})
	if e := llm.AsError(err); err == nil || e.Kind != llm.KindConfig {
		t.Fatalf("err = %v", err)
	}
}

func TestRun_ModelOverrideBeatsChain(t *testing.T) {
	tp := &fakeTransport{reply: func(_ int, req llm.Request) (llm.Result, error) {
		if req.Model != "big-ultra" {
			t.Errorf("model = %q", req.Model)
		}
		res := itemsBody("text", "a", "A")
		res.Model = req.Model
		return res, nil
	}}
	s := newTestScheduler(t, tp, nil)
	got, err := s.Run(context.Background(), Request{
		Step: "translate", Rows: rows("a"), ModelOverride: "big-ultra",
	})
	if err != nil || got[0].Model != "big-ultra" {
		t.Fatalf("got %+v, err %v", got, err)
	}
}

func TestRun_CheckpointResumeReplaysDoneRows(t *testing.T) {
	cpPath := filepath.Join(t.TempDir(), "checkpoint.json")
	tp := &fakeTransport{reply: func(_ int, req llm.Request) (llm.Result, error) {
		return itemsBody("text", "a", "A", "b", "B", "c", "C"), nil
	}}
	s := newTestScheduler(t, tp, nil)

	req := Request{Step: "translate", Rows: rows("a", "b", "c"), CheckpointPath: cpPath}
	first, err := s.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	cp, err := LoadCheckpoint(cpPath)
	if err != nil || cp == nil {
		t.Fatalf("checkpoint: %v %v", cp, err)
	}
	if len(cp.DoneIDs) != 3 || cp.Stats.Succeeded != 3 {
		t.Fatalf("checkpoint = %+v", cp)
	}

	before := tp.callCount()
	got, err := s.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("resume run: %v", err)
	}
	if tp.callCount() != before {
		t.Fatalf("resume must not re-issue completed rows")
	}
	// The resumed run reproduces the first run's results from the
	// persisted results file, not just the done IDs.
	if len(got) != len(first) {
		t.Fatalf("resume produced %d results, first run %d", len(got), len(first))
	}
	for i := range got {
		if got[i].StringID != first[i].StringID || got[i].Text != first[i].Text || got[i].Err != nil {
			t.Fatalf("resume result[%d] = %+v, first = %+v", i, got[i], first[i])
		}
	}
}

func TestRun_DoneIDWithoutSavedResultIsRedone(t *testing.T) {
	cpPath := filepath.Join(t.TempDir(), "checkpoint.json")
	cp := &Checkpoint{Step: "translate", DoneIDs: []string{"a"}}
	if err := cp.Save(cpPath); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	tp := &fakeTransport{reply: func(_ int, req llm.Request) (llm.Result, error) {
		return itemsBody("text", "a", "A"), nil
	}}
	s := newTestScheduler(t, tp, nil)

	got, err := s.Run(context.Background(), Request{Step: "translate", Rows: rows("a"), CheckpointPath: cpPath})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 1 || got[0].Text != "A" || got[0].Err != nil {
		t.Fatalf("result = %+v", got)
	}
	if tp.callCount() != 1 {
		t.Fatalf("row with no persisted result must be re-run: %d calls", tp.callCount())
	}
}

func TestRun_EnvTimeoutAppliesWhenConfigSilent(t *testing.T) {
	tp := &fakeTransport{reply: func(_ int, req llm.Request) (llm.Result, error) {
		return itemsBody("text", "a", "A"), nil
	}}
	cfg := DefaultConfig()
	env := llmclient.Env{BaseURL: "http://unit", APIKey: "k", Timeout: 45 * time.Second}
	s := New(cfg, testRouter(t), tp, nil, "", trace.NewDiscardSink(), env)
	s.sleep = func(context.Context, time.Duration) error { return nil }

	if _, err := s.Run(context.Background(), Request{Step: "translate", Rows: rows("a")}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if got := tp.calls[0].Timeout; got != 45*time.Second {
		t.Fatalf("request timeout = %v", got)
	}
}

func TestRun_EmitsRouterDecision(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "trace.jsonl")
	sink, err := trace.NewSink(tracePath)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	tp := &fakeTransport{reply: func(_ int, req llm.Request) (llm.Result, error) {
		return itemsBody("text", "a", "A"), nil
	}}
	s := New(DefaultConfig(), testRouter(t), tp, nil, "", sink, llmclient.Env{BaseURL: "http://unit", APIKey: "k"})
	s.sleep = func(context.Context, time.Duration) error { return nil }

	if _, err := s.Run(context.Background(), Request{Step: "translate", Rows: rows("a")}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close sink: %v", err)
	}
	evs, err := trace.ReadEvents(tracePath)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	found := false
	for _, ev := range evs {
		if ev.Type == trace.EventRouterDecision {
			found = true
			if ev.RouterDefaultModel != "fast-mini" {
				t.Fatalf("router_decision = %+v", ev)
			}
		}
	}
	if !found {
		t.Fatalf("no router_decision in trace: %+v", evs)
	}
}

func TestRun_LongTextRowsBatchSeparately(t *testing.T) {
	var mu sync.Mutex
	var sizes []int
	tp := &fakeTransport{reply: func(_ int, req llm.Request) (llm.Result, error) {
		var env itemEnvelope
		_ = json.Unmarshal([]byte(req.User), &env)
		mu.Lock()
		sizes = append(sizes, len(env.Items))
		mu.Unlock()
		pairs := make([]string, 0, 2*len(env.Items))
		for _, it := range env.Items {
			id := fmt.Sprint(it["id"])
			pairs = append(pairs, id, "T-"+id)
		}
		return itemsBody("text", pairs...), nil
	}}
	s := newTestScheduler(t, tp, nil)

	in := rows("a", "b", "c")
	in = append(in, model.Row{StringID: "big", SourceText: "very long source", IsLongText: true})
	userPrompt := func(rs []model.Row) string {
		var items []map[string]string
		for _, r := range rs {
			items = append(items, map[string]string{"id": r.StringID})
		}
		b, _ := json.Marshal(map[string]any{"items": items})
		return string(b)
	}
	got, err := s.Run(context.Background(), Request{Step: "translate", Rows: in, UserPrompt: userPrompt})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("results = %d", len(got))
	}
	// Long-text rows never share a batch with normal rows.
	for _, n := range sizes {
		if n != 3 && n != 1 {
			t.Fatalf("batch sizes = %v", sizes)
		}
	}
}
