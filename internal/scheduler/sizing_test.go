package scheduler

import (
	"strings"
	"testing"
	"time"

	"github.com/locflow/locflow/internal/model"
)

func TestGroupBySimilarLength(t *testing.T) {
	in := []model.Row{
		{StringID: "long", SourceText: strings.Repeat("x", 400)},
		{StringID: "s1", SourceText: "short one"},
		{StringID: "s2", SourceText: "short two!"},
		{StringID: "mid", SourceText: strings.Repeat("y", 60)},
	}
	groups := groupBySimilarLength(in, Grouping{Enabled: true, VarianceRatio: 0.5})
	if len(groups) != 3 {
		t.Fatalf("groups = %d", len(groups))
	}
	if groups[0][0].StringID != "s1" && groups[0][0].StringID != "s2" {
		t.Fatalf("first group = %+v", groups[0])
	}
	if groups[2][0].StringID != "long" {
		t.Fatalf("last group = %+v", groups[2])
	}
}

func TestGroupBySimilarLength_DisabledKeepsOrder(t *testing.T) {
	in := []model.Row{{StringID: "b", SourceText: "bbbb"}, {StringID: "a", SourceText: "a"}}
	groups := groupBySimilarLength(in, Grouping{})
	if len(groups) != 1 || groups[0][0].StringID != "b" {
		t.Fatalf("groups = %+v", groups)
	}
}

func TestClampBatchSize_ContextBudget(t *testing.T) {
	rows := make([]model.Row, 10)
	for i := range rows {
		rows[i] = model.Row{SourceText: strings.Repeat("x", 400)} // ~100 tokens each
	}
	ds := DynamicSizing{Enabled: true, ContextTokens: 500, SafetyTokens: 100}
	if got := clampBatchSize(rows, 10, ds, 0); got != 4 {
		t.Fatalf("size = %d", got)
	}
}

func TestClampBatchSize_TargetDuration(t *testing.T) {
	rows := make([]model.Row, 10)
	for i := range rows {
		rows[i] = model.Row{SourceText: strings.Repeat("x", 400)} // ~100 tokens each
	}
	// 10 ms per token, 2 s target: 200 tokens fit, so 2 rows.
	ds := DynamicSizing{Enabled: true, TargetSeconds: 2}
	if got := clampBatchSize(rows, 10, ds, 10); got != 2 {
		t.Fatalf("size = %d", got)
	}
}

func TestClampBatchSize_NeverBelowOne(t *testing.T) {
	rows := []model.Row{{SourceText: strings.Repeat("x", 100000)}}
	ds := DynamicSizing{Enabled: true, ContextTokens: 10, SafetyTokens: 5}
	if got := clampBatchSize(rows, 5, ds, 0); got != 1 {
		t.Fatalf("size = %d", got)
	}
}

func TestLatencyTracker_Median(t *testing.T) {
	tr := newLatencyTracker()
	if tr.medianMSPerToken() != 0 {
		t.Fatalf("empty tracker must report 0")
	}
	tr.observe(100, 10) // 10 ms/token
	tr.observe(400, 10) // 40 ms/token
	tr.observe(200, 10) // 20 ms/token
	if got := tr.medianMSPerToken(); got != 20 {
		t.Fatalf("median = %v", got)
	}
}

func TestParamsFor_MergesStepOverDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Steps = map[string]StepParams{
		"translate": {
			Normal: &BatchParams{MaxBatchSize: 25},
		},
	}
	p := cfg.ParamsFor("translate", false)
	if p.MaxBatchSize != 25 {
		t.Fatalf("max_batch_size = %d", p.MaxBatchSize)
	}
	if p.TimeoutS != defaultTimeoutS || p.Retry != defaultRetry {
		t.Fatalf("defaults lost: %+v", p)
	}
	lp := cfg.ParamsFor("translate", true)
	if lp.MaxBatchSize != longTextMaxBatchSize || lp.TimeoutS != longTextTimeoutS {
		t.Fatalf("long text params = %+v", lp)
	}
}

func TestParamsFor_FallbackTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetFallbackTimeout(45 * time.Second)
	if p := cfg.ParamsFor("translate", false); p.TimeoutS != 45 {
		t.Fatalf("timeout_s = %d", p.TimeoutS)
	}
	if p := cfg.ParamsFor("translate", true); p.TimeoutS != 45 {
		t.Fatalf("long text timeout_s = %d", p.TimeoutS)
	}
	// An explicit config timeout still wins over the fallback.
	cfg.Steps = map[string]StepParams{
		"translate": {Normal: &BatchParams{TimeoutS: 90}},
	}
	if p := cfg.ParamsFor("translate", false); p.TimeoutS != 90 {
		t.Fatalf("configured timeout lost: %d", p.TimeoutS)
	}
}
