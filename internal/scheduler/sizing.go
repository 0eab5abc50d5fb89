package scheduler

import (
	"sort"
	"sync"

	"github.com/locflow/locflow/internal/model"
)

// latencyTracker keeps observed per-token latencies so dynamic sizing can
// predict how long a batch of a given token volume will take.
type latencyTracker struct {
	mu      sync.Mutex
	samples []float64 // milliseconds per token
	max     int
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{max: 256}
}

func (t *latencyTracker) observe(latencyMS int64, tokens int) {
	if latencyMS <= 0 || tokens <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, float64(latencyMS)/float64(tokens))
	if len(t.samples) > t.max {
		t.samples = t.samples[len(t.samples)-t.max:]
	}
}

// medianMSPerToken returns 0 until at least one sample exists.
func (t *latencyTracker) medianMSPerToken() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(t.samples))
	copy(sorted, t.samples)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// estimateTokens is the same chars/4 heuristic the cost aggregator uses
// when a response carries no usage block.
func estimateTokens(text string) int {
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// clampBatchSize shrinks max so the predicted batch duration stays inside
// the target and the token volume fits the context window minus the
// safety buffer. Never below 1.
func clampBatchSize(rows []model.Row, max int, ds DynamicSizing, msPerToken float64) int {
	if !ds.Enabled || max <= 1 {
		return max
	}
	size := max
	if size > len(rows) {
		size = len(rows)
	}
	budget := ds.ContextTokens - ds.SafetyTokens
	for size > 1 {
		tokens := 0
		for _, r := range rows[:size] {
			tokens += estimateTokens(r.SourceText)
		}
		if budget > 0 && tokens > budget {
			size--
			continue
		}
		if ds.TargetSeconds > 0 && msPerToken > 0 {
			if float64(tokens)*msPerToken/1000 > ds.TargetSeconds {
				size--
				continue
			}
		}
		break
	}
	return size
}

// groupBySimilarLength sorts rows by source length and splits where the
// spread exceeds varianceRatio of the group's shortest length. With
// grouping disabled the input order is kept as one group.
func groupBySimilarLength(rows []model.Row, g Grouping) [][]model.Row {
	if len(rows) == 0 {
		return nil
	}
	if !g.Enabled {
		return [][]model.Row{rows}
	}
	sorted := make([]model.Row, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].SourceText) < len(sorted[j].SourceText)
	})
	ratio := g.VarianceRatio
	if ratio <= 0 {
		ratio = 0.5
	}
	var groups [][]model.Row
	start := 0
	for i := 1; i <= len(sorted); i++ {
		if i == len(sorted) {
			groups = append(groups, sorted[start:i])
			break
		}
		shortest := len(sorted[start].SourceText)
		spread := len(sorted[i].SourceText) - shortest
		if shortest > 0 && float64(spread) > float64(shortest)*ratio {
			groups = append(groups, sorted[start:i])
			start = i
		}
	}
	return groups
}

// splitBatches cuts each length group into batches no larger than the
// dynamically clamped size.
func splitBatches(groups [][]model.Row, params BatchParams, ds DynamicSizing, msPerToken float64) [][]model.Row {
	var batches [][]model.Row
	for _, group := range groups {
		rest := group
		for len(rest) > 0 {
			size := clampBatchSize(rest, params.MaxBatchSize, ds, msPerToken)
			if size < 1 {
				size = 1
			}
			if size > len(rest) {
				size = len(rest)
			}
			batches = append(batches, rest[:size])
			rest = rest[size:]
		}
	}
	return batches
}
