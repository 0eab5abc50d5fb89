package scheduler

import (
	"context"
	"sync"
	"time"
)

// cooldownGate enforces a minimum spacing between consecutive batches to
// the same model.
type cooldownGate struct {
	mu   sync.Mutex
	next map[string]time.Time
	now  func() time.Time
}

func newCooldownGate() *cooldownGate {
	return &cooldownGate{next: make(map[string]time.Time), now: time.Now}
}

// wait blocks until the model's cooldown window has passed, then books the
// next window. Returns early on context cancellation.
func (g *cooldownGate) wait(ctx context.Context, model string, cooldown time.Duration) error {
	if cooldown <= 0 {
		return nil
	}
	g.mu.Lock()
	now := g.now()
	at := g.next[model]
	if at.Before(now) {
		at = now
	}
	g.next[model] = at.Add(cooldown)
	g.mu.Unlock()

	delay := at.Sub(now)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
