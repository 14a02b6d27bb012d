// Package gate enforces a minimum interval between consecutive calls to the
// same external dependency, so the executor and the knowledge pipeline do
// not independently burst past a provider's rate limit.
package gate

import (
	"context"
	"sync"
	"time"
)

// Well-known dependency names.
const (
	DepLLM       = "llm"
	DepEmbedding = "embedding"
	DepMail      = "mail"
	DepCalendar  = "calendar"
	DepCRM       = "crm"
)

// Gate hands out send slots per dependency. Concurrent callers are
// serialized by reservation: each Wait claims the next slot under the lock,
// then sleeps outside it, so N callers spread out at one interval apart
// rather than stampeding when the window opens.
type Gate struct {
	mu        sync.Mutex
	intervals map[string]time.Duration
	fallback  time.Duration
	next      map[string]time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New builds a gate with a fallback interval and optional per-dependency
// overrides. A zero or negative interval disables gating for that
// dependency.
func New(fallback time.Duration, overrides map[string]time.Duration) *Gate {
	intervals := make(map[string]time.Duration, len(overrides))
	for dep, d := range overrides {
		intervals[dep] = d
	}
	return &Gate{
		intervals: intervals,
		fallback:  fallback,
		next:      make(map[string]time.Time),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (g *Gate) interval(dep string) time.Duration {
	if d, ok := g.intervals[dep]; ok {
		return d
	}
	return g.fallback
}

// Wait blocks until the caller may talk to dep, honoring ctx cancellation.
// It returns how long the caller was held at the gate.
func (g *Gate) Wait(ctx context.Context, dep string) (time.Duration, error) {
	interval := g.interval(dep)
	if interval <= 0 {
		return 0, ctx.Err()
	}

	g.mu.Lock()
	now := g.now()
	slot := g.next[dep]
	if slot.Before(now) {
		slot = now
	}
	g.next[dep] = slot.Add(interval)
	g.mu.Unlock()

	wait := slot.Sub(now)
	if wait <= 0 {
		return 0, ctx.Err()
	}
	if err := g.sleep(ctx, wait); err != nil {
		return wait, err
	}
	return wait, nil
}
