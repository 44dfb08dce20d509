package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	// staleAfter is how far behind now a key's schedule must fall before a
	// sweep drops it. A lapsed key readmits at full burst anyway, so
	// dropping it only frees memory.
	staleAfter = 10 * time.Minute

	// sweepEvery amortizes stale-key eviction across Allow calls.
	sweepEvery = 4096
)

// MemoryLimiter implements Limiter with a per-key GCRA (generic cell rate
// algorithm) schedule held in memory. Each key tracks a theoretical arrival
// time: a request is admitted while the schedule runs no further than the
// burst tolerance ahead of now, and each admission pushes it one emission
// interval into the future. Stale keys are swept inline during Allow, so
// the limiter needs no background goroutine.
type MemoryLimiter struct {
	interval  time.Duration // time credited per admitted request (1/rate)
	tolerance time.Duration // how far the schedule may run ahead (burst)

	mu     sync.Mutex
	sched  map[string]time.Time
	allows int
}

// NewMemoryLimiter creates a limiter admitting rate requests per second per
// key with bursts of up to burst back-to-back requests. rate must be
// positive; a zero rate is the caller's cue to use NoopLimiter instead.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	interval := time.Duration(float64(time.Second) / rate)
	return &MemoryLimiter{
		interval:  interval,
		tolerance: time.Duration(burst-1) * interval,
		sched:     make(map[string]time.Time),
	}
}

// Allow reports whether a request under key fits the key's schedule.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	tat := m.sched[key]
	if tat.Before(now) {
		tat = now
	}
	if tat.Sub(now) > m.tolerance {
		return false, nil
	}
	m.sched[key] = tat.Add(m.interval)

	m.allows++
	if m.allows%sweepEvery == 0 {
		m.sweep(now)
	}
	return true, nil
}

// Close satisfies Limiter; the limiter has no background work to stop.
func (m *MemoryLimiter) Close() error { return nil }

// sweep drops keys whose schedule lapsed past the stale threshold. Caller
// holds mu.
func (m *MemoryLimiter) sweep(now time.Time) {
	cutoff := now.Add(-staleAfter)
	for key, tat := range m.sched {
		if tat.Before(cutoff) {
			delete(m.sched, key)
		}
	}
}
