package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrBudgetExhausted is returned once the per-run request budget is spent.
var ErrBudgetExhausted = errors.New("classifier request budget exhausted")

// Limiter paces classifier requests and caps how many one run may make.
type Limiter struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	max      int
	used     int
	rejected int
}

// New creates a limiter allowing perMinute requests per minute (0 = unpaced)
// and at most max requests until Reset (0 = unlimited).
func New(perMinute, max int) *Limiter {
	l := &Limiter{max: max}
	if perMinute > 0 {
		l.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	}
	return l
}

// Acquire reserves one request, waiting for the pacing limiter when needed.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.max > 0 && l.used >= l.max {
		l.rejected++
		l.mu.Unlock()
		return ErrBudgetExhausted
	}
	l.used++
	l.mu.Unlock()

	if l.limiter == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}

// Reset starts a new run's budget.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.used = 0
	l.rejected = 0
}

// GetStats returns current counters.
func (l *Limiter) GetStats() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return map[string]int{
		"used":     l.used,
		"limit":    l.max,
		"rejected": l.rejected,
	}
}
