// Package admission implements the acceptance rate limiter: at most
// maxPerMinute job acceptances within any sliding 60-second window.
package admission

import (
	"sync"
	"time"

	"github.com/vap-net/dispatcher/internal/clock"
)

const window = time.Minute

// Limiter tracks acceptance timestamps within the sliding window.
type Limiter struct {
	mu           sync.Mutex
	clk          clock.Clock
	maxPerMinute int
	accepts      []time.Time
}

// NewLimiter creates a Limiter allowing maxPerMinute accepts per minute.
func NewLimiter(maxPerMinute int, clk clock.Clock) *Limiter {
	return &Limiter{clk: clk, maxPerMinute: maxPerMinute}
}

// Allow reports whether another acceptance is permitted right now.
// It does not record anything; call Record once the accept is posted.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.clk.Now())
	return len(l.accepts) < l.maxPerMinute
}

// Record notes a successful acceptance at the current instant.
func (l *Limiter) Record() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clk.Now()
	l.prune(now)
	l.accepts = append(l.accepts, now)
}

// Count returns the number of accepts within the current window.
func (l *Limiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.clk.Now())
	return len(l.accepts)
}

// Cleanup drops expired timestamps. Called periodically so the slice does
// not pin memory between bursts.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.clk.Now())
}

// prune removes timestamps older than the window. Caller holds l.mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(l.accepts) && !l.accepts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.accepts = append(l.accepts[:0], l.accepts[i:]...)
	}
}
