package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Stats is a cumulative usage snapshot of one limiter.
type Stats struct {
	TotalRequests int64         `json:"total_requests"`
	TotalTokens   int64         `json:"total_tokens"`
	TotalWait     time.Duration `json:"total_wait"`
	Available     float64       `json:"available"`
	Rate          float64       `json:"requests_per_second"`
	Burst         int           `json:"burst"`
}

// Limiter is a token bucket shared by every caller of one provider.
type Limiter struct {
	lim *rate.Limiter
	now func() time.Time

	requests  atomic.Int64
	tokens    atomic.Int64
	waitNanos atomic.Int64
}

// New returns a bucket refilling at requestsPerSecond up to burst tokens. A non-positive burst
// defaults to the rate (at least one token); a non-positive rate means unlimited.
func New(requestsPerSecond float64, burst int) *Limiter {
	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = int(math.Ceil(requestsPerSecond))
		if burst < 1 {
			burst = 1
		}
	}
	return &Limiter{lim: rate.NewLimiter(limit, burst), now: time.Now}
}

// Acquire blocks until n tokens are available and returns how long the caller waited.
// When ctx ends first the reservation is cancelled so the tokens go back to the bucket.
func (l *Limiter) Acquire(ctx context.Context, n int) (time.Duration, error) {
	if n <= 0 {
		return 0, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if n > l.lim.Burst() && l.lim.Limit() != rate.Inf {
		return 0, fmt.Errorf("ratelimit: requested %d tokens exceeds burst %d", n, l.lim.Burst())
	}
	start := l.now()
	r := l.lim.ReserveN(start, n)
	if !r.OK() {
		return 0, fmt.Errorf("ratelimit: cannot reserve %d tokens", n)
	}
	delay := r.DelayFrom(start)
	if delay > 0 {
		if deadline, ok := ctx.Deadline(); ok && deadline.Sub(start) < delay {
			r.CancelAt(start)
			return 0, fmt.Errorf("ratelimit: wait %s exceeds context deadline: %w", delay, context.DeadlineExceeded)
		}
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			r.Cancel()
			return 0, ctx.Err()
		}
	}
	l.record(n, delay)
	return delay, nil
}

// TryAcquire takes n tokens only if they are available right now.
func (l *Limiter) TryAcquire(n int) bool {
	if n <= 0 {
		return true
	}
	if !l.lim.AllowN(l.now(), n) {
		return false
	}
	l.record(n, 0)
	return true
}

func (l *Limiter) record(n int, wait time.Duration) {
	l.requests.Add(1)
	l.tokens.Add(int64(n))
	l.waitNanos.Add(int64(wait))
}

func (l *Limiter) Stats() Stats {
	return Stats{
		TotalRequests: l.requests.Load(),
		TotalTokens:   l.tokens.Load(),
		TotalWait:     time.Duration(l.waitNanos.Load()),
		Available:     l.lim.TokensAt(l.now()),
		Rate:          float64(l.lim.Limit()),
		Burst:         l.lim.Burst(),
	}
}

// Registry holds one limiter per provider name.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

func (r *Registry) Register(name string, l *Limiter) {
	if l == nil {
		return
	}
	r.mu.Lock()
	r.limiters[registryKey(name)] = l
	r.mu.Unlock()
}

// For returns the provider's limiter or nil when none is registered.
func (r *Registry) For(name string) *Limiter {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[registryKey(name)]
}

func (r *Registry) Stats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.limiters))
	for k, l := range r.limiters {
		out[k] = l.Stats()
	}
	return out
}

func registryKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
