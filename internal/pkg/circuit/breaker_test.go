package circuit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("primary", threshold, time.Minute, WithClock(clk.Now))
	cb.SetStateChangeHandler(func(string, State, State) {})
	return cb, clk
}

func TestOpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3)
	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		assert.True(t, cb.Allow())
	}
	cb.RecordFailure()
	assert.False(t, cb.Allow())

	h := cb.Health()
	assert.False(t, h.Healthy)
	assert.Equal(t, 3, h.ConsecutiveFailures)
	assert.Equal(t, "OPEN", h.State)
	assert.False(t, h.UnhealthyUntil.IsZero())
}

func TestCooldownExpiryClearsWindow(t *testing.T) {
	cb, clk := newTestBreaker(1)
	cb.RecordFailure()
	assert.False(t, cb.Allow())

	clk.Advance(59 * time.Second)
	assert.False(t, cb.Allow())

	clk.Advance(time.Second)
	assert.True(t, cb.Allow())
	h := cb.Health()
	assert.True(t, h.UnhealthyUntil.IsZero())
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestTrialFailureReopens(t *testing.T) {
	cb, clk := newTestBreaker(5)
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	clk.Advance(time.Minute)
	assert.True(t, cb.Allow())

	cb.RecordFailure()
	assert.False(t, cb.Allow())
}

func TestHalfOpenAdmitsOneTrial(t *testing.T) {
	cb, clk := newTestBreaker(1)
	cb.RecordFailure()
	clk.Advance(time.Minute)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cb.Allow() {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, allowed)
	assert.Equal(t, StateHalfOpen, cb.State())

	// the trial never reported back
	clk.Advance(59 * time.Second)
	assert.False(t, cb.Allow())
	clk.Advance(time.Second)
	assert.True(t, cb.Allow())

	cb.RecordSuccess()
	assert.True(t, cb.Allow())
	assert.True(t, cb.Allow())
}

func TestSuccessResetsHealth(t *testing.T) {
	cb, clk := newTestBreaker(1)
	cb.RecordFailure()
	clk.Advance(2 * time.Minute)
	assert.True(t, cb.Allow())

	cb.RecordSuccess()
	h := cb.Health()
	assert.True(t, h.Healthy)
	assert.Zero(t, h.ConsecutiveFailures)
	assert.Equal(t, StateClosed, cb.State())
}

func TestStateChangeHook(t *testing.T) {
	cb, _ := newTestBreaker(1)
	got := make(chan State, 1)
	cb.SetStateChangeHandler(func(name string, from, to State) {
		got <- to
	})
	cb.RecordFailure()
	select {
	case to := <-got:
		assert.Equal(t, StateOpen, to)
	case <-time.After(time.Second):
		t.Fatal("state change hook not called")
	}
}
