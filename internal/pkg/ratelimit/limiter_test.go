package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireRespectsBurst(t *testing.T) {
	l := New(1, 3)
	assert.True(t, l.TryAcquire(2))
	assert.True(t, l.TryAcquire(1))
	assert.False(t, l.TryAcquire(1))

	st := l.Stats()
	assert.Equal(t, int64(2), st.TotalRequests)
	assert.Equal(t, int64(3), st.TotalTokens)
	assert.Equal(t, 3, st.Burst)
	assert.LessOrEqual(t, st.Available, 3.0)
}

func TestBurstDefaultsToRate(t *testing.T) {
	assert.Equal(t, 5, New(5, 0).Stats().Burst)
	assert.Equal(t, 1, New(0.2, 0).Stats().Burst)
}

func TestAcquireBlocksForDeficit(t *testing.T) {
	l := New(20, 1)
	wait, err := l.Acquire(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, wait)

	start := time.Now()
	wait, err = l.Acquire(context.Background(), 1)
	require.NoError(t, err)
	assert.Greater(t, wait, 10*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	st := l.Stats()
	assert.Equal(t, int64(2), st.TotalRequests)
	assert.Equal(t, wait, st.TotalWait)
}

func TestAcquireRejectsMoreThanBurst(t *testing.T) {
	l := New(10, 2)
	_, err := l.Acquire(context.Background(), 3)
	assert.Error(t, err)
}

func TestAcquireHonoursContext(t *testing.T) {
	l := New(0.5, 1)
	require.True(t, l.TryAcquire(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Acquire(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), l.Stats().TotalRequests)
}

func TestUnlimitedRate(t *testing.T) {
	l := New(0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, l.TryAcquire(1))
	}
}

func TestConcurrentCallersShareBucket(t *testing.T) {
	l := New(1000, 5)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Acquire(context.Background(), 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(20), l.Stats().TotalTokens)
}

func TestRegistryLookupIsCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	l := New(1, 1)
	r.Register("Yahoo", l)
	assert.Same(t, l, r.For(" yahoo "))
	assert.Nil(t, r.For("other"))
	assert.Contains(t, r.Stats(), "yahoo")
}
