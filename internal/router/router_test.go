package router

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketcache/internal/market"
	"marketcache/internal/pkg/ratelimit"
	"marketcache/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	jan1 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	jan2 = time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeProvider struct {
	name  string
	calls atomic.Int32
	fn    func(symbol string, from, to time.Time) ([]market.Row, error)
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) FetchOHLCV(_ context.Context, symbol, _, _ string, from, to time.Time) ([]market.Row, error) {
	p.calls.Add(1)
	return p.fn(symbol, from, to)
}

func oneRow(symbol string, from, _ time.Time) ([]market.Row, error) {
	return []market.Row{{Timestamp: from, Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 100}}, nil
}

func failing(err error) func(string, time.Time, time.Time) ([]market.Row, error) {
	return func(string, time.Time, time.Time) ([]market.Row, error) { return nil, err }
}

func newCache(t *testing.T, clk *clock) *store.TimeSeriesCache {
	t.Helper()
	c, err := store.OpenTimeSeriesCache(filepath.Join(t.TempDir(), "cache.db"), time.Hour, store.WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func relianceReq() Request {
	return Request{Symbol: "RELIANCE", Venue: "NSE", Interval: "1d", From: jan1, To: jan2}
}

func TestColdCacheThenCacheHit(t *testing.T) {
	clk := &clock{t: jan2.Add(12 * time.Hour)}
	cache := newCache(t, clk)
	primary := &fakeProvider{name: "yahoo", fn: oneRow}
	secondary := &fakeProvider{name: "alphavantage", fn: oneRow}
	r := New(cache, primary, secondary, WithClock(clk.Now))
	ctx := context.Background()

	res := r.Fetch(ctx, relianceReq())
	require.Equal(t, market.SourcePrimary, res.Source)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "RELIANCE", res.Rows[0].Symbol)
	assert.Equal(t, "NSE", res.Rows[0].Venue)
	assert.Equal(t, "1d", res.Rows[0].Interval)
	assert.Len(t, cache.Get(ctx, "RELIANCE", "NSE", "1d", jan1, jan2), 1)

	res = r.Fetch(ctx, relianceReq())
	assert.Equal(t, market.SourceCache, res.Source)
	assert.Len(t, res.Rows, 1)
	assert.Equal(t, int32(1), primary.calls.Load())
	assert.Zero(t, secondary.calls.Load())
}

func TestForceRefreshBypassesCacheRead(t *testing.T) {
	clk := &clock{t: jan2}
	cache := newCache(t, clk)
	primary := &fakeProvider{name: "yahoo", fn: oneRow}
	r := New(cache, primary, nil, WithClock(clk.Now))
	ctx := context.Background()

	require.Equal(t, market.SourcePrimary, r.Fetch(ctx, relianceReq()).Source)
	req := relianceReq()
	req.ForceRefresh = true
	assert.Equal(t, market.SourcePrimary, r.Fetch(ctx, req).Source)
	assert.Equal(t, int32(2), primary.calls.Load())
}

func TestFallsBackToSecondary(t *testing.T) {
	clk := &clock{t: jan2}
	cache := newCache(t, clk)
	primary := &fakeProvider{name: "yahoo", fn: failing(market.ErrRateLimited)}
	secondary := &fakeProvider{name: "alphavantage", fn: oneRow}
	r := New(cache, primary, secondary, WithClock(clk.Now))

	res := r.Fetch(context.Background(), relianceReq())
	assert.Equal(t, market.SourceSecondary, res.Source)
	assert.Len(t, res.Rows, 1)
	assert.Len(t, cache.Get(context.Background(), "RELIANCE", "NSE", "1d", jan1, jan2), 1)

	h := r.Health()
	assert.False(t, h["primary"].Healthy)
	assert.True(t, h["secondary"].Healthy)
}

func TestEmptyResultCountsAsFailure(t *testing.T) {
	clk := &clock{t: jan2}
	primary := &fakeProvider{name: "yahoo", fn: func(string, time.Time, time.Time) ([]market.Row, error) { return nil, nil }}
	secondary := &fakeProvider{name: "alphavantage", fn: oneRow}
	r := New(nil, primary, secondary, WithClock(clk.Now))

	res := r.Fetch(context.Background(), relianceReq())
	assert.Equal(t, market.SourceSecondary, res.Source)
	assert.Equal(t, 1, r.Health()["primary"].ConsecutiveFailures)
}

func TestExhaustedCollectsErrors(t *testing.T) {
	clk := &clock{t: jan2}
	primary := &fakeProvider{name: "yahoo", fn: failing(errors.New("boom"))}
	secondary := &fakeProvider{name: "alphavantage", fn: failing(errors.New("bang"))}
	r := New(newCache(t, clk), primary, secondary, WithClock(clk.Now))

	res := r.Fetch(context.Background(), relianceReq())
	assert.Equal(t, market.SourceNone, res.Source)
	assert.Empty(t, res.Rows)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0], "boom")
	assert.Contains(t, res.Errors[1], "bang")
	assert.False(t, res.OK())
}

func TestExhaustedMarksRetryableFailures(t *testing.T) {
	clk := &clock{t: jan2}
	permanent := &market.ProviderError{Provider: "yahoo", Op: "fetch", Err: errors.New("404 not found")}
	limited := &market.ProviderError{Provider: "alphavantage", Op: "fetch", Err: market.ErrRateLimited, Transient: true}

	cases := map[string]struct {
		primary, secondary market.Provider
		want               bool
	}{
		"both permanent": {
			primary:   &fakeProvider{name: "yahoo", fn: failing(permanent)},
			secondary: &fakeProvider{name: "alphavantage", fn: failing(permanent)},
		},
		"permanent and absent": {
			primary: &fakeProvider{name: "yahoo", fn: failing(permanent)},
		},
		"secondary rate limited": {
			primary:   &fakeProvider{name: "yahoo", fn: failing(permanent)},
			secondary: &fakeProvider{name: "alphavantage", fn: failing(limited)},
			want:      true,
		},
		"empty answer": {
			primary: &fakeProvider{name: "yahoo", fn: func(string, time.Time, time.Time) ([]market.Row, error) { return nil, nil }},
			want:    true,
		},
		"unclassified error": {
			primary: &fakeProvider{name: "yahoo", fn: failing(errors.New("connection reset"))},
			want:    true,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := New(nil, tc.primary, tc.secondary, WithClock(clk.Now))
			res := r.Fetch(context.Background(), relianceReq())
			assert.Equal(t, market.SourceNone, res.Source)
			assert.Equal(t, tc.want, res.Retryable)
		})
	}

	bad := relianceReq()
	bad.Interval = "3d"
	assert.False(t, New(nil, &fakeProvider{name: "yahoo", fn: oneRow}, nil).Fetch(context.Background(), bad).Retryable)
}

func TestOpenBreakerSkipsPrimaryUntilCooldown(t *testing.T) {
	clk := &clock{t: jan2}
	fail := true
	var mu sync.Mutex
	primary := &fakeProvider{name: "yahoo", fn: func(s string, from, to time.Time) ([]market.Row, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, errors.New("timeout")
		}
		return oneRow(s, from, to)
	}}
	secondary := &fakeProvider{name: "alphavantage", fn: oneRow}
	r := New(nil, primary, secondary, WithClock(clk.Now), WithBreaker(2, time.Minute))
	ctx := context.Background()

	r.Fetch(ctx, relianceReq())
	r.Fetch(ctx, relianceReq())
	require.Equal(t, int32(2), primary.calls.Load())

	for i := 0; i < 3; i++ {
		res := r.Fetch(ctx, relianceReq())
		assert.Equal(t, market.SourceSecondary, res.Source)
		require.Len(t, res.Errors, 1)
		assert.Contains(t, res.Errors[0], "unhealthy until")
	}
	assert.Equal(t, int32(2), primary.calls.Load())

	mu.Lock()
	fail = false
	mu.Unlock()
	clk.Advance(time.Minute)

	res := r.Fetch(ctx, relianceReq())
	assert.Equal(t, market.SourcePrimary, res.Source)
	assert.Equal(t, int32(3), primary.calls.Load())
	assert.True(t, r.Health()["primary"].Healthy)
}

func TestPartialCacheIsReplacedByProvider(t *testing.T) {
	clk := &clock{t: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)}
	cache := newCache(t, clk)
	ctx := context.Background()
	stale := []market.Row{{Timestamp: jan1, Open: 1, High: 1, Low: 1, Close: 1}}
	require.NoError(t, cache.Put(ctx, "TCS", "NSE", "1d", stale))

	to := jan1.AddDate(0, 0, 20)
	primary := &fakeProvider{name: "yahoo", fn: func(_ string, from, to time.Time) ([]market.Row, error) {
		var rows []market.Row
		for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
			rows = append(rows, market.Row{Timestamp: d, Open: 5, High: 6, Low: 4, Close: 5, Volume: 10})
		}
		return rows, nil
	}}
	r := New(cache, primary, nil, WithClock(clk.Now))

	res := r.Fetch(ctx, Request{Symbol: "TCS", Venue: "NSE", Interval: "1d", From: jan1, To: to})
	require.Equal(t, market.SourcePrimary, res.Source)
	assert.Len(t, res.Rows, 21)

	cached := cache.Get(ctx, "TCS", "NSE", "1d", jan1, to)
	require.Len(t, cached, 21)
	assert.Equal(t, 5.0, cached[0].Close)
}

func TestProviderRowsAreClippedAndDeduplicated(t *testing.T) {
	clk := &clock{t: jan2}
	primary := &fakeProvider{name: "yahoo", fn: func(string, time.Time, time.Time) ([]market.Row, error) {
		return []market.Row{
			{Timestamp: jan2, Close: 2, Open: 2, High: 2, Low: 2},
			{Timestamp: jan1.AddDate(0, 0, -1), Close: 0.5, Open: 0.5, High: 0.5, Low: 0.5},
			{Timestamp: jan1, Close: 1, Open: 1, High: 1, Low: 1},
			{Timestamp: jan2, Close: 3, Open: 3, High: 3, Low: 3},
		}, nil
	}}
	r := New(nil, primary, nil, WithClock(clk.Now))
	res := r.Fetch(context.Background(), relianceReq())
	require.Len(t, res.Rows, 2)
	assert.Equal(t, jan1, res.Rows[0].Timestamp)
	assert.Equal(t, 3.0, res.Rows[1].Close)
}

func TestInvalidRequests(t *testing.T) {
	r := New(nil, &fakeProvider{name: "yahoo", fn: oneRow}, nil)
	ctx := context.Background()
	for _, req := range []Request{
		{Venue: "NSE", Interval: "1d", From: jan1, To: jan2},
		{Symbol: "A", Interval: "2d", From: jan1, To: jan2},
		{Symbol: "A", Interval: "1d", To: jan2},
		{Symbol: "A", Interval: "1d", From: jan2, To: jan1},
	} {
		res := r.Fetch(ctx, req)
		assert.Equal(t, market.SourceNone, res.Source)
		assert.NotEmpty(t, res.Errors)
	}
}

func TestProviderPanicIsContained(t *testing.T) {
	primary := &fakeProvider{name: "yahoo", fn: func(string, time.Time, time.Time) ([]market.Row, error) { panic("nil map") }}
	secondary := &fakeProvider{name: "alphavantage", fn: oneRow}
	r := New(nil, primary, secondary, WithClock((&clock{t: jan2}).Now))
	res := r.Fetch(context.Background(), relianceReq())
	assert.Equal(t, market.SourceSecondary, res.Source)
}

func TestCancelledContextDoesNotTripBreaker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	primary := &fakeProvider{name: "yahoo", fn: func(string, time.Time, time.Time) ([]market.Row, error) {
		cancel()
		return nil, context.Canceled
	}}
	secondary := &fakeProvider{name: "alphavantage", fn: oneRow}
	r := New(nil, primary, secondary, WithClock((&clock{t: jan2}).Now))

	res := r.Fetch(ctx, relianceReq())
	assert.Equal(t, market.SourceNone, res.Source)
	assert.Zero(t, secondary.calls.Load())
	assert.True(t, r.Health()["primary"].Healthy)
}

func TestLimiterGatesProviderCalls(t *testing.T) {
	reg := ratelimit.NewRegistry()
	reg.Register("yahoo", ratelimit.New(1000, 1))
	primary := &fakeProvider{name: "yahoo", fn: oneRow}
	r := New(nil, primary, nil, WithLimiters(reg), WithClock((&clock{t: jan2}).Now))

	for i := 0; i < 3; i++ {
		require.Equal(t, market.SourcePrimary, r.Fetch(context.Background(), relianceReq()).Source)
	}
	assert.Equal(t, int64(3), reg.For("yahoo").Stats().TotalRequests)
}

func TestPostProcessorOnlyTouchesReturnedRows(t *testing.T) {
	clk := &clock{t: jan2}
	cache := newCache(t, clk)
	double := func(_ context.Context, _ string, rows []market.Row) []market.Row {
		out := market.CloneRows(rows)
		for i := range out {
			out[i].Close *= 2
		}
		return out
	}
	r := New(cache, &fakeProvider{name: "yahoo", fn: oneRow}, nil, WithClock(clk.Now), WithPostProcessor(double))
	res := r.Fetch(context.Background(), relianceReq())
	require.Len(t, res.Rows, 1)
	assert.Equal(t, 21.0, res.Rows[0].Close)
	assert.Equal(t, 10.5, cache.Get(context.Background(), "RELIANCE", "NSE", "1d", jan1, jan2)[0].Close)
}
