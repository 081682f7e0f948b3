package timeframe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketcache/internal/logger"
	"marketcache/internal/market"
	"marketcache/internal/router"

	"golang.org/x/sync/errgroup"
)

// Fetcher is the slice of the router the multi-timeframe fetch needs.
type Fetcher interface {
	Fetch(ctx context.Context, req router.Request) market.FetchResult
}

type MultiFetcher struct {
	fetcher Fetcher
	limit   int
}

// NewFetcher fans out through f. limit bounds concurrent intervals; 0 means one goroutine
// per interval.
func NewFetcher(f Fetcher, limit int) *MultiFetcher {
	return &MultiFetcher{fetcher: f, limit: limit}
}

// FetchAll fetches every interval concurrently. Each interval stands alone: a failure shows up
// as an empty result with Source none under that interval's key and never blocks the others.
// Keys are canonical interval names.
func (m *MultiFetcher) FetchAll(ctx context.Context, symbol, venue string, intervals []string, from, to time.Time, forceRefresh bool) map[string]market.FetchResult {
	var (
		mu  sync.Mutex
		out = make(map[string]market.FetchResult, len(intervals))
	)
	set := func(key string, res market.FetchResult) {
		mu.Lock()
		out[key] = res
		mu.Unlock()
	}

	var g errgroup.Group
	if m.limit > 0 {
		g.SetLimit(m.limit)
	}
	seen := make(map[string]struct{}, len(intervals))
	for _, raw := range intervals {
		iv, err := market.ParseInterval(raw)
		if err != nil {
			set(raw, market.FetchResult{Source: market.SourceNone, Errors: []string{err.Error()}})
			continue
		}
		if _, dup := seen[iv.Key]; dup {
			continue
		}
		seen[iv.Key] = struct{}{}
		key := iv.Key
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					logger.Errorf("timeframe fetch %s %s panicked: %v", symbol, key, p)
					set(key, market.FetchResult{Source: market.SourceNone, Errors: []string{fmt.Sprintf("internal error: %v", p)}})
				}
			}()
			res := m.fetcher.Fetch(ctx, router.Request{
				Symbol:       symbol,
				Venue:        venue,
				Interval:     key,
				From:         from,
				To:           to,
				ForceRefresh: forceRefresh,
			})
			if !res.OK() {
				res.Rows = nil
				res.Source = market.SourceNone
			}
			set(key, res)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Result bundles per-interval fetches with the cross-timeframe consistency issues.
type Result struct {
	Results map[string]market.FetchResult `json:"results"`
	Issues  []string                      `json:"issues"`
}
