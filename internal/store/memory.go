package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"marketcache/internal/market"
)

// MemoryCache is a process-local cache with the same TTL and eviction rules as
// TimeSeriesCache. Series are spread over shards so concurrent symbols rarely contend.
type MemoryCache struct {
	shards []memoryShard
	ttl    time.Duration
	now    func() time.Time
}

type memoryShard struct {
	mu   sync.RWMutex
	data map[seriesKey]map[int64]memoryEntry
}

type seriesKey struct {
	symbol   string
	venue    string
	interval string
}

type memoryEntry struct {
	row      market.Row
	cachedAt time.Time
}

const defaultShardCount = 32

func NewMemoryCache(ttl time.Duration, now func() time.Time) *MemoryCache {
	return newMemoryCache(defaultShardCount, ttl, now)
}

func newMemoryCache(shards int, ttl time.Duration, now func() time.Time) *MemoryCache {
	if shards <= 0 {
		shards = 1
	}
	if now == nil {
		now = time.Now
	}
	out := &MemoryCache{
		shards: make([]memoryShard, shards),
		ttl:    ttl,
		now:    now,
	}
	for i := range out.shards {
		out.shards[i] = memoryShard{data: make(map[seriesKey]map[int64]memoryEntry)}
	}
	return out
}

func keyFor(symbol, venue, interval string) seriesKey {
	return seriesKey{
		symbol:   market.NormalizeSymbol(symbol),
		venue:    market.NormalizeVenue(venue),
		interval: market.NormalizeInterval(interval),
	}
}

func (s *MemoryCache) shardFor(k seriesKey) *memoryShard {
	idx := hashKey(k.symbol+"@"+k.venue+"@"+k.interval) % uint32(len(s.shards))
	return &s.shards[idx]
}

func (s *MemoryCache) TTL() time.Duration { return s.ttl }

func (s *MemoryCache) Close() error { return nil }

func (s *MemoryCache) Put(ctx context.Context, symbol, venue, interval string, rows []market.Row) error {
	if len(rows) == 0 {
		return nil
	}
	k := keyFor(symbol, venue, interval)
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s.writeLocked(sh, k, rows)
	return nil
}

func (s *MemoryCache) Replace(ctx context.Context, symbol, venue, interval string, from, to time.Time, rows []market.Row) error {
	k := keyFor(symbol, venue, interval)
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	lo, hi := from.UnixMilli(), to.UnixMilli()
	for ts := range sh.data[k] {
		if ts >= lo && ts <= hi {
			delete(sh.data[k], ts)
		}
	}
	s.writeLocked(sh, k, rows)
	return nil
}

func (s *MemoryCache) writeLocked(sh *memoryShard, k seriesKey, rows []market.Row) {
	if len(rows) == 0 {
		return
	}
	cur := sh.data[k]
	if cur == nil {
		cur = make(map[int64]memoryEntry, len(rows))
		sh.data[k] = cur
	}
	cachedAt := s.now()
	for _, r := range rows {
		r = r.Stamp(k.symbol, k.venue, k.interval)
		cur[r.Timestamp.UnixMilli()] = memoryEntry{row: r, cachedAt: cachedAt}
	}
}

// Get follows TimeSeriesCache.Get: rows in [from, to], or nil when the newest entry is stale.
func (s *MemoryCache) Get(ctx context.Context, symbol, venue, interval string, from, to time.Time) []market.Row {
	k := keyFor(symbol, venue, interval)
	sh := s.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	var (
		out    []market.Row
		newest time.Time
	)
	for ts, e := range sh.data[k] {
		if !from.IsZero() && ts < from.UnixMilli() {
			continue
		}
		if !to.IsZero() && ts > to.UnixMilli() {
			continue
		}
		if e.cachedAt.After(newest) {
			newest = e.cachedAt
		}
		out = append(out, e.row)
	}
	if len(out) == 0 || s.now().Sub(newest) > s.ttl {
		return nil
	}
	market.SortRows(out)
	return out
}

func (s *MemoryCache) Invalidate(ctx context.Context, filter InvalidateFilter) int64 {
	sym := market.NormalizeSymbol(filter.Symbol)
	ven := market.NormalizeVenue(filter.Venue)
	var removed int64
	s.each(func(k seriesKey, series map[int64]memoryEntry) {
		if (sym != "" && k.symbol != sym) || (ven != "" && k.venue != ven) {
			return
		}
		for ts := range series {
			if filter.Before.IsZero() || ts < filter.Before.UnixMilli() {
				delete(series, ts)
				removed++
			}
		}
	})
	cacheLog.Infof("invalidated %d rows (symbol=%q venue=%q before=%s)", removed, filter.Symbol, filter.Venue, formatBound(filter.Before))
	return removed
}

func (s *MemoryCache) PurgeExpired(ctx context.Context) int64 {
	cutoff := s.now().Add(-s.ttl)
	var removed int64
	s.each(func(_ seriesKey, series map[int64]memoryEntry) {
		for ts, e := range series {
			if e.cachedAt.Before(cutoff) {
				delete(series, ts)
				removed++
			}
		}
	})
	if removed > 0 {
		cacheLog.Infof("purged %d expired rows", removed)
	}
	return removed
}

// Stats reports no size estimate; there is no file behind the memory backend.
func (s *MemoryCache) Stats(ctx context.Context) CacheStats {
	var st CacheStats
	symbols := make(map[string]struct{})
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k, series := range sh.data {
			if len(series) == 0 {
				continue
			}
			st.TotalRows += int64(len(series))
			symbols[k.symbol] = struct{}{}
		}
		sh.mu.RUnlock()
	}
	st.UniqueSymbols = int64(len(symbols))
	return st
}

// Series lists the keys currently held, sorted; mostly useful in logs and tests.
func (s *MemoryCache) Series() []string {
	var out []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k, series := range sh.data {
			if len(series) > 0 {
				out = append(out, k.symbol+"/"+k.venue+"/"+k.interval)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

func (s *MemoryCache) each(fn func(seriesKey, map[int64]memoryEntry)) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, series := range sh.data {
			fn(k, series)
			if len(series) == 0 {
				delete(sh.data, k)
			}
		}
		sh.mu.Unlock()
	}
}

func hashKey(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	var h uint32 = offset32
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
