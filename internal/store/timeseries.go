package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"marketcache/internal/logger"
	"marketcache/internal/market"

	_ "modernc.org/sqlite"
)

var cacheLog = logger.With("cache")

// CacheStats summarises what the cache currently holds.
type CacheStats struct {
	TotalRows     int64   `json:"total_rows"`
	UniqueSymbols int64   `json:"unique_symbols"`
	ApproxSizeKB  float64 `json:"approx_size_kb"`
}

// InvalidateFilter scopes an eviction. Zero fields match everything, so the zero value clears
// the whole cache.
type InvalidateFilter struct {
	Symbol string
	Venue  string
	Before time.Time
}

// TimeSeriesCache stores OHLCV rows in a local SQLite file keyed by
// (symbol, venue, interval, ts). Every row carries cached_at, which only drives TTL.
//
// Storage-layer errors never escape read paths: they are logged and reported as a miss.
type TimeSeriesCache struct {
	db   *sql.DB
	path string
	ttl  time.Duration
	now  func() time.Time
}

type CacheOption func(*TimeSeriesCache)

func WithClock(now func() time.Time) CacheOption {
	return func(c *TimeSeriesCache) {
		if now != nil {
			c.now = now
		}
	}
}

// OpenTimeSeriesCache opens (or creates) the cache database at path.
func OpenTimeSeriesCache(path string, ttl time.Duration, opts ...CacheOption) (*TimeSeriesCache, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("cache path cannot be empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("cache ttl must be > 0")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureCacheSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache schema: %w", err)
	}
	c := &TimeSeriesCache{db: db, path: path, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func ensureCacheSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ohlcv (
			symbol    TEXT    NOT NULL,
			venue     TEXT    NOT NULL,
			timeframe TEXT    NOT NULL,
			ts        INTEGER NOT NULL,
			open      REAL    NOT NULL,
			high      REAL    NOT NULL,
			low       REAL    NOT NULL,
			close     REAL    NOT NULL,
			volume    REAL    NOT NULL,
			cached_at INTEGER NOT NULL,
			PRIMARY KEY (symbol, venue, timeframe, ts)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ohlcv_symbol ON ohlcv(symbol);`,
		`CREATE INDEX IF NOT EXISTS idx_ohlcv_series ON ohlcv(symbol, venue, timeframe);`,
		`CREATE INDEX IF NOT EXISTS idx_ohlcv_cached_at ON ohlcv(cached_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (c *TimeSeriesCache) TTL() time.Duration { return c.ttl }

func (c *TimeSeriesCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Put upserts rows in one transaction; readers see either none or all of the batch.
// Re-ingesting a key replaces the previous row.
func (c *TimeSeriesCache) Put(ctx context.Context, symbol, venue, interval string, rows []market.Row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		cacheLog.Warnf("put %s/%s/%s begin failed: %v", symbol, venue, interval, err)
		return err
	}
	if err := c.upsert(ctx, tx, symbol, venue, interval, rows); err != nil {
		_ = tx.Rollback()
		cacheLog.Warnf("put %s/%s/%s failed: %v", symbol, venue, interval, err)
		return err
	}
	if err := tx.Commit(); err != nil {
		cacheLog.Warnf("put %s/%s/%s commit failed: %v", symbol, venue, interval, err)
		return err
	}
	return nil
}

// Replace drops whatever is cached for the series inside [from, to] and writes rows, atomically.
func (c *TimeSeriesCache) Replace(ctx context.Context, symbol, venue, interval string, from, to time.Time, rows []market.Row) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		cacheLog.Warnf("replace %s/%s/%s begin failed: %v", symbol, venue, interval, err)
		return err
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM ohlcv
		WHERE symbol = ? AND venue = ? AND timeframe = ? AND ts BETWEEN ? AND ?`,
		market.NormalizeSymbol(symbol), market.NormalizeVenue(venue), market.NormalizeInterval(interval),
		from.UnixMilli(), to.UnixMilli())
	if err == nil {
		err = c.upsert(ctx, tx, symbol, venue, interval, rows)
	}
	if err != nil {
		_ = tx.Rollback()
		cacheLog.Warnf("replace %s/%s/%s failed: %v", symbol, venue, interval, err)
		return err
	}
	if err := tx.Commit(); err != nil {
		cacheLog.Warnf("replace %s/%s/%s commit failed: %v", symbol, venue, interval, err)
		return err
	}
	return nil
}

func (c *TimeSeriesCache) upsert(ctx context.Context, tx *sql.Tx, symbol, venue, interval string, rows []market.Row) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ohlcv (symbol, venue, timeframe, ts, open, high, low, close, volume, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, venue, timeframe, ts) DO UPDATE SET
		    open=excluded.open,
		    high=excluded.high,
		    low=excluded.low,
		    close=excluded.close,
		    volume=excluded.volume,
		    cached_at=excluded.cached_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	cachedAt := c.now().UnixNano()
	sym := market.NormalizeSymbol(symbol)
	ven := market.NormalizeVenue(venue)
	iv := market.NormalizeInterval(interval)
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, sym, ven, iv, r.Timestamp.UnixMilli(),
			r.Open, r.High, r.Low, r.Close, r.Volume, cachedAt); err != nil {
			return err
		}
	}
	return nil
}

// Get returns cached rows in [from, to] (a zero bound is open), ordered by timestamp, provided
// the newest matching entry is still within TTL. Anything else, including storage errors,
// is a miss (nil).
func (c *TimeSeriesCache) Get(ctx context.Context, symbol, venue, interval string, from, to time.Time) []market.Row {
	rows, newest, err := c.query(ctx, symbol, venue, interval, from, to)
	if err != nil {
		cacheLog.Warnf("get %s/%s/%s failed, treating as miss: %v", symbol, venue, interval, err)
		return nil
	}
	if len(rows) == 0 {
		return nil
	}
	if c.now().Sub(time.Unix(0, newest)) > c.ttl {
		cacheLog.Debugf("get %s/%s/%s stale (cached %s ago)", symbol, venue, interval, c.now().Sub(time.Unix(0, newest)).Round(time.Second))
		return nil
	}
	return rows
}

func (c *TimeSeriesCache) query(ctx context.Context, symbol, venue, interval string, from, to time.Time) ([]market.Row, int64, error) {
	lo := int64(-1 << 62)
	hi := int64(1 << 62)
	if !from.IsZero() {
		lo = from.UnixMilli()
	}
	if !to.IsZero() {
		hi = to.UnixMilli()
	}
	sym := market.NormalizeSymbol(symbol)
	ven := market.NormalizeVenue(venue)
	iv := market.NormalizeInterval(interval)
	res, err := c.db.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume, cached_at
		FROM ohlcv
		WHERE symbol = ? AND venue = ? AND timeframe = ? AND ts BETWEEN ? AND ?
		ORDER BY ts ASC`, sym, ven, iv, lo, hi)
	if err != nil {
		return nil, 0, err
	}
	defer res.Close()
	var (
		out    []market.Row
		newest int64
	)
	for res.Next() {
		var (
			ts       int64
			cachedAt int64
			r        market.Row
		)
		if err := res.Scan(&ts, &r.Open, &r.High, &r.Low, &r.Close, &r.Volume, &cachedAt); err != nil {
			return nil, 0, err
		}
		r.Symbol, r.Venue, r.Interval = sym, ven, iv
		r.Timestamp = time.UnixMilli(ts).UTC()
		if cachedAt > newest {
			newest = cachedAt
		}
		out = append(out, r)
	}
	if err := res.Err(); err != nil {
		return nil, 0, err
	}
	return out, newest, nil
}

// Invalidate evicts rows matching filter and returns how many were removed (0 on error).
func (c *TimeSeriesCache) Invalidate(ctx context.Context, filter InvalidateFilter) int64 {
	var (
		clauses []string
		args    []any
	)
	if s := market.NormalizeSymbol(filter.Symbol); s != "" {
		clauses = append(clauses, "symbol = ?")
		args = append(args, s)
	}
	if v := market.NormalizeVenue(filter.Venue); v != "" {
		clauses = append(clauses, "venue = ?")
		args = append(args, v)
	}
	if !filter.Before.IsZero() {
		clauses = append(clauses, "ts < ?")
		args = append(args, filter.Before.UnixMilli())
	}
	query := "DELETE FROM ohlcv"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		cacheLog.Warnf("invalidate %+v failed: %v", filter, err)
		return 0
	}
	n, _ := res.RowsAffected()
	cacheLog.Infof("invalidated %d rows (symbol=%q venue=%q before=%s)", n, filter.Symbol, filter.Venue, formatBound(filter.Before))
	return n
}

// PurgeExpired deletes every row whose cached_at is older than TTL.
func (c *TimeSeriesCache) PurgeExpired(ctx context.Context) int64 {
	cutoff := c.now().Add(-c.ttl).UnixNano()
	res, err := c.db.ExecContext(ctx, `DELETE FROM ohlcv WHERE cached_at < ?`, cutoff)
	if err != nil {
		cacheLog.Warnf("purge failed: %v", err)
		return 0
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		cacheLog.Infof("purged %d expired rows", n)
	}
	return n
}

func (c *TimeSeriesCache) Stats(ctx context.Context) CacheStats {
	var st CacheStats
	row := c.db.QueryRowContext(ctx, `SELECT COUNT(1), COUNT(DISTINCT symbol) FROM ohlcv`)
	if err := row.Scan(&st.TotalRows, &st.UniqueSymbols); err != nil {
		cacheLog.Warnf("stats failed: %v", err)
		return CacheStats{}
	}
	var pageCount, pageSize int64
	if err := c.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err == nil {
		if err := c.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err == nil {
			st.ApproxSizeKB = float64(pageCount*pageSize) / 1024
		}
	}
	return st
}

func formatBound(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
