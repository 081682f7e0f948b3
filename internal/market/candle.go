package market

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Row is one OHLCV bar for (symbol, venue, interval, timestamp).
type Row struct {
	Symbol    string    `json:"symbol"`
	Venue     string    `json:"venue"`
	Interval  string    `json:"interval"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// RowKey is the cache primary key of a row.
type RowKey struct {
	Symbol    string
	Venue     string
	Interval  string
	Timestamp int64
}

func (r Row) Key() RowKey {
	return RowKey{
		Symbol:    r.Symbol,
		Venue:     r.Venue,
		Interval:  r.Interval,
		Timestamp: r.Timestamp.UnixMilli(),
	}
}

// Stamp returns a copy carrying the given identity fields, normalised the same way the cache
// keys them.
func (r Row) Stamp(symbol, venue, interval string) Row {
	r.Symbol = NormalizeSymbol(symbol)
	r.Venue = NormalizeVenue(venue)
	r.Interval = NormalizeInterval(interval)
	r.Timestamp = r.Timestamp.UTC()
	return r
}

func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func NormalizeVenue(venue string) string {
	return strings.ToUpper(strings.TrimSpace(venue))
}

// NormalizeInterval maps aliases ("1wk", "60m") to their canonical key.
func NormalizeInterval(interval string) string {
	if iv, err := ParseInterval(interval); err == nil {
		return iv.Key
	}
	return strings.ToLower(strings.TrimSpace(interval))
}

// SortRows orders rows by timestamp in place.
func SortRows(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Timestamp.Before(rows[j].Timestamp)
	})
}

// DedupRows sorts rows and keeps the last occurrence of every timestamp.
func DedupRows(rows []Row) []Row {
	if len(rows) == 0 {
		return nil
	}
	latest := make(map[int64]int, len(rows))
	for i, r := range rows {
		latest[r.Timestamp.UnixMilli()] = i
	}
	out := make([]Row, 0, len(latest))
	for i, r := range rows {
		if latest[r.Timestamp.UnixMilli()] == i {
			out = append(out, r)
		}
	}
	SortRows(out)
	return out
}

// FilterRange keeps rows with from <= ts <= to. A zero bound is open.
func FilterRange(rows []Row, from, to time.Time) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if !from.IsZero() && r.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && r.Timestamp.After(to) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func CloneRows(rows []Row) []Row {
	if rows == nil {
		return nil
	}
	out := make([]Row, len(rows))
	copy(out, rows)
	return out
}

// Summary renders a short one-line description, used in debug logs.
func Summary(rows []Row) string {
	if len(rows) == 0 {
		return "rows=0"
	}
	first := rows[0]
	last := rows[len(rows)-1]
	return fmt.Sprintf("rows=%d first=%s close=%.4f last=%s close=%.4f",
		len(rows),
		first.Timestamp.UTC().Format(time.RFC3339), first.Close,
		last.Timestamp.UTC().Format(time.RFC3339), last.Close)
}

// DefaultCloseGrace is how long after a bar's nominal close it is still treated as forming.
const DefaultCloseGrace = 10 * time.Second

// DropUnclosed removes a trailing bar that has not closed yet at now. Providers hand back the
// current, still-moving bar and it must not be cached as final.
func DropUnclosed(rows []Row, iv Interval, now time.Time, grace time.Duration) []Row {
	if len(rows) == 0 || iv.Duration <= 0 {
		return rows
	}
	if grace < 0 {
		grace = 0
	}
	last := rows[len(rows)-1]
	if last.Timestamp.IsZero() {
		return rows
	}
	closeAt := last.Timestamp.Add(iv.Duration).Add(grace)
	if now.Before(closeAt) {
		return rows[:len(rows)-1]
	}
	return rows
}
