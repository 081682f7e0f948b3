package market

import (
	"context"
	"time"
)

// Cache is the read/write contract the router needs from the time-series cache.
type Cache interface {
	Get(ctx context.Context, symbol, venue, interval string, from, to time.Time) []Row
	Put(ctx context.Context, symbol, venue, interval string, rows []Row) error
	Replace(ctx context.Context, symbol, venue, interval string, from, to time.Time, rows []Row) error
}
