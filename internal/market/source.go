package market

import (
	"context"
	"time"
)

// Provider is an upstream OHLCV source.
type Provider interface {
	Name() string
	FetchOHLCV(ctx context.Context, symbol, venue, interval string, from, to time.Time) ([]Row, error)
}

// ProviderFunc adapts a function into a Provider.
type ProviderFunc struct {
	ID string
	Fn func(ctx context.Context, symbol, venue, interval string, from, to time.Time) ([]Row, error)
}

func (p ProviderFunc) Name() string { return p.ID }

func (p ProviderFunc) FetchOHLCV(ctx context.Context, symbol, venue, interval string, from, to time.Time) ([]Row, error) {
	if p.Fn == nil {
		return nil, ErrProviderUnavailable
	}
	return p.Fn(ctx, symbol, venue, interval, from, to)
}

// Source names where a fetch result came from.
type Source string

const (
	SourceCache     Source = "cache"
	SourcePrimary   Source = "primary"
	SourceSecondary Source = "secondary"
	SourceNone      Source = "none"
)

// FailureKind separates "try again later" from "the data is bad".
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureProvider   FailureKind = "provider"
	FailureValidation FailureKind = "validation"
	FailureCancelled  FailureKind = "cancelled"
)

// FetchResult is returned by every fetch entry point; it never carries a panic or a nil error
// contract, only rows, the source and the accumulated error messages.
//
// Retryable is set on a failed result when at least one source failed in a way that may clear
// up later (rate limit, timeout, empty answer, open breaker).
type FetchResult struct {
	Rows      []Row    `json:"rows"`
	Source    Source   `json:"source"`
	Errors    []string `json:"errors,omitempty"`
	Retryable bool     `json:"retryable,omitempty"`
}

func (r FetchResult) OK() bool {
	return r.Source != SourceNone && len(r.Rows) > 0
}
