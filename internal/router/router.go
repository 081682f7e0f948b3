package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketcache/internal/logger"
	"marketcache/internal/market"
	"marketcache/internal/pkg/circuit"
	"marketcache/internal/pkg/ratelimit"
)

var routerLog = logger.With("router")

const (
	DefaultCallTimeout      = 30 * time.Second
	DefaultCooldown         = 5 * time.Minute
	DefaultFailureThreshold = 1
)

// Request identifies one series range. ForceRefresh skips the cache read but the result is still
// written back.
type Request struct {
	Symbol       string    `json:"symbol"`
	Venue        string    `json:"venue"`
	Interval     string    `json:"interval"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	ForceRefresh bool      `json:"force_refresh"`
}

// PostProcessor rewrites rows handed back to the caller. Cached rows are never touched.
type PostProcessor func(ctx context.Context, symbol string, rows []market.Row) []market.Row

// leg is one provider together with its admission control and health.
type leg struct {
	source   market.Source
	provider market.Provider
	limiter  *ratelimit.Limiter
	breaker  *circuit.CircuitBreaker
}

// Router runs CacheCheck -> PrimaryFetch -> SecondaryFetch -> Exhausted for every request.
// The only state shared between requests lives in the limiters and breakers.
type Router struct {
	cache     market.Cache
	legs      []*leg
	timeout   time.Duration
	threshold int
	cooldown  time.Duration
	limiters  *ratelimit.Registry
	now       func() time.Time
	post      PostProcessor
}

type Option func(*Router)

// WithLimiters gates each provider call on the limiter registered under the provider's name.
func WithLimiters(reg *ratelimit.Registry) Option {
	return func(r *Router) { r.limiters = reg }
}

func WithCallTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithBreaker(threshold int, cooldown time.Duration) Option {
	return func(r *Router) {
		if threshold > 0 {
			r.threshold = threshold
		}
		if cooldown > 0 {
			r.cooldown = cooldown
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

func WithPostProcessor(fn PostProcessor) Option {
	return func(r *Router) { r.post = fn }
}

// New builds a router. Either provider may be nil; a missing provider counts as a failed step.
func New(cache market.Cache, primary, secondary market.Provider, opts ...Option) *Router {
	r := &Router{
		cache:     cache,
		timeout:   DefaultCallTimeout,
		threshold: DefaultFailureThreshold,
		cooldown:  DefaultCooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.legs = []*leg{
		r.newLeg(market.SourcePrimary, primary),
		r.newLeg(market.SourceSecondary, secondary),
	}
	return r
}

func (r *Router) newLeg(source market.Source, p market.Provider) *leg {
	l := &leg{source: source, provider: p}
	name := string(source)
	if p != nil {
		name = p.Name()
		l.limiter = r.limiters.For(name)
	}
	l.breaker = circuit.NewCircuitBreaker(name, r.threshold, r.cooldown, circuit.WithClock(r.now))
	l.breaker.SetStateChangeHandler(func(name string, from, to circuit.State) {
		routerLog.Warnf("provider %s (%s) health %s -> %s", name, source, from, to)
	})
	return l
}

// Fetch never returns an error value; failures are reported as Source none with the reasons
// collected from every step.
func (r *Router) Fetch(ctx context.Context, req Request) (res market.FetchResult) {
	defer func() {
		if p := recover(); p != nil {
			routerLog.Errorf("fetch %s/%s/%s panicked: %v", req.Symbol, req.Venue, req.Interval, p)
			res = market.FetchResult{Source: market.SourceNone, Errors: append(res.Errors, fmt.Sprintf("internal error: %v", p))}
		}
	}()

	iv, err := validate(req)
	if err != nil {
		return market.FetchResult{Source: market.SourceNone, Errors: []string{err.Error()}}
	}
	from := iv.Align(req.From)
	to := req.To.UTC()

	if !req.ForceRefresh && r.cache != nil {
		cached := r.cache.Get(ctx, req.Symbol, req.Venue, iv.Key, from, to)
		if r.covers(cached, iv, from, to) {
			routerLog.Debugf("%s/%s/%s served from cache (%s)", req.Symbol, req.Venue, iv.Key, market.Summary(cached))
			return market.FetchResult{Rows: r.finish(ctx, req.Symbol, cached), Source: market.SourceCache}
		}
		if len(cached) > 0 {
			routerLog.Debugf("%s/%s/%s partial cache (%d rows), refetching full range", req.Symbol, req.Venue, iv.Key, len(cached))
		}
	}

	var (
		errs  []string
		retry bool
	)
	for _, l := range r.legs {
		rows, err := r.call(ctx, l, req, iv, from, to)
		if err == nil {
			r.store(ctx, req, iv, from, to, rows)
			return market.FetchResult{Rows: r.finish(ctx, req.Symbol, rows), Source: l.source, Errors: errs}
		}
		errs = append(errs, fmt.Sprintf("%s: %v", l.source, err))
		retry = retry || retryable(err)
		if ctx.Err() != nil {
			errs = append(errs, "cancelled: "+ctx.Err().Error())
			break
		}
	}
	routerLog.Warnf("%s/%s/%s exhausted all sources: %v", req.Symbol, req.Venue, iv.Key, errs)
	return market.FetchResult{Source: market.SourceNone, Errors: errs, Retryable: retry}
}

var errUnhealthy = errors.New("unhealthy")

// retryable reports whether a leg failure could clear up on a later attempt. Provider errors
// decide for themselves; an absent leg never will; anything unclassified is assumed transient.
func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, market.ErrEmptyResult), errors.Is(err, market.ErrRateLimited),
		errors.Is(err, errUnhealthy), errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var pe *market.ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return !errors.Is(err, market.ErrProviderUnavailable)
}

func validate(req Request) (market.Interval, error) {
	if market.NormalizeSymbol(req.Symbol) == "" {
		return market.Interval{}, errors.New("symbol is required")
	}
	iv, err := market.ParseInterval(req.Interval)
	if err != nil {
		return market.Interval{}, err
	}
	if req.From.IsZero() || req.To.IsZero() {
		return market.Interval{}, errors.New("from and to are required")
	}
	if req.To.Before(req.From) {
		return market.Interval{}, fmt.Errorf("to %s is before from %s", req.To.Format(time.RFC3339), req.From.Format(time.RFC3339))
	}
	return iv, nil
}

// call runs one provider step. Breaker skips, limiter waits and the call itself all happen
// here; only genuine provider failures count against the breaker.
func (r *Router) call(ctx context.Context, l *leg, req Request, iv market.Interval, from, to time.Time) ([]market.Row, error) {
	if l.provider == nil {
		return nil, market.ErrProviderUnavailable
	}
	name := l.provider.Name()
	if !l.breaker.Allow() {
		h := l.breaker.Health()
		return nil, fmt.Errorf("%s skipped, %w until %s", name, errUnhealthy, h.UnhealthyUntil.UTC().Format(time.RFC3339))
	}
	if l.limiter != nil {
		wait, err := l.limiter.Acquire(ctx, 1)
		if err != nil {
			return nil, fmt.Errorf("%s rate limiter: %w", name, err)
		}
		if wait > 0 {
			routerLog.Debugf("%s throttled %s before %s", name, wait.Round(time.Millisecond), req.Symbol)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	rows, err := safeFetch(callCtx, l.provider, req.Symbol, req.Venue, iv.Key, from, to)
	if err == nil {
		rows = normalise(rows, req, iv, from, to)
		if len(rows) == 0 {
			err = &market.ProviderError{Provider: name, Op: "fetch", Err: market.ErrEmptyResult, Transient: true}
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			// The caller gave up; that says nothing about the provider.
			return nil, ctx.Err()
		}
		l.breaker.RecordFailure()
		routerLog.Warnf("%s %s/%s/%s failed: %v", name, req.Symbol, req.Venue, iv.Key, err)
		return nil, err
	}
	l.breaker.RecordSuccess()
	return rows, nil
}

func safeFetch(ctx context.Context, p market.Provider, symbol, venue, interval string, from, to time.Time) (rows []market.Row, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &market.ProviderError{Provider: p.Name(), Op: "fetch", Err: fmt.Errorf("panic: %v", rec), Transient: true}
		}
	}()
	return p.FetchOHLCV(ctx, symbol, venue, interval, from, to)
}

func normalise(rows []market.Row, req Request, iv market.Interval, from, to time.Time) []market.Row {
	out := make([]market.Row, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Stamp(req.Symbol, req.Venue, iv.Key))
	}
	return market.DedupRows(market.FilterRange(out, from, to))
}

// store replaces whatever the cache held for the range; the provider is authoritative.
func (r *Router) store(ctx context.Context, req Request, iv market.Interval, from, to time.Time, rows []market.Row) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Replace(ctx, req.Symbol, req.Venue, iv.Key, from, to, rows); err != nil {
		routerLog.Warnf("cache write %s/%s/%s failed: %v", req.Symbol, req.Venue, iv.Key, err)
	}
}

func (r *Router) finish(ctx context.Context, symbol string, rows []market.Row) []market.Row {
	if r.post == nil {
		return rows
	}
	return r.post(ctx, symbol, rows)
}

// covers decides whether cached rows span [from, to]. Each end may fall short by edgeSlack,
// which absorbs weekends and overnight sessions; to is clamped to now so open-ended ranges
// still hit.
func (r *Router) covers(rows []market.Row, iv market.Interval, from, to time.Time) bool {
	if len(rows) == 0 {
		return false
	}
	if now := r.now().UTC(); to.After(now) {
		to = now
	}
	slack := edgeSlack(iv)
	first := rows[0].Timestamp
	last := rows[len(rows)-1].Timestamp
	if first.After(from.Add(slack)) {
		return false
	}
	return !last.Before(iv.Align(to).Add(-slack))
}

func edgeSlack(iv market.Interval) time.Duration {
	switch {
	case iv.Intraday():
		return 24 * time.Hour
	case iv.Duration == 24*time.Hour:
		return 3 * 24 * time.Hour
	default:
		return iv.Duration
	}
}

// Health reports each configured provider's breaker, keyed by source.
func (r *Router) Health() map[string]circuit.Health {
	out := make(map[string]circuit.Health, len(r.legs))
	for _, l := range r.legs {
		if l.provider == nil {
			continue
		}
		out[string(l.source)] = l.breaker.Health()
	}
	return out
}
