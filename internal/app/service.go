package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"marketcache/internal/batch"
	"marketcache/internal/config"
	"marketcache/internal/corpaction"
	"marketcache/internal/gaps"
	"marketcache/internal/logger"
	"marketcache/internal/market"
	"marketcache/internal/pkg/circuit"
	"marketcache/internal/pkg/ratelimit"
	"marketcache/internal/quality"
	"marketcache/internal/router"
	"marketcache/internal/store"
	"marketcache/internal/timeframe"
)

var svcLog = logger.With("service")

// Cache is what the service needs from the time-series cache.
type Cache interface {
	market.Cache
	Invalidate(ctx context.Context, filter store.InvalidateFilter) int64
	Stats(ctx context.Context) store.CacheStats
}

// DataService is the single entry point collaborators use. Every method returns a value or an
// error; none of them panic past this boundary.
type DataService struct {
	cache     Cache
	router    *router.Router
	loader    *batch.Loader
	frames    *timeframe.MultiFetcher
	validator *quality.Validator
	actions   *corpaction.Handler
	limiters  *ratelimit.Registry

	calendarMIC    string
	smallGap       int
	splitThreshold float64

	calMu     sync.Mutex
	calendars map[string]gaps.Calendar
}

type serviceOptions struct {
	routerOpts []router.Option
	batchOpts  []batch.Option
	calendar   gaps.Calendar
}

type ServiceOption func(*serviceOptions)

// WithRouterOptions appends router options after the ones derived from config.
func WithRouterOptions(opts ...router.Option) ServiceOption {
	return func(o *serviceOptions) { o.routerOpts = append(o.routerOpts, opts...) }
}

func WithBatchOptions(opts ...batch.Option) ServiceOption {
	return func(o *serviceOptions) { o.batchOpts = append(o.batchOpts, opts...) }
}

// WithCalendar pins the gap calendar instead of deriving one per venue.
func WithCalendar(cal gaps.Calendar) ServiceOption {
	return func(o *serviceOptions) { o.calendar = cal }
}

func NewDataService(cfg *config.Config, cache Cache, primary, secondary market.Provider, log corpaction.ActionLog, opts ...ServiceOption) (*DataService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if cache == nil {
		return nil, fmt.Errorf("nil cache")
	}
	var so serviceOptions
	for _, opt := range opts {
		opt(&so)
	}

	limiters := ratelimit.NewRegistry()
	registerLimiter(limiters, primary, cfg.Providers.Primary)
	registerLimiter(limiters, secondary, cfg.Providers.Secondary)

	s := &DataService{
		cache:          cache,
		validator:      quality.NewValidator(quality.Config(cfg.Validation)),
		actions:        corpaction.NewHandler(log),
		limiters:       limiters,
		calendarMIC:    strings.TrimSpace(cfg.Gaps.CalendarMIC),
		smallGap:       cfg.Gaps.SmallGapThreshold,
		splitThreshold: cfg.Corporate.SplitThreshold,
		calendars:      map[string]gaps.Calendar{},
	}
	if so.calendar != nil {
		s.calendars[""] = so.calendar
	}

	callTimeout := maxDuration(cfg.Providers.Primary.Timeout(), cfg.Providers.Secondary.Timeout())
	routerOpts := []router.Option{
		router.WithLimiters(limiters),
		router.WithCallTimeout(callTimeout),
		router.WithBreaker(cfg.Router.FailureThreshold, cfg.Router.Cooldown()),
	}
	if cfg.App.AdjustSplits {
		routerOpts = append(routerOpts, router.WithPostProcessor(s.adjust))
	}
	s.router = router.New(cache, primary, secondary, append(routerOpts, so.routerOpts...)...)

	batchOpts := []batch.Option{
		batch.WithMaxWorkers(cfg.Batch.MaxWorkers),
		batch.WithMaxRetries(cfg.Batch.MaxRetries),
		batch.WithBackoff(time.Duration(cfg.Batch.RetryMinMS)*time.Millisecond, time.Duration(cfg.Batch.RetryMaxMS)*time.Millisecond),
		batch.WithProgress(func(p batch.Progress) {
			svcLog.Debugf("batch %s %s %s attempt=%d %d/%d %s", p.RunID, p.Symbol, p.Status, p.Attempt, p.Done, p.Total, p.Error)
		}),
	}
	if cfg.Batch.Validate {
		batchOpts = append(batchOpts, batch.WithValidator(s.validator))
	}
	s.loader = batch.NewLoader(s.router, append(batchOpts, so.batchOpts...)...)
	s.frames = timeframe.NewFetcher(s.router, len(market.SupportedIntervals()))
	return s, nil
}

func registerLimiter(reg *ratelimit.Registry, p market.Provider, cfg config.ProviderConfig) {
	if p == nil {
		return
	}
	reg.Register(p.Name(), ratelimit.New(cfg.RequestsPerSecond, cfg.Burst))
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// adjust replays recorded actions over rows handed to callers; failures leave rows untouched.
func (s *DataService) adjust(ctx context.Context, symbol string, rows []market.Row) []market.Row {
	out, err := s.actions.ApplyAllAdjustments(ctx, symbol, rows)
	if err != nil {
		svcLog.Warnf("adjust %s: %v", symbol, err)
		return rows
	}
	return out
}

func (s *DataService) Fetch(ctx context.Context, req router.Request) market.FetchResult {
	return s.router.Fetch(ctx, req)
}

func (s *DataService) FetchBatch(ctx context.Context, req batch.Request) batch.Result {
	return s.loader.Load(ctx, req)
}

// FetchTimeframes fetches every interval concurrently and cross-checks the ones that came back.
func (s *DataService) FetchTimeframes(ctx context.Context, symbol, venue string, intervals []string, from, to time.Time, forceRefresh bool) timeframe.Result {
	results := s.frames.FetchAll(ctx, symbol, venue, intervals, from, to, forceRefresh)
	series := make(map[string][]market.Row, len(results))
	for key, res := range results {
		if res.OK() {
			series[key] = res.Rows
		}
	}
	issues := timeframe.ValidateConsistency(series)
	if issues == nil {
		issues = []string{}
	}
	return timeframe.Result{Results: results, Issues: issues}
}

// GetCachedRows reads the cache only. Stale or missing ranges come back empty.
func (s *DataService) GetCachedRows(ctx context.Context, symbol, venue, interval string, from, to time.Time) []market.Row {
	rows := s.cache.Get(ctx, symbol, venue, interval, from, to)
	if rows == nil {
		return []market.Row{}
	}
	return rows
}

func (s *DataService) Invalidate(ctx context.Context, filter store.InvalidateFilter) int64 {
	return s.cache.Invalidate(ctx, filter)
}

func (s *DataService) GetCacheStats(ctx context.Context) store.CacheStats {
	return s.cache.Stats(ctx)
}

func (s *DataService) Validate(rows []market.Row) quality.Result {
	return s.validator.Validate(rows)
}

// DetectGaps uses the venue calendar of the rows (or the configured override).
func (s *DataService) DetectGaps(rows []market.Row, interval string) ([]market.Gap, error) {
	return gaps.NewDetector(s.calendarFor(rows)).Detect(rows, interval)
}

func (s *DataService) GapReport(found []market.Gap) gaps.Report {
	return gaps.BuildReport(found, s.smallGap)
}

func (s *DataService) FillGaps(rows []market.Row, interval, strategy string) ([]market.Row, error) {
	st, err := gaps.ParseStrategy(strategy)
	if err != nil {
		return nil, err
	}
	return gaps.NewDetector(s.calendarFor(rows)).Fill(rows, interval, st)
}

func (s *DataService) calendarFor(rows []market.Row) gaps.Calendar {
	s.calMu.Lock()
	defer s.calMu.Unlock()
	if cal, ok := s.calendars[""]; ok {
		return cal
	}
	mic := s.calendarMIC
	if mic == "" && len(rows) > 0 {
		mic = gaps.VenueMIC(rows[0].Venue)
	}
	if mic == "" {
		return nil
	}
	if cal, ok := s.calendars[mic]; ok {
		return cal
	}
	cal := gaps.NewMarketCalendar(mic)
	svcLog.Infof("gap calendar %s loaded (weekday fallback=%v)", cal.MIC(), cal.Fallback())
	s.calendars[mic] = cal
	return cal
}

func (s *DataService) RecordAction(ctx context.Context, symbol string, action market.CorporateAction) error {
	return s.actions.RecordAction(ctx, symbol, action)
}

func (s *DataService) GetActions(ctx context.Context, symbol string, from, to *time.Time) ([]market.CorporateAction, error) {
	return s.actions.GetActions(ctx, symbol, from, to)
}

func (s *DataService) ApplyAllAdjustments(ctx context.Context, symbol string, rows []market.Row) ([]market.Row, error) {
	return s.actions.ApplyAllAdjustments(ctx, symbol, rows)
}

// DetectSplit looks for an unrecorded split in rows using the configured threshold.
func (s *DataService) DetectSplit(rows []market.Row) (corpaction.Split, bool) {
	return corpaction.DetectSplit(rows, s.splitThreshold)
}

func (s *DataService) LoadSeed(ctx context.Context, path string) (int, error) {
	return s.actions.LoadSeed(ctx, path)
}

func (s *DataService) ProviderHealth() map[string]circuit.Health {
	return s.router.Health()
}

func (s *DataService) LimiterStats() map[string]ratelimit.Stats {
	return s.limiters.Stats()
}
