package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"marketcache/internal/logger"
	"marketcache/internal/market"
	"marketcache/internal/quality"
	"marketcache/internal/router"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"
)

var batchLog = logger.With("batch")

const (
	DefaultMaxWorkers = 4
	DefaultMaxRetries = 2
	DefaultBackoffMin = 500 * time.Millisecond
	DefaultBackoffMax = 10 * time.Second

	reasonCancelled = "cancelled"
)

type Fetcher interface {
	Fetch(ctx context.Context, req router.Request) market.FetchResult
}

type Validator interface {
	Validate(rows []market.Row) quality.Result
}

type Status string

const (
	StatusStarted   Status = "started"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Progress is emitted when a symbol starts, before each retry, and once at its terminal status.
// Done counts symbols that reached a terminal status.
type Progress struct {
	RunID   string `json:"run_id"`
	Symbol  string `json:"symbol"`
	Status  Status `json:"status"`
	Attempt int    `json:"attempt"`
	Done    int    `json:"done"`
	Total   int    `json:"total"`
	Error   string `json:"error,omitempty"`
}

type Request struct {
	Symbols      []string  `json:"symbols"`
	Venue        string    `json:"venue"`
	Interval     string    `json:"interval"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	ForceRefresh bool      `json:"force_refresh"`
}

type Result struct {
	RunID    string                        `json:"run_id"`
	Success  []string                      `json:"success"`
	Failed   []string                      `json:"failed"`
	Data     map[string][]market.Row       `json:"data"`
	Errors   map[string]string             `json:"errors"`
	Failures map[string]market.FailureKind `json:"failure_kinds"`
	Sources  map[string]market.Source      `json:"sources"`
}

func newResult(runID string) Result {
	return Result{
		RunID:    runID,
		Success:  []string{},
		Failed:   []string{},
		Data:     map[string][]market.Row{},
		Errors:   map[string]string{},
		Failures: map[string]market.FailureKind{},
		Sources:  map[string]market.Source{},
	}
}

type Loader struct {
	fetcher    Fetcher
	maxWorkers int
	maxRetries int
	backoffMin time.Duration
	backoffMax time.Duration
	validator  Validator
	progress   func(Progress)
}

type Option func(*Loader)

func WithMaxWorkers(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.maxWorkers = n
		}
	}
}

// WithMaxRetries sets how many extra attempts a symbol gets after a failed fetch.
func WithMaxRetries(n int) Option {
	return func(l *Loader) {
		if n >= 0 {
			l.maxRetries = n
		}
	}
}

func WithBackoff(min, max time.Duration) Option {
	return func(l *Loader) {
		if min > 0 {
			l.backoffMin = min
		}
		if max >= min && max > 0 {
			l.backoffMax = max
		}
	}
}

func WithValidator(v Validator) Option {
	return func(l *Loader) { l.validator = v }
}

// WithProgress registers a callback. Calls are serialised.
func WithProgress(fn func(Progress)) Option {
	return func(l *Loader) { l.progress = fn }
}

func NewLoader(f Fetcher, opts ...Option) *Loader {
	l := &Loader{
		fetcher:    f,
		maxWorkers: DefaultMaxWorkers,
		maxRetries: DefaultMaxRetries,
		backoffMin: DefaultBackoffMin,
		backoffMax: DefaultBackoffMax,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// outcome is one symbol's terminal state.
type outcome struct {
	rows   []market.Row
	source market.Source
	kind   market.FailureKind
	reason string
}

// run carries the per-Load bookkeeping.
type run struct {
	id    string
	total int

	mu       sync.Mutex
	done     int
	outcomes map[string]outcome

	progressMu sync.Mutex
	progress   func(Progress)
}

func (r *run) emit(p Progress) {
	if r.progress == nil {
		return
	}
	r.progressMu.Lock()
	defer r.progressMu.Unlock()
	p.RunID = r.id
	p.Total = r.total
	r.progress(p)
}

func (r *run) finish(symbol string, attempt int, o outcome) {
	r.mu.Lock()
	r.outcomes[symbol] = o
	r.done++
	done := r.done
	r.mu.Unlock()

	p := Progress{Symbol: symbol, Attempt: attempt, Done: done, Status: StatusCompleted}
	if o.kind != market.FailureNone {
		p.Status = StatusFailed
		p.Error = o.reason
	}
	r.emit(p)
}

// Load fans symbols out across at most maxWorkers concurrent pipelines. Cancelling ctx stops
// dispatch; symbols already running finish their current attempt on a context detached from
// the cancellation, and symbols never dispatched fail with reason "cancelled".
func (l *Loader) Load(ctx context.Context, req Request) Result {
	runID := uuid.NewString()
	res := newResult(runID)
	symbols := normaliseSymbols(req.Symbols)
	if len(symbols) == 0 {
		return res
	}
	r := &run{id: runID, total: len(symbols), outcomes: make(map[string]outcome, len(symbols)), progress: l.progress}
	started := time.Now()

	if err := checkRequest(req); err != nil {
		for _, sym := range symbols {
			r.finish(sym, 0, outcome{kind: market.FailureProvider, reason: err.Error()})
		}
		return r.collect(symbols, res)
	}

	var (
		g   errgroup.Group
		sem = make(chan struct{}, l.maxWorkers)
	)
	workCtx := context.WithoutCancel(ctx)
dispatch:
	for i, sym := range symbols {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			l.cancelRest(r, symbols[i:])
			break dispatch
		}
		if ctx.Err() != nil {
			<-sem
			l.cancelRest(r, symbols[i:])
			break dispatch
		}
		g.Go(func() error {
			defer func() { <-sem }()
			l.process(ctx, workCtx, r, req, sym)
			return nil
		})
	}
	_ = g.Wait()

	res = r.collect(symbols, res)
	batchLog.Infof("run %s: %d/%d succeeded, %d failed in %s", runID, len(res.Success), len(symbols), len(res.Failed), time.Since(started).Round(time.Millisecond))
	return res
}

func (l *Loader) cancelRest(r *run, symbols []string) {
	batchLog.Warnf("run %s cancelled, %d symbols not dispatched", r.id, len(symbols))
	for _, sym := range symbols {
		r.finish(sym, 0, outcome{kind: market.FailureCancelled, reason: reasonCancelled})
	}
}

// process drives one symbol: fetch with retries, then validation. batchCtx only decides whether
// another attempt may start; the fetch itself runs on workCtx.
func (l *Loader) process(batchCtx, workCtx context.Context, r *run, req Request, symbol string) {
	attempt := 0
	defer func() {
		if p := recover(); p != nil {
			batchLog.Errorf("run %s %s panicked: %v", r.id, symbol, p)
			r.finish(symbol, attempt, outcome{kind: market.FailureProvider, reason: fmt.Sprintf("internal error: %v", p)})
		}
	}()

	b := &backoff.Backoff{Min: l.backoffMin, Max: l.backoffMax, Factor: 2, Jitter: true}
	r.emit(Progress{Symbol: symbol, Status: StatusStarted, Attempt: 1})
	var last market.FetchResult
	for attempt = 1; ; attempt++ {
		last = l.fetcher.Fetch(workCtx, router.Request{
			Symbol:       symbol,
			Venue:        req.Venue,
			Interval:     req.Interval,
			From:         req.From,
			To:           req.To,
			ForceRefresh: req.ForceRefresh,
		})
		if last.OK() {
			break
		}
		if attempt > l.maxRetries || !last.Retryable || batchCtx.Err() != nil {
			reason := strings.Join(last.Errors, "; ")
			if reason == "" {
				reason = "no data from any source"
			}
			r.finish(symbol, attempt, outcome{source: market.SourceNone, kind: market.FailureProvider, reason: reason})
			return
		}
		wait := b.Duration()
		batchLog.Debugf("run %s %s attempt %d failed, retrying in %s", r.id, symbol, attempt, wait.Round(time.Millisecond))
		r.emit(Progress{Symbol: symbol, Status: StatusRetrying, Attempt: attempt + 1, Error: strings.Join(last.Errors, "; ")})
		if !sleep(batchCtx, wait) {
			r.finish(symbol, attempt, outcome{source: market.SourceNone, kind: market.FailureProvider, reason: reasonCancelled + ": " + strings.Join(last.Errors, "; ")})
			return
		}
	}

	if l.validator != nil {
		vr := l.validator.Validate(last.Rows)
		if !vr.IsValid {
			r.finish(symbol, attempt, outcome{source: last.Source, kind: market.FailureValidation, reason: vr.Err().Error()})
			return
		}
	}
	r.finish(symbol, attempt, outcome{rows: last.Rows, source: last.Source})
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *run) collect(symbols []string, res Result) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sym := range symbols {
		o, ok := r.outcomes[sym]
		if !ok {
			o = outcome{kind: market.FailureCancelled, reason: reasonCancelled}
		}
		if o.source != "" {
			res.Sources[sym] = o.source
		}
		if o.kind == market.FailureNone {
			res.Success = append(res.Success, sym)
			res.Data[sym] = o.rows
			continue
		}
		res.Failed = append(res.Failed, sym)
		res.Errors[sym] = o.reason
		res.Failures[sym] = o.kind
	}
	return res
}

func checkRequest(req Request) error {
	if _, err := market.ParseInterval(req.Interval); err != nil {
		return err
	}
	if req.From.IsZero() || req.To.IsZero() || req.To.Before(req.From) {
		return fmt.Errorf("invalid range %s - %s", req.From.Format(time.RFC3339), req.To.Format(time.RFC3339))
	}
	return nil
}

func normaliseSymbols(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = market.NormalizeSymbol(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
