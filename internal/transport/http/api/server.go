package apihttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"marketcache/internal/batch"
	"marketcache/internal/gaps"
	"marketcache/internal/logger"
	"marketcache/internal/market"
	"marketcache/internal/pkg/circuit"
	"marketcache/internal/pkg/ratelimit"
	"marketcache/internal/quality"
	"marketcache/internal/router"
	"marketcache/internal/store"
	"marketcache/internal/timeframe"

	"github.com/gin-gonic/gin"
)

const defaultAddr = ":9992"

var httpLog = logger.With("http")

// Service is the data-access surface exposed over HTTP.
type Service interface {
	Fetch(ctx context.Context, req router.Request) market.FetchResult
	FetchBatch(ctx context.Context, req batch.Request) batch.Result
	FetchTimeframes(ctx context.Context, symbol, venue string, intervals []string, from, to time.Time, forceRefresh bool) timeframe.Result
	GetCachedRows(ctx context.Context, symbol, venue, interval string, from, to time.Time) []market.Row
	Invalidate(ctx context.Context, filter store.InvalidateFilter) int64
	GetCacheStats(ctx context.Context) store.CacheStats
	Validate(rows []market.Row) quality.Result
	DetectGaps(rows []market.Row, interval string) ([]market.Gap, error)
	GapReport(found []market.Gap) gaps.Report
	FillGaps(rows []market.Row, interval, strategy string) ([]market.Row, error)
	RecordAction(ctx context.Context, symbol string, action market.CorporateAction) error
	GetActions(ctx context.Context, symbol string, from, to *time.Time) ([]market.CorporateAction, error)
	ApplyAllAdjustments(ctx context.Context, symbol string, rows []market.Row) ([]market.Row, error)
	ProviderHealth() map[string]circuit.Health
	LimiterStats() map[string]ratelimit.Stats
}

type Server struct {
	addr   string
	router *gin.Engine
}

type ServerConfig struct {
	Addr    string
	Service Service
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("http server requires a service")
	}
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	NewHandler(cfg.Service).Register(engine.Group("/api"))
	return &Server{addr: cfg.Addr, router: engine}, nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}
		c.Next()
		httpLog.Debugf("%s %s status=%d ip=%s dur=%s", c.Request.Method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	httpLog.Infof("listening on %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
