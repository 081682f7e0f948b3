package app

import (
	"context"
	"fmt"
	"io"

	"marketcache/internal/config"
	"marketcache/internal/logger"
	"marketcache/internal/scheduler"
	apihttp "marketcache/internal/transport/http/api"

	"golang.org/x/sync/errgroup"
)

// App wires config into the data service, its HTTP surface and cache maintenance.
type App struct {
	cfg         *config.Config
	service     *DataService
	server      *apihttp.Server
	maintenance *scheduler.Maintenance
	closers     []io.Closer
	Summary     *StartupSummary
}

// NewApp builds every dependency from cfg without starting anything.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildApp(context.Background(), cfg)
}

// Run serves HTTP and runs maintenance until ctx is cancelled, then releases storage.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.service == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()
	if a.Summary != nil {
		a.Summary.Print()
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.server.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return a.maintenance.Serve(ctx)
	})
	return group.Wait()
}

// Service exposes the data service (for embedding and tests).
func (a *App) Service() *DataService {
	if a == nil {
		return nil
	}
	return a.service
}

// ApplyConfig takes the settings that are safe to change at runtime.
func (a *App) ApplyConfig(cfg *config.Config) {
	if a == nil || cfg == nil {
		return
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("log level now %s", logger.Level())
}

// Close releases storage handles in reverse order of opening. Safe to call twice.
func (a *App) Close() {
	if a == nil {
		return
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			logger.Warnf("close: %v", err)
		}
	}
	a.closers = nil
}
