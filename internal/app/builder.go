package app

import (
	"context"
	"fmt"
	"strings"

	"marketcache/internal/config"
	"marketcache/internal/corpaction"
	"marketcache/internal/gateway/alphavantage"
	"marketcache/internal/gateway/yahoo"
	"marketcache/internal/market"
	"marketcache/internal/scheduler"
	"marketcache/internal/store"
	"marketcache/internal/store/sqlite"
	apihttp "marketcache/internal/transport/http/api"
)

// newProvider returns nil for a disabled provider so the router treats that leg as absent.
func newProvider(cfg config.ProviderConfig) (market.Provider, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Kind() {
	case "yahoo":
		return yahoo.NewClient(cfg)
	case "alphavantage":
		return alphavantage.NewClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Name)
	}
}

type maintainedCache interface {
	Cache
	PurgeExpired(ctx context.Context) int64
	Close() error
}

func openCache(cfg config.CacheConfig) (maintainedCache, error) {
	if cfg.Backend == "memory" {
		return store.NewMemoryCache(cfg.TTL(), nil), nil
	}
	c, err := store.OpenTimeSeriesCache(cfg.Path, cfg.TTL())
	if err != nil {
		return nil, err
	}
	return c, nil
}

func buildApp(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	cache, err := openCache(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	a.closers = append(a.closers, cache)

	var actionLog corpaction.ActionLog = corpaction.NoopLog{}
	if cfg.Actions.Enabled {
		st, err := sqlite.NewSqliteStore(cfg.Actions.Path)
		if err != nil {
			return nil, fmt.Errorf("open action log: %w", err)
		}
		a.closers = append(a.closers, st)
		actionLog = st
	}

	primary, err := newProvider(cfg.Providers.Primary)
	if err != nil {
		return nil, fmt.Errorf("providers.primary: %w", err)
	}
	secondary, err := newProvider(cfg.Providers.Secondary)
	if err != nil {
		return nil, fmt.Errorf("providers.secondary: %w", err)
	}

	svc, err := NewDataService(cfg, cache, primary, secondary, actionLog)
	if err != nil {
		return nil, err
	}
	a.service = svc

	seeded := 0
	if path := strings.TrimSpace(cfg.Actions.SeedPath); path != "" {
		if seeded, err = svc.LoadSeed(ctx, path); err != nil {
			return nil, fmt.Errorf("load action seed: %w", err)
		}
	}

	if a.maintenance, err = scheduler.NewMaintenance(cache, cfg.Cache.MaintenanceCron); err != nil {
		return nil, err
	}
	if a.server, err = apihttp.NewServer(apihttp.ServerConfig{Addr: cfg.App.HTTPAddr, Service: svc}); err != nil {
		return nil, err
	}
	a.Summary = newSummary(cfg, seeded)
	return a, nil
}
