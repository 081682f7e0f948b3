package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"marketcache/internal/logger"

	"github.com/robfig/cron/v3"
)

const DefaultMaintenanceSpec = "@every 1h"

var maintLog = logger.With("maintenance")

// Purger is the slice of the cache the maintenance job needs.
type Purger interface {
	PurgeExpired(ctx context.Context) int64
}

// Maintenance periodically evicts rows whose cached_at is older than the cache TTL.
type Maintenance struct {
	cron  *cron.Cron
	cache Purger
	spec  string

	mu      sync.Mutex
	running bool
	lastRun time.Time
	removed int64
}

// Run summarises the most recent purge.
type Run struct {
	LastRun      time.Time `json:"last_run"`
	TotalRemoved int64     `json:"total_removed"`
}

func NewMaintenance(cache Purger, spec string) (*Maintenance, error) {
	if cache == nil {
		return nil, fmt.Errorf("maintenance requires a cache")
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultMaintenanceSpec
	}
	m := &Maintenance{
		cron:  cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		cache: cache,
		spec:  spec,
	}
	if _, err := m.cron.AddFunc(spec, func() { m.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("register purge job %q: %w", spec, err)
	}
	return m, nil
}

func (m *Maintenance) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.cron.Start()
	m.running = true
	maintLog.Infof("started (%s)", m.spec)
}

// Stop halts the schedule and waits for a running purge, bounded by ctx.
func (m *Maintenance) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()
	done := m.cron.Stop()
	select {
	case <-done.Done():
		maintLog.Infof("stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce purges expired rows immediately.
func (m *Maintenance) RunOnce(ctx context.Context) int64 {
	removed := m.cache.PurgeExpired(ctx)
	m.mu.Lock()
	m.lastRun = time.Now()
	m.removed += removed
	m.mu.Unlock()
	if removed > 0 {
		maintLog.Infof("purged %d expired rows", removed)
	} else {
		maintLog.Debugf("nothing to purge")
	}
	return removed
}

func (m *Maintenance) Last() Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Run{LastRun: m.lastRun, TotalRemoved: m.removed}
}

// Serve starts the schedule and blocks until ctx is cancelled.
func (m *Maintenance) Serve(ctx context.Context) error {
	m.Start()
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.Stop(stopCtx)
}
