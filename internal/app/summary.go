package app

import (
	"fmt"
	"io"
	"os"
	"strings"

	"marketcache/internal/config"
)

type StartupSummary struct {
	Cache     CacheSummary
	Providers []ProviderSummary
	Actions   ActionsSummary
	HTTPAddr  string
	Batch     config.BatchConfig
}

type CacheSummary struct {
	Backend     string
	Path        string
	TTL         string
	Maintenance string
}

type ProviderSummary struct {
	Role    string
	Name    string
	Enabled bool
	RPS     float64
	Burst   int
}

type ActionsSummary struct {
	Enabled      bool
	Path         string
	Seeded       int
	AdjustSplits bool
}

func newSummary(cfg *config.Config, seeded int) *StartupSummary {
	s := &StartupSummary{
		Cache: CacheSummary{
			Backend:     cfg.Cache.Backend,
			Path:        cfg.Cache.Path,
			TTL:         cfg.Cache.TTL().String(),
			Maintenance: cfg.Cache.MaintenanceCron,
		},
		Actions: ActionsSummary{
			Enabled:      cfg.Actions.Enabled,
			Path:         cfg.Actions.Path,
			Seeded:       seeded,
			AdjustSplits: cfg.App.AdjustSplits,
		},
		HTTPAddr: cfg.App.HTTPAddr,
		Batch:    cfg.Batch,
	}
	for _, p := range []struct {
		role string
		cfg  config.ProviderConfig
	}{{"primary", cfg.Providers.Primary}, {"secondary", cfg.Providers.Secondary}} {
		s.Providers = append(s.Providers, ProviderSummary{
			Role:    p.role,
			Name:    p.cfg.Kind(),
			Enabled: p.cfg.Enabled,
			RPS:     p.cfg.RequestsPerSecond,
			Burst:   p.cfg.Burst,
		})
	}
	return s
}

func (s *StartupSummary) Print() {
	s.Fprint(os.Stdout)
}

func (s *StartupSummary) Fprint(w io.Writer) {
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%*s\n", 40+len("STARTUP SUMMARY")/2, "STARTUP SUMMARY")
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintln(w, "[CACHE]")
	fmt.Fprintf(w, "  backend:     %s\n", s.Cache.Backend)
	if s.Cache.Backend != "memory" {
		fmt.Fprintf(w, "  path:        %s\n", s.Cache.Path)
	}
	fmt.Fprintf(w, "  ttl:         %s\n", s.Cache.TTL)
	fmt.Fprintf(w, "  maintenance: %s\n", orDash(s.Cache.Maintenance))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[PROVIDERS]")
	for _, p := range s.Providers {
		state := "disabled"
		if p.Enabled {
			state = fmt.Sprintf("%.2f req/s burst=%d", p.RPS, p.Burst)
		}
		fmt.Fprintf(w, "  %-10s %-14s %s\n", p.Role, orDash(p.Name), state)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[CORPORATE ACTIONS]")
	if !s.Actions.Enabled {
		fmt.Fprintln(w, "  persistence disabled")
	} else {
		fmt.Fprintf(w, "  log:           %s\n", s.Actions.Path)
		fmt.Fprintf(w, "  seeded:        %d\n", s.Actions.Seeded)
	}
	fmt.Fprintf(w, "  adjust splits: %v\n", s.Actions.AdjustSplits)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[BATCH]")
	fmt.Fprintf(w, "  workers=%d retries=%d backoff=%dms..%dms validate=%v\n",
		s.Batch.MaxWorkers, s.Batch.MaxRetries, s.Batch.RetryMinMS, s.Batch.RetryMaxMS, s.Batch.Validate)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "[HTTP] %s\n", orDash(s.HTTPAddr))
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func orDash(v string) string {
	if strings.TrimSpace(v) == "" {
		return "-"
	}
	return v
}
