package config

import (
	"strings"
	"time"
)

// Config is the root of the marketcache configuration file.
type Config struct {
	App        AppConfig        `toml:"app"`
	Cache      CacheConfig      `toml:"cache"`
	Actions    ActionsConfig    `toml:"actions"`
	Providers  ProvidersConfig  `toml:"providers"`
	Router     RouterConfig     `toml:"router"`
	Batch      BatchConfig      `toml:"batch"`
	Validation ValidationConfig `toml:"validation"`
	Gaps       GapsConfig       `toml:"gaps"`
	Corporate  CorporateConfig  `toml:"corporate"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
	// AdjustSplits replays recorded corporate actions over every fetched series.
	AdjustSplits bool `toml:"adjust_splits"`
}

type CacheConfig struct {
	// Backend is "sqlite" (default) or "memory"; the memory backend ignores Path.
	Backend         string `toml:"backend"`
	Path            string `toml:"path"`
	TTLSeconds      int    `toml:"ttl_seconds"`
	MaintenanceCron string `toml:"maintenance_cron"`
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

type ActionsConfig struct {
	Enabled  bool   `toml:"enabled"`
	Path     string `toml:"path"`
	SeedPath string `toml:"seed_path"`
}

type ProvidersConfig struct {
	Primary   ProviderConfig `toml:"primary"`
	Secondary ProviderConfig `toml:"secondary"`
}

// ProviderConfig describes one upstream OHLCV source and its quota.
type ProviderConfig struct {
	Name              string  `toml:"name"`
	Enabled           bool    `toml:"enabled"`
	BaseURL           string  `toml:"base_url"`
	APIKey            string  `toml:"api_key"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
	TimeoutSeconds    int     `toml:"timeout_seconds"`
}

func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

func (p ProviderConfig) Kind() string {
	return strings.ToLower(strings.TrimSpace(p.Name))
}

type RouterConfig struct {
	FailureThreshold int `toml:"failure_threshold"`
	CooldownSeconds  int `toml:"cooldown_seconds"`
}

func (r RouterConfig) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

type BatchConfig struct {
	MaxWorkers int  `toml:"max_workers"`
	MaxRetries int  `toml:"max_retries"`
	RetryMinMS int  `toml:"retry_min_ms"`
	RetryMaxMS int  `toml:"retry_max_ms"`
	Validate   bool `toml:"validate"`
}

type ValidationConfig struct {
	PriceJumpPct   float64 `toml:"price_jump_pct"`
	VolumeMultiple float64 `toml:"volume_multiple"`
	VolumeWindow   int     `toml:"volume_window"`
}

type GapsConfig struct {
	// CalendarMIC overrides the venue mapping; empty derives the MIC from the request venue.
	CalendarMIC       string `toml:"calendar_mic"`
	SmallGapThreshold int    `toml:"small_gap_threshold"`
}

type CorporateConfig struct {
	SplitThreshold float64 `toml:"split_threshold"`
}

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
