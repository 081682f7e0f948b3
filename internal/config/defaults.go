package config

import (
	"strings"
)

const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppHTTPAddr       = ":9992"
	defaultCacheBackend      = "sqlite"
	defaultCachePath         = "data/marketcache.db"
	defaultCacheTTLSeconds   = 6 * 3600
	defaultMaintenanceCron   = "@every 1h"
	defaultActionsPath       = "data/corporate_actions.db"
	defaultPrimaryName       = "yahoo"
	defaultPrimaryURL        = "https://query1.finance.yahoo.com"
	defaultPrimaryRPS        = 2
	defaultSecondaryName     = "alphavantage"
	defaultSecondaryURL      = "https://www.alphavantage.co"
	defaultSecondaryRPS      = 0.08
	defaultProviderTimeout   = 30
	defaultFailureThreshold  = 1
	defaultCooldownSeconds   = 300
	defaultBatchWorkers      = 4
	defaultBatchRetries      = 2
	defaultBatchRetryMinMS   = 500
	defaultBatchRetryMaxMS   = 10000
	defaultPriceJumpPct      = 0.20
	defaultVolumeMultiple    = 5
	defaultVolumeWindow      = 20
	defaultSmallGapThreshold = 5
	defaultSplitThreshold    = 0.45
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Cache.applyDefaults(keys)
	c.Actions.applyDefaults(keys)
	c.Providers.Primary.applyDefaults(keys, "providers.primary", defaultPrimaryName, defaultPrimaryURL, defaultPrimaryRPS)
	c.Providers.Secondary.applyDefaults(keys, "providers.secondary", defaultSecondaryName, defaultSecondaryURL, defaultSecondaryRPS)
	c.Router.applyDefaults(keys)
	c.Batch.applyDefaults(keys)
	c.Validation.applyDefaults(keys)
	c.Gaps.applyDefaults(keys)
	c.Corporate.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (c *CacheConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("cache.backend", &c.Backend, defaultCacheBackend),
		stringFieldDefault("cache.path", &c.Path, defaultCachePath),
		intFieldDefault("cache.ttl_seconds", &c.TTLSeconds, defaultCacheTTLSeconds),
		stringFieldDefault("cache.maintenance_cron", &c.MaintenanceCron, defaultMaintenanceCron),
	)
}

func (a *ActionsConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("actions.enabled", &a.Enabled, true),
		stringFieldDefault("actions.path", &a.Path, defaultActionsPath),
	)
}

func (p *ProviderConfig) applyDefaults(keys keySet, prefix, name, baseURL string, rps float64) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault(prefix+".name", &p.Name, name),
		boolFieldDefault(prefix+".enabled", &p.Enabled, true),
		fieldDefault{
			key:  prefix + ".base_url",
			need: func() bool { return strings.TrimSpace(p.BaseURL) == "" && strings.EqualFold(p.Name, name) },
			apply: func() {
				p.BaseURL = baseURL
			},
		},
		fieldDefault{
			key:   prefix + ".requests_per_second",
			need:  func() bool { return p.RequestsPerSecond <= 0 },
			apply: func() { p.RequestsPerSecond = rps },
		},
		intFieldDefault(prefix+".timeout_seconds", &p.TimeoutSeconds, defaultProviderTimeout),
	)
}

func (r *RouterConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("router.failure_threshold", &r.FailureThreshold, defaultFailureThreshold),
		intFieldDefault("router.cooldown_seconds", &r.CooldownSeconds, defaultCooldownSeconds),
	)
}

func (b *BatchConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("batch.max_workers", &b.MaxWorkers, defaultBatchWorkers),
		intFieldDefault("batch.retry_min_ms", &b.RetryMinMS, defaultBatchRetryMinMS),
		intFieldDefault("batch.retry_max_ms", &b.RetryMaxMS, defaultBatchRetryMaxMS),
		boolFieldDefault("batch.validate", &b.Validate, true),
	)
	if !keys.isSet("batch.max_retries") {
		b.MaxRetries = defaultBatchRetries
	}
}

func (v *ValidationConfig) applyDefaults(keys keySet) {
	if v == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("validation.price_jump_pct", &v.PriceJumpPct, defaultPriceJumpPct),
		floatFieldDefault("validation.volume_multiple", &v.VolumeMultiple, defaultVolumeMultiple),
		intFieldDefault("validation.volume_window", &v.VolumeWindow, defaultVolumeWindow),
	)
}

func (g *GapsConfig) applyDefaults(keys keySet) {
	if g == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("gaps.small_gap_threshold", &g.SmallGapThreshold, defaultSmallGapThreshold),
	)
}

func (c *CorporateConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("corporate.split_threshold", &c.SplitThreshold, defaultSplitThreshold),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
