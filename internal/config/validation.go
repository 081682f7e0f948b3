package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

func validate(c *Config) error {
	if err := c.Cache.validate(); err != nil {
		return err
	}
	if err := c.Actions.validate(); err != nil {
		return err
	}
	if err := c.Providers.validate(); err != nil {
		return err
	}
	if err := c.Router.validate(); err != nil {
		return err
	}
	if err := c.Batch.validate(); err != nil {
		return err
	}
	if err := c.Validation.validate(); err != nil {
		return err
	}
	if err := c.Gaps.validate(); err != nil {
		return err
	}
	if c.Corporate.SplitThreshold <= 0 || c.Corporate.SplitThreshold >= 1 {
		return fmt.Errorf("corporate.split_threshold must be in (0,1)")
	}
	return nil
}

func (c *CacheConfig) validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	switch c.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("cache.backend must be sqlite or memory, got %q", c.Backend)
	}
	if c.Backend != "memory" && strings.TrimSpace(c.Path) == "" {
		return fmt.Errorf("cache.path cannot be empty")
	}
	if c.TTLSeconds <= 0 {
		return fmt.Errorf("cache.ttl_seconds must be > 0")
	}
	if spec := strings.TrimSpace(c.MaintenanceCron); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("cache.maintenance_cron invalid: %w", err)
		}
	}
	return nil
}

func (a *ActionsConfig) validate() error {
	if a.Enabled && strings.TrimSpace(a.Path) == "" {
		return fmt.Errorf("actions.path cannot be empty when actions.enabled")
	}
	return nil
}

func (p *ProvidersConfig) validate() error {
	if !p.Primary.Enabled && !p.Secondary.Enabled {
		return fmt.Errorf("providers: at least one of primary/secondary must be enabled")
	}
	if err := p.Primary.validate("providers.primary"); err != nil {
		return err
	}
	if err := p.Secondary.validate("providers.secondary"); err != nil {
		return err
	}
	if p.Primary.Enabled && p.Secondary.Enabled && p.Primary.Kind() == p.Secondary.Kind() {
		return fmt.Errorf("providers.primary and providers.secondary cannot both be %s", p.Primary.Kind())
	}
	return nil
}

func (p *ProviderConfig) validate(prefix string) error {
	if !p.Enabled {
		return nil
	}
	switch p.Kind() {
	case "yahoo":
	case "alphavantage":
		if strings.TrimSpace(p.APIKey) == "" {
			return fmt.Errorf("%s.api_key is required for alphavantage", prefix)
		}
	case "":
		return fmt.Errorf("%s.name cannot be empty", prefix)
	default:
		return fmt.Errorf("%s.name unsupported: %s", prefix, p.Name)
	}
	if strings.TrimSpace(p.BaseURL) == "" {
		return fmt.Errorf("%s.base_url cannot be empty", prefix)
	}
	if p.RequestsPerSecond <= 0 {
		return fmt.Errorf("%s.requests_per_second must be > 0", prefix)
	}
	if p.Burst < 0 {
		return fmt.Errorf("%s.burst must be >= 0", prefix)
	}
	if p.TimeoutSeconds <= 0 {
		return fmt.Errorf("%s.timeout_seconds must be > 0", prefix)
	}
	return nil
}

func (r *RouterConfig) validate() error {
	if r.FailureThreshold <= 0 {
		return fmt.Errorf("router.failure_threshold must be > 0")
	}
	if r.CooldownSeconds <= 0 {
		return fmt.Errorf("router.cooldown_seconds must be > 0")
	}
	return nil
}

func (b *BatchConfig) validate() error {
	if b.MaxWorkers <= 0 {
		return fmt.Errorf("batch.max_workers must be > 0")
	}
	if b.MaxRetries < 0 {
		return fmt.Errorf("batch.max_retries must be >= 0")
	}
	if b.RetryMinMS <= 0 || b.RetryMaxMS < b.RetryMinMS {
		return fmt.Errorf("batch.retry_min_ms must be > 0 and <= batch.retry_max_ms")
	}
	return nil
}

func (v *ValidationConfig) validate() error {
	if v.PriceJumpPct <= 0 {
		return fmt.Errorf("validation.price_jump_pct must be > 0")
	}
	if v.VolumeMultiple <= 1 {
		return fmt.Errorf("validation.volume_multiple must be > 1")
	}
	if v.VolumeWindow <= 0 {
		return fmt.Errorf("validation.volume_window must be > 0")
	}
	return nil
}

func (g *GapsConfig) validate() error {
	if g.SmallGapThreshold <= 0 {
		return fmt.Errorf("gaps.small_gap_threshold must be > 0")
	}
	return nil
}
