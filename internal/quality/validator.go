package quality

import (
	"fmt"
	"math"
	"time"

	"marketcache/internal/market"
)

const (
	errorPenalty   = 10.0
	warningPenalty = 2.0
)

// Config tunes the warning checks. Zero fields fall back to defaults.
type Config struct {
	PriceJumpPct   float64 `json:"price_jump_pct"`
	VolumeMultiple float64 `json:"volume_multiple"`
	VolumeWindow   int     `json:"volume_window"`
}

func DefaultConfig() Config {
	return Config{PriceJumpPct: 0.20, VolumeMultiple: 5, VolumeWindow: 20}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PriceJumpPct <= 0 {
		c.PriceJumpPct = def.PriceJumpPct
	}
	if c.VolumeMultiple <= 0 {
		c.VolumeMultiple = def.VolumeMultiple
	}
	if c.VolumeWindow <= 0 {
		c.VolumeWindow = def.VolumeWindow
	}
	return c
}

// Issue is one finding, tagged with the row index and the offending field.
type Issue struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Field     string    `json:"field"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
}

type Result struct {
	IsValid      bool    `json:"is_valid"`
	Errors       []Issue `json:"errors"`
	Warnings     []Issue `json:"warnings"`
	QualityScore float64 `json:"quality_score"`
	CheckedRows  int     `json:"checked_rows"`
}

// Err condenses the errors into a single error, nil when the batch is valid.
func (r Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	first := r.Errors[0]
	if len(r.Errors) == 1 {
		return fmt.Errorf("validation failed: %s", first.Message)
	}
	return fmt.Errorf("validation failed: %s (and %d more)", first.Message, len(r.Errors)-1)
}

type Validator struct {
	cfg Config
}

func NewValidator(cfg Config) *Validator {
	return &Validator{cfg: cfg.withDefaults()}
}

// Validate runs every check over rows in input order. It never mutates rows.
func (v *Validator) Validate(rows []market.Row) Result {
	res := Result{CheckedRows: len(rows)}
	for i, r := range rows {
		res.Errors = append(res.Errors, checkRelationships(i, r)...)
	}
	for i, r := range rows {
		res.Errors = append(res.Errors, checkPositive(i, r)...)
	}
	res.Warnings = append(res.Warnings, v.checkJumps(rows)...)
	res.Warnings = append(res.Warnings, v.checkVolume(rows)...)
	res.Errors = append(res.Errors, checkTimestamps(rows)...)

	res.IsValid = len(res.Errors) == 0
	res.QualityScore = score(len(res.Errors), len(res.Warnings))
	return res
}

func score(errs, warns int) float64 {
	return math.Max(0, 100-errorPenalty*float64(errs)-warningPenalty*float64(warns))
}

func issue(i int, r market.Row, field, code, format string, args ...any) Issue {
	return Issue{
		Index:     i,
		Timestamp: r.Timestamp,
		Field:     field,
		Code:      code,
		Message:   fmt.Sprintf("row %d (%s): ", i, r.Timestamp.UTC().Format(time.RFC3339)) + fmt.Sprintf(format, args...),
	}
}

func checkRelationships(i int, r market.Row) []Issue {
	var out []Issue
	if r.High < r.Open {
		out = append(out, issue(i, r, "high", "high_below_open", "high %.4f < open %.4f", r.High, r.Open))
	}
	if r.High < r.Close {
		out = append(out, issue(i, r, "high", "high_below_close", "high %.4f < close %.4f", r.High, r.Close))
	}
	if r.High < r.Low {
		out = append(out, issue(i, r, "high", "high_below_low", "high %.4f < low %.4f", r.High, r.Low))
	}
	if r.Low > r.Open {
		out = append(out, issue(i, r, "low", "low_above_open", "low %.4f > open %.4f", r.Low, r.Open))
	}
	if r.Low > r.Close {
		out = append(out, issue(i, r, "low", "low_above_close", "low %.4f > close %.4f", r.Low, r.Close))
	}
	return out
}

func checkPositive(i int, r market.Row) []Issue {
	var out []Issue
	for _, f := range []struct {
		name  string
		value float64
	}{{"open", r.Open}, {"high", r.High}, {"low", r.Low}, {"close", r.Close}} {
		if f.value <= 0 || math.IsNaN(f.value) {
			out = append(out, issue(i, r, f.name, "non_positive_price", "%s %.4f is not positive", f.name, f.value))
		}
	}
	return out
}

func (v *Validator) checkJumps(rows []market.Row) []Issue {
	var out []Issue
	for i := 1; i < len(rows); i++ {
		prev := rows[i-1].Close
		if prev <= 0 {
			continue
		}
		change := math.Abs(rows[i].Open-prev) / prev
		if change > v.cfg.PriceJumpPct {
			out = append(out, issue(i, rows[i], "open", "price_jump",
				"open %.4f moved %.1f%% from previous close %.4f", rows[i].Open, change*100, prev))
		}
	}
	return out
}

// checkVolume compares each row against the mean of up to VolumeWindow preceding rows.
func (v *Validator) checkVolume(rows []market.Row) []Issue {
	var (
		out []Issue
		sum float64
	)
	for i, r := range rows {
		n := i
		if n > v.cfg.VolumeWindow {
			n = v.cfg.VolumeWindow
			sum -= rows[i-n-1].Volume
		}
		if n > 0 {
			avg := sum / float64(n)
			if avg > 0 && r.Volume > v.cfg.VolumeMultiple*avg {
				out = append(out, issue(i, r, "volume", "volume_spike",
					"volume %.0f is %.1fx the trailing average %.0f", r.Volume, r.Volume/avg, avg))
			}
		}
		sum += r.Volume
	}
	return out
}

// checkTimestamps requires strictly increasing timestamps within each series key.
func checkTimestamps(rows []market.Row) []Issue {
	type series struct{ symbol, venue, interval string }
	var (
		out  []Issue
		last = make(map[series]time.Time)
		seen = make(map[market.RowKey]struct{})
	)
	for i, r := range rows {
		key := r.Key()
		if _, dup := seen[key]; dup {
			out = append(out, issue(i, r, "timestamp", "duplicate_timestamp", "duplicate timestamp"))
			continue
		}
		seen[key] = struct{}{}
		s := series{key.Symbol, key.Venue, key.Interval}
		if prev, ok := last[s]; ok && !r.Timestamp.After(prev) {
			out = append(out, issue(i, r, "timestamp", "timestamp_order",
				"timestamp not after previous %s", prev.UTC().Format(time.RFC3339)))
		}
		if prev, ok := last[s]; !ok || r.Timestamp.After(prev) {
			last[s] = r.Timestamp
		}
	}
	return out
}
