package market

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Interval describes a bar granularity.
type Interval struct {
	Key      string
	Duration time.Duration
}

var supportedIntervals = map[string]Interval{
	"1m":  {Key: "1m", Duration: time.Minute},
	"5m":  {Key: "5m", Duration: 5 * time.Minute},
	"15m": {Key: "15m", Duration: 15 * time.Minute},
	"30m": {Key: "30m", Duration: 30 * time.Minute},
	"1h":  {Key: "1h", Duration: time.Hour},
	"4h":  {Key: "4h", Duration: 4 * time.Hour},
	"1d":  {Key: "1d", Duration: 24 * time.Hour},
	"1w":  {Key: "1w", Duration: 7 * 24 * time.Hour},
}

var intervalAliases = map[string]string{
	"60m": "1h",
	"1wk": "1w",
	"7d":  "1w",
	"24h": "1d",
}

// ParseInterval normalises "15m", "1h", "1d", "1wk" etc.
func ParseInterval(input string) (Interval, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	if alias, ok := intervalAliases[key]; ok {
		key = alias
	}
	iv, ok := supportedIntervals[key]
	if !ok {
		return Interval{}, fmt.Errorf("%w: %q", ErrInvalidInterval, input)
	}
	return iv, nil
}

// MustInterval is ParseInterval for compile-time constants.
func MustInterval(input string) Interval {
	iv, err := ParseInterval(input)
	if err != nil {
		panic(err)
	}
	return iv
}

// SupportedIntervals returns the canonical keys ordered by duration.
func SupportedIntervals() []string {
	keys := make([]string, 0, len(supportedIntervals))
	for k := range supportedIntervals {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return supportedIntervals[keys[i]].Duration < supportedIntervals[keys[j]].Duration
	})
	return keys
}

func (iv Interval) String() string { return iv.Key }

// Intraday reports whether bars are shorter than one day.
func (iv Interval) Intraday() bool {
	return iv.Duration < 24*time.Hour
}

// Align truncates t (UTC) onto the interval grid. Weekly bars start on Monday.
func (iv Interval) Align(t time.Time) time.Time {
	t = t.UTC()
	if iv.Duration <= 0 {
		return t
	}
	if iv.Duration == 7*24*time.Hour {
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	}
	return t.Truncate(iv.Duration)
}

func (iv Interval) Next(t time.Time) time.Time {
	return t.Add(iv.Duration)
}

// ExpectedRows counts grid slots in [from, to], both ends inclusive after alignment.
func (iv Interval) ExpectedRows(from, to time.Time) int64 {
	if iv.Duration <= 0 {
		return 0
	}
	start := iv.Align(from)
	end := iv.Align(to)
	if end.Before(start) {
		return 0
	}
	return int64(end.Sub(start)/iv.Duration) + 1
}
