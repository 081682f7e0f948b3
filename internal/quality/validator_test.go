package quality

import (
	"testing"
	"time"

	"marketcache/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

func bar(i int, o, h, l, c, v float64) market.Row {
	return market.Row{
		Symbol: "RELIANCE", Venue: "NSE", Interval: "1d",
		Timestamp: base.AddDate(0, 0, i),
		Open:      o, High: h, Low: l, Close: c, Volume: v,
	}
}

func cleanSeries(n int) []market.Row {
	rows := make([]market.Row, n)
	price := 100.0
	for i := range rows {
		rows[i] = bar(i, price, price+2, price-2, price+1, 1000)
		price++
	}
	return rows
}

func codes(issues []Issue) []string {
	out := make([]string, 0, len(issues))
	for _, is := range issues {
		out = append(out, is.Code)
	}
	return out
}

func TestCleanSeriesScoresFull(t *testing.T) {
	res := NewValidator(Config{}).Validate(cleanSeries(30))
	assert.True(t, res.IsValid)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 100.0, res.QualityScore)
	assert.Equal(t, 30, res.CheckedRows)
	assert.NoError(t, res.Err())
}

func TestEmptyInputIsValid(t *testing.T) {
	res := NewValidator(DefaultConfig()).Validate(nil)
	assert.True(t, res.IsValid)
	assert.Equal(t, 100.0, res.QualityScore)
}

func TestRelationshipViolationsAreTaggedPerField(t *testing.T) {
	rows := []market.Row{bar(0, 10, 9, 11, 12, 100)}
	res := NewValidator(DefaultConfig()).Validate(rows)

	require.False(t, res.IsValid)
	assert.ElementsMatch(t,
		[]string{"high_below_open", "high_below_close", "high_below_low", "low_above_open"},
		codes(res.Errors))
	for _, e := range res.Errors {
		assert.Contains(t, []string{"high", "low"}, e.Field)
		assert.Equal(t, 0, e.Index)
	}
	assert.Equal(t, 60.0, res.QualityScore)
	assert.ErrorContains(t, res.Err(), "and 3 more")
}

func TestNonPositivePrices(t *testing.T) {
	rows := []market.Row{bar(0, 0, 0, 0, 0, 100)}
	res := NewValidator(DefaultConfig()).Validate(rows)
	positivity := 0
	for _, e := range res.Errors {
		if e.Code == "non_positive_price" {
			positivity++
		}
	}
	assert.Equal(t, 4, positivity)
	assert.False(t, res.IsValid)
}

func TestPriceJumpIsWarningOnly(t *testing.T) {
	rows := []market.Row{
		bar(0, 100, 101, 99, 100, 1000),
		bar(1, 130, 131, 129, 130, 1000),
		bar(2, 135, 136, 134, 135, 1000),
	}
	res := NewValidator(DefaultConfig()).Validate(rows)
	assert.True(t, res.IsValid)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "price_jump", res.Warnings[0].Code)
	assert.Equal(t, 1, res.Warnings[0].Index)
	assert.Equal(t, 98.0, res.QualityScore)

	res = NewValidator(Config{PriceJumpPct: 0.5}).Validate(rows)
	assert.Empty(t, res.Warnings)
}

func TestVolumeSpikeAgainstTrailingWindow(t *testing.T) {
	rows := cleanSeries(5)
	rows[4].Volume = 6000
	res := NewValidator(DefaultConfig()).Validate(rows)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "volume_spike", res.Warnings[0].Code)
	assert.Equal(t, "volume", res.Warnings[0].Field)

	rows[4].Volume = 4900
	assert.Empty(t, NewValidator(DefaultConfig()).Validate(rows).Warnings)
}

func TestVolumeWindowSlides(t *testing.T) {
	rows := cleanSeries(6)
	rows[0].Volume = 1_000_000
	rows[5].Volume = 6000
	res := NewValidator(Config{VolumeWindow: 3}).Validate(rows)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, 5, res.Warnings[0].Index)
}

func TestTimestampIntegrity(t *testing.T) {
	rows := cleanSeries(4)
	rows[2].Timestamp = rows[1].Timestamp
	rows[3].Timestamp = rows[0].Timestamp.Add(-time.Hour)
	res := NewValidator(DefaultConfig()).Validate(rows)
	assert.ElementsMatch(t, []string{"duplicate_timestamp", "timestamp_order"}, codes(res.Errors))
	assert.False(t, res.IsValid)
}

func TestScoreFloorsAtZero(t *testing.T) {
	rows := make([]market.Row, 5)
	for i := range rows {
		rows[i] = bar(i, -1, -5, 1, -1, 0)
	}
	res := NewValidator(DefaultConfig()).Validate(rows)
	assert.Equal(t, 0.0, res.QualityScore)
}
