package corpaction

import (
	"math"
	"time"

	"marketcache/internal/market"

	"github.com/shopspring/decimal"
)

const (
	DefaultSplitThreshold = 0.45
	snapTolerance         = 0.05
)

var commonRatios = []float64{1.25, 1.5, 2, 3, 4, 5, 8, 10, 20, 25, 50, 100}

// Split is a candidate split found in a price series. Ratio > 1 is a forward split (2 means
// 2:1); Ratio < 1 is a reverse split.
type Split struct {
	Date    time.Time `json:"date"`
	Ratio   float64   `json:"ratio"`
	Reverse bool      `json:"reverse"`
}

// DetectSplit looks for the single largest step change between a row's open and the previous
// close. A drop of at least threshold is a split; a rise of at least 1/(1-threshold) is a
// reverse split.
func DetectSplit(rows []market.Row, threshold float64) (Split, bool) {
	if len(rows) < 2 {
		return Split{}, false
	}
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultSplitThreshold
	}
	sorted := market.CloneRows(rows)
	market.SortRows(sorted)

	var (
		best      Split
		bestScore float64
		found     bool
	)
	for i := 1; i < len(sorted); i++ {
		prev := sorted[i-1].Close
		cur := sorted[i].Open
		if cur <= 0 {
			cur = sorted[i].Close
		}
		if prev <= 0 || cur <= 0 {
			continue
		}
		step := cur / prev
		var cand Split
		switch {
		case 1-step >= threshold:
			cand = Split{Date: sorted[i].Timestamp, Ratio: snapRatio(prev / cur)}
		case step >= 1/(1-threshold):
			cand = Split{Date: sorted[i].Timestamp, Ratio: 1 / snapRatio(cur/prev), Reverse: true}
		default:
			continue
		}
		score := math.Abs(math.Log(step))
		if !found || score > bestScore {
			best, bestScore, found = cand, score, true
		}
	}
	return best, found
}

func snapRatio(r float64) float64 {
	for _, c := range commonRatios {
		if math.Abs(r-c)/c <= snapTolerance {
			return c
		}
	}
	return r
}

// AdjustForSplit returns a new slice in which every row strictly before splitDate has prices
// divided by ratio and volume multiplied by it. Rows on or after splitDate are copied as-is.
func AdjustForSplit(rows []market.Row, splitDate time.Time, ratio float64) []market.Row {
	out := market.CloneRows(rows)
	if ratio <= 0 || ratio == 1 {
		return out
	}
	r := decimal.NewFromFloat(ratio)
	for i := range out {
		if !out[i].Timestamp.Before(splitDate) {
			continue
		}
		out[i].Open = divide(out[i].Open, r)
		out[i].High = divide(out[i].High, r)
		out[i].Low = divide(out[i].Low, r)
		out[i].Close = divide(out[i].Close, r)
		out[i].Volume = decimal.NewFromFloat(out[i].Volume).Mul(r).InexactFloat64()
	}
	return out
}

func divide(v float64, r decimal.Decimal) float64 {
	return decimal.NewFromFloat(v).DivRound(r, 8).InexactFloat64()
}
