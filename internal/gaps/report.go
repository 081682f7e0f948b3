package gaps

import "marketcache/internal/market"

const DefaultSmallGapThreshold = 5

// Report aggregates detected gaps for monitoring. A gap of at most SmallThreshold rows is small.
type Report struct {
	TotalGaps        int `json:"total_gaps"`
	TotalMissingRows int `json:"total_missing_rows"`
	LargestGap       int `json:"largest_gap"`
	SmallGaps        int `json:"small_gaps"`
	LargeGaps        int `json:"large_gaps"`
	SmallThreshold   int `json:"small_threshold"`
}

func BuildReport(gaps []market.Gap, smallThreshold int) Report {
	if smallThreshold <= 0 {
		smallThreshold = DefaultSmallGapThreshold
	}
	rep := Report{TotalGaps: len(gaps), SmallThreshold: smallThreshold}
	for _, g := range gaps {
		rep.TotalMissingRows += g.ExpectedRows
		if g.ExpectedRows > rep.LargestGap {
			rep.LargestGap = g.ExpectedRows
		}
		if g.ExpectedRows <= smallThreshold {
			rep.SmallGaps++
		} else {
			rep.LargeGaps++
		}
	}
	return rep
}
