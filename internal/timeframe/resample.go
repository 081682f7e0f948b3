package timeframe

import (
	"fmt"
	"math"
	"sort"
	"time"

	"marketcache/internal/market"
)

const consistencyTolerance = 0.005

// Resample aggregates finer rows into coarser bars on aligned bucket boundaries: open=first,
// high=max, low=min, close=last, volume=sum.
func Resample(rows []market.Row, fromInterval, toInterval string) ([]market.Row, error) {
	src, err := market.ParseInterval(fromInterval)
	if err != nil {
		return nil, err
	}
	dst, err := market.ParseInterval(toInterval)
	if err != nil {
		return nil, err
	}
	if dst.Duration < src.Duration {
		return nil, fmt.Errorf("cannot resample %s into finer %s", src.Key, dst.Key)
	}
	if len(rows) == 0 {
		return []market.Row{}, nil
	}
	sorted := market.CloneRows(rows)
	market.SortRows(sorted)

	var (
		out []market.Row
		cur *market.Row
	)
	for _, r := range sorted {
		bucket := dst.Align(r.Timestamp)
		if cur == nil || !cur.Timestamp.Equal(bucket) {
			if cur != nil {
				out = append(out, *cur)
			}
			cur = &market.Row{
				Symbol:    r.Symbol,
				Venue:     r.Venue,
				Interval:  dst.Key,
				Timestamp: bucket,
				Open:      r.Open,
				High:      r.High,
				Low:       r.Low,
				Close:     r.Close,
				Volume:    r.Volume,
			}
			continue
		}
		cur.High = math.Max(cur.High, r.High)
		cur.Low = math.Min(cur.Low, r.Low)
		cur.Close = r.Close
		cur.Volume += r.Volume
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out, nil
}

// ValidateConsistency compares every coarser timeframe with the finest one aggregated into the
// same buckets. Prices must agree within 0.5%. Buckets missing on either side are not compared.
// The finer series may start or stop inside a bucket: the first bucket is then only checked for
// close, the last only for open, since its aggregate high and low cover part of the period.
func ValidateConsistency(data map[string][]market.Row) []string {
	if len(data) < 2 {
		return nil
	}
	type series struct {
		iv   market.Interval
		rows []market.Row
	}
	var (
		issues []string
		all    []series
	)
	for key, rows := range data {
		iv, err := market.ParseInterval(key)
		if err != nil {
			issues = append(issues, err.Error())
			continue
		}
		all = append(all, series{iv: iv, rows: rows})
	}
	if len(all) < 2 {
		return issues
	}
	sort.Slice(all, func(i, j int) bool { return all[i].iv.Duration < all[j].iv.Duration })
	finest := all[0]
	if len(finest.rows) == 0 {
		return issues
	}
	fine := market.CloneRows(finest.rows)
	market.SortRows(fine)
	first, last := fine[0].Timestamp, fine[len(fine)-1].Timestamp

	for _, coarse := range all[1:] {
		if coarse.iv.Duration == finest.iv.Duration {
			continue
		}
		agg, err := Resample(finest.rows, finest.iv.Key, coarse.iv.Key)
		if err != nil {
			issues = append(issues, err.Error())
			continue
		}
		byBucket := make(map[int64]market.Row, len(agg))
		for _, r := range agg {
			byBucket[r.Timestamp.UnixMilli()] = r
		}
		headBucket := coarse.iv.Align(first)
		tailBucket := coarse.iv.Align(last)
		headCut := !first.Equal(headBucket)
		tailCut := last.Add(finest.iv.Duration).Before(coarse.iv.Next(tailBucket))
		for _, r := range coarse.rows {
			bucket := coarse.iv.Align(r.Timestamp)
			want, ok := byBucket[bucket.UnixMilli()]
			if !ok {
				continue
			}
			startsLate := headCut && bucket.Equal(headBucket)
			endsEarly := tailCut && bucket.Equal(tailBucket)
			for _, f := range []struct {
				name      string
				got, want float64
				skip      bool
			}{
				{"open", r.Open, want.Open, startsLate},
				{"high", r.High, want.High, startsLate || endsEarly},
				{"low", r.Low, want.Low, startsLate || endsEarly},
				{"close", r.Close, want.Close, endsEarly},
			} {
				if !f.skip && mismatch(f.got, f.want) {
					issues = append(issues, fmt.Sprintf("%s %s: %s %.4f differs from %s aggregate %.4f",
						coarse.iv.Key, bucket.Format(time.RFC3339), f.name, f.got, finest.iv.Key, f.want))
				}
			}
		}
	}
	return issues
}

func mismatch(got, want float64) bool {
	base := math.Abs(want)
	if base == 0 {
		return got != 0
	}
	return math.Abs(got-want)/base > consistencyTolerance
}
