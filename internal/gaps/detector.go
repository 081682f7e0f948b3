package gaps

import (
	"time"

	"marketcache/internal/market"
)

// Detector finds missing slots in a row sequence. A nil Calendar treats every slot as expected.
type Detector struct {
	Calendar Calendar
}

func NewDetector(cal Calendar) *Detector {
	return &Detector{Calendar: cal}
}

// Detect reports every contiguous run of missing slots. Rows are sorted and de-duplicated on a
// copy first; the input is left untouched.
func (d *Detector) Detect(rows []market.Row, interval string) ([]market.Gap, error) {
	iv, err := market.ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	var gaps []market.Gap
	for _, span := range d.missing(rows, iv) {
		for _, run := range span.runs {
			gaps = append(gaps, market.Gap{
				Start:        run[0],
				End:          run[len(run)-1],
				ExpectedRows: len(run),
			})
		}
	}
	return gaps, nil
}

// hole is the missing slots between two present rows, already split into contiguous runs
// around non-trading slots.
type hole struct {
	before market.Row
	after  market.Row
	slots  []time.Time
	runs   [][]time.Time
}

func (d *Detector) missing(rows []market.Row, iv market.Interval) []hole {
	sorted := market.DedupRows(market.CloneRows(rows))
	if len(sorted) < 2 {
		return nil
	}
	var out []hole
	for i := 1; i < len(sorted); i++ {
		prev, next := sorted[i-1], sorted[i]
		var (
			h   = hole{before: prev, after: next}
			run []time.Time
		)
		for slot := iv.Next(prev.Timestamp); slot.Before(next.Timestamp); slot = iv.Next(slot) {
			if !d.expected(slot, iv) {
				if len(run) > 0 {
					h.runs = append(h.runs, run)
					run = nil
				}
				continue
			}
			h.slots = append(h.slots, slot)
			run = append(run, slot)
		}
		if len(run) > 0 {
			h.runs = append(h.runs, run)
		}
		if len(h.slots) > 0 {
			out = append(out, h)
		}
	}
	return out
}

func (d *Detector) expected(slot time.Time, iv market.Interval) bool {
	if d == nil || d.Calendar == nil {
		return true
	}
	switch {
	case iv.Intraday():
		if sc, ok := d.Calendar.(SessionCalendar); ok {
			return sc.IsOpen(slot)
		}
		return d.Calendar.IsTradingDay(slot)
	case iv.Duration == 24*time.Hour:
		// Daily bars are stamped at UTC midnight; midday keeps the calendar date stable across
		// venue time zones.
		day := slot.UTC()
		return d.Calendar.IsTradingDay(time.Date(day.Year(), day.Month(), day.Day(), 12, 0, 0, 0, time.UTC))
	default:
		return true
	}
}
