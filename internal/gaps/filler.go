package gaps

import (
	"fmt"
	"strings"

	"marketcache/internal/market"
)

type Strategy string

const (
	ForwardFill Strategy = "forward_fill"
	Interpolate Strategy = "interpolate"
	Zero        Strategy = "zero"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case ForwardFill, "ffill", "":
		return ForwardFill, nil
	case Interpolate:
		return Interpolate, nil
	case Zero:
		return Zero, nil
	default:
		return "", fmt.Errorf("unknown fill strategy %q", s)
	}
}

// Fill returns the rows with one synthetic row inserted per missing slot. Existing rows are
// copied through unchanged.
func (d *Detector) Fill(rows []market.Row, interval string, strategy Strategy) ([]market.Row, error) {
	iv, err := market.ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	switch strategy {
	case ForwardFill, Interpolate, Zero:
	default:
		return nil, fmt.Errorf("unknown fill strategy %q", strategy)
	}
	holes := d.missing(rows, iv)
	if len(holes) == 0 {
		return market.DedupRows(market.CloneRows(rows)), nil
	}
	out := market.DedupRows(market.CloneRows(rows))
	for _, h := range holes {
		n := float64(len(h.slots) + 1)
		for k, slot := range h.slots {
			var r market.Row
			switch strategy {
			case ForwardFill:
				r = h.before
			case Interpolate:
				frac := float64(k+1) / n
				r = market.Row{
					Open:  lerp(h.before.Open, h.after.Open, frac),
					High:  lerp(h.before.High, h.after.High, frac),
					Low:   lerp(h.before.Low, h.after.Low, frac),
					Close: lerp(h.before.Close, h.after.Close, frac),
				}
			case Zero:
			}
			r.Symbol, r.Venue, r.Interval = h.before.Symbol, h.before.Venue, h.before.Interval
			r.Timestamp = slot
			out = append(out, r)
		}
	}
	market.SortRows(out)
	return out, nil
}

func lerp(a, b, frac float64) float64 {
	return a + (b-a)*frac
}
