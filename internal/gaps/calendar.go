package gaps

import (
	"strings"
	"time"

	"marketcache/internal/logger"

	"github.com/scmhub/calendar"
)

// Calendar answers whether a venue trades on the day containing t.
type Calendar interface {
	IsTradingDay(t time.Time) bool
}

// SessionCalendar also knows the session hours, so intraday slots outside them are not gaps.
type SessionCalendar interface {
	Calendar
	IsOpen(t time.Time) bool
}

var venueMICs = map[string]string{
	"NSE":    "xnse",
	"BSE":    "xbom",
	"NYSE":   "xnys",
	"NASDAQ": "xnas",
	"LSE":    "xlon",
	"TSE":    "xtks",
	"JPX":    "xtks",
	"HKEX":   "xhkg",
	"ASX":    "xasx",
	"TSX":    "xtse",
	"XETRA":  "xfra",
	"SSE":    "xshg",
	"SZSE":   "xshe",
}

// VenueMIC maps an exchange short name to its ISO 10383 MIC. Unknown venues return "".
func VenueMIC(venue string) string {
	v := strings.ToUpper(strings.TrimSpace(venue))
	if mic, ok := venueMICs[v]; ok {
		return mic
	}
	if strings.HasPrefix(v, "X") && len(v) == 4 {
		return strings.ToLower(v)
	}
	return ""
}

// MarketCalendar is backed by scmhub/calendar and degrades to a Mon-Fri week when the MIC is
// unknown.
type MarketCalendar struct {
	mic      string
	cal      *calendar.Calendar
	loc      *time.Location
	fallback bool
}

func NewMarketCalendar(mic string) *MarketCalendar {
	mic = strings.ToLower(strings.TrimSpace(mic))
	mc := &MarketCalendar{mic: mic, loc: time.UTC, fallback: true}
	if mic == "" {
		return mc
	}
	cal := calendar.GetCalendar(mic)
	if cal == nil {
		logger.Warnf("market calendar %q not available, using Mon-Fri fallback", mic)
		return mc
	}
	mc.cal = cal
	mc.fallback = false
	if cal.Loc != nil {
		mc.loc = cal.Loc
	}
	return mc
}

func (m *MarketCalendar) MIC() string    { return m.mic }
func (m *MarketCalendar) Fallback() bool { return m.fallback }

func (m *MarketCalendar) IsTradingDay(t time.Time) bool {
	t = t.In(m.loc)
	if m.fallback {
		wd := t.Weekday()
		return wd != time.Saturday && wd != time.Sunday
	}
	return m.cal.IsBusinessDay(t)
}

// IsOpen has no session hours in fallback mode, so any trading-day instant counts as open.
func (m *MarketCalendar) IsOpen(t time.Time) bool {
	if m.fallback {
		return m.IsTradingDay(t)
	}
	return m.cal.IsOpen(t.In(m.loc))
}
