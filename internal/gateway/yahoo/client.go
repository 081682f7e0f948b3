package yahoo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marketcache/internal/config"
	"marketcache/internal/logger"
	"marketcache/internal/market"
	"marketcache/internal/timeframe"

	"github.com/tidwall/gjson"
)

const (
	defaultTimeout = 30 * time.Second
	userAgent      = "Mozilla/5.0 (compatible; marketcache/1.0)"
	maxBodyBytes   = 32 << 20
)

// venueSuffix maps a venue to the ticker suffix the chart API expects.
var venueSuffix = map[string]string{
	"NSE":  ".NS",
	"BSE":  ".BO",
	"LSE":  ".L",
	"TSX":  ".TO",
	"ASX":  ".AX",
	"HKEX": ".HK",
}

// Client talks to the Yahoo Finance chart v8 endpoint.
type Client struct {
	name       string
	baseURL    *url.URL
	httpClient *http.Client
	log        *logger.Component
	now        func() time.Time
}

func NewClient(cfg config.ProviderConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("yahoo base_url cannot be empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse yahoo base_url failed: %w", err)
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	name := cfg.Kind()
	if name == "" {
		name = "yahoo"
	}
	return &Client{
		name:       name,
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.With(name),
		now:        time.Now,
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetClock overrides the clock used to drop the still-forming last bar.
func (c *Client) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

func (c *Client) Name() string { return c.name }

// Ticker renders the exchange-qualified ticker, leaving already-qualified symbols alone.
func Ticker(symbol, venue string) string {
	symbol = market.NormalizeSymbol(symbol)
	if strings.ContainsAny(symbol, ".^=") {
		return symbol
	}
	return symbol + venueSuffix[market.NormalizeVenue(venue)]
}

// chartInterval returns the upstream interval and, when it differs, the interval the
// result must be resampled into.
func chartInterval(iv market.Interval) (string, string) {
	switch iv.Key {
	case "1h":
		return "60m", ""
	case "4h":
		return "60m", "4h"
	case "1w":
		return "1wk", ""
	default:
		return iv.Key, ""
	}
}

func (c *Client) FetchOHLCV(ctx context.Context, symbol, venue, interval string, from, to time.Time) ([]market.Row, error) {
	iv, err := market.ParseInterval(interval)
	if err != nil {
		return nil, c.fail("interval", err, false)
	}
	upstream, resampleTo := chartInterval(iv)
	ticker := Ticker(symbol, venue)

	q := url.Values{}
	q.Set("period1", strconv.FormatInt(from.Unix(), 10))
	q.Set("period2", strconv.FormatInt(to.Add(iv.Duration).Unix(), 10))
	q.Set("interval", upstream)
	q.Set("includePrePost", "false")
	q.Set("events", "div,splits")

	body, err := c.get(ctx, "/v8/finance/chart/"+ticker, q)
	if err != nil {
		return nil, err
	}
	rows, err := c.parseChart(body, iv, upstream)
	if err != nil {
		return nil, err
	}
	if resampleTo != "" {
		rows, err = timeframe.Resample(rows, "1h", resampleTo)
		if err != nil {
			return nil, c.fail("resample", err, false)
		}
	}
	rows = market.DropUnclosed(rows, iv, c.now(), market.DefaultCloseGrace)
	for i := range rows {
		rows[i] = rows[i].Stamp(symbol, venue, iv.Key)
	}
	c.log.Debugf("%s %s %s: %s", ticker, iv.Key, upstream, market.Summary(rows))
	return rows, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path
	endpoint.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, c.fail("request", err, false)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, c.fail("request", err, true)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, c.fail("read", err, true)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, c.fail("chart", market.ErrRateLimited, true)
	case resp.StatusCode >= 500:
		return nil, c.fail("chart", fmt.Errorf("status %d", resp.StatusCode), true)
	case resp.StatusCode != http.StatusOK:
		// 404 and friends still carry a chart.error description
		if desc := gjson.GetBytes(body, "chart.error.description").String(); desc != "" {
			return nil, c.fail("chart", fmt.Errorf("status %d: %s", resp.StatusCode, desc), false)
		}
		return nil, c.fail("chart", fmt.Errorf("status %d", resp.StatusCode), false)
	}
	return body, nil
}

func (c *Client) parseChart(body []byte, iv market.Interval, upstream string) ([]market.Row, error) {
	if !gjson.ValidBytes(body) {
		return nil, c.fail("decode", errors.New("invalid json"), true)
	}
	doc := gjson.ParseBytes(body)
	if e := doc.Get("chart.error"); e.Exists() && e.Type != gjson.Null {
		return nil, c.fail("chart", fmt.Errorf("%s: %s", e.Get("code").String(), e.Get("description").String()), false)
	}
	result := doc.Get("chart.result.0")
	if !result.Exists() {
		return nil, market.ErrEmptyResult
	}
	offset := result.Get("meta.gmtoffset").Int()
	stamps := result.Get("timestamp").Array()
	quote := result.Get("indicators.quote.0")
	opens := quote.Get("open").Array()
	highs := quote.Get("high").Array()
	lows := quote.Get("low").Array()
	closes := quote.Get("close").Array()
	volumes := quote.Get("volume").Array()

	daily := !iv.Intraday()
	src := iv
	if upstream == "60m" {
		src = market.MustInterval("1h")
	}
	rows := make([]market.Row, 0, len(stamps))
	for i, ts := range stamps {
		o, h, l, cl := at(opens, i), at(highs, i), at(lows, i), at(closes, i)
		if !o.Exists() || !h.Exists() || !l.Exists() || !cl.Exists() ||
			o.Type == gjson.Null || h.Type == gjson.Null || l.Type == gjson.Null || cl.Type == gjson.Null {
			continue
		}
		stamp := time.Unix(ts.Int(), 0).UTC()
		if daily {
			// daily and weekly bars are keyed by the exchange-local calendar date
			local := stamp.Add(time.Duration(offset) * time.Second)
			stamp = src.Align(time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC))
		}
		// intraday bars keep the session-relative open time (NSE hours start at :45 UTC)
		rows = append(rows, market.Row{
			Interval:  src.Key,
			Timestamp: stamp,
			Open:      o.Float(),
			High:      h.Float(),
			Low:       l.Float(),
			Close:     cl.Float(),
			Volume:    at(volumes, i).Float(),
		})
	}
	return market.DedupRows(rows), nil
}

func at(values []gjson.Result, i int) gjson.Result {
	if i < 0 || i >= len(values) {
		return gjson.Result{}
	}
	return values[i]
}

func (c *Client) fail(op string, err error, transient bool) error {
	return &market.ProviderError{Provider: c.name, Op: op, Err: err, Transient: transient}
}
