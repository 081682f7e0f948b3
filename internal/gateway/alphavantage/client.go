package alphavantage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"

	"marketcache/internal/config"
	"marketcache/internal/logger"
	"marketcache/internal/market"
	"marketcache/internal/timeframe"

	"github.com/tidwall/gjson"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 64 << 20
	dateLayout     = "2006-01-02"
	stampLayout    = "2006-01-02 15:04:05"
)

var ErrUnsupportedVenue = errors.New("venue not covered by alphavantage")

// venueSuffix lists the venues the query API serves; US venues take the bare ticker.
var venueSuffix = map[string]string{
	"":       "",
	"US":     "",
	"NYSE":   "",
	"NASDAQ": "",
	"AMEX":   "",
	"BSE":    ".BSE",
	"LSE":    ".LON",
	"TSX":    ".TRT",
	"XETRA":  ".DEX",
}

// Client queries the Alpha Vantage TIME_SERIES_* functions.
type Client struct {
	name       string
	apiKey     string
	baseURL    *url.URL
	httpClient *http.Client
	log        *logger.Component
	now        func() time.Time
}

func NewClient(cfg config.ProviderConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("alphavantage base_url cannot be empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse alphavantage base_url failed: %w", err)
	}
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, fmt.Errorf("alphavantage api_key cannot be empty")
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	name := cfg.Kind()
	if name == "" {
		name = "alphavantage"
	}
	return &Client{
		name:       name,
		apiKey:     key,
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

func Ticker(symbol, venue string) (string, error) {
	symbol = market.NormalizeSymbol(symbol)
	if strings.Contains(symbol, ".") {
		return symbol, nil
	}
	suffix, ok := venueSuffix[market.NormalizeVenue(venue)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedVenue, venue)
	}
	return symbol + suffix, nil
}

type query struct {
	function   string
	interval   string
	resampleTo string
}

func queryFor(iv market.Interval) query {
	switch iv.Key {
	case "1d":
		return query{function: "TIME_SERIES_DAILY"}
	case "1w":
		return query{function: "TIME_SERIES_WEEKLY"}
	case "1h":
		return query{function: "TIME_SERIES_INTRADAY", interval: "60min"}
	case "4h":
		return query{function: "TIME_SERIES_INTRADAY", interval: "60min", resampleTo: "4h"}
	default:
		return query{function: "TIME_SERIES_INTRADAY", interval: strings.TrimSuffix(iv.Key, "m") + "min"}
	}
}

func (c *Client) FetchOHLCV(ctx context.Context, symbol, venue, interval string, from, to time.Time) ([]market.Row, error) {
	iv, err := market.ParseInterval(interval)
	if err != nil {
		return nil, c.fail("interval", err, false)
	}
	ticker, err := Ticker(symbol, venue)
	if err != nil {
		return nil, c.fail("symbol", err, false)
	}
	q := queryFor(iv)
	params := url.Values{}
	params.Set("function", q.function)
	params.Set("symbol", ticker)
	params.Set("outputsize", "full")
	params.Set("apikey", c.apiKey)
	if q.interval != "" {
		params.Set("interval", q.interval)
	}

	body, err := c.get(ctx, params)
	if err != nil {
		return nil, err
	}
	parsedIv := iv
	if q.resampleTo != "" {
		parsedIv = market.MustInterval("1h")
	}
	rows, err := c.parseSeries(body, parsedIv)
	if err != nil {
		return nil, err
	}
	if q.resampleTo != "" {
		if rows, err = timeframe.Resample(rows, "1h", q.resampleTo); err != nil {
			return nil, c.fail("resample", err, false)
		}
	}
	rows = market.FilterRange(rows, iv.Align(from), to)
	rows = market.DropUnclosed(rows, iv, c.now(), market.DefaultCloseGrace)
	for i := range rows {
		rows[i] = rows[i].Stamp(symbol, venue, iv.Key)
	}
	c.log.Debugf("%s %s %s: %s", ticker, q.function, iv.Key, market.Summary(rows))
	return rows, nil
}

func (c *Client) get(ctx context.Context, params url.Values) ([]byte, error) {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + "/query"
	endpoint.RawQuery = params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, c.fail("request", err, false)
	}
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
		return nil, c.fail("query", market.ErrRateLimited, true)
	case resp.StatusCode >= 500:
		return nil, c.fail("query", fmt.Errorf("status %d", resp.StatusCode), true)
	case resp.StatusCode != http.StatusOK:
		return nil, c.fail("query", fmt.Errorf("status %d", resp.StatusCode), false)
	}
	return body, nil
}

// parseSeries reads the "Time Series (...)" object. Quota and error replies come back
// with status 200, so they are detected from the body.
func (c *Client) parseSeries(body []byte, iv market.Interval) ([]market.Row, error) {
	if !gjson.ValidBytes(body) {
		return nil, c.fail("decode", errors.New("invalid json"), true)
	}
	doc := gjson.ParseBytes(body)
	if msg := doc.Get("Error Message"); msg.Exists() {
		return nil, c.fail("query", errors.New(msg.String()), false)
	}
	for _, key := range []string{"Note", "Information"} {
		if msg := doc.Get(key); msg.Exists() {
			return nil, c.fail("query", fmt.Errorf("%w: %s", market.ErrRateLimited, msg.String()), true)
		}
	}

	loc := time.UTC
	var series gjson.Result
	doc.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		switch {
		case k == "Meta Data":
			value.ForEach(func(mk, mv gjson.Result) bool {
				if strings.HasSuffix(mk.String(), "Time Zone") {
					if l, err := time.LoadLocation(mv.String()); err == nil {
						loc = l
					}
					return false
				}
				return true
			})
		case strings.Contains(k, "Time Series"):
			series = value
		}
		return true
	})
	if !series.Exists() {
		return nil, market.ErrEmptyResult
	}

	var rows []market.Row
	var parseErr error
	series.ForEach(func(key, bar gjson.Result) bool {
		stamp, err := c.parseStamp(key.String(), iv, loc)
		if err != nil {
			parseErr = err
			return false
		}
		rows = append(rows, market.Row{
			Interval:  iv.Key,
			Timestamp: stamp,
			Open:      bar.Get(`1\. open`).Float(),
			High:      bar.Get(`2\. high`).Float(),
			Low:       bar.Get(`3\. low`).Float(),
			Close:     bar.Get(`4\. close`).Float(),
			Volume:    bar.Get(`5\. volume`).Float(),
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return market.DedupRows(rows), nil
}

func (c *Client) parseStamp(raw string, iv market.Interval, loc *time.Location) (time.Time, error) {
	if !iv.Intraday() {
		d, err := time.Parse(dateLayout, raw)
		if err != nil {
			return time.Time{}, c.fail("decode", fmt.Errorf("bad date %q: %w", raw, err), false)
		}
		// weekly bars are labelled with the last session of the week
		return iv.Align(d), nil
	}
	t, err := time.ParseInLocation(stampLayout, raw, loc)
	if err != nil {
		return time.Time{}, c.fail("decode", fmt.Errorf("bad timestamp %q: %w", raw, err), false)
	}
	return t.UTC(), nil
}

func (c *Client) fail(op string, err error, transient bool) error {
	return &market.ProviderError{Provider: c.name, Op: op, Err: err, Transient: transient}
}
