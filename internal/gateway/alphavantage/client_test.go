package alphavantage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marketcache/internal/config"
	"marketcache/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dailySeries = `{
  "Meta Data": {"1. Information": "Daily Prices", "2. Symbol": "IBM", "5. Time Zone": "US/Eastern"},
  "Time Series (Daily)": {
    "2024-01-03": {"1. open": "161.00", "2. high": "161.73", "3. low": "160.08", "4. close": "160.10", "5. volume": "4086852"},
    "2024-01-02": {"1. open": "162.83", "2. high": "163.29", "3. low": "160.38", "4. close": "161.50", "5. volume": "3825045"},
    "2023-12-29": {"1. open": "163.00", "2. high": "163.50", "3. low": "162.00", "4. close": "163.55", "5. volume": "3000000"}
  }
}`

const intradaySeries = `{
  "Meta Data": {"1. Information": "Intraday (60min)", "6. Time Zone": "US/Eastern"},
  "Time Series (60min)": {
    "2024-01-02 10:00:00": {"1. open": "3", "2. high": "4", "3. low": "2", "4. close": "4", "5. volume": "30"},
    "2024-01-02 09:00:00": {"1. open": "2", "2. high": "5", "3. low": "1", "4. close": "3", "5. volume": "20"}
  }
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(config.ProviderConfig{Name: "AlphaVantage", BaseURL: srv.URL, APIKey: "demo", TimeoutSeconds: 5})
	require.NoError(t, err)
	return c
}

func TestFetchDailySortedAndClipped(t *testing.T) {
	var got map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/query", r.URL.Path)
		got = map[string]string{
			"function": r.URL.Query().Get("function"),
			"symbol":   r.URL.Query().Get("symbol"),
			"apikey":   r.URL.Query().Get("apikey"),
		}
		_, _ = w.Write([]byte(dailySeries))
	})

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	rows, err := c.FetchOHLCV(context.Background(), "ibm", "NYSE", "1d", from, to)
	require.NoError(t, err)

	assert.Equal(t, "TIME_SERIES_DAILY", got["function"])
	assert.Equal(t, "IBM", got["symbol"])
	assert.Equal(t, "demo", got["apikey"])
	assert.Equal(t, "alphavantage", c.Name())
	require.Len(t, rows, 2)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), rows[0].Timestamp)
	assert.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), rows[1].Timestamp)
	assert.InDelta(t, 161.50, rows[0].Close, 1e-9)
	assert.InDelta(t, 3825045, rows[0].Volume, 1e-9)
	assert.Equal(t, "NYSE", rows[0].Venue)
}

func TestFetchIntradayConvertsTimeZone(t *testing.T) {
	var interval string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		interval = r.URL.Query().Get("interval")
		_, _ = w.Write([]byte(intradaySeries))
	})
	from := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	rows, err := c.FetchOHLCV(context.Background(), "IBM", "", "1h", from, to)
	require.NoError(t, err)
	assert.Equal(t, "60min", interval)
	require.Len(t, rows, 2)
	// 09:00 US/Eastern in January is 14:00 UTC
	assert.Equal(t, time.Date(2024, 1, 2, 14, 0, 0, 0, time.UTC), rows[0].Timestamp)
	assert.Equal(t, "1h", rows[0].Interval)
}

func TestFetchFourHourResamples(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(intradaySeries))
	})
	from := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	rows, err := c.FetchOHLCV(context.Background(), "IBM", "", "4h", from, to)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC), rows[0].Timestamp)
	assert.Equal(t, 2.0, rows[0].Open)
	assert.Equal(t, 5.0, rows[0].High)
	assert.Equal(t, 1.0, rows[0].Low)
	assert.Equal(t, 4.0, rows[0].Close)
	assert.Equal(t, 50.0, rows[0].Volume)
}

func TestFetchQuotaNoteIsRateLimit(t *testing.T) {
	for _, key := range []string{"Note", "Information"} {
		t.Run(key, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"` + key + `": "Thank you for using Alpha Vantage! Our standard API rate limit is 25 requests per day."}`))
			})
			_, err := c.FetchOHLCV(context.Background(), "IBM", "", "1d", time.Now().Add(-72*time.Hour), time.Now())
			require.Error(t, err)
			assert.True(t, errors.Is(err, market.ErrRateLimited))
		})
	}
}

func TestFetchErrorMessageIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Error Message": "Invalid API call."}`))
	})
	_, err := c.FetchOHLCV(context.Background(), "NOPE", "", "1d", time.Now().Add(-72*time.Hour), time.Now())
	var perr *market.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.False(t, perr.Transient)
	assert.False(t, errors.Is(err, market.ErrRateLimited))
}

func TestFetchHTTP429(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := c.FetchOHLCV(context.Background(), "IBM", "", "1d", time.Now().Add(-72*time.Hour), time.Now())
	assert.True(t, errors.Is(err, market.ErrRateLimited))
}

func TestUnsupportedVenue(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := c.FetchOHLCV(context.Background(), "RELIANCE", "NSE", "1d", time.Now().Add(-72*time.Hour), time.Now())
	assert.True(t, errors.Is(err, ErrUnsupportedVenue))
}

func TestTicker(t *testing.T) {
	got, err := Ticker("reliance", "BSE")
	require.NoError(t, err)
	assert.Equal(t, "RELIANCE.BSE", got)
	got, err = Ticker("IBM", "")
	require.NoError(t, err)
	assert.Equal(t, "IBM", got)
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(config.ProviderConfig{BaseURL: "http://localhost"})
	assert.Error(t, err)
}
