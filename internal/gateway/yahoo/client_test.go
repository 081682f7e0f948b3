package yahoo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"marketcache/internal/config"
	"marketcache/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dailyChart = `{"chart":{"result":[{
  "meta":{"symbol":"RELIANCE.NS","gmtoffset":19800},
  "timestamp":[1704167100,1704253500,1704339900],
  "indicators":{"quote":[{
    "open":[100,101,null],
    "high":[105,106,null],
    "low":[99,100,null],
    "close":[104,103,null],
    "volume":[1000,1100,null]
  }]}
}],"error":null}}`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(config.ProviderConfig{Name: "yahoo", BaseURL: srv.URL, TimeoutSeconds: 5})
	require.NoError(t, err)
	return c
}

func TestFetchDailyUsesExchangeDate(t *testing.T) {
	var gotPath, gotInterval, gotUA string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotInterval = r.URL.Query().Get("interval")
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(dailyChart))
	})

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	rows, err := c.FetchOHLCV(context.Background(), "reliance", "nse", "1d", from, to)
	require.NoError(t, err)

	assert.Equal(t, "/v8/finance/chart/RELIANCE.NS", gotPath)
	assert.Equal(t, "1d", gotInterval)
	assert.NotEmpty(t, gotUA)
	require.Len(t, rows, 2, "null bar is skipped")
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), rows[0].Timestamp)
	assert.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), rows[1].Timestamp)
	assert.Equal(t, "RELIANCE", rows[0].Symbol)
	assert.Equal(t, "NSE", rows[0].Venue)
	assert.Equal(t, "1d", rows[0].Interval)
	assert.Equal(t, 104.0, rows[0].Close)
	assert.Equal(t, 1100.0, rows[1].Volume)
}

func TestFetchFourHourResamplesHourly(t *testing.T) {
	base := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).Unix()
	body := `{"chart":{"result":[{"meta":{"gmtoffset":0},
	  "timestamp":[` + itoa(base) + `,` + itoa(base+3600) + `,` + itoa(base+4*3600) + `],
	  "indicators":{"quote":[{"open":[1,2,3],"high":[2,5,4],"low":[0.5,1,2],"close":[2,3,4],"volume":[10,20,30]}]}}],"error":null}}`
	var gotInterval string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotInterval = r.URL.Query().Get("interval")
		_, _ = w.Write([]byte(body))
	})

	rows, err := c.FetchOHLCV(context.Background(), "AAPL", "NASDAQ", "4h", time.Unix(base, 0), time.Unix(base+8*3600, 0))
	require.NoError(t, err)
	assert.Equal(t, "60m", gotInterval)
	require.Len(t, rows, 2)
	assert.Equal(t, "4h", rows[0].Interval)
	assert.Equal(t, 1.0, rows[0].Open)
	assert.Equal(t, 5.0, rows[0].High)
	assert.Equal(t, 0.5, rows[0].Low)
	assert.Equal(t, 3.0, rows[0].Close)
	assert.Equal(t, 30.0, rows[0].Volume)
	assert.Equal(t, 3.0, rows[1].Open)
}

func TestFetchIntradayKeepsSessionOffset(t *testing.T) {
	open := time.Date(2024, 1, 2, 3, 45, 0, 0, time.UTC).Unix()
	body := `{"chart":{"result":[{"meta":{"gmtoffset":19800},
	  "timestamp":[` + itoa(open) + `,` + itoa(open+3600) + `,` + itoa(open+2*3600) + `],
	  "indicators":{"quote":[{"open":[10,11,12],"high":[11,12,13],"low":[9,10,11],"close":[11,12,13],"volume":[5,6,7]}]}}],"error":null}}`
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	})
	c.SetClock(func() time.Time { return time.Unix(open, 0).Add(4 * time.Hour) })

	rows, err := c.FetchOHLCV(context.Background(), "TCS", "NSE", "1h", time.Unix(open, 0), time.Unix(open+2*3600, 0))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 45, 0, 0, time.UTC), rows[0].Timestamp)
	assert.Equal(t, time.Date(2024, 1, 2, 5, 45, 0, 0, time.UTC), rows[2].Timestamp)
	assert.Equal(t, "1h", rows[0].Interval)
}

func TestFetchRateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := c.FetchOHLCV(context.Background(), "AAPL", "", "1d", time.Now().Add(-48*time.Hour), time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, market.ErrRateLimited))
	var perr *market.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.True(t, perr.Transient)
	assert.Equal(t, "yahoo", perr.Provider)
}

func TestFetchUnknownSymbolIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`))
	})
	_, err := c.FetchOHLCV(context.Background(), "NOPE", "", "1d", time.Now().Add(-48*time.Hour), time.Now())
	var perr *market.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.False(t, perr.Transient)
	assert.Contains(t, err.Error(), "delisted")
}

func TestFetchServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.FetchOHLCV(context.Background(), "AAPL", "", "1d", time.Now().Add(-48*time.Hour), time.Now())
	var perr *market.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.True(t, perr.Transient)
}

func TestFetchInvalidInterval(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := c.FetchOHLCV(context.Background(), "AAPL", "", "3d", time.Now(), time.Now())
	assert.True(t, errors.Is(err, market.ErrInvalidInterval))
}

func TestTicker(t *testing.T) {
	assert.Equal(t, "INFY.NS", Ticker("infy", "NSE"))
	assert.Equal(t, "INFY.BO", Ticker("INFY", "bse"))
	assert.Equal(t, "AAPL", Ticker("AAPL", "NASDAQ"))
	assert.Equal(t, "^NSEI", Ticker("^NSEI", "NSE"))
	assert.Equal(t, "TCS.NS", Ticker("TCS.NS", "NSE"))
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func TestFetchDropsFormingBar(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(dailyChart))
	})
	c.SetClock(func() time.Time { return time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC) })

	rows, err := c.FetchOHLCV(context.Background(), "RELIANCE", "NSE", "1d",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), rows[0].Timestamp)
}
