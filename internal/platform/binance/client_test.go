package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avdcosta/stopguard/internal/domain"
)

func TestPollLatestUsesTradeTimestamp(t *testing.T) {
	tradeTime := time.Date(2025, 6, 1, 12, 0, 42, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/trades", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":1,"price":"50123.45","qty":"0.1","time":` +
			strconv.FormatInt(tradeTime.UnixMilli(), 10) + `}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "")
	tick, err := c.PollLatest(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", tick.Symbol)
	assert.True(t, tick.Price.Equal(decimal.RequireFromString("50123.45")))
	assert.Equal(t, domain.SourcePoll, tick.Source)
	assert.True(t, tick.OccurredAt.Equal(tradeTime), "occurred_at %s", tick.OccurredAt)
}

func TestPollLatestNoTrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "")
	_, err := c.PollLatest(context.Background(), "BTCUSDT")
	assert.Error(t, err)
}
