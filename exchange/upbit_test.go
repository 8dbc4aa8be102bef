package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evdnx/upbot/types"
)

func TestGetQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/ticker", r.URL.Path)
		require.Equal(t, "KRW-SOL", r.URL.Query().Get("markets"))
		w.Write([]byte(`[{"trade_price": 250000.0}]`))
	}))
	defer srv.Close()

	c := NewUpbitClient(srv.URL, "", "")
	price, err := c.GetQuote(context.Background(), "KRW-SOL")
	require.NoError(t, err)
	assert.Equal(t, 250000.0, price)
}

func TestGetMinuteCandlesChronological(t *testing.T) {
	// Upbit responds newest first; the client must flip to oldest first.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"candle_date_time_utc":"2025-03-01T09:10:00","opening_price":2,"high_price":3,"low_price":1,"trade_price":2.5,"candle_acc_trade_volume":10,"candle_acc_trade_price":25},
			{"candle_date_time_utc":"2025-03-01T09:05:00","opening_price":1,"high_price":2,"low_price":0.5,"trade_price":1.5,"candle_acc_trade_volume":20,"candle_acc_trade_price":30}
		]`))
	}))
	defer srv.Close()

	c := NewUpbitClient(srv.URL, "", "")
	candles, err := c.GetMinuteCandles(context.Background(), "KRW-SOL", 5, 2, time.Time{})
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.True(t, candles[0].Timestamp.Before(candles[1].Timestamp))
	assert.Equal(t, 1.5, candles[0].Close)
	assert.Equal(t, 2.5, candles[1].Close)
}

func TestPrivateCallsCarryBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		require.True(t, strings.HasPrefix(auth, "Bearer "), "missing bearer token")
		w.Write([]byte(`[{"currency":"KRW","balance":"100000","locked":"0","avg_buy_price":"0","unit_currency":"KRW"}]`))
	}))
	defer srv.Close()

	c := NewUpbitClient(srv.URL, "ak", "sk")
	bal, err := c.GetBalance(context.Background(), "KRW")
	require.NoError(t, err)
	assert.Equal(t, 100000.0, bal)
}

func TestRetriesServerErrorsButNotClientErrors(t *testing.T) {
	var calls500 atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls500.Add(1) < 3 {
			http.Error(w, `{"error":"busy"}`, http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`[{"trade_price": 1.0}]`))
	}))
	defer srv.Close()

	c := NewUpbitClient(srv.URL, "", "")
	_, err := c.GetQuote(context.Background(), "KRW-SOL")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls500.Load())

	var calls400 atomic.Int32
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls400.Add(1)
		http.Error(w, `{"error":"bad market"}`, http.StatusBadRequest)
	}))
	defer srv2.Close()

	c2 := NewUpbitClient(srv2.URL, "", "")
	_, err = c2.GetQuote(context.Background(), "KRW-NOPE")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls400.Load())
}

func TestOrderHelpers(t *testing.T) {
	o := &Order{
		State:          OrderCancel,
		Price:          100,
		ExecutedVolume: 2,
		Trades: []TradeFill{
			{Price: 99, Volume: 1, Funds: 99},
			{Price: 101, Volume: 1, Funds: 101},
		},
	}
	assert.True(t, o.Closed())
	assert.Equal(t, 100.0, o.AvgPrice())

	book := &OrderBook{Units: []OrderBookUnit{
		{BidPrice: 99, BidSize: 10, AskPrice: 101, AskSize: 10},
		{BidPrice: 98, BidSize: 5, AskPrice: 102, AskSize: 5},
	}}
	assert.Equal(t, 99.0, book.BestBid())
	assert.Equal(t, 101.0, book.BestAsk())
	assert.InDelta(t, (101.0-99.0)/101.0*100, book.SpreadPct(), 1e-9)
	assert.Equal(t, 101.0*10+102.0*5, book.DepthKRW(types.Buy, 5))
}
