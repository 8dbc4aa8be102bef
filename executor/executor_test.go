package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evdnx/upbot/config"
	"github.com/evdnx/upbot/exchange"
	"github.com/evdnx/upbot/logger"
	"github.com/evdnx/upbot/testutils"
	"github.com/evdnx/upbot/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Trading.OrderType = "limit_with_fallback"
	cfg.Trading.LimitOrderWaitSeconds = 1
	cfg.Trading.MinTradeAmount = 3000
	cfg.Trading.MinOrderbookDepthKRW = 1000
	cfg.Trading.MaxSpreadPercent = 1.0
	return cfg
}

func deepBook() *exchange.OrderBook {
	return &exchange.OrderBook{Units: []exchange.OrderBookUnit{
		{BidPrice: 100, BidSize: 1000, AskPrice: 100.5, AskSize: 1000},
	}}
}

func newExecutor(t *testing.T, mc *testutils.MockClient) (*Executor, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	dlog, err := logger.OpenDecisionLog(path)
	require.NoError(t, err)
	t.Cleanup(func() { dlog.Close() })
	return New(mc, testConfig(t), testutils.NewMockLogger(), dlog), path
}

func eventKinds(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var kinds []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		kinds = append(kinds, m["event"].(string))
	}
	return kinds
}

func TestExecuteBuyFullFill(t *testing.T) {
	mc := testutils.NewMockClient()
	mc.Books["KRW-SOL"] = deepBook()
	mc.OrderScripts["ord-1"] = []exchange.Order{
		{State: exchange.OrderWait, Volume: 100, RemainingVolume: 100},
		{State: exchange.OrderDone, Volume: 100, ExecutedVolume: 100, PaidFee: 5,
			Trades: []exchange.TradeFill{{Price: 100, Volume: 100, Funds: 10000}}},
	}

	e, _ := newExecutor(t, mc)
	res, err := e.ExecuteBuy(context.Background(), "KRW-SOL", 10000)
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.FilledQty)
	assert.Equal(t, 100.0, res.AvgPrice)
	assert.Equal(t, 5.0, res.PaidFee)
	assert.Equal(t, []string{"limit_buy"}, mc.PlacedKinds())
}

func TestPlaceLimitRoutesIntentBySide(t *testing.T) {
	mc := testutils.NewMockClient()
	e, _ := newExecutor(t, mc)

	_, err := e.placeLimit(context.Background(), types.OrderIntent{
		Side: types.Buy, Ticker: "KRW-SOL", LimitPrice: 100, Quantity: 50, NotionalKRW: 5000,
	})
	require.NoError(t, err)
	_, err = e.placeLimit(context.Background(), types.OrderIntent{
		Side: types.Sell, Ticker: "KRW-SOL", LimitPrice: 101, Quantity: 50, NotionalKRW: 5050,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"limit_buy", "limit_sell"}, mc.PlacedKinds())
	assert.Equal(t, 100.0, mc.Placed[0].Price)
	assert.Equal(t, 101.0, mc.Placed[1].Price)
	assert.Equal(t, 50.0, mc.Placed[1].Qty)
}

func TestExecuteBuyPartialFillConfirmedCancelTopsUp(t *testing.T) {
	mc := testutils.NewMockClient()
	mc.Books["KRW-SOL"] = deepBook()
	// Limit leg fills 6,000 of 10,000 KRW and then sits.
	mc.OrderScripts["ord-1"] = []exchange.Order{
		{State: exchange.OrderWait, Volume: 100, ExecutedVolume: 60, RemainingVolume: 40,
			PaidFee: 3, Trades: []exchange.TradeFill{{Price: 100, Volume: 60, Funds: 6000}}},
	}
	// Market top-up for the 4,000 KRW shortfall.
	mc.OrderScripts["ord-2"] = []exchange.Order{
		{State: exchange.OrderDone, ExecutedVolume: 40, PaidFee: 2,
			Trades: []exchange.TradeFill{{Price: 100.5, Volume: 40, Funds: 4020}}},
	}

	e, path := newExecutor(t, mc)
	res, err := e.ExecuteBuy(context.Background(), "KRW-SOL", 10000)
	require.NoError(t, err)

	assert.Equal(t, []string{"limit_buy", "market_buy"}, mc.PlacedKinds())
	assert.InDelta(t, 4000.0, mc.Placed[1].Notional, 1e-9)
	assert.Equal(t, 100.0, res.FilledQty)
	assert.InDelta(t, (60*100.0+40*100.5)/100.0, res.AvgPrice, 1e-9)
	assert.Equal(t, 5.0, res.PaidFee)

	assert.Contains(t, eventKinds(t, path), logger.EventBuyCancelled)
}

func TestExecuteBuyPartialFillFailedCancelReturnsPartialOnly(t *testing.T) {
	mc := testutils.NewMockClient()
	mc.Books["KRW-SOL"] = deepBook()
	mc.OrderScripts["ord-1"] = []exchange.Order{
		{State: exchange.OrderWait, Volume: 100, ExecutedVolume: 60, RemainingVolume: 40,
			PaidFee: 3, Trades: []exchange.TradeFill{{Price: 100, Volume: 60, Funds: 6000}}},
	}
	mc.CancelScripts["ord-1"] = []testutils.CancelStep{{OK: false, Err: errors.New("timeout")}}

	e, path := newExecutor(t, mc)
	res, err := e.ExecuteBuy(context.Background(), "KRW-SOL", 10000)
	require.NoError(t, err)

	// Only the certain fills come back; no market order may be placed.
	assert.Equal(t, []string{"limit_buy"}, mc.PlacedKinds())
	assert.Equal(t, 60.0, res.FilledQty)
	assert.Equal(t, 100.0, res.AvgPrice)

	kinds := eventKinds(t, path)
	assert.Contains(t, kinds, logger.EventCancelUnknown)
	assert.NotContains(t, kinds, logger.EventFallbackAbort)
}

func TestExecuteBuyUnfilledFailedCancelAborts(t *testing.T) {
	mc := testutils.NewMockClient()
	mc.Books["KRW-SOL"] = deepBook()
	mc.OrderScripts["ord-1"] = []exchange.Order{
		{State: exchange.OrderWait, Volume: 100, RemainingVolume: 100},
	}
	mc.CancelScripts["ord-1"] = []testutils.CancelStep{{OK: false, Err: errors.New("timeout")}}

	e, path := newExecutor(t, mc)
	res, err := e.ExecuteBuy(context.Background(), "KRW-SOL", 10000)
	require.ErrorIs(t, err, ErrAmbiguous)
	assert.Nil(t, res)

	assert.Equal(t, []string{"limit_buy"}, mc.PlacedKinds())
	kinds := eventKinds(t, path)
	assert.Contains(t, kinds, logger.EventCancelUnknown)
	assert.Contains(t, kinds, logger.EventFallbackAbort)
}

func TestExecuteBuyUnfilledConfirmedCancelFallsBack(t *testing.T) {
	mc := testutils.NewMockClient()
	mc.Books["KRW-SOL"] = deepBook()
	mc.OrderScripts["ord-1"] = []exchange.Order{
		{State: exchange.OrderWait, Volume: 100, RemainingVolume: 100},
	}
	mc.OrderScripts["ord-2"] = []exchange.Order{
		{State: exchange.OrderDone, ExecutedVolume: 99, PaidFee: 5,
			Trades: []exchange.TradeFill{{Price: 101, Volume: 99, Funds: 9999}}},
	}

	e, _ := newExecutor(t, mc)
	res, err := e.ExecuteBuy(context.Background(), "KRW-SOL", 10000)
	require.NoError(t, err)

	assert.Equal(t, []string{"limit_buy", "market_buy"}, mc.PlacedKinds())
	assert.InDelta(t, 10000.0, mc.Placed[1].Notional, 1e-9)
	assert.Equal(t, 99.0, res.FilledQty)
}

func TestExecuteBuyLiquidityGates(t *testing.T) {
	mc := testutils.NewMockClient()
	mc.Books["KRW-SOL"] = &exchange.OrderBook{Units: []exchange.OrderBookUnit{
		{BidPrice: 100, BidSize: 1, AskPrice: 100.5, AskSize: 1},
	}}

	e, _ := newExecutor(t, mc)
	_, err := e.ExecuteBuy(context.Background(), "KRW-SOL", 10000)
	require.ErrorIs(t, err, ErrLiquidity)
	assert.Empty(t, mc.PlacedKinds(), "no order may be placed past a failed gate")

	// Deep but wide: spread gate.
	mc2 := testutils.NewMockClient()
	mc2.Books["KRW-SOL"] = &exchange.OrderBook{Units: []exchange.OrderBookUnit{
		{BidPrice: 100, BidSize: 1000, AskPrice: 103, AskSize: 1000},
	}}
	e2, _ := newExecutor(t, mc2)
	_, err = e2.ExecuteBuy(context.Background(), "KRW-SOL", 10000)
	require.ErrorIs(t, err, ErrLiquidity)
}

func TestExecuteSellPartialFillConfirmedCancelFallsBack(t *testing.T) {
	mc := testutils.NewMockClient()
	mc.Books["KRW-SOL"] = deepBook()
	mc.Balances = []exchange.Balance{{Currency: "SOL", Balance: 40}}
	mc.OrderScripts["ord-1"] = []exchange.Order{
		{State: exchange.OrderWait, Volume: 100, ExecutedVolume: 60, RemainingVolume: 40,
			PaidFee: 3, Trades: []exchange.TradeFill{{Price: 100.5, Volume: 60, Funds: 6030}}},
	}
	mc.OrderScripts["ord-2"] = []exchange.Order{
		{State: exchange.OrderDone, ExecutedVolume: 40, PaidFee: 2,
			Trades: []exchange.TradeFill{{Price: 100, Volume: 40, Funds: 4000}}},
	}

	pos := &types.Position{Ticker: "KRW-SOL", BuyPrice: 95, Amount: 100}
	e, _ := newExecutor(t, mc)
	res, err := e.ExecuteSell(context.Background(), "KRW-SOL", pos, 1.0)
	require.NoError(t, err)

	assert.Equal(t, []string{"limit_sell", "market_sell"}, mc.PlacedKinds())
	assert.Equal(t, 100.0, res.FilledQty)
	assert.InDelta(t, (60*100.5+40*100.0)/100.0, res.AvgPrice, 1e-9)
}

func TestExecuteSellFailedCancelNoFallback(t *testing.T) {
	mc := testutils.NewMockClient()
	mc.Books["KRW-SOL"] = deepBook()
	mc.Balances = []exchange.Balance{{Currency: "SOL", Balance: 100}}
	mc.OrderScripts["ord-1"] = []exchange.Order{
		{State: exchange.OrderWait, Volume: 100, ExecutedVolume: 60, RemainingVolume: 40,
			PaidFee: 3, Trades: []exchange.TradeFill{{Price: 100.5, Volume: 60, Funds: 6030}}},
	}
	mc.CancelScripts["ord-1"] = []testutils.CancelStep{{OK: false, Err: errors.New("timeout")}}

	pos := &types.Position{Ticker: "KRW-SOL", BuyPrice: 95, Amount: 100}
	e, _ := newExecutor(t, mc)
	res, err := e.ExecuteSell(context.Background(), "KRW-SOL", pos, 1.0)
	require.NoError(t, err)

	assert.Equal(t, []string{"limit_sell"}, mc.PlacedKinds())
	assert.Equal(t, 60.0, res.FilledQty)
}

func TestCombineWeightsByVolume(t *testing.T) {
	a := &types.OrderResult{FilledQty: 60, AvgPrice: 100, PaidFee: 3, NetKRW: 6000}
	b := &types.OrderResult{FilledQty: 40, AvgPrice: 100.5, PaidFee: 2, NetKRW: 4020}
	out := combine(a, b)
	assert.Equal(t, 100.0, out.FilledQty)
	assert.InDelta(t, 100.2, out.AvgPrice, 1e-9)
	assert.Equal(t, 5.0, out.PaidFee)
	assert.Equal(t, combine(nil, b), b)
	assert.Equal(t, combine(a, nil), a)
}

func TestMarketOrderTypeSkipsLimitLeg(t *testing.T) {
	mc := testutils.NewMockClient()
	mc.Books["KRW-SOL"] = deepBook()
	mc.OrderScripts["ord-1"] = []exchange.Order{
		{State: exchange.OrderDone, ExecutedVolume: 100, PaidFee: 5,
			Trades: []exchange.TradeFill{{Price: 100, Volume: 100, Funds: 10000}}},
	}

	path := filepath.Join(t.TempDir(), "d.jsonl")
	dlog, err := logger.OpenDecisionLog(path)
	require.NoError(t, err)
	defer dlog.Close()
	cfg := testConfig(t)
	cfg.Trading.OrderType = "market"
	e := New(mc, cfg, testutils.NewMockLogger(), dlog)
	e.now = time.Now

	res, err := e.ExecuteBuy(context.Background(), "KRW-SOL", 10000)
	require.NoError(t, err)
	assert.Equal(t, []string{"market_buy"}, mc.PlacedKinds())
	assert.Equal(t, 100.0, res.FilledQty)
}
