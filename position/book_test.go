package position

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evdnx/upbot/config"
	"github.com/evdnx/upbot/exchange"
	"github.com/evdnx/upbot/testutils"
	"github.com/evdnx/upbot/types"
)

func newBook(t *testing.T, mc *testutils.MockClient) *Book {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.State.Dir = t.TempDir()
	return NewBook(mc, cfg, testutils.NewMockLogger())
}

func solPosition(amount float64) types.Position {
	return types.Position{
		Ticker:         "KRW-SOL",
		BuyPrice:       100_000,
		Amount:         amount,
		OriginalAmount: amount,
		Timestamp:      time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		HighestPrice:   100_000,
		BuyMeta: types.BuyMeta{
			Strategy:  types.TrendBreakout,
			StopPrice: 97_000,
			RiskUnit:  3_000,
		},
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	mc := testutils.NewMockClient()
	b := newBook(t, mc)
	require.NoError(t, b.Add(solPosition(1.5)))
	require.NoError(t, b.Update("KRW-SOL", func(p *types.Position) {
		p.HighestPrice = 105_000
		p.BuyMeta.TrailActive = true
		p.BuyMeta.TrailingStop = 102_900
	}))

	// A fresh book sharing the same path restores everything.
	b2 := NewBook(mc, b.cfg, testutils.NewMockLogger())
	require.NoError(t, b2.Load())
	p, ok := b2.Get("KRW-SOL")
	require.True(t, ok)
	assert.Equal(t, 1.5, p.Amount)
	assert.Equal(t, 105_000.0, p.HighestPrice)
	assert.True(t, p.BuyMeta.TrailActive)
	assert.Equal(t, types.TrendBreakout, p.BuyMeta.Strategy)
}

func TestSnapshotLeavesNoTempFiles(t *testing.T) {
	b := newBook(t, testutils.NewMockClient())
	require.NoError(t, b.Add(solPosition(1)))

	entries, err := os.ReadDir(filepath.Dir(b.path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Base(b.path), entries[0].Name())
}

func TestExposureAndTotals(t *testing.T) {
	b := newBook(t, testutils.NewMockClient())
	require.NoError(t, b.Add(solPosition(2)))
	ada := solPosition(100)
	ada.Ticker = "KRW-ADA"
	ada.BuyPrice = 700
	require.NoError(t, b.Add(ada))

	assert.Equal(t, 200_000.0, b.ExposureKRW("KRW-SOL"))
	assert.Equal(t, 0.0, b.ExposureKRW("KRW-XRP"))
	assert.Equal(t, 200_000.0+70_000.0, b.TotalInvestedKRW())
	assert.Equal(t, 2, b.Len())
}

func TestReconcileGhostRequiresThreeMisses(t *testing.T) {
	mc := testutils.NewMockClient()
	mc.Balances = nil // exchange reports nothing held
	b := newBook(t, mc)
	require.NoError(t, b.Add(solPosition(1)))

	ctx := context.Background()
	require.NoError(t, b.Reconcile(ctx, false, "test"))
	assert.True(t, b.Has("KRW-SOL"), "one zero reading must not drop the position")
	require.NoError(t, b.Reconcile(ctx, false, "test"))
	assert.True(t, b.Has("KRW-SOL"))
	require.NoError(t, b.Reconcile(ctx, false, "test"))
	assert.False(t, b.Has("KRW-SOL"), "third consecutive zero reading drops it")
}

func TestReconcileNonzeroReadingResetsGhostCounter(t *testing.T) {
	mc := testutils.NewMockClient()
	b := newBook(t, mc)
	require.NoError(t, b.Add(solPosition(1)))

	ctx := context.Background()
	mc.Balances = nil
	require.NoError(t, b.Reconcile(ctx, false, "test"))
	require.NoError(t, b.Reconcile(ctx, false, "test"))

	mc.Balances = []exchange.Balance{{Currency: "SOL", Balance: 1, AvgBuyPrice: 100_000}}
	require.NoError(t, b.Reconcile(ctx, false, "test"))

	mc.Balances = nil
	require.NoError(t, b.Reconcile(ctx, false, "test"))
	require.NoError(t, b.Reconcile(ctx, false, "test"))
	assert.True(t, b.Has("KRW-SOL"), "counter restarted after the nonzero reading")
}

func TestReconcileAdoptsExchangeDrift(t *testing.T) {
	mc := testutils.NewMockClient()
	// 1% amount drift and 1% price drift, both above thresholds.
	mc.Balances = []exchange.Balance{{Currency: "SOL", Balance: 1.01, AvgBuyPrice: 101_000}}
	b := newBook(t, mc)
	require.NoError(t, b.Add(solPosition(1)))

	require.NoError(t, b.Reconcile(context.Background(), false, "test"))
	p, _ := b.Get("KRW-SOL")
	assert.Equal(t, 1.01, p.Amount)
	assert.Equal(t, 101_000.0, p.BuyPrice)
}

func TestReconcileIdempotentNoRewrite(t *testing.T) {
	mc := testutils.NewMockClient()
	mc.Balances = []exchange.Balance{{Currency: "SOL", Balance: 1, AvgBuyPrice: 100_000}}
	b := newBook(t, mc)
	require.NoError(t, b.Add(solPosition(1)))

	before, err := os.ReadFile(b.path)
	require.NoError(t, err)
	beforeInfo, err := os.Stat(b.path)
	require.NoError(t, err)

	require.NoError(t, b.Reconcile(context.Background(), false, "test"))

	after, err := os.ReadFile(b.path)
	require.NoError(t, err)
	afterInfo, err := os.Stat(b.path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, beforeInfo.ModTime(), afterInfo.ModTime(), "no change means no write")
}

func TestReconcileAttachesUntrackedBalance(t *testing.T) {
	mc := testutils.NewMockClient()
	mc.Balances = []exchange.Balance{
		{Currency: "KRW", Balance: 500_000},
		{Currency: "XRP", Balance: 100, AvgBuyPrice: 800},
	}
	mc.Quotes["KRW-XRP"] = 850
	b := newBook(t, mc)
	b.cfg.Trading.UntrackedBalance.Action = "attach"

	require.NoError(t, b.Reconcile(context.Background(), false, "test"))
	p, ok := b.Get("KRW-XRP")
	require.True(t, ok)
	assert.Equal(t, 100.0, p.Amount)
	assert.Equal(t, 800.0, p.BuyPrice)
}

func TestReconcileCleansUpSmallUntrackedBalance(t *testing.T) {
	mc := testutils.NewMockClient()
	mc.Balances = []exchange.Balance{{Currency: "XRP", Balance: 2}}
	mc.Quotes["KRW-XRP"] = 850 // 1,700 KRW, below the 5,000 threshold
	b := newBook(t, mc)
	b.cfg.Trading.UntrackedBalance.Action = "cleanup_small"

	require.NoError(t, b.Reconcile(context.Background(), false, "test"))
	require.Len(t, mc.Placed, 1)
	assert.Equal(t, "market_sell", mc.Placed[0].Kind)
	assert.False(t, b.Has("KRW-XRP"))
}

func TestReconcileSkipsProtectedSymbols(t *testing.T) {
	mc := testutils.NewMockClient()
	mc.Balances = []exchange.Balance{{Currency: "XRP", Balance: 2}}
	mc.Quotes["KRW-XRP"] = 850
	b := newBook(t, mc)
	b.cfg.Trading.UntrackedBalance.Action = "cleanup_small"
	b.cfg.CoinSelection.ExcludedCoins = []string{"KRW-XRP"}

	require.NoError(t, b.Reconcile(context.Background(), false, "test"))
	assert.Empty(t, mc.Placed)
}
