package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evdnx/upbot/config"
	"github.com/evdnx/upbot/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func openPosition(sig *EntrySignal, entry, qty float64, openedAt time.Time) *types.Position {
	return &types.Position{
		Ticker:         "KRW-SOL",
		BuyPrice:       entry,
		Amount:         qty,
		OriginalAmount: qty,
		Timestamp:      openedAt,
		HighestPrice:   entry,
		BuyMeta:        sig.Meta(entry),
	}
}

func TestSelectorRespectsSymbolMapAndRegime(t *testing.T) {
	cfg := testConfig(t)
	cfg.Strategy.SymbolStrategyMap = map[string]config.SymbolStrategy{
		"KRW-DOGE": {Strategy: "MOMENTUM_PULLBACK", Regimes: []string{"BULL", "RANGE"}},
		"KRW-ADA":  {Strategy: "RANGE_REVERSION"},
	}
	sel := NewSelector(cfg)

	st, tag := sel.For("KRW-DOGE", types.Bull)
	require.NotNil(t, st)
	assert.Empty(t, tag)
	assert.Equal(t, types.MomentumPullback, st.ID())

	st, tag = sel.For("KRW-DOGE", types.Bear)
	assert.Nil(t, st)
	assert.Equal(t, BlockNoStrategy, tag)

	// No explicit regimes: the strategy's own allowance applies.
	st, _ = sel.For("KRW-ADA", types.Range)
	require.NotNil(t, st)
	st, tag = sel.For("KRW-ADA", types.Bull)
	assert.Nil(t, st)
	assert.Equal(t, BlockNoStrategy, tag)

	// Unmapped symbols fall back to the regime default.
	st, _ = sel.For("KRW-SOL", types.Bull)
	require.NotNil(t, st)
	assert.Equal(t, types.TrendBreakout, st.ID())
	st, tag = sel.For("KRW-SOL", types.Bear)
	assert.Nil(t, st)
	assert.Equal(t, BlockNoStrategy, tag)
}

func TestTrendBreakoutEntry(t *testing.T) {
	cfg := testConfig(t)
	s := NewTrendBreakout(cfg)

	st := &types.SymbolState{
		Close: 100, ATR: 2,
		BreakoutAbove: true, RetestOK: true, VolatilityOK: true,
	}
	sig, tag := s.Evaluate(st)
	require.NotNil(t, sig)
	assert.Empty(t, tag)
	assert.InDelta(t, 100-cfg.Strategy.SolStopATR*2, sig.StopPrice, 1e-9)

	meta := sig.Meta(100)
	assert.InDelta(t, 100-sig.StopPrice, meta.RiskUnit, 1e-9)

	st.RetestOK = false
	sig, tag = s.Evaluate(st)
	assert.Nil(t, sig)
	assert.Empty(t, tag)

	// An ATR so wide the stop crosses zero cannot be sized.
	st.RetestOK = true
	st.ATR = 100
	sig, tag = s.Evaluate(st)
	assert.Nil(t, sig)
	assert.Equal(t, BlockStopCalcFailed, tag)
}

func TestTrendBreakoutManagement(t *testing.T) {
	cfg := testConfig(t)
	cfg.Strategy.SolTP1R = 1.0
	cfg.Strategy.SolTrailActivateR = 1.5
	cfg.Strategy.SolTrailingStopPct = 0.02
	s := NewTrendBreakout(cfg)

	sig, _ := s.Evaluate(&types.SymbolState{
		Close: 100, ATR: 2, BreakoutAbove: true, RetestOK: true, VolatilityOK: true,
	})
	require.NotNil(t, sig)
	now := time.Now()
	pos := openPosition(sig, 100, 1, now)
	r := pos.BuyMeta.RiskUnit

	// Below tp1: hold.
	d := s.Manage(pos, &types.SymbolState{Close: 100 + 0.5*r}, now)
	assert.Equal(t, Hold, d.Action)

	// At tp1: sell 30% once.
	d = s.Manage(pos, &types.SymbolState{Close: 100 + 1.0*r}, now)
	assert.Equal(t, ClosePartial, d.Action)
	assert.Equal(t, 0.30, d.Portion)
	assert.Equal(t, "tp1", d.Reason)
	assert.False(t, d.Hard)
	pos.BuyMeta.TP1Done = true

	// Past activation: trailing arms and ratchets off the high-water mark.
	d = s.Manage(pos, &types.SymbolState{Close: 100 + 2.0*r}, now)
	assert.Equal(t, Hold, d.Action)
	require.True(t, pos.BuyMeta.TrailActive)
	firstTrail := pos.BuyMeta.TrailingStop
	assert.InDelta(t, (100+2.0*r)*0.98, firstTrail, 1e-9)

	d = s.Manage(pos, &types.SymbolState{Close: 100 + 3.0*r}, now)
	assert.Equal(t, Hold, d.Action)
	assert.Greater(t, pos.BuyMeta.TrailingStop, firstTrail, "trailing only ratchets up")

	// Price falls back to the trail: hard exit.
	d = s.Manage(pos, &types.SymbolState{Close: pos.BuyMeta.TrailingStop - 0.01}, now)
	assert.Equal(t, CloseFull, d.Action)
	assert.Equal(t, "trail_exit", d.Reason)
	assert.True(t, d.Hard)

	// Hard stop always fires.
	d = s.Manage(pos, &types.SymbolState{Close: pos.BuyMeta.StopPrice - 0.01}, now)
	assert.Equal(t, CloseFull, d.Action)
	assert.Equal(t, "structural_stop", d.Reason)
	assert.True(t, d.Hard)
}

func TestMomentumPullbackEntry(t *testing.T) {
	cfg := testConfig(t)
	s := NewMomentumPullback(cfg)

	good := &types.SymbolState{
		Close: 100, EMA20: 100.1, ATR: 1,
		VolumeRatio: 2.0, RSI: 60,
	}
	sig, tag := s.Evaluate(good)
	require.NotNil(t, sig)
	assert.Empty(t, tag)
	assert.InDelta(t, 100*(1-cfg.Strategy.DogeStopPct), sig.StopPrice, 1e-9)
	assert.Equal(t, cfg.Strategy.DogeTimeStopCandles, sig.TimeStopCandles)

	// Too far from the EMA.
	far := *good
	far.EMA20 = 110
	sig, _ = s.Evaluate(&far)
	assert.Nil(t, sig)

	// No volume spike.
	quiet := *good
	quiet.VolumeRatio = 1.0
	sig, _ = s.Evaluate(&quiet)
	assert.Nil(t, sig)

	// Weak momentum.
	weak := *good
	weak.RSI = 45
	sig, _ = s.Evaluate(&weak)
	assert.Nil(t, sig)
}

func TestMomentumPullbackManagement(t *testing.T) {
	cfg := testConfig(t)
	cfg.Strategy.SignalIntervalMinutes = 20
	cfg.Strategy.DogeTargetR = 1.5
	cfg.Strategy.DogeTimeStopCandles = 8
	s := NewMomentumPullback(cfg)

	sig, _ := s.Evaluate(&types.SymbolState{
		Close: 100, EMA20: 100, ATR: 1, VolumeRatio: 2, RSI: 60,
	})
	require.NotNil(t, sig)
	openedAt := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	pos := openPosition(sig, 100, 1, openedAt)
	r := pos.BuyMeta.RiskUnit

	// Target reached.
	d := s.Manage(pos, &types.SymbolState{Close: 100 + 1.5*r}, openedAt.Add(40*time.Minute))
	assert.Equal(t, CloseFull, d.Action)
	assert.Equal(t, "target_reached", d.Reason)
	assert.False(t, d.Hard)

	// Stalled past the time stop.
	d = s.Manage(pos, &types.SymbolState{Close: 100.5}, openedAt.Add(8*20*time.Minute))
	assert.Equal(t, CloseFull, d.Action)
	assert.Equal(t, "time_stop", d.Reason)

	// Not stalled yet.
	d = s.Manage(pos, &types.SymbolState{Close: 100.5}, openedAt.Add(7*20*time.Minute))
	assert.Equal(t, Hold, d.Action)
}

func TestRangeReversionEntryAndManagement(t *testing.T) {
	cfg := testConfig(t)
	s := NewRangeReversion(cfg)

	st := &types.SymbolState{
		Close: 101, RSI: 30,
		RangePosition: 0.1, RangeWidthPct: 10,
		TargetPrice: 107.5,
	}
	sig, tag := s.Evaluate(st)
	require.NotNil(t, sig)
	assert.Empty(t, tag)
	assert.Equal(t, 107.5, sig.TakeProfitPrice)

	// Momentum not washed out.
	hot := *st
	hot.RSI = 50
	sig2, _ := s.Evaluate(&hot)
	assert.Nil(t, sig2)

	// Box too narrow to pay for the round trip.
	narrow := *st
	narrow.RangeWidthPct = 0.5
	sig2, _ = s.Evaluate(&narrow)
	assert.Nil(t, sig2)

	now := time.Now()
	pos := openPosition(sig, 101, 1, now)

	d := s.Manage(pos, &types.SymbolState{Close: 104}, now)
	assert.Equal(t, Hold, d.Action)

	d = s.Manage(pos, &types.SymbolState{Close: 107.6}, now)
	assert.Equal(t, CloseFull, d.Action)
	assert.Equal(t, "range_target", d.Reason)

	d = s.Manage(pos, &types.SymbolState{Close: pos.BuyMeta.StopPrice - 0.01}, now)
	assert.Equal(t, CloseFull, d.Action)
	assert.Equal(t, "structural_stop", d.Reason)
	assert.True(t, d.Hard)
}
