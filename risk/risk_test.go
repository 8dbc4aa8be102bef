package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evdnx/upbot/config"
)

type fakePortfolio struct {
	exposure map[string]float64
	total    float64
}

func (f *fakePortfolio) ExposureKRW(symbol string) float64 { return f.exposure[symbol] }
func (f *fakePortfolio) TotalInvestedKRW() float64         { return f.total }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Risk.RiskPerTradePct = 0.01
	cfg.Risk.SymbolWeightCap = 0.4
	cfg.Trading.MaxTotalInvestment = 1_000_000
	cfg.Trading.MinTradeAmount = 5_500
	return cfg
}

func TestSizeRiskBudgetBinds(t *testing.T) {
	s := NewSizer(testConfig(t))
	pf := &fakePortfolio{exposure: map[string]float64{}}

	// equity 1,000,000, risk 1% = 10,000 KRW; entry 100, stop 98 -> qty 5,000.
	rep := s.Size(1_000_000, "KRW-SOL", 100, 98, pf)
	assert.Equal(t, 10_000.0, rep.RiskKRW)
	assert.InDelta(t, 5_000.0, rep.QtyByRisk, 1e-9)
	assert.InDelta(t, 500_000.0, rep.RiskInvestKRW, 1e-9)
	// Weight cap (400,000) is tighter than risk-invest (500,000).
	assert.Equal(t, 400_000.0, rep.RecommendedKRW)
}

func TestSizeWeightRemainingShrinksWithExposure(t *testing.T) {
	s := NewSizer(testConfig(t))
	pf := &fakePortfolio{exposure: map[string]float64{"KRW-SOL": 390_000}, total: 390_000}

	rep := s.Size(1_000_000, "KRW-SOL", 100, 98, pf)
	assert.InDelta(t, 10_000.0, rep.WeightRemainingKRW, 1e-9)
	assert.Equal(t, 10_000.0, rep.RecommendedKRW)
}

func TestSizeGlobalCapBinds(t *testing.T) {
	cfg := testConfig(t)
	cfg.Trading.MaxTotalInvestment = 200_000
	s := NewSizer(cfg)
	pf := &fakePortfolio{exposure: map[string]float64{}, total: 150_000}

	rep := s.Size(1_000_000, "KRW-SOL", 100, 98, pf)
	assert.Equal(t, 50_000.0, rep.TotalCapRemaining)
	assert.Equal(t, 50_000.0, rep.RecommendedKRW)
}

func TestSizeZeroWhenStopAtOrAboveEntry(t *testing.T) {
	s := NewSizer(testConfig(t))
	pf := &fakePortfolio{exposure: map[string]float64{}}

	rep := s.Size(1_000_000, "KRW-SOL", 100, 100, pf)
	assert.Zero(t, rep.RecommendedKRW)

	rep = s.Size(1_000_000, "KRW-SOL", 100, 105, pf)
	assert.Zero(t, rep.RecommendedKRW)
}

func TestSizeZeroBelowMinTrade(t *testing.T) {
	s := NewSizer(testConfig(t))
	pf := &fakePortfolio{exposure: map[string]float64{"KRW-SOL": 398_000}, total: 398_000}

	// Weight remaining is 2,000 KRW, below the 5,500 minimum.
	rep := s.Size(1_000_000, "KRW-SOL", 100, 98, pf)
	assert.InDelta(t, 2_000.0, rep.WeightRemainingKRW, 1e-9)
	assert.Zero(t, rep.RecommendedKRW)
}

func TestSizePerSymbolRiskOverride(t *testing.T) {
	cfg := testConfig(t)
	cfg.Risk.SymbolRiskPct = map[string]float64{"KRW-DOGE": 0.005}
	s := NewSizer(cfg)
	pf := &fakePortfolio{exposure: map[string]float64{}}

	rep := s.Size(1_000_000, "KRW-DOGE", 100, 98, pf)
	assert.Equal(t, 0.005, rep.RiskPct)
	assert.Equal(t, 5_000.0, rep.RiskKRW)
}
