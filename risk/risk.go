package risk

import (
	"math"

	"github.com/evdnx/upbot/config"
	"github.com/evdnx/upbot/types"
)

// PortfolioView exposes the exposure numbers sizing needs, without owning
// any position state.
type PortfolioView interface {
	// ExposureKRW is the invested cost currently tied up in symbol.
	ExposureKRW(symbol string) float64
	// TotalInvestedKRW is the invested cost across all positions.
	TotalInvestedKRW() float64
}

// Sizer converts an entry/stop pair into an order notional bounded by the
// per-trade risk budget, the per-symbol weight cap and the global investment
// cap. A RecommendedKRW of zero means the trade cannot be sized.
type Sizer struct {
	cfg *config.Config
}

func NewSizer(cfg *config.Config) *Sizer {
	return &Sizer{cfg: cfg}
}

// Size computes the sizing report. equity is cash plus the marked value of
// all open positions.
func (s *Sizer) Size(equity float64, symbol string, entry, stop float64, pf PortfolioView) types.SizingReport {
	rep := types.SizingReport{
		EquityKRW: equity,
		RiskPct:   s.cfg.RiskPctFor(symbol),
	}
	rep.RiskKRW = equity * rep.RiskPct

	if entry <= 0 || stop >= entry || equity <= 0 {
		return rep
	}

	rep.QtyByRisk = rep.RiskKRW / (entry - stop)
	rep.RiskInvestKRW = rep.QtyByRisk * entry

	weightCap := equity * s.cfg.Risk.SymbolWeightCap
	rep.WeightCapKRW = weightCap
	rep.WeightRemainingKRW = math.Max(0, weightCap-pf.ExposureKRW(symbol))

	rep.TotalCapRemaining = math.Max(0, s.cfg.Trading.MaxTotalInvestment-pf.TotalInvestedKRW())

	recommended := math.Min(rep.RiskInvestKRW, math.Min(rep.WeightRemainingKRW, rep.TotalCapRemaining))
	if recommended < s.cfg.Trading.MinTradeAmount {
		return rep
	}
	rep.RecommendedKRW = recommended
	return rep
}
