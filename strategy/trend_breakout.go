package strategy

import (
	"time"

	"github.com/evdnx/upbot/config"
	"github.com/evdnx/upbot/types"
)

// tp1Portion is the slice sold at the first profit target.
const tp1Portion = 0.30

// TrendBreakout buys confirmed breakouts above the recent high band after a
// successful retest, with an ATR stop, a partial first target and a ratcheting
// trailing stop.
type TrendBreakout struct {
	cfg *config.Config
}

func NewTrendBreakout(cfg *config.Config) *TrendBreakout {
	return &TrendBreakout{cfg: cfg}
}

func (s *TrendBreakout) ID() types.StrategyID { return types.TrendBreakout }

func (s *TrendBreakout) AllowedIn(r types.Regime) bool { return r == types.Bull }

func (s *TrendBreakout) Evaluate(st *types.SymbolState) (*EntrySignal, string) {
	if !st.BreakoutAbove || !st.RetestOK || !st.VolatilityOK {
		return nil, ""
	}
	stop := st.Close - s.cfg.Strategy.SolStopATR*st.ATR
	if stop <= 0 || stop >= st.Close {
		return nil, BlockStopCalcFailed
	}
	return &EntrySignal{
		Strategy:    types.TrendBreakout,
		StopPrice:   stop,
		TP1R:        s.cfg.Strategy.SolTP1R,
		TrailStartR: s.cfg.Strategy.SolTrailActivateR,
		TrailingPct: s.cfg.Strategy.SolTrailingStopPct,
	}, ""
}

func (s *TrendBreakout) Manage(pos *types.Position, st *types.SymbolState, _ time.Time) ExitDecision {
	price := st.Close
	meta := &pos.BuyMeta
	if price > pos.HighestPrice {
		pos.HighestPrice = price
	}

	if price <= meta.StopPrice {
		return ExitDecision{Action: CloseFull, Reason: "structural_stop", Hard: true}
	}

	r := meta.RiskUnit
	if r > 0 {
		if !meta.TrailActive && price >= pos.BuyPrice+meta.TrailStartR*r {
			meta.TrailActive = true
		}
		if meta.TrailActive {
			candidate := pos.HighestPrice * (1 - meta.TrailingPct)
			if candidate > meta.TrailingStop {
				meta.TrailingStop = candidate
			}
			if price <= meta.TrailingStop {
				return ExitDecision{Action: CloseFull, Reason: "trail_exit", Hard: true}
			}
		}
		if !meta.TP1Done && price >= pos.BuyPrice+meta.TP1R*r {
			return ExitDecision{Action: ClosePartial, Portion: tp1Portion, Reason: "tp1"}
		}
	}
	return hold
}
