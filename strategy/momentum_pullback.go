package strategy

import (
	"math"
	"time"

	"github.com/evdnx/upbot/config"
	"github.com/evdnx/upbot/types"
)

// MomentumPullback buys shallow pullbacks to the 20-EMA during a volume
// spike with momentum intact, exiting at a fixed R target or via a time stop
// when the move stalls.
type MomentumPullback struct {
	cfg *config.Config
}

func NewMomentumPullback(cfg *config.Config) *MomentumPullback {
	return &MomentumPullback{cfg: cfg}
}

func (s *MomentumPullback) ID() types.StrategyID { return types.MomentumPullback }

func (s *MomentumPullback) AllowedIn(r types.Regime) bool {
	return r == types.Bull || r == types.Range
}

func (s *MomentumPullback) Evaluate(st *types.SymbolState) (*EntrySignal, string) {
	c := s.cfg.Strategy
	if st.VolumeRatio < c.DogeVolumeSpikeMin || st.RSI <= c.DogeRSIMin {
		return nil, ""
	}
	tol := math.Max(st.ATR*c.DogePullbackATRTolerance, st.Close*0.0025)
	if math.Abs(st.Close-st.EMA20) > tol {
		return nil, ""
	}
	stop := st.Close * (1 - c.DogeStopPct)
	if stop <= 0 || stop >= st.Close {
		return nil, BlockStopCalcFailed
	}
	return &EntrySignal{
		Strategy:        types.MomentumPullback,
		StopPrice:       stop,
		TargetR:         c.DogeTargetR,
		TimeStopCandles: c.DogeTimeStopCandles,
	}, ""
}

func (s *MomentumPullback) Manage(pos *types.Position, st *types.SymbolState, now time.Time) ExitDecision {
	price := st.Close
	meta := &pos.BuyMeta
	if price > pos.HighestPrice {
		pos.HighestPrice = price
	}

	if price <= meta.StopPrice {
		return ExitDecision{Action: CloseFull, Reason: "structural_stop", Hard: true}
	}

	r := meta.RiskUnit
	if r <= 0 {
		return hold
	}
	progress := (price - pos.BuyPrice) / r
	if progress >= meta.TargetR {
		return ExitDecision{Action: CloseFull, Reason: "target_reached"}
	}
	if meta.TimeStopCandles > 0 &&
		elapsedCandles(pos, now, s.cfg.Strategy.SignalIntervalMinutes) >= meta.TimeStopCandles {
		return ExitDecision{Action: CloseFull, Reason: "time_stop"}
	}
	return hold
}
