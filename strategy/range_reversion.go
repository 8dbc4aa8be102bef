package strategy

import (
	"time"

	"github.com/evdnx/upbot/config"
	"github.com/evdnx/upbot/types"
)

// RangeReversion buys the lower extreme of an established box when momentum
// is washed out, targeting the upper part of the range with a tight
// percentage stop below the box.
type RangeReversion struct {
	cfg *config.Config
}

func NewRangeReversion(cfg *config.Config) *RangeReversion {
	return &RangeReversion{cfg: cfg}
}

func (s *RangeReversion) ID() types.StrategyID { return types.RangeReversion }

func (s *RangeReversion) AllowedIn(r types.Regime) bool { return r == types.Range }

func (s *RangeReversion) Evaluate(st *types.SymbolState) (*EntrySignal, string) {
	c := s.cfg.Strategy
	if st.RSI > c.AdaRSIMax || st.RangePosition > c.AdaEntryLowerPct {
		return nil, ""
	}
	if st.RangeWidthPct < c.AdaMinRangeWidthPct*100 {
		return nil, ""
	}
	stop := st.Close * (1 - c.AdaStopPct)
	if stop <= 0 || stop >= st.Close {
		return nil, BlockStopCalcFailed
	}
	return &EntrySignal{
		Strategy:        types.RangeReversion,
		StopPrice:       stop,
		TakeProfitPrice: st.TargetPrice,
	}, ""
}

func (s *RangeReversion) Manage(pos *types.Position, st *types.SymbolState, _ time.Time) ExitDecision {
	price := st.Close
	meta := &pos.BuyMeta
	if price > pos.HighestPrice {
		pos.HighestPrice = price
	}

	if price <= meta.StopPrice {
		return ExitDecision{Action: CloseFull, Reason: "structural_stop", Hard: true}
	}
	if meta.TakeProfitPrice > 0 && price >= meta.TakeProfitPrice {
		return ExitDecision{Action: CloseFull, Reason: "range_target"}
	}
	return hold
}
