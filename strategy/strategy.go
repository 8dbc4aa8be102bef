package strategy

import (
	"time"

	"github.com/evdnx/upbot/config"
	"github.com/evdnx/upbot/types"
)

// Block tags attached to rejected entry evaluations.
const (
	BlockStopCalcFailed = "STOP_CALC_FAILED"
	BlockNoStrategy     = "NO_STRATEGY_FOR_REGIME"
)

// EntrySignal is the order template a strategy emits when its conditions
// are met on the current closed bar.
type EntrySignal struct {
	Strategy        types.StrategyID
	StopPrice       float64
	TakeProfitPrice float64
	TargetR         float64
	TimeStopCandles int
	TP1R            float64
	TrailStartR     float64
	TrailingPct     float64
}

// Meta converts the signal into the position metadata stored at buy time.
func (s *EntrySignal) Meta(entry float64) types.BuyMeta {
	return types.BuyMeta{
		Strategy:        s.Strategy,
		StopPrice:       s.StopPrice,
		TakeProfitPrice: s.TakeProfitPrice,
		TargetR:         s.TargetR,
		TimeStopCandles: s.TimeStopCandles,
		RiskUnit:        entry - s.StopPrice,
		TP1R:            s.TP1R,
		TrailStartR:     s.TrailStartR,
		TrailingPct:     s.TrailingPct,
	}
}

// Action is what the position manager wants done with a holding.
type Action int

const (
	Hold Action = iota
	ClosePartial
	CloseFull
)

// ExitDecision describes one management outcome. Hard exits (stops,
// trailing) bypass the minimum-hold guard; soft ones do not.
type ExitDecision struct {
	Action  Action
	Portion float64
	Reason  string
	Hard    bool
}

var hold = ExitDecision{Action: Hold}

// Strategy evaluates entries on a symbol snapshot and manages open
// positions. Implementations are stateless; all per-position state lives in
// the position's BuyMeta.
type Strategy interface {
	ID() types.StrategyID
	AllowedIn(r types.Regime) bool

	// Evaluate returns a signal when entry conditions hold, or nil. A
	// non-empty block tag reports a failure that should be logged (e.g. a
	// stop that cannot be computed), as opposed to a mere no-setup.
	Evaluate(st *types.SymbolState) (*EntrySignal, string)

	// Manage inspects an open position against the current snapshot. It may
	// ratchet trailing state on the position's BuyMeta but must not assume
	// the returned exit will execute.
	Manage(pos *types.Position, st *types.SymbolState, now time.Time) ExitDecision
}

// Selector maps (symbol, regime) to the strategy allowed to trade it.
type Selector struct {
	cfg        *config.Config
	strategies map[types.StrategyID]Strategy
}

func NewSelector(cfg *config.Config) *Selector {
	s := &Selector{cfg: cfg, strategies: make(map[types.StrategyID]Strategy)}
	for _, st := range []Strategy{
		NewTrendBreakout(cfg),
		NewMomentumPullback(cfg),
		NewRangeReversion(cfg),
	} {
		s.strategies[st.ID()] = st
	}
	return s
}

// ByID returns a registered strategy, or nil.
func (s *Selector) ByID(id types.StrategyID) Strategy {
	return s.strategies[id]
}

// For resolves the strategy for symbol under the active regime. When the
// symbol has a configured assignment, that strategy is used if the regime
// permits; otherwise the regime's default applies. A nil return means no
// strategy may trade the symbol right now, with the block tag explaining it.
func (s *Selector) For(symbol string, r types.Regime) (Strategy, string) {
	if ss, ok := s.cfg.Strategy.SymbolStrategyMap[symbol]; ok {
		st := s.strategies[types.StrategyID(ss.Strategy)]
		if st == nil {
			return nil, BlockNoStrategy
		}
		if len(ss.Regimes) > 0 {
			for _, allowed := range ss.Regimes {
				if types.Regime(allowed) == r || allowed == "any" {
					return st, ""
				}
			}
			return nil, BlockNoStrategy
		}
		if st.AllowedIn(r) {
			return st, ""
		}
		return nil, BlockNoStrategy
	}

	switch r {
	case types.Bull:
		return s.strategies[types.TrendBreakout], ""
	case types.Range:
		return s.strategies[types.RangeReversion], ""
	default:
		return nil, BlockNoStrategy
	}
}

// elapsedCandles counts full signal-timeframe bars since the position opened.
func elapsedCandles(pos *types.Position, now time.Time, intervalMinutes int) int {
	if intervalMinutes <= 0 {
		return 0
	}
	return int(now.Sub(pos.Timestamp).Minutes()) / intervalMinutes
}
