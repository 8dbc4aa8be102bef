package types

import "time"

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Regime is the macro market classification derived from the reference
// asset's EMA alignment on the signal timeframe.
type Regime string

const (
	Bull  Regime = "BULL"
	Bear  Regime = "BEAR"
	Range Regime = "RANGE"
)

// StrategyID identifies one of the reference strategies.
type StrategyID string

const (
	TrendBreakout    StrategyID = "TREND_BREAKOUT"
	MomentumPullback StrategyID = "MOMENTUM_PULLBACK"
	RangeReversion   StrategyID = "RANGE_REVERSION"
)

// Candle is a single OHLCV bar. Timestamp is the bar's open time; only
// closed bars are ever used for decisions.
type Candle struct {
	Timestamp   time.Time `json:"timestamp"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
	QuoteVolume float64   `json:"quote_volume"`
}

// SymbolState is the per-symbol snapshot computed by the analyzer for one
// evaluation. It is created on demand and never stored beyond one tick.
type SymbolState struct {
	Ticker   string
	CandleTS time.Time

	Close     float64
	PrevClose float64
	High      float64
	Low       float64

	EMA20  float64
	EMA50  float64
	EMA200 float64
	RSI    float64

	ATR        float64
	ATRPct     float64
	TrueRange  float64
	TRATRRatio float64

	VolumeRatio float64

	BreakoutLevel float64
	BreakoutAbove bool
	RetestOK      bool

	SwingHigh     float64
	SwingLow      float64
	RangeWidthPct float64
	RangePosition float64
	MiddleZone    bool
	LowerExtreme  bool
	RangeBounce   bool
	TargetPrice   float64

	PullbackToEMA20 bool
	VolatilityOK    bool

	Structure    Regime
	TrendBiasPct float64
	QualityScore float64
}

// BuyMeta carries the strategy contract a position was opened under, plus
// the mutable management state (partial take-profit, trailing stop).
type BuyMeta struct {
	Strategy        StrategyID `json:"strategy"`
	StopPrice       float64    `json:"stop_price"`
	TakeProfitPrice float64    `json:"take_profit_price,omitempty"`
	TargetR         float64    `json:"target_r,omitempty"`
	TimeStopCandles int        `json:"time_stop_candles,omitempty"`
	RiskUnit        float64    `json:"risk_unit"`

	TP1R         float64 `json:"tp1_r,omitempty"`
	TP1Done      bool    `json:"tp1_done,omitempty"`
	TrailStartR  float64 `json:"trail_activate_r,omitempty"`
	TrailingPct  float64 `json:"trailing_stop_pct,omitempty"`
	TrailActive  bool    `json:"trailing_activated,omitempty"`
	TrailingStop float64 `json:"trailing_stop_price,omitempty"`
}

// Position is a tracked holding. Amount is the remaining quantity, net of
// partial fills and reconciliation.
type Position struct {
	Ticker         string    `json:"ticker"`
	BuyPrice       float64   `json:"buy_price"`
	Amount         float64   `json:"amount"`
	OriginalAmount float64   `json:"original_amount"`
	Timestamp      time.Time `json:"timestamp"`
	HighestPrice   float64   `json:"highest_price"`
	OrderUUID      string    `json:"order_uuid,omitempty"`
	BuyMeta        BuyMeta   `json:"buy_meta"`
}

// InvestedCost returns the cost basis of the remaining amount.
func (p *Position) InvestedCost() float64 {
	return p.BuyPrice * p.Amount
}

// HoldMinutes returns how long the position has been open at now.
func (p *Position) HoldMinutes(now time.Time) float64 {
	return now.Sub(p.Timestamp).Minutes()
}

// OrderIntent is the order template a strategy hands to the executor.
type OrderIntent struct {
	Side        Side
	Ticker      string
	LimitPrice  float64
	Quantity    float64
	NotionalKRW float64
	Strategy    StrategyID
}

// OrderResult is the settled outcome of a buy or sell execution; fills from
// a limit leg and a market fallback leg are already combined.
type OrderResult struct {
	FilledQty    float64
	AvgPrice     float64
	PaidFee      float64
	NetKRW       float64
	UUID         string
	RemainingQty float64
}

// SizingReport carries every intermediate quantity of a risk-sizing pass so
// the decision log can audit how an order notional was derived.
type SizingReport struct {
	EquityKRW          float64 `json:"equity_krw"`
	RiskPct            float64 `json:"risk_pct"`
	RiskKRW            float64 `json:"risk_krw"`
	QtyByRisk          float64 `json:"qty_by_risk"`
	RiskInvestKRW      float64 `json:"risk_invest_krw"`
	WeightCapKRW       float64 `json:"weight_cap_krw"`
	WeightRemainingKRW float64 `json:"weight_remaining_krw"`
	TotalCapRemaining  float64 `json:"total_cap_remaining_krw"`
	RecommendedKRW     float64 `json:"recommended_invest_krw"`
}

// TradeRecord is one closed (or partially closed) trade, persisted to the
// per-day history files.
type TradeRecord struct {
	Timestamp  time.Time  `json:"timestamp"`
	Ticker     string     `json:"ticker"`
	Strategy   StrategyID `json:"strategy,omitempty"`
	BuyPrice   float64    `json:"buy_price"`
	SellPrice  float64    `json:"sell_price"`
	Amount     float64    `json:"amount"`
	BuyFee     float64    `json:"buy_fee"`
	SellFee    float64    `json:"sell_fee"`
	GrossKRW   float64    `json:"gross_krw"`
	ProfitKRW  float64    `json:"profit_krw"`
	ProfitRate float64    `json:"profit_rate"`
	Reason     string     `json:"reason"`
	HoldSecs   float64    `json:"holding_seconds"`
}
