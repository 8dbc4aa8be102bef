package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration. Every field has a default so a
// bare config file (or none at all, with env vars) still yields a runnable
// setup; Validate rejects combinations that would be unsafe to trade with.
type Config struct {
	API           APIConfig           `mapstructure:"api"`
	Trading       TradingConfig       `mapstructure:"trading"`
	Strategy      StrategyConfig      `mapstructure:"strategy"`
	Risk          RiskConfig          `mapstructure:"risk_management"`
	CoinSelection CoinSelectionConfig `mapstructure:"coin_selection"`
	Telegram      TelegramConfig      `mapstructure:"telegram"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	State         StateConfig         `mapstructure:"state"`
}

type APIConfig struct {
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	BaseURL   string `mapstructure:"base_url"`
}

type TradingSession struct {
	StartHour int `mapstructure:"start_hour"`
	EndHour   int `mapstructure:"end_hour"`
}

type TradingHoursConfig struct {
	Enabled  bool             `mapstructure:"enabled"`
	Sessions []TradingSession `mapstructure:"sessions"`
}

type UntrackedBalanceConfig struct {
	// Action is one of ignore, attach, cleanup_small.
	Action          string  `mapstructure:"action"`
	SmallThresholdK float64 `mapstructure:"small_threshold_krw"`
}

type TradingConfig struct {
	MaxTotalInvestment   float64 `mapstructure:"max_total_investment"`
	MinTradeAmount       float64 `mapstructure:"min_trade_amount"`
	MaxSpreadPercent     float64 `mapstructure:"max_spread_percent"`
	MinOrderbookDepthKRW float64 `mapstructure:"min_orderbook_depth_krw"`

	// OrderType is market or limit_with_fallback.
	OrderType             string  `mapstructure:"order_type"`
	LimitOrderWaitSeconds int     `mapstructure:"limit_order_wait_seconds"`
	FeePct                float64 `mapstructure:"fee_pct"`

	CheckIntervalSeconds int `mapstructure:"check_interval_seconds"`

	DailyLossLimitPercent    float64 `mapstructure:"daily_loss_limit_percent"`
	CooldownAfterLossMinutes int     `mapstructure:"cooldown_after_loss_minutes"`

	ReentryCooldownAfterStoplossMinutes int `mapstructure:"reentry_cooldown_after_stoploss_minutes"`

	TradingHours TradingHoursConfig `mapstructure:"trading_hours"`

	PositionReconcileIntervalSeconds int `mapstructure:"position_reconcile_interval_seconds"`

	UntrackedBalance UntrackedBalanceConfig `mapstructure:"untracked_balance"`

	// LiquidateOnShutdown market-closes everything on graceful stop.
	LiquidateOnShutdown bool `mapstructure:"liquidate_on_shutdown"`
}

type EntryTimeFilterConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	StartHour int  `mapstructure:"start_hour"`
	EndHour   int  `mapstructure:"end_hour"`
}

type BTCFilterConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Ticker    string `mapstructure:"ticker"`
	EMAPeriod int    `mapstructure:"ema_period"`
}

// SymbolStrategy fixes one symbol's strategy and the regimes it may trade in.
type SymbolStrategy struct {
	Strategy string   `mapstructure:"strategy"`
	Regimes  []string `mapstructure:"regimes"`
}

type StrategyConfig struct {
	Mode              string                    `mapstructure:"mode"`
	SymbolStrategyMap map[string]SymbolStrategy `mapstructure:"symbol_strategy_map"`

	RegimeReference   string `mapstructure:"regime_reference"`
	RegimeCheckMins   int    `mapstructure:"regime_check_minutes"`
	RegimeConfirm     int    `mapstructure:"regime_confirm_count"`
	RegimeMinHoldMins int    `mapstructure:"regime_min_hold_minutes"`

	MaxPositions int `mapstructure:"max_positions"`

	EntryTimeFilter EntryTimeFilterConfig `mapstructure:"entry_time_filter"`
	BTCFilter       BTCFilterConfig       `mapstructure:"btc_filter"`

	VolatilityTRATRMax float64 `mapstructure:"volatility_tr_atr_max"`

	SignalIntervalMinutes int     `mapstructure:"signal_interval_minutes"`
	MinQualityScore       float64 `mapstructure:"min_quality_score"`

	// Trend-breakout knobs.
	SolBreakoutLookback int     `mapstructure:"sol_breakout_lookback"`
	SolStopATR          float64 `mapstructure:"sol_stop_atr"`
	SolTP1R             float64 `mapstructure:"sol_tp1_r"`
	SolTrailActivateR   float64 `mapstructure:"sol_trail_activate_r"`
	SolTrailingStopPct  float64 `mapstructure:"sol_trailing_stop_pct"`

	// Momentum-pullback knobs.
	DogeVolumeSpikeMin       float64 `mapstructure:"doge_volume_spike_min"`
	DogeRSIMin               float64 `mapstructure:"doge_rsi_min"`
	DogePullbackATRTolerance float64 `mapstructure:"doge_pullback_atr_tolerance"`
	DogeStopPct              float64 `mapstructure:"doge_stop_pct"`
	DogeTargetR              float64 `mapstructure:"doge_target_r"`
	DogeTimeStopCandles      int     `mapstructure:"doge_time_stop_candles"`

	// Range-reversion knobs.
	AdaRangeLookback      int     `mapstructure:"ada_range_lookback"`
	AdaRSIMax             float64 `mapstructure:"ada_rsi_max"`
	AdaEntryLowerPct      float64 `mapstructure:"ada_entry_lower_pct"`
	AdaStopPct            float64 `mapstructure:"ada_stop_pct"`
	AdaTakeProfitUpperPct float64 `mapstructure:"ada_take_profit_upper_pct"`
	AdaMinRangeWidthPct   float64 `mapstructure:"ada_min_range_width_pct"`
}

type RiskConfig struct {
	RiskPerTradePct float64            `mapstructure:"risk_per_trade_pct"`
	SymbolRiskPct   map[string]float64 `mapstructure:"symbol_risk_pct"`
	SymbolWeightCap float64            `mapstructure:"symbol_weight_cap"`

	MaxHoldMinutes int `mapstructure:"max_hold_minutes"`
	MinHoldMinutes int `mapstructure:"min_hold_minutes"`

	AnalysisHeartbeatMinutes int `mapstructure:"analysis_heartbeat_minutes"`
}

type CoinSelectionConfig struct {
	FixedTickers  []string `mapstructure:"fixed_tickers"`
	ExcludedCoins []string `mapstructure:"excluded_coins"`
}

type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
}

type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

type StateConfig struct {
	Dir              string `mapstructure:"dir"`
	PositionFile     string `mapstructure:"position_file"`
	DecisionLogFile  string `mapstructure:"decision_log_file"`
	TradeHistoryDir  string `mapstructure:"trade_history_dir"`
	DailyBalanceFile string `mapstructure:"daily_balance_file"`
}

// Load reads the config file at path (optional), overlays UPBOT_* environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("UPBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "https://api.upbit.com")

	v.SetDefault("trading.max_total_investment", 1_000_000.0)
	v.SetDefault("trading.min_trade_amount", 5_500.0)
	v.SetDefault("trading.max_spread_percent", 0.35)
	v.SetDefault("trading.min_orderbook_depth_krw", 2_000_000.0)
	v.SetDefault("trading.order_type", "limit_with_fallback")
	v.SetDefault("trading.limit_order_wait_seconds", 12)
	v.SetDefault("trading.fee_pct", 0.0005)
	v.SetDefault("trading.check_interval_seconds", 60)
	v.SetDefault("trading.daily_loss_limit_percent", -5.0)
	v.SetDefault("trading.cooldown_after_loss_minutes", 240)
	v.SetDefault("trading.reentry_cooldown_after_stoploss_minutes", 30)
	v.SetDefault("trading.trading_hours.enabled", false)
	v.SetDefault("trading.position_reconcile_interval_seconds", 60)
	v.SetDefault("trading.untracked_balance.action", "ignore")
	v.SetDefault("trading.untracked_balance.small_threshold_krw", 5_000.0)
	v.SetDefault("trading.liquidate_on_shutdown", false)

	v.SetDefault("strategy.mode", "regime")
	v.SetDefault("strategy.regime_reference", "KRW-BTC")
	v.SetDefault("strategy.regime_check_minutes", 15)
	v.SetDefault("strategy.regime_confirm_count", 2)
	v.SetDefault("strategy.regime_min_hold_minutes", 60)
	v.SetDefault("strategy.max_positions", 3)
	v.SetDefault("strategy.entry_time_filter.enabled", false)
	v.SetDefault("strategy.entry_time_filter.start_hour", 0)
	v.SetDefault("strategy.entry_time_filter.end_hour", 0)
	v.SetDefault("strategy.btc_filter.enabled", true)
	v.SetDefault("strategy.btc_filter.ticker", "KRW-BTC")
	v.SetDefault("strategy.btc_filter.ema_period", 50)
	v.SetDefault("strategy.volatility_tr_atr_max", 2.5)
	v.SetDefault("strategy.signal_interval_minutes", 20)
	v.SetDefault("strategy.min_quality_score", 30.0)

	v.SetDefault("strategy.sol_breakout_lookback", 20)
	v.SetDefault("strategy.sol_stop_atr", 1.5)
	v.SetDefault("strategy.sol_tp1_r", 1.0)
	v.SetDefault("strategy.sol_trail_activate_r", 1.5)
	v.SetDefault("strategy.sol_trailing_stop_pct", 0.02)

	v.SetDefault("strategy.doge_volume_spike_min", 1.5)
	v.SetDefault("strategy.doge_rsi_min", 50.0)
	v.SetDefault("strategy.doge_pullback_atr_tolerance", 0.5)
	v.SetDefault("strategy.doge_stop_pct", 0.02)
	v.SetDefault("strategy.doge_target_r", 1.5)
	v.SetDefault("strategy.doge_time_stop_candles", 8)

	v.SetDefault("strategy.ada_range_lookback", 48)
	v.SetDefault("strategy.ada_rsi_max", 35.0)
	v.SetDefault("strategy.ada_entry_lower_pct", 0.25)
	v.SetDefault("strategy.ada_stop_pct", 0.015)
	v.SetDefault("strategy.ada_take_profit_upper_pct", 0.75)
	v.SetDefault("strategy.ada_min_range_width_pct", 0.02)

	v.SetDefault("risk_management.risk_per_trade_pct", 0.01)
	v.SetDefault("risk_management.symbol_weight_cap", 0.4)
	v.SetDefault("risk_management.max_hold_minutes", 1440)
	v.SetDefault("risk_management.min_hold_minutes", 15)
	v.SetDefault("risk_management.analysis_heartbeat_minutes", 60)

	v.SetDefault("coin_selection.fixed_tickers", []string{"KRW-SOL", "KRW-DOGE", "KRW-ADA"})
	v.SetDefault("coin_selection.excluded_coins", []string{})

	v.SetDefault("telegram.enabled", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9105")

	v.SetDefault("state.dir", "state")
	v.SetDefault("state.position_file", "positions.json")
	v.SetDefault("state.decision_log_file", "decisions.jsonl")
	v.SetDefault("state.trade_history_dir", "trades")
	v.SetDefault("state.daily_balance_file", "daily_balance.json")
}

// Validate checks that all numeric fields are within sensible bounds.
// It returns the first encountered error, allowing the caller to surface a
// clear configuration problem before any trading starts.
func (c *Config) Validate() error {
	switch c.Trading.OrderType {
	case "market", "limit_with_fallback":
	default:
		return fmt.Errorf("trading.order_type %q must be market or limit_with_fallback", c.Trading.OrderType)
	}
	switch c.Trading.UntrackedBalance.Action {
	case "ignore", "attach", "cleanup_small":
	default:
		return fmt.Errorf("trading.untracked_balance.action %q must be ignore, attach or cleanup_small",
			c.Trading.UntrackedBalance.Action)
	}
	if c.Trading.MinTradeAmount <= 0 {
		return errors.New("trading.min_trade_amount must be positive")
	}
	if c.Trading.MaxTotalInvestment < c.Trading.MinTradeAmount {
		return fmt.Errorf("trading.max_total_investment (%.0f) below min_trade_amount (%.0f)",
			c.Trading.MaxTotalInvestment, c.Trading.MinTradeAmount)
	}
	if c.Trading.FeePct < 0 || c.Trading.FeePct > 0.01 {
		return fmt.Errorf("trading.fee_pct (%f) out of realistic range", c.Trading.FeePct)
	}
	if c.Trading.CheckIntervalSeconds <= 0 {
		return errors.New("trading.check_interval_seconds must be positive")
	}
	if c.Trading.LimitOrderWaitSeconds <= 0 {
		return errors.New("trading.limit_order_wait_seconds must be positive")
	}
	if c.Trading.DailyLossLimitPercent >= 0 {
		return fmt.Errorf("trading.daily_loss_limit_percent (%f) must be negative", c.Trading.DailyLossLimitPercent)
	}
	if c.Trading.PositionReconcileIntervalSeconds < 30 {
		return errors.New("trading.position_reconcile_interval_seconds must be >= 30")
	}
	if c.Trading.TradingHours.Enabled && len(c.Trading.TradingHours.Sessions) == 0 {
		return errors.New("trading.trading_hours enabled but no sessions configured")
	}
	for _, s := range c.Trading.TradingHours.Sessions {
		if s.StartHour < 0 || s.StartHour > 23 || s.EndHour < 0 || s.EndHour > 24 {
			return fmt.Errorf("trading.trading_hours session {%d,%d} out of range", s.StartHour, s.EndHour)
		}
	}

	if c.Strategy.RegimeConfirm <= 0 {
		return errors.New("strategy.regime_confirm_count must be positive")
	}
	if c.Strategy.RegimeCheckMins <= 0 {
		return errors.New("strategy.regime_check_minutes must be positive")
	}
	if c.Strategy.MaxPositions <= 0 {
		return errors.New("strategy.max_positions must be positive")
	}
	if c.Strategy.VolatilityTRATRMax <= 0 {
		return errors.New("strategy.volatility_tr_atr_max must be positive")
	}
	if c.Strategy.SignalIntervalMinutes%5 != 0 || c.Strategy.SignalIntervalMinutes <= 0 {
		return fmt.Errorf("strategy.signal_interval_minutes (%d) must be a positive multiple of 5",
			c.Strategy.SignalIntervalMinutes)
	}
	if c.Strategy.SolBreakoutLookback <= 0 || c.Strategy.AdaRangeLookback <= 0 {
		return errors.New("strategy lookbacks must be positive")
	}
	for sym, ss := range c.Strategy.SymbolStrategyMap {
		switch ss.Strategy {
		case "TREND_BREAKOUT", "MOMENTUM_PULLBACK", "RANGE_REVERSION":
		default:
			return fmt.Errorf("strategy.symbol_strategy_map[%s]: unknown strategy %q", sym, ss.Strategy)
		}
	}

	if c.Risk.RiskPerTradePct <= 0 || c.Risk.RiskPerTradePct > 0.5 {
		return fmt.Errorf("risk_management.risk_per_trade_pct (%f) must be >0 and <=0.5", c.Risk.RiskPerTradePct)
	}
	if c.Risk.SymbolWeightCap <= 0 || c.Risk.SymbolWeightCap > 1 {
		return fmt.Errorf("risk_management.symbol_weight_cap (%f) must be in (0,1]", c.Risk.SymbolWeightCap)
	}
	if c.Risk.MaxHoldMinutes <= 0 {
		return errors.New("risk_management.max_hold_minutes must be positive")
	}
	if c.Risk.MinHoldMinutes < 0 || c.Risk.MinHoldMinutes >= c.Risk.MaxHoldMinutes {
		return errors.New("risk_management.min_hold_minutes must be >= 0 and below max_hold_minutes")
	}

	if len(c.CoinSelection.FixedTickers) == 0 {
		return errors.New("coin_selection.fixed_tickers cannot be empty")
	}

	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return errors.New("telegram enabled but bot_token missing")
	}
	return nil
}

// RiskPctFor returns the per-symbol risk fraction, falling back to the
// per-trade default.
func (c *Config) RiskPctFor(symbol string) float64 {
	if pct, ok := c.Risk.SymbolRiskPct[symbol]; ok && pct > 0 {
		return pct
	}
	return c.Risk.RiskPerTradePct
}

// IsProtected reports whether symbol must never be traded or liquidated.
func (c *Config) IsProtected(symbol string) bool {
	for _, s := range c.CoinSelection.ExcludedCoins {
		if s == symbol {
			return true
		}
	}
	return false
}
