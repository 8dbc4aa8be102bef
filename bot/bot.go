package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evdnx/upbot/config"
	"github.com/evdnx/upbot/exchange"
	"github.com/evdnx/upbot/executor"
	"github.com/evdnx/upbot/logger"
	"github.com/evdnx/upbot/marketdata"
	"github.com/evdnx/upbot/metrics"
	"github.com/evdnx/upbot/notify"
	"github.com/evdnx/upbot/position"
	"github.com/evdnx/upbot/risk"
	"github.com/evdnx/upbot/stats"
	"github.com/evdnx/upbot/strategy"
	"github.com/evdnx/upbot/types"
)

// Gate tags used in BUY_BLOCKED events.
const (
	BlockGlobalBear      = "GLOBAL_BEAR"
	BlockBTCFilter       = "BTC_FILTER"
	BlockEntryTime       = "ENTRY_TIME_BLOCKED"
	BlockVolatility      = "VOLATILITY_FILTER"
	BlockMaxPositions    = "MAX_POSITIONS"
	BlockDataShort       = "DATA_SHORT"
	BlockLowQuality      = "LOW_QUALITY"
	BlockReentryCooldown = "REENTRY_COOLDOWN"
)

const cooldownSleep = 60 * time.Second

// Analyzer computes the indicator state for one symbol on closed bars.
type Analyzer interface {
	Analyze(ctx context.Context, symbol string) (*types.SymbolState, error)
}

// RegimeEngine tracks the confirmed market regime.
type RegimeEngine interface {
	Current() types.Regime
	Update(ctx context.Context, force bool) (types.Regime, bool, error)
}

// OrderExecutor places and settles orders.
type OrderExecutor interface {
	ExecuteBuy(ctx context.Context, symbol string, notionalKRW float64) (*types.OrderResult, error)
	ExecuteSell(ctx context.Context, symbol string, pos *types.Position, ratio float64) (*types.OrderResult, error)
}

// Bot is the single-threaded trading loop. One tick evaluates the breaker
// and filters, updates the regime, reconciles positions and then walks the
// symbol universe: sells for held symbols, buys for the rest. All order
// submission happens serially inside the tick.
type Bot struct {
	cfg      *config.Config
	log      logger.Logger
	dlog     *logger.DecisionLog
	client   exchange.Client
	analyzer Analyzer
	regime   RegimeEngine
	selector *strategy.Selector
	sizer    *risk.Sizer
	exec     OrderExecutor
	book     *position.Book
	session  *stats.Session
	history  *stats.History
	daily    *stats.DailyBalances
	notifier notify.Notifier

	mu          sync.Mutex
	reentry     map[string]time.Time // symbol -> cooldown expiry after a stop
	lastAttempt map[string]time.Time // symbol -> candle ts of last buy attempt
	buying      map[string]bool
	hoursPaused bool

	lastReconcile time.Time
	lastHeartbeat time.Time
	curDay        string

	now   func() time.Time
	sleep func(time.Duration)
}

// Deps bundles the collaborators the loop drives.
type Deps struct {
	Config   *config.Config
	Log      logger.Logger
	Decision *logger.DecisionLog
	Client   exchange.Client
	Analyzer Analyzer
	Regime   RegimeEngine
	Selector *strategy.Selector
	Sizer    *risk.Sizer
	Executor OrderExecutor
	Book     *position.Book
	Session  *stats.Session
	History  *stats.History
	Daily    *stats.DailyBalances
	Notifier notify.Notifier
}

func New(d Deps) *Bot {
	n := d.Notifier
	if n == nil {
		n = notify.Nop{}
	}
	return &Bot{
		cfg:         d.Config,
		log:         d.Log,
		dlog:        d.Decision,
		client:      d.Client,
		analyzer:    d.Analyzer,
		regime:      d.Regime,
		selector:    d.Selector,
		sizer:       d.Sizer,
		exec:        d.Executor,
		book:        d.Book,
		session:     d.Session,
		history:     d.History,
		daily:       d.Daily,
		notifier:    n,
		reentry:     make(map[string]time.Time),
		lastAttempt: make(map[string]time.Time),
		buying:      make(map[string]bool),
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// Run executes the loop until ctx is cancelled. The current tick always
// completes before Run returns.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.book.Reconcile(ctx, true, "startup"); err != nil {
		b.log.Warn("startup reconcile failed", zap.Error(err))
	}
	b.event(logger.EventStart, "", map[string]any{
		"universe":  b.cfg.CoinSelection.FixedTickers,
		"positions": b.book.Len(),
	})
	b.event(logger.EventCoinRefresh, "", map[string]any{
		"symbols": b.universe(),
	})
	b.notifier.Notify(fmt.Sprintf("trading started: %d symbols, %d positions restored",
		len(b.cfg.CoinSelection.FixedTickers), b.book.Len()))

	interval := time.Duration(b.cfg.Trading.CheckIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		b.Tick(ctx)
		select {
		case <-ctx.Done():
			b.shutdown()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Bot) shutdown() {
	// A fresh context: the loop's own context is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if b.cfg.Trading.LiquidateOnShutdown {
		b.LiquidateAll(ctx, "shutdown")
	}
	b.notifier.Notify("trading stopped")
	b.log.Info("trading loop stopped", zap.Int("open_positions", b.book.Len()))
}

// LiquidateAll market-closes every unprotected position.
func (b *Bot) LiquidateAll(ctx context.Context, reason string) {
	for symbol, pos := range b.book.All() {
		if b.cfg.IsProtected(symbol) {
			continue
		}
		p := pos
		res, err := b.exec.ExecuteSell(ctx, symbol, &p, 1.0)
		if err != nil {
			b.log.Error("liquidation sell failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		b.settleSell(symbol, pos, res, "liquidation_"+reason, 1.0)
	}
}

// Tick runs one full evaluation pass.
func (b *Bot) Tick(ctx context.Context) {
	now := b.now()

	// 1. Global cooldown.
	if b.session.InCooldown(now) {
		b.log.Info("in cooldown, skipping tick",
			zap.Time("until", b.session.CooldownUntil()))
		b.sleep(cooldownSleep)
		return
	}

	// 2. Daily loss breaker.
	if b.checkDailyLoss(ctx, now) {
		return
	}

	// 3. Trading hours.
	b.applyTradingHours(now)
	b.rolloverDay(now)

	// 4. Regime.
	cur, applied, err := b.regime.Update(ctx, false)
	if err != nil {
		b.log.Warn("regime update failed", zap.Error(err))
		cur = b.regime.Current()
	} else if applied {
		b.notifier.Notify(fmt.Sprintf("market regime changed: %s", cur))
	}

	// 5. Throttled reconcile.
	reconcileEvery := time.Duration(b.cfg.Trading.PositionReconcileIntervalSeconds) * time.Second
	if b.lastReconcile.IsZero() || now.Sub(b.lastReconcile) >= reconcileEvery {
		if err := b.book.Reconcile(ctx, false, "periodic"); err != nil {
			b.log.Warn("reconcile failed", zap.Error(err))
		} else {
			b.lastReconcile = now
		}
	}

	// 6. Heartbeat.
	b.maybeHeartbeat(ctx, now, cur)

	// 7. Symbols: held first-class, universe order, held extras appended.
	paused := b.paused()
	for _, symbol := range b.universe() {
		if b.cfg.IsProtected(symbol) {
			continue
		}
		if b.book.Has(symbol) {
			b.evaluateSell(ctx, symbol)
			continue
		}
		if !paused {
			b.evaluateBuy(ctx, symbol, cur)
		}
	}
}

// universe is the fixed ticker list plus any held symbols not in it.
func (b *Bot) universe() []string {
	out := append([]string(nil), b.cfg.CoinSelection.FixedTickers...)
	in := make(map[string]bool, len(out))
	for _, s := range out {
		in[s] = true
	}
	for s := range b.book.All() {
		if !in[s] {
			out = append(out, s)
		}
	}
	return out
}

func (b *Bot) paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hoursPaused || b.session.Paused()
}

// checkDailyLoss trips the circuit breaker when today's realized P&L falls
// through the configured floor. Returns true when the tick must stop.
func (b *Bot) checkDailyLoss(ctx context.Context, now time.Time) bool {
	total, err := b.TotalValue(ctx)
	if err != nil {
		b.log.Warn("daily loss check skipped", zap.Error(err))
		return false
	}
	b.session.ObserveValue(total)
	metrics.EquityGauge.Set(total)

	start, err := b.daily.StartBalance(now, total)
	if err != nil {
		b.log.Warn("daily balance ledger", zap.Error(err))
	}
	if start <= 0 {
		return false
	}
	realized, err := b.history.DailyRealizedPnL(now)
	if err != nil {
		b.log.Warn("daily pnl read failed", zap.Error(err))
		return false
	}
	pnlPct := realized / start * 100
	metrics.DailyPnLGauge.Set(pnlPct)

	if pnlPct <= b.cfg.Trading.DailyLossLimitPercent {
		until := now.Add(time.Duration(b.cfg.Trading.CooldownAfterLossMinutes) * time.Minute)
		b.session.SetCooldown(until)
		b.log.Error("daily loss limit hit, entering cooldown",
			zap.Float64("daily_pnl_pct", pnlPct),
			zap.Float64("limit_pct", b.cfg.Trading.DailyLossLimitPercent),
			zap.Time("until", until))
		b.notifier.Notify(fmt.Sprintf(
			"daily loss limit hit (%.2f%% <= %.2f%%), trading paused until %s",
			pnlPct, b.cfg.Trading.DailyLossLimitPercent, until.Format("15:04")))
		return true
	}
	return false
}

func (b *Bot) applyTradingHours(now time.Time) {
	th := b.cfg.Trading.TradingHours
	if !th.Enabled {
		return
	}
	inside := false
	hour := now.Hour()
	for _, s := range th.Sessions {
		if s.StartHour <= s.EndHour {
			if hour >= s.StartHour && hour < s.EndHour {
				inside = true
			}
		} else { // overnight session, e.g. 22-6
			if hour >= s.StartHour || hour < s.EndHour {
				inside = true
			}
		}
	}
	b.mu.Lock()
	was := b.hoursPaused
	b.hoursPaused = !inside
	b.mu.Unlock()
	if was != !inside {
		if inside {
			b.log.Info("back inside trading hours, resuming")
		} else {
			b.log.Info("outside trading hours, pausing new entries")
		}
	}
}

// rolloverDay sends the previous day's summary once the date changes.
func (b *Bot) rolloverDay(now time.Time) {
	day := now.Format("2006-01-02")
	if b.curDay == "" {
		b.curDay = day
		return
	}
	if day == b.curDay {
		return
	}
	prev, err := time.Parse("2006-01-02", b.curDay)
	b.curDay = day
	if err != nil {
		return
	}
	recs, err := b.history.DayRecords(prev)
	if err != nil || len(recs) == 0 {
		return
	}
	var pnl float64
	wins := 0
	for _, r := range recs {
		pnl += r.ProfitKRW
		if r.ProfitKRW > 0 {
			wins++
		}
	}
	b.notifier.Notify(fmt.Sprintf("daily summary %s: %d trades (%d wins), realized %.0f KRW",
		prev.Format("2006-01-02"), len(recs), wins, pnl))
}

func (b *Bot) maybeHeartbeat(ctx context.Context, now time.Time, cur types.Regime) {
	every := time.Duration(b.cfg.Risk.AnalysisHeartbeatMinutes) * time.Minute
	if !b.lastHeartbeat.IsZero() && now.Sub(b.lastHeartbeat) < every {
		return
	}
	b.lastHeartbeat = now

	total, _ := b.TotalValue(ctx)
	realized, _ := b.history.DailyRealizedPnL(now)
	b.event(logger.EventLoopHeartbeat, "", map[string]any{
		"regime":         string(cur),
		"positions":      b.book.Len(),
		"total_value":    total,
		"daily_realized": realized,
		"paused":         b.paused(),
	})
}

// TotalValue returns cash plus the marked value of all positions. Quotes
// that fail fall back to invested cost.
func (b *Bot) TotalValue(ctx context.Context) (float64, error) {
	cash, err := b.client.GetBalance(ctx, "KRW")
	if err != nil {
		return 0, err
	}
	total := cash
	for symbol, pos := range b.book.All() {
		price, qerr := b.client.GetQuote(ctx, symbol)
		if qerr != nil || price <= 0 {
			total += pos.InvestedCost()
			continue
		}
		total += pos.Amount * price
	}
	return total, nil
}

// ---- sell path ----

func (b *Bot) evaluateSell(ctx context.Context, symbol string) {
	now := b.now()
	pos, ok := b.book.Get(symbol)
	if !ok {
		return
	}

	// Stops react to the live quote, not the last closed bar.
	live := 0.0
	if q, err := b.client.GetQuote(ctx, symbol); err == nil && q > 0 {
		live = q
	}

	var decision strategy.ExitDecision
	price := live

	st, err := b.analyzer.Analyze(ctx, symbol)
	if err != nil {
		// An analysis failure must not blind the stops: fall back to the
		// stored levels against the live quote.
		b.log.Warn("sell analysis failed, stops checked on live quote",
			zap.String("symbol", symbol), zap.Error(err))
		if live <= 0 {
			return
		}
		decision = protectiveExit(&pos, live)
	} else {
		if live > 0 {
			st.Close = live
		}
		price = st.Close
		strat := b.selector.ByID(pos.BuyMeta.Strategy)
		if strat == nil {
			// Attached positions without a strategy still honor their stops.
			decision = protectiveExit(&pos, price)
		} else {
			// Manage under the book lock so trailing ratchets persist even
			// when the decision is Hold.
			if err := b.book.Update(symbol, func(p *types.Position) {
				decision = strat.Manage(p, st, now)
			}); err != nil {
				return
			}
			pos, _ = b.book.Get(symbol)
		}
	}

	// Hard exits keep their reason even past the hold cap; soft decisions
	// yield to the cap and defer to the minimum hold.
	holdMins := pos.HoldMinutes(now)
	if !decision.Hard {
		if holdMins >= float64(b.cfg.Risk.MaxHoldMinutes) {
			decision = strategy.ExitDecision{Action: strategy.CloseFull, Reason: "max_hold"}
		} else if decision.Action != strategy.Hold && holdMins < float64(b.cfg.Risk.MinHoldMinutes) {
			return
		}
	}

	if decision.Action == strategy.Hold {
		return
	}

	ratio := 1.0
	if decision.Action == strategy.ClosePartial {
		ratio = decision.Portion
	}
	b.event(logger.EventSellSignal, symbol, map[string]any{
		"reason": decision.Reason,
		"ratio":  ratio,
		"price":  price,
	})

	res, err := b.exec.ExecuteSell(ctx, symbol, &pos, ratio)
	if err != nil {
		b.log.Error("sell execution failed",
			zap.String("symbol", symbol),
			zap.String("reason", decision.Reason),
			zap.Error(err))
		return
	}
	b.settleSell(symbol, pos, res, decision.Reason, ratio)
}

// protectiveExit checks a position's stored stop levels against price. It
// covers positions no strategy can manage and ticks where analysis failed.
func protectiveExit(pos *types.Position, price float64) strategy.ExitDecision {
	meta := pos.BuyMeta
	if meta.StopPrice > 0 && price <= meta.StopPrice {
		return strategy.ExitDecision{Action: strategy.CloseFull, Reason: "structural_stop", Hard: true}
	}
	if meta.TrailActive && meta.TrailingStop > 0 && price <= meta.TrailingStop {
		return strategy.ExitDecision{Action: strategy.CloseFull, Reason: "trail_exit", Hard: true}
	}
	return strategy.ExitDecision{Action: strategy.Hold}
}

// settleSell books the fill: trade history, session fees, position update or
// removal, re-entry cooldown on stops.
func (b *Bot) settleSell(symbol string, pos types.Position, res *types.OrderResult, reason string, ratio float64) {
	now := b.now()
	soldCost := pos.BuyPrice * res.FilledQty
	buyFee := soldCost * b.cfg.Trading.FeePct
	profit := res.NetKRW - soldCost - res.PaidFee - buyFee
	profitRate := 0.0
	if soldCost > 0 {
		profitRate = profit / soldCost * 100
	}
	realizedR := 0.0
	if pos.BuyMeta.RiskUnit > 0 {
		realizedR = (res.AvgPrice - pos.BuyPrice) / pos.BuyMeta.RiskUnit
	}

	rec := types.TradeRecord{
		Timestamp:  now,
		Ticker:     symbol,
		Strategy:   pos.BuyMeta.Strategy,
		BuyPrice:   pos.BuyPrice,
		SellPrice:  res.AvgPrice,
		Amount:     res.FilledQty,
		BuyFee:     buyFee,
		SellFee:    res.PaidFee,
		GrossKRW:   res.NetKRW,
		ProfitKRW:  profit,
		ProfitRate: profitRate,
		Reason:     reason,
		HoldSecs:   now.Sub(pos.Timestamp).Seconds(),
	}
	if err := b.history.Append(rec); err != nil {
		b.log.Error("trade history append failed", zap.Error(err))
	}
	b.session.AddFees(res.PaidFee)
	metrics.OrdersSubmitted.WithLabelValues("sell", string(pos.BuyMeta.Strategy)).Inc()

	remaining := pos.Amount - res.FilledQty
	fullClose := ratio >= 1.0 || remaining*res.AvgPrice < b.cfg.Trading.MinTradeAmount
	if fullClose {
		if err := b.book.Remove(symbol); err != nil {
			b.log.Error("position remove failed", zap.String("symbol", symbol), zap.Error(err))
		}
	} else {
		_ = b.book.Update(symbol, func(p *types.Position) {
			p.Amount = remaining
			if reason == "tp1" {
				p.BuyMeta.TP1Done = true
			}
		})
	}

	b.event(logger.EventSellExecuted, symbol, map[string]any{
		"reason":      reason,
		"avg_price":   res.AvgPrice,
		"qty":         res.FilledQty,
		"profit_krw":  profit,
		"profit_rate": profitRate,
		"realized_r":  realizedR,
		"full_close":  fullClose,
	})
	b.notifier.Notify(fmt.Sprintf("SELL %s %s: %.4f @ %.0f, P&L %.0f KRW (%.2f%%)",
		symbol, reason, res.FilledQty, res.AvgPrice, profit, profitRate))

	// Stops lock the symbol out for a while.
	if strings.Contains(reason, "stop") && fullClose {
		until := now.Add(time.Duration(b.cfg.Trading.ReentryCooldownAfterStoplossMinutes) * time.Minute)
		b.mu.Lock()
		b.reentry[symbol] = until
		b.mu.Unlock()
		b.log.Info("re-entry cooldown set",
			zap.String("symbol", symbol), zap.Time("until", until))
	}
}

// ---- buy path ----

func (b *Bot) evaluateBuy(ctx context.Context, symbol string, cur types.Regime) {
	now := b.now()

	b.mu.Lock()
	if until, ok := b.reentry[symbol]; ok {
		if until.After(now) {
			b.mu.Unlock()
			metrics.BuyBlocked.WithLabelValues(BlockReentryCooldown).Inc()
			b.log.Info("buy suppressed by re-entry cooldown",
				zap.String("symbol", symbol), zap.Time("until", until))
			return
		}
		delete(b.reentry, symbol)
	}
	if b.buying[symbol] {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	st, err := b.analyzer.Analyze(ctx, symbol)
	if err != nil {
		if errors.Is(err, marketdata.ErrInsufficientData) {
			b.blocked(symbol, time.Time{}, []string{BlockDataShort})
		}
		b.log.Warn("buy evaluation skipped", zap.String("symbol", symbol), zap.Error(err))
		return
	}

	// Same closed candle as the last attempt: nothing new to decide.
	b.mu.Lock()
	if ts, ok := b.lastAttempt[symbol]; ok && ts.Equal(st.CandleTS) {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	var tags []string
	if cur == types.Bear {
		tags = append(tags, BlockGlobalBear)
	}
	if b.book.Len() >= b.cfg.Strategy.MaxPositions {
		tags = append(tags, BlockMaxPositions)
	}
	if blocked := b.btcFilterBlocked(ctx); blocked {
		tags = append(tags, BlockBTCFilter)
	}
	if b.entryTimeBlocked(now) {
		tags = append(tags, BlockEntryTime)
	}
	if !st.VolatilityOK {
		tags = append(tags, BlockVolatility)
	}
	if st.QualityScore < b.cfg.Strategy.MinQualityScore {
		tags = append(tags, BlockLowQuality)
	}
	if len(tags) > 0 {
		b.blocked(symbol, st.CandleTS, tags)
		return
	}

	strat, tag := b.selector.For(symbol, cur)
	if strat == nil {
		b.blocked(symbol, st.CandleTS, []string{tag})
		return
	}
	sig, tag := strat.Evaluate(st)
	if tag != "" {
		b.blocked(symbol, st.CandleTS, []string{tag})
		return
	}
	if sig == nil {
		return
	}

	b.event(logger.EventBuySignal, symbol, map[string]any{
		"strategy":  string(sig.Strategy),
		"candle_ts": st.CandleTS.UTC().Format(time.RFC3339),
		"close":     st.Close,
		"stop":      sig.StopPrice,
		"quality":   st.QualityScore,
	})

	equity, err := b.TotalValue(ctx)
	if err != nil {
		b.log.Warn("sizing skipped, equity unavailable", zap.Error(err))
		return
	}
	rep := b.sizer.Size(equity, symbol, st.Close, sig.StopPrice, b.book)
	b.event(logger.EventBuySizing, symbol, map[string]any{"report": rep})
	if rep.RecommendedKRW <= 0 {
		b.event(logger.EventBuySkipped, symbol, map[string]any{"reason": "below_min_trade"})
		return
	}

	b.mu.Lock()
	b.lastAttempt[symbol] = st.CandleTS
	b.buying[symbol] = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.buying, symbol)
		b.mu.Unlock()
	}()

	res, err := b.exec.ExecuteBuy(ctx, symbol, rep.RecommendedKRW)
	if err != nil {
		switch {
		case errors.Is(err, executor.ErrLiquidity):
			b.blocked(symbol, st.CandleTS, []string{executor.BlockLowLiquidity})
		case errors.Is(err, executor.ErrAmbiguous):
			b.event(logger.EventBuyFailed, symbol, map[string]any{"reason": "order_state_ambiguous"})
		default:
			b.event(logger.EventBuyFailed, symbol, map[string]any{"reason": err.Error()})
		}
		b.log.Error("buy execution failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	if res.FilledQty <= 0 {
		b.event(logger.EventBuyFailed, symbol, map[string]any{"reason": "no_fill"})
		return
	}

	pos := types.Position{
		Ticker:         symbol,
		BuyPrice:       res.AvgPrice,
		Amount:         res.FilledQty,
		OriginalAmount: res.FilledQty,
		Timestamp:      now,
		HighestPrice:   res.AvgPrice,
		OrderUUID:      res.UUID,
		BuyMeta:        sig.Meta(res.AvgPrice),
	}
	if err := b.book.Add(pos); err != nil {
		b.log.Error("position persist failed", zap.String("symbol", symbol), zap.Error(err))
	}
	b.session.AddFees(res.PaidFee)
	metrics.OrdersSubmitted.WithLabelValues("buy", string(sig.Strategy)).Inc()

	b.event(logger.EventBuyExecuted, symbol, map[string]any{
		"strategy":  string(sig.Strategy),
		"avg_price": res.AvgPrice,
		"qty":       res.FilledQty,
		"notional":  res.NetKRW,
		"fee":       res.PaidFee,
		"stop":      pos.BuyMeta.StopPrice,
	})
	b.notifier.Notify(fmt.Sprintf("BUY %s [%s]: %.4f @ %.0f (%.0f KRW)",
		symbol, sig.Strategy, res.FilledQty, res.AvgPrice, res.NetKRW))
}

func (b *Bot) btcFilterBlocked(ctx context.Context) bool {
	f := b.cfg.Strategy.BTCFilter
	if !f.Enabled {
		return false
	}
	st, err := b.analyzer.Analyze(ctx, f.Ticker)
	if err != nil {
		// No data on the reference asset blocks entries; fail safe.
		b.log.Warn("macro filter data unavailable", zap.Error(err))
		return true
	}
	ema := st.EMA50
	switch {
	case f.EMAPeriod <= 20:
		ema = st.EMA20
	case f.EMAPeriod >= 200:
		ema = st.EMA200
	}
	return st.Close <= ema
}

func (b *Bot) entryTimeBlocked(now time.Time) bool {
	f := b.cfg.Strategy.EntryTimeFilter
	if !f.Enabled {
		return false
	}
	hour := now.Hour()
	if f.StartHour <= f.EndHour {
		return hour >= f.StartHour && hour < f.EndHour
	}
	return hour >= f.StartHour || hour < f.EndHour
}

func (b *Bot) blocked(symbol string, candleTS time.Time, tags []string) {
	for _, t := range tags {
		metrics.BuyBlocked.WithLabelValues(t).Inc()
	}
	if b.dlog != nil {
		_ = b.dlog.Blocked(symbol, candleTS, tags, nil)
	}
}

func (b *Bot) event(kind, symbol string, fields map[string]any) {
	if b.dlog != nil {
		_ = b.dlog.Event(kind, symbol, fields)
	}
}
