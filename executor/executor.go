package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/evdnx/upbot/config"
	"github.com/evdnx/upbot/exchange"
	"github.com/evdnx/upbot/logger"
	"github.com/evdnx/upbot/metrics"
	"github.com/evdnx/upbot/types"
)

const (
	pollInterval     = 200 * time.Millisecond
	cancelRetries    = 3
	cancelRetryDelay = 300 * time.Millisecond
)

// Liquidity gate tags.
const (
	BlockLowLiquidity = "LOW_LIQUIDITY"
	BlockWideSpread   = "WIDE_SPREAD"
)

var (
	// ErrLiquidity means the pre-trade book check failed; no order was placed.
	ErrLiquidity = errors.New("executor: orderbook below liquidity gates")
	// ErrAmbiguous means a limit order was left in an unknown state and the
	// fallback was aborted. Nothing beyond the limit order was placed.
	ErrAmbiguous = errors.New("executor: order state ambiguous, fallback aborted")
)

// Executor places orders through the limit-with-bounded-fallback protocol.
//
// The central safety property: a market fallback order is only ever placed
// after the exchange positively confirmed cancellation of the limit order.
// When cancellation cannot be confirmed the executor fails closed, returning
// whatever fills are already certain.
type Executor struct {
	client exchange.Client
	cfg    *config.Config
	log    logger.Logger
	dlog   *logger.DecisionLog

	now func() time.Time
}

func New(client exchange.Client, cfg *config.Config, log logger.Logger, dlog *logger.DecisionLog) *Executor {
	return &Executor{client: client, cfg: cfg, log: log, dlog: dlog, now: time.Now}
}

// CheckBook applies the pre-trade liquidity gates. It returns a block tag
// when the book is too thin or the spread too wide.
func (e *Executor) CheckBook(ctx context.Context, symbol string) (*exchange.OrderBook, string, error) {
	book, err := e.client.GetOrderBook(ctx, symbol)
	if err != nil {
		return nil, "", err
	}
	minDepth := e.cfg.Trading.MinOrderbookDepthKRW
	if book.DepthKRW(types.Buy, 5) < minDepth || book.DepthKRW(types.Sell, 5) < minDepth {
		return book, BlockLowLiquidity, nil
	}
	if book.SpreadPct() > e.cfg.Trading.MaxSpreadPercent {
		return book, BlockWideSpread, nil
	}
	return book, "", nil
}

// ExecuteBuy spends up to notionalKRW on symbol and returns the combined
// fill. A nil result with ErrAmbiguous means no exposure is certain.
func (e *Executor) ExecuteBuy(ctx context.Context, symbol string, notionalKRW float64) (*types.OrderResult, error) {
	book, tag, err := e.CheckBook(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if tag != "" {
		return nil, fmt.Errorf("%w: %s", ErrLiquidity, tag)
	}

	if e.cfg.Trading.OrderType == "market" {
		return e.marketBuy(ctx, symbol, notionalKRW)
	}

	bid := book.BestBid()
	if bid <= 0 {
		return nil, fmt.Errorf("executor: %s empty bid side", symbol)
	}

	id, err := e.placeLimit(ctx, types.OrderIntent{
		Side:        types.Buy,
		Ticker:      symbol,
		LimitPrice:  bid,
		Quantity:    notionalKRW / bid,
		NotionalKRW: notionalKRW,
	})
	if err != nil {
		return nil, err
	}

	return e.settleBuy(ctx, symbol, id, bid, notionalKRW)
}

// placeLimit submits the limit leg described by an order intent and returns
// the exchange order id.
func (e *Executor) placeLimit(ctx context.Context, intent types.OrderIntent) (string, error) {
	side := "buy"
	place := e.client.PlaceLimitBuy
	if intent.Side == types.Sell {
		side = "sell"
		place = e.client.PlaceLimitSell
	}
	id, err := place(ctx, intent.Ticker, intent.LimitPrice, intent.Quantity)
	if err != nil {
		metrics.OrdersFailed.WithLabelValues(side, "place").Inc()
		return "", fmt.Errorf("place limit %s: %w", side, err)
	}
	e.log.Info("limit order placed",
		zap.String("symbol", intent.Ticker),
		zap.String("side", side),
		zap.Float64("price", intent.LimitPrice),
		zap.Float64("qty", intent.Quantity),
		zap.Float64("notional", intent.NotionalKRW),
		zap.String("uuid", id),
	)
	return id, nil
}

// settleBuy polls the limit order and applies the fallback protocol.
func (e *Executor) settleBuy(ctx context.Context, symbol, id string, limitPrice, notionalKRW float64) (*types.OrderResult, error) {
	deadline := e.now().Add(time.Duration(e.cfg.Trading.LimitOrderWaitSeconds) * time.Second)
	var last *exchange.Order
	pollFailed := false

	for e.now().Before(deadline) {
		order, err := e.client.GetOrder(ctx, id)
		if err != nil || order == nil {
			pollFailed = true
			break
		}
		last = order
		if filled(order) {
			return e.resultFromOrder(symbol, order, limitPrice), nil
		}
		if order.State == exchange.OrderCancel {
			// Cancelled out from under us (exchange side); treat whatever
			// filled as final.
			if order.ExecutedVolume > 0 {
				return e.resultFromOrder(symbol, order, limitPrice), nil
			}
			return nil, fmt.Errorf("executor: buy %s cancelled externally", id)
		}
		select {
		case <-ctx.Done():
			pollFailed = true
		case <-time.After(pollInterval):
		}
		if pollFailed {
			break
		}
	}

	if pollFailed {
		// Unknown state mid-flight: cancel, and abort the fallback either way.
		confirmed := e.confirmCancel(ctx, id)
		if !confirmed {
			e.event(logger.EventCancelUnknown, symbol, map[string]any{"uuid": id})
		}
		e.event(logger.EventFallbackAbort, symbol, map[string]any{"uuid": id, "cancel_confirmed": confirmed})
		metrics.OrdersFailed.WithLabelValues("buy", "ambiguous").Inc()
		return nil, ErrAmbiguous
	}

	partial := last != nil && last.ExecutedVolume > 0

	if !e.confirmCancel(ctx, id) {
		if partial {
			// Partial fill is certain; the remainder's fate is not. Return
			// only what is confirmed, never top up.
			e.event(logger.EventCancelUnknown, symbol, map[string]any{"uuid": id, "partial": true})
			e.log.Warn("cancel unconfirmed after partial fill, returning partial result",
				zap.String("symbol", symbol), zap.String("uuid", id))
			return e.resultFromOrder(symbol, last, limitPrice), nil
		}
		e.event(logger.EventCancelUnknown, symbol, map[string]any{"uuid": id})
		e.event(logger.EventFallbackAbort, symbol, map[string]any{"uuid": id})
		metrics.OrdersFailed.WithLabelValues("buy", "cancel_unconfirmed").Inc()
		return nil, ErrAmbiguous
	}

	// Cancel confirmed: a fresh read settles how much actually filled before
	// the cancel landed.
	if settled, err := e.client.GetOrder(ctx, id); err == nil && settled != nil {
		last = settled
	}
	e.event(logger.EventBuyCancelled, symbol, map[string]any{"uuid": id})

	filledNotional := 0.0
	var base *types.OrderResult
	if last != nil && last.ExecutedVolume > 0 {
		base = e.resultFromOrder(symbol, last, limitPrice)
		filledNotional = base.FilledQty * base.AvgPrice
	}
	shortfall := notionalKRW - filledNotional
	if shortfall < e.cfg.Trading.MinTradeAmount {
		if base != nil {
			return base, nil
		}
		return nil, fmt.Errorf("executor: buy %s unfilled and shortfall %.0f below min trade", id, shortfall)
	}

	market, err := e.marketBuy(ctx, symbol, shortfall)
	if err != nil {
		if base != nil {
			e.log.Warn("market top-up failed, keeping partial fill",
				zap.String("symbol", symbol), zap.Error(err))
			return base, nil
		}
		return nil, err
	}
	return combine(base, market), nil
}

func (e *Executor) marketBuy(ctx context.Context, symbol string, notionalKRW float64) (*types.OrderResult, error) {
	id, err := e.client.PlaceMarketBuy(ctx, symbol, notionalKRW)
	if err != nil {
		metrics.OrdersFailed.WithLabelValues("buy", "market_place").Inc()
		return nil, fmt.Errorf("place market buy: %w", err)
	}
	order, err := e.awaitClose(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.resultFromOrder(symbol, order, 0), nil
}

// ExecuteSell closes ratio (0,1] of the position and returns the combined
// fill. The remaining exchange balance is read back after settlement.
func (e *Executor) ExecuteSell(ctx context.Context, symbol string, pos *types.Position, ratio float64) (*types.OrderResult, error) {
	if ratio <= 0 || ratio > 1 {
		return nil, fmt.Errorf("executor: sell ratio %.3f out of range", ratio)
	}
	qty := pos.Amount * ratio

	book, err := e.client.GetOrderBook(ctx, symbol)
	if err != nil {
		return nil, err
	}

	if e.cfg.Trading.OrderType == "market" {
		return e.marketSell(ctx, symbol, qty)
	}

	ask := book.BestAsk()
	if ask <= 0 {
		return nil, fmt.Errorf("executor: %s empty ask side", symbol)
	}

	id, err := e.placeLimit(ctx, types.OrderIntent{
		Side:        types.Sell,
		Ticker:      symbol,
		LimitPrice:  ask,
		Quantity:    qty,
		NotionalKRW: qty * ask,
		Strategy:    pos.BuyMeta.Strategy,
	})
	if err != nil {
		return nil, err
	}

	res, err := e.settleSell(ctx, symbol, id, ask, qty)
	if err != nil {
		return nil, err
	}
	if remaining, rerr := e.client.GetBalance(ctx, assetOf(symbol)); rerr == nil {
		res.RemainingQty = remaining
	}
	return res, nil
}

func (e *Executor) settleSell(ctx context.Context, symbol, id string, limitPrice, qty float64) (*types.OrderResult, error) {
	deadline := e.now().Add(time.Duration(e.cfg.Trading.LimitOrderWaitSeconds) * time.Second)
	var last *exchange.Order
	pollFailed := false

	for e.now().Before(deadline) {
		order, err := e.client.GetOrder(ctx, id)
		if err != nil || order == nil {
			pollFailed = true
			break
		}
		last = order
		if filled(order) {
			return e.resultFromOrder(symbol, order, limitPrice), nil
		}
		if order.State == exchange.OrderCancel {
			if order.ExecutedVolume > 0 {
				return e.resultFromOrder(symbol, order, limitPrice), nil
			}
			return nil, fmt.Errorf("executor: sell %s cancelled externally", id)
		}
		select {
		case <-ctx.Done():
			pollFailed = true
		case <-time.After(pollInterval):
		}
		if pollFailed {
			break
		}
	}

	if pollFailed {
		confirmed := e.confirmCancel(ctx, id)
		if !confirmed {
			e.event(logger.EventCancelUnknown, symbol, map[string]any{"uuid": id, "side": "sell"})
		}
		e.event(logger.EventFallbackAbort, symbol, map[string]any{"uuid": id, "side": "sell", "cancel_confirmed": confirmed})
		metrics.OrdersFailed.WithLabelValues("sell", "ambiguous").Inc()
		return nil, ErrAmbiguous
	}

	partial := last != nil && last.ExecutedVolume > 0

	if !e.confirmCancel(ctx, id) {
		if partial {
			e.event(logger.EventCancelUnknown, symbol, map[string]any{"uuid": id, "side": "sell", "partial": true})
			return e.resultFromOrder(symbol, last, limitPrice), nil
		}
		e.event(logger.EventCancelUnknown, symbol, map[string]any{"uuid": id, "side": "sell"})
		e.event(logger.EventFallbackAbort, symbol, map[string]any{"uuid": id, "side": "sell"})
		metrics.OrdersFailed.WithLabelValues("sell", "cancel_unconfirmed").Inc()
		return nil, ErrAmbiguous
	}

	if settled, err := e.client.GetOrder(ctx, id); err == nil && settled != nil {
		last = settled
	}

	var base *types.OrderResult
	remaining := qty
	if last != nil && last.ExecutedVolume > 0 {
		base = e.resultFromOrder(symbol, last, limitPrice)
		remaining = qty - base.FilledQty
	}

	// Only fall back when the tradable balance still covers the remainder.
	balance, err := e.client.GetBalance(ctx, assetOf(symbol))
	if err != nil || balance < remaining || remaining <= 0 {
		if base != nil {
			return base, nil
		}
		if err == nil {
			err = fmt.Errorf("executor: sell %s nothing filled and no fallback balance", id)
		}
		return nil, err
	}

	market, err := e.marketSell(ctx, symbol, remaining)
	if err != nil {
		if base != nil {
			return base, nil
		}
		return nil, err
	}
	return combine(base, market), nil
}

func (e *Executor) marketSell(ctx context.Context, symbol string, qty float64) (*types.OrderResult, error) {
	id, err := e.client.PlaceMarketSell(ctx, symbol, qty)
	if err != nil {
		metrics.OrdersFailed.WithLabelValues("sell", "market_place").Inc()
		return nil, fmt.Errorf("place market sell: %w", err)
	}
	order, err := e.awaitClose(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.resultFromOrder(symbol, order, 0), nil
}

// awaitClose polls until a market order reaches a terminal state.
func (e *Executor) awaitClose(ctx context.Context, id string) (*exchange.Order, error) {
	deadline := e.now().Add(time.Duration(e.cfg.Trading.LimitOrderWaitSeconds) * time.Second)
	var last *exchange.Order
	for e.now().Before(deadline) {
		order, err := e.client.GetOrder(ctx, id)
		if err == nil && order != nil {
			last = order
			if order.Closed() || filled(order) {
				return order, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	if last != nil && last.ExecutedVolume > 0 {
		return last, nil
	}
	return nil, fmt.Errorf("executor: market order %s did not settle in time", id)
}

// confirmCancel requests cancellation until the exchange positively
// acknowledges it, or an already-terminal state is observed.
func (e *Executor) confirmCancel(ctx context.Context, id string) bool {
	for i := 0; i < cancelRetries; i++ {
		ok, err := e.client.CancelOrder(ctx, id)
		if err == nil && ok {
			return true
		}
		// A cancel can fail because the order already closed; that is just
		// as positive a confirmation.
		if order, oerr := e.client.GetOrder(ctx, id); oerr == nil && order != nil && order.Closed() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(cancelRetryDelay):
		}
	}
	return false
}

func (e *Executor) resultFromOrder(symbol string, o *exchange.Order, fallbackPrice float64) *types.OrderResult {
	avg := o.AvgPrice()
	if avg <= 0 {
		avg = fallbackPrice
		e.log.Warn("order missing average price, using limit price",
			zap.String("symbol", symbol), zap.String("uuid", o.UUID))
	}
	return &types.OrderResult{
		FilledQty:    o.ExecutedVolume,
		AvgPrice:     avg,
		PaidFee:      o.PaidFee,
		NetKRW:       o.ExecutedVolume * avg,
		UUID:         o.UUID,
		RemainingQty: o.RemainingVolume,
	}
}

// combine merges a limit-leg result with a market-leg result into one
// volume-weighted fill.
func combine(a, b *types.OrderResult) *types.OrderResult {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	qty := a.FilledQty + b.FilledQty
	out := &types.OrderResult{
		FilledQty: qty,
		PaidFee:   a.PaidFee + b.PaidFee,
		NetKRW:    a.NetKRW + b.NetKRW,
		UUID:      b.UUID,
	}
	if qty > 0 {
		out.AvgPrice = (a.AvgPrice*a.FilledQty + b.AvgPrice*b.FilledQty) / qty
	}
	return out
}

func filled(o *exchange.Order) bool {
	return o.State == exchange.OrderDone || (o.RemainingVolume == 0 && o.ExecutedVolume > 0)
}

func (e *Executor) event(kind, symbol string, fields map[string]any) {
	if e.dlog != nil {
		_ = e.dlog.Event(kind, symbol, fields)
	}
}

// assetOf strips the quote currency prefix from a KRW-XXX market code.
func assetOf(symbol string) string {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '-' {
			return symbol[i+1:]
		}
	}
	return symbol
}
