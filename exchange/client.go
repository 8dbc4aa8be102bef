package exchange

import (
	"context"
	"time"

	"github.com/evdnx/upbot/types"
)

// Order states as reported by the exchange.
const (
	OrderWait   = "wait"
	OrderWatch  = "watch"
	OrderDone   = "done"
	OrderCancel = "cancel"
)

// OrderBookUnit is one price level on each side of the book.
type OrderBookUnit struct {
	BidPrice float64 `json:"bid_price"`
	BidSize  float64 `json:"bid_size"`
	AskPrice float64 `json:"ask_price"`
	AskSize  float64 `json:"ask_size"`
}

type OrderBook struct {
	Market string          `json:"market"`
	Units  []OrderBookUnit `json:"orderbook_units"`
}

// BestBid and BestAsk return the top of book, or 0 when the book is empty.
func (b *OrderBook) BestBid() float64 {
	if len(b.Units) == 0 {
		return 0
	}
	return b.Units[0].BidPrice
}

func (b *OrderBook) BestAsk() float64 {
	if len(b.Units) == 0 {
		return 0
	}
	return b.Units[0].AskPrice
}

// SpreadPct returns (ask-bid)/ask as a percentage.
func (b *OrderBook) SpreadPct() float64 {
	ask, bid := b.BestAsk(), b.BestBid()
	if ask <= 0 {
		return 0
	}
	return (ask - bid) / ask * 100
}

// DepthKRW aggregates notional over the top n levels of one side.
func (b *OrderBook) DepthKRW(side types.Side, n int) float64 {
	total := 0.0
	for i, u := range b.Units {
		if i >= n {
			break
		}
		if side == types.Buy {
			total += u.AskPrice * u.AskSize
		} else {
			total += u.BidPrice * u.BidSize
		}
	}
	return total
}

// TradeFill is one execution of an order.
type TradeFill struct {
	Price  float64 `json:"price,string"`
	Volume float64 `json:"volume,string"`
	Funds  float64 `json:"funds,string"`
}

// Order is the exchange's view of an order.
type Order struct {
	UUID            string      `json:"uuid"`
	Side            string      `json:"side"`
	State           string      `json:"state"`
	Market          string      `json:"market"`
	Price           float64     `json:"price,string"`
	Volume          float64     `json:"volume,string"`
	ExecutedVolume  float64     `json:"executed_volume,string"`
	RemainingVolume float64     `json:"remaining_volume,string"`
	PaidFee         float64     `json:"paid_fee,string"`
	Trades          []TradeFill `json:"trades"`
}

// AvgPrice returns the volume-weighted fill price, 0 when nothing filled.
func (o *Order) AvgPrice() float64 {
	if o.ExecutedVolume <= 0 {
		return 0
	}
	funds := 0.0
	for _, t := range o.Trades {
		funds += t.Funds
	}
	if funds > 0 {
		return funds / o.ExecutedVolume
	}
	return o.Price
}

// Closed reports whether the order can no longer fill.
func (o *Order) Closed() bool {
	return o.State == OrderDone || o.State == OrderCancel
}

// Balance is one asset row from the accounts endpoint.
type Balance struct {
	Currency     string  `json:"currency"`
	Balance      float64 `json:"balance,string"`
	Locked       float64 `json:"locked,string"`
	AvgBuyPrice  float64 `json:"avg_buy_price,string"`
	UnitCurrency string  `json:"unit_currency"`
}

// Total returns available plus locked amount.
func (b Balance) Total() float64 { return b.Balance + b.Locked }

// Client is the only interface through which the rest of the program talks
// to the exchange. All methods take a context and carry a bounded deadline.
type Client interface {
	GetQuote(ctx context.Context, symbol string) (float64, error)
	GetOrderBook(ctx context.Context, symbol string) (*OrderBook, error)

	// GetMinuteCandles returns up to count closed unit-minute candles ending
	// strictly before `to` (zero time means "now"), oldest first.
	GetMinuteCandles(ctx context.Context, symbol string, unit, count int, to time.Time) ([]types.Candle, error)

	PlaceLimitBuy(ctx context.Context, symbol string, price, qty float64) (string, error)
	PlaceLimitSell(ctx context.Context, symbol string, price, qty float64) (string, error)
	PlaceMarketBuy(ctx context.Context, symbol string, notionalKRW float64) (string, error)
	PlaceMarketSell(ctx context.Context, symbol string, qty float64) (string, error)

	GetOrder(ctx context.Context, uuid string) (*Order, error)
	CancelOrder(ctx context.Context, uuid string) (bool, error)

	GetBalance(ctx context.Context, asset string) (float64, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	GetAvgBuyPrice(ctx context.Context, asset string) (float64, error)
}
