package testutils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evdnx/upbot/exchange"
	"github.com/evdnx/upbot/types"
)

// PlacedOrder records one order submission made through the mock.
type PlacedOrder struct {
	Kind     string // limit_buy, limit_sell, market_buy, market_sell
	Symbol   string
	Price    float64
	Qty      float64
	Notional float64
	UUID     string
}

// CancelStep scripts one CancelOrder outcome.
type CancelStep struct {
	OK  bool
	Err error
}

// MockClient is a scriptable in-memory exchange.Client. Tests preload
// quotes, books, candles and per-order state sequences; the mock records
// every order placement for assertions.
type MockClient struct {
	mu sync.Mutex

	Quotes   map[string]float64
	Books    map[string]*exchange.OrderBook
	Candles  map[string][]types.Candle // keyed "symbol|unit"
	Balances []exchange.Balance

	// OrderScripts maps uuid to successive GetOrder responses; the final
	// entry repeats once exhausted.
	OrderScripts map[string][]exchange.Order
	// CancelScripts maps uuid to successive CancelOrder outcomes; default
	// is a confirmed cancel.
	CancelScripts map[string][]CancelStep

	PlaceErr  error    // returned by every placement when set
	QueueUUID []string // uuids handed out to placements, in order

	Placed      []PlacedOrder
	CandleCalls int

	nextUUID    int
	orderPolls  map[string]int
	cancelCalls map[string]int
}

func NewMockClient() *MockClient {
	return &MockClient{
		Quotes:        make(map[string]float64),
		Books:         make(map[string]*exchange.OrderBook),
		Candles:       make(map[string][]types.Candle),
		OrderScripts:  make(map[string][]exchange.Order),
		CancelScripts: make(map[string][]CancelStep),
		orderPolls:    make(map[string]int),
		cancelCalls:   make(map[string]int),
	}
}

var _ exchange.Client = (*MockClient)(nil)

// SetCandles installs the candle series for (symbol, unit minutes).
func (m *MockClient) SetCandles(symbol string, unit int, candles []types.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Candles[fmt.Sprintf("%s|%d", symbol, unit)] = candles
}

func (m *MockClient) GetQuote(_ context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Quotes[symbol]
	if !ok {
		return 0, fmt.Errorf("mock: no quote for %s", symbol)
	}
	return p, nil
}

func (m *MockClient) GetOrderBook(_ context.Context, symbol string) (*exchange.OrderBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.Books[symbol]
	if !ok {
		return nil, fmt.Errorf("mock: no orderbook for %s", symbol)
	}
	return b, nil
}

func (m *MockClient) GetMinuteCandles(_ context.Context, symbol string, unit, count int, to time.Time) ([]types.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CandleCalls++
	all := m.Candles[fmt.Sprintf("%s|%d", symbol, unit)]
	var filtered []types.Candle
	for _, c := range all {
		if to.IsZero() || c.Timestamp.Before(to) {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) > count {
		filtered = filtered[len(filtered)-count:]
	}
	return append([]types.Candle(nil), filtered...), nil
}

func (m *MockClient) place(kind, symbol string, price, qty, notional float64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PlaceErr != nil {
		return "", m.PlaceErr
	}
	var id string
	if len(m.QueueUUID) > 0 {
		id = m.QueueUUID[0]
		m.QueueUUID = m.QueueUUID[1:]
	} else {
		m.nextUUID++
		id = fmt.Sprintf("ord-%d", m.nextUUID)
	}
	m.Placed = append(m.Placed, PlacedOrder{
		Kind: kind, Symbol: symbol, Price: price, Qty: qty, Notional: notional, UUID: id,
	})
	return id, nil
}

func (m *MockClient) PlaceLimitBuy(_ context.Context, symbol string, price, qty float64) (string, error) {
	return m.place("limit_buy", symbol, price, qty, 0)
}

func (m *MockClient) PlaceLimitSell(_ context.Context, symbol string, price, qty float64) (string, error) {
	return m.place("limit_sell", symbol, price, qty, 0)
}

func (m *MockClient) PlaceMarketBuy(_ context.Context, symbol string, notionalKRW float64) (string, error) {
	return m.place("market_buy", symbol, 0, 0, notionalKRW)
}

func (m *MockClient) PlaceMarketSell(_ context.Context, symbol string, qty float64) (string, error) {
	return m.place("market_sell", symbol, 0, qty, 0)
}

func (m *MockClient) GetOrder(_ context.Context, id string) (*exchange.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	script, ok := m.OrderScripts[id]
	if !ok || len(script) == 0 {
		return nil, fmt.Errorf("mock: unknown order %s", id)
	}
	i := m.orderPolls[id]
	if i >= len(script) {
		i = len(script) - 1
	}
	m.orderPolls[id]++
	o := script[i]
	o.UUID = id
	return &o, nil
}

func (m *MockClient) CancelOrder(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	script, ok := m.CancelScripts[id]
	if !ok {
		return true, nil
	}
	i := m.cancelCalls[id]
	if i >= len(script) {
		i = len(script) - 1
	}
	m.cancelCalls[id]++
	step := script[i]
	return step.OK, step.Err
}

func (m *MockClient) GetBalances(_ context.Context) ([]exchange.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]exchange.Balance(nil), m.Balances...), nil
}

func (m *MockClient) GetBalance(_ context.Context, asset string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.Balances {
		if b.Currency == asset {
			return b.Balance, nil
		}
	}
	return 0, nil
}

func (m *MockClient) GetAvgBuyPrice(_ context.Context, asset string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.Balances {
		if b.Currency == asset {
			return b.AvgBuyPrice, nil
		}
	}
	return 0, nil
}

// PlacedKinds returns the kinds of all recorded placements, in order.
func (m *MockClient) PlacedKinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Placed))
	for i, p := range m.Placed {
		out[i] = p.Kind
	}
	return out
}
