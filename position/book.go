package position

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evdnx/upbot/config"
	"github.com/evdnx/upbot/exchange"
	"github.com/evdnx/upbot/logger"
	"github.com/evdnx/upbot/metrics"
	"github.com/evdnx/upbot/types"
)

const (
	ghostMissLimit   = 3
	amountDriftPct   = 0.001  // 0.1%
	buyPriceDriftPct = 0.0001 // 0.01%
)

// snapshot is the on-disk representation of the book.
type snapshot struct {
	Timestamp time.Time                  `json:"timestamp"`
	Positions map[string]*types.Position `json:"positions"`
}

// Book is the thread-safe registry of open positions. Every mutation is
// persisted with an atomic write (temp file, fsync, rename) so a crash can
// never leave a torn snapshot. The exchange is the source of truth:
// Reconcile adapts the book to what the exchange actually holds.
type Book struct {
	client exchange.Client
	cfg    *config.Config
	log    logger.Logger
	path   string

	mu          sync.RWMutex
	positions   map[string]*types.Position
	ghostMisses map[string]int

	now func() time.Time
}

func NewBook(client exchange.Client, cfg *config.Config, log logger.Logger) *Book {
	return &Book{
		client:      client,
		cfg:         cfg,
		log:         log,
		path:        filepath.Join(cfg.State.Dir, cfg.State.PositionFile),
		positions:   make(map[string]*types.Position),
		ghostMisses: make(map[string]int),
		now:         time.Now,
	}
}

// Load restores the book from the snapshot file. A missing file is an empty
// book, not an error.
func (b *Book) Load() error {
	raw, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read position snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("decode position snapshot: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if snap.Positions != nil {
		b.positions = snap.Positions
	}
	metrics.PositionsOpen.Set(float64(len(b.positions)))
	b.log.Info("position snapshot restored",
		zap.Int("positions", len(b.positions)), zap.String("path", b.path))
	return nil
}

// Get returns a copy of the position for symbol.
func (b *Book) Get(symbol string) (types.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *p, true
}

// Has reports whether symbol is held.
func (b *Book) Has(symbol string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.positions[symbol]
	return ok
}

// All returns a copy of every open position.
func (b *Book) All() map[string]types.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]types.Position, len(b.positions))
	for s, p := range b.positions {
		out[s] = *p
	}
	return out
}

// Len returns the number of open positions.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}

// Add registers a new position and persists.
func (b *Book) Add(pos types.Position) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[pos.Ticker] = &pos
	delete(b.ghostMisses, pos.Ticker)
	metrics.PositionsOpen.Set(float64(len(b.positions)))
	return b.persistLocked()
}

// Update applies fn to the live position and persists. fn is called under
// the lock; it must not block.
func (b *Book) Update(symbol string, fn func(p *types.Position)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok {
		return fmt.Errorf("position: %s not tracked", symbol)
	}
	fn(p)
	return b.persistLocked()
}

// Remove drops the position and persists.
func (b *Book) Remove(symbol string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.positions[symbol]; !ok {
		return nil
	}
	delete(b.positions, symbol)
	delete(b.ghostMisses, symbol)
	metrics.PositionsOpen.Set(float64(len(b.positions)))
	return b.persistLocked()
}

// ExposureKRW returns the invested cost tied up in symbol.
func (b *Book) ExposureKRW(symbol string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if p, ok := b.positions[symbol]; ok {
		return p.InvestedCost()
	}
	return 0
}

// TotalInvestedKRW returns the invested cost across all positions.
func (b *Book) TotalInvestedKRW() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0.0
	for _, p := range b.positions {
		total += p.InvestedCost()
	}
	return total
}

// persistLocked writes the snapshot atomically. Callers hold b.mu.
func (b *Book) persistLocked() error {
	snap := snapshot{Timestamp: b.now(), Positions: b.positions}
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode position snapshot: %w", err)
	}
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".positions-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Reconcile aligns the book with exchange balances. Zero-balance readings
// must repeat ghostMissLimit times before a tracked position is dropped, so
// one spurious empty response cannot erase real state. The snapshot is only
// rewritten when something actually changed.
func (b *Book) Reconcile(ctx context.Context, force bool, reason string) error {
	balances, err := b.client.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("reconcile balances: %w", err)
	}
	byAsset := make(map[string]exchange.Balance, len(balances))
	for _, bal := range balances {
		byAsset[bal.Currency] = bal
	}

	b.mu.Lock()
	changed := false
	for symbol, pos := range b.positions {
		bal, ok := byAsset[assetOf(symbol)]
		total := 0.0
		if ok {
			total = bal.Total()
		}
		if total <= 0 {
			b.ghostMisses[symbol]++
			if b.ghostMisses[symbol] >= ghostMissLimit {
				b.log.Warn("removing ghost position",
					zap.String("symbol", symbol),
					zap.Int("consecutive_zero_readings", b.ghostMisses[symbol]),
					zap.String("reason", reason))
				delete(b.positions, symbol)
				delete(b.ghostMisses, symbol)
				metrics.ReconcileDrift.Inc()
				changed = true
			}
			continue
		}
		b.ghostMisses[symbol] = 0

		if pos.Amount > 0 && math.Abs(total-pos.Amount)/pos.Amount > amountDriftPct {
			b.log.Warn("position amount drift, adopting exchange amount",
				zap.String("symbol", symbol),
				zap.Float64("tracked", pos.Amount),
				zap.Float64("exchange", total))
			pos.Amount = total
			metrics.ReconcileDrift.Inc()
			changed = true
		}
		if bal.AvgBuyPrice > 0 && pos.BuyPrice > 0 &&
			math.Abs(bal.AvgBuyPrice-pos.BuyPrice)/pos.BuyPrice > buyPriceDriftPct {
			b.log.Warn("buy price drift, adopting exchange average",
				zap.String("symbol", symbol),
				zap.Float64("tracked", pos.BuyPrice),
				zap.Float64("exchange", bal.AvgBuyPrice))
			pos.BuyPrice = bal.AvgBuyPrice
			metrics.ReconcileDrift.Inc()
			changed = true
		}
	}
	tracked := make(map[string]bool, len(b.positions))
	for s := range b.positions {
		tracked[assetOf(s)] = true
	}
	metrics.PositionsOpen.Set(float64(len(b.positions)))

	var persistErr error
	if changed {
		persistErr = b.persistLocked()
	}
	b.mu.Unlock()
	if persistErr != nil {
		return persistErr
	}

	b.handleUntracked(ctx, balances, tracked)
	return nil
}

// handleUntracked applies the configured policy to exchange balances that
// have no internal position.
func (b *Book) handleUntracked(ctx context.Context, balances []exchange.Balance, tracked map[string]bool) {
	action := b.cfg.Trading.UntrackedBalance.Action
	if action == "ignore" {
		return
	}
	for _, bal := range balances {
		if bal.Currency == "KRW" || tracked[bal.Currency] || bal.Total() <= 0 {
			continue
		}
		symbol := "KRW-" + bal.Currency
		if b.cfg.IsProtected(symbol) {
			continue
		}
		price, err := b.client.GetQuote(ctx, symbol)
		if err != nil || price <= 0 {
			continue
		}
		valueKRW := bal.Total() * price

		switch action {
		case "attach":
			buyPrice := bal.AvgBuyPrice
			if buyPrice <= 0 {
				buyPrice = price
			}
			pos := types.Position{
				Ticker:         symbol,
				BuyPrice:       buyPrice,
				Amount:         bal.Total(),
				OriginalAmount: bal.Total(),
				Timestamp:      b.now(),
				HighestPrice:   price,
				BuyMeta:        types.BuyMeta{Strategy: "", StopPrice: 0},
			}
			b.log.Warn("attaching untracked balance as position",
				zap.String("symbol", symbol), zap.Float64("value_krw", valueKRW))
			_ = b.Add(pos)
		case "cleanup_small":
			if valueKRW >= b.cfg.Trading.UntrackedBalance.SmallThresholdK {
				continue
			}
			b.log.Warn("selling small untracked balance",
				zap.String("symbol", symbol), zap.Float64("value_krw", valueKRW))
			if _, err := b.client.PlaceMarketSell(ctx, symbol, bal.Balance); err != nil {
				b.log.Warn("cleanup sell failed", zap.String("symbol", symbol), zap.Error(err))
			}
		}
	}
}

func assetOf(symbol string) string {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '-' {
			return symbol[i+1:]
		}
	}
	return symbol
}
