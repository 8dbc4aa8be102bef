package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Event kinds written to the decision log.
const (
	EventStart         = "START"
	EventRegimeUpdate  = "REGIME_UPDATE"
	EventCoinRefresh   = "COIN_REFRESH"
	EventLoopHeartbeat = "LOOP_HEARTBEAT"
	EventBuySignal     = "BUY_SIGNAL"
	EventBuyBlocked    = "BUY_BLOCKED"
	EventBuySizing     = "BUY_SIZING"
	EventBuyExecuted   = "BUY_EXECUTED"
	EventBuyFailed     = "BUY_FAILED"
	EventBuySkipped    = "BUY_SKIPPED"
	EventBuyCancelled  = "BUY_CANCELLED"
	EventSellSignal    = "SELL_SIGNAL"
	EventSellExecuted  = "SELL_EXECUTED"
	EventCancelUnknown = "CANCEL_FAILED_UNKNOWN_STATE"
	EventFallbackAbort = "FALLBACK_ABORTED"
)

// seenLimit caps the BUY_BLOCKED dedup set. Keys carry the candle timestamp
// so old entries never match again; past the cap the set resets, at worst
// repeating one line per live key.
const seenLimit = 4096

// DecisionLog is an append-only JSON-lines audit trail of every decision the
// loop takes. One line per event; BUY_BLOCKED lines with an identical
// (symbol, candle_ts, reason set) are written only once.
type DecisionLog struct {
	mu   sync.Mutex
	f    *os.File
	seen map[string]struct{}
	now  func() time.Time
}

// OpenDecisionLog opens (or creates) the JSONL file at path for appending.
func OpenDecisionLog(path string) (*DecisionLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create decision log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open decision log: %w", err)
	}
	return &DecisionLog{f: f, seen: make(map[string]struct{}), now: time.Now}, nil
}

// Close flushes and closes the underlying file.
func (d *DecisionLog) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

// Event appends one entry. fields may be nil.
func (d *DecisionLog) Event(kind, symbol string, fields map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.write(kind, symbol, fields)
}

// Blocked records a BUY_BLOCKED event with its gate tags, deduplicating
// repeats for the same symbol and candle timestamp.
func (d *DecisionLog) Blocked(symbol string, candleTS time.Time, reasons []string, fields map[string]any) error {
	sorted := append([]string(nil), reasons...)
	sort.Strings(sorted)
	key := symbol + "|" + candleTS.UTC().Format(time.RFC3339) + "|" + strings.Join(sorted, ",")

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return nil
	}
	if len(d.seen) >= seenLimit {
		d.seen = make(map[string]struct{})
	}
	d.seen[key] = struct{}{}

	if fields == nil {
		fields = make(map[string]any)
	}
	fields["candle_ts"] = candleTS.UTC().Format(time.RFC3339)
	fields["blocked_by"] = sorted
	return d.write(EventBuyBlocked, symbol, fields)
}

func (d *DecisionLog) write(kind, symbol string, fields map[string]any) error {
	entry := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		entry[k] = v
	}
	entry["ts"] = d.now().UTC().Format(time.RFC3339Nano)
	entry["event"] = kind
	if symbol != "" {
		entry["symbol"] = symbol
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal decision event: %w", err)
	}
	if _, err := d.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append decision event: %w", err)
	}
	return nil
}
