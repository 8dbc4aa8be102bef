package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/evdnx/upbot/types"
)

// Session holds process-lifetime trading state shared between the loop and
// the command surface. All access is mutex-guarded; the command listener
// reads and flips flags from its own goroutine.
type Session struct {
	mu sync.Mutex

	initialCash       float64
	initialTotalValue float64
	startedAt         time.Time

	cumulativeFees float64
	peakValue      float64
	maxDrawdownPct float64

	tradingPaused bool
	cooldownUntil time.Time
}

func NewSession(initialCash, initialTotalValue float64, startedAt time.Time) *Session {
	return &Session{
		initialCash:       initialCash,
		initialTotalValue: initialTotalValue,
		startedAt:         startedAt,
		peakValue:         initialTotalValue,
	}
}

func (s *Session) InitialCash() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialCash
}

func (s *Session) InitialTotalValue() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialTotalValue
}

func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// AddFees accumulates paid fees.
func (s *Session) AddFees(fee float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cumulativeFees += fee
}

func (s *Session) CumulativeFees() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cumulativeFees
}

// ObserveValue records the marked total value, updating the high-water mark
// and the maximum drawdown.
func (s *Session) ObserveValue(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v > s.peakValue {
		s.peakValue = v
	}
	if s.peakValue > 0 {
		dd := (s.peakValue - v) / s.peakValue * 100
		if dd > s.maxDrawdownPct {
			s.maxDrawdownPct = dd
		}
	}
}

func (s *Session) PeakValue() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peakValue
}

func (s *Session) MaxDrawdownPct() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxDrawdownPct
}

func (s *Session) SetPaused(p bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tradingPaused = p
}

func (s *Session) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tradingPaused
}

// SetCooldown blocks all evaluation until t.
func (s *Session) SetCooldown(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldownUntil = t
}

func (s *Session) CooldownUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cooldownUntil
}

func (s *Session) InCooldown(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cooldownUntil.After(now)
}

// History persists closed trades, one JSON array per calendar day, and
// answers realized-P&L queries. Records appended in this process are also
// kept in memory so a torn or delayed file write cannot under-count the
// daily loss circuit; file and memory are merged with deduplication.
type History struct {
	mu  sync.Mutex
	dir string

	mem []types.TradeRecord
}

func NewHistory(dir string) *History {
	return &History{dir: dir}
}

func (h *History) fileFor(day time.Time) string {
	return filepath.Join(h.dir, fmt.Sprintf("trades_%s.json", day.Format("2006-01-02")))
}

// Append records a closed trade in memory and on disk.
func (h *History) Append(rec types.TradeRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mem = append(h.mem, rec)

	path := h.fileFor(rec.Timestamp)
	existing, err := h.readFile(path)
	if err != nil {
		return err
	}
	existing = append(existing, rec)
	return h.writeFile(path, existing)
}

func (h *History) readFile(path string) ([]types.TradeRecord, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trade history: %w", err)
	}
	var recs []types.TradeRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, fmt.Errorf("decode trade history %s: %w", path, err)
	}
	return recs, nil
}

func (h *History) writeFile(path string, recs []types.TradeRecord) error {
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return fmt.Errorf("create trade history dir: %w", err)
	}
	raw, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode trade history: %w", err)
	}
	tmp, err := os.CreateTemp(h.dir, ".trades-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// DayRecords returns the union of in-memory and on-disk records for day,
// deduplicated.
func (h *History) DayRecords(day time.Time) ([]types.TradeRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fromFile, err := h.readFile(h.fileFor(day))
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(fromFile))
	key := func(r types.TradeRecord) string {
		return fmt.Sprintf("%s|%s|%s|%.8f", r.Timestamp.UTC().Format(time.RFC3339Nano), r.Ticker, r.Reason, r.Amount)
	}
	out := make([]types.TradeRecord, 0, len(fromFile))
	for _, r := range fromFile {
		seen[key(r)] = true
		out = append(out, r)
	}
	dayStr := day.Format("2006-01-02")
	for _, r := range h.mem {
		if r.Timestamp.Format("2006-01-02") != dayStr || seen[key(r)] {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// DailyRealizedPnL sums realized profit (net of fees) for day.
func (h *History) DailyRealizedPnL(day time.Time) (float64, error) {
	recs, err := h.DayRecords(day)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, r := range recs {
		total += r.ProfitKRW
	}
	return total, nil
}

// DailyBalances remembers each day's starting balance so the daily loss
// circuit has a stable denominator across restarts.
type DailyBalances struct {
	mu   sync.Mutex
	path string
	m    map[string]float64
}

func NewDailyBalances(path string) *DailyBalances {
	return &DailyBalances{path: path, m: make(map[string]float64)}
}

// Load reads the ledger; a missing file is an empty ledger.
func (d *DailyBalances) Load() error {
	raw, err := os.ReadFile(d.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read daily balances: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return json.Unmarshal(raw, &d.m)
}

// StartBalance returns the stored balance for day, recording and persisting
// fallback when the day is new.
func (d *DailyBalances) StartBalance(day time.Time, fallback float64) (float64, error) {
	key := day.Format("2006-01-02")
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.m[key]; ok {
		return v, nil
	}
	d.m[key] = fallback
	raw, err := json.MarshalIndent(d.m, "", "  ")
	if err != nil {
		return fallback, err
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return fallback, err
	}
	if err := os.WriteFile(d.path, raw, 0o644); err != nil {
		return fallback, fmt.Errorf("write daily balances: %w", err)
	}
	return fallback, nil
}
