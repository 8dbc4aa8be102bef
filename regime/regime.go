package regime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evdnx/upbot/config"
	"github.com/evdnx/upbot/logger"
	"github.com/evdnx/upbot/metrics"
	"github.com/evdnx/upbot/types"
)

// Classifier produces the structure snapshot for the reference asset.
type Classifier interface {
	Analyze(ctx context.Context, symbol string) (*types.SymbolState, error)
}

// Engine tracks the macro regime of the reference asset with hysteresis:
// a new regime must be detected `confirm_count` evaluations in a row and the
// previous one must have been held for `min_hold_minutes` before a switch.
type Engine struct {
	classifier Classifier
	cfg        *config.Config
	log        logger.Logger
	dlog       *logger.DecisionLog

	mu           sync.Mutex
	current      types.Regime
	candidate    types.Regime
	confirmCount int
	lastEval     time.Time
	lastSwitch   time.Time
	everSwitched bool

	now func() time.Time
}

func NewEngine(classifier Classifier, cfg *config.Config, log logger.Logger, dlog *logger.DecisionLog) *Engine {
	return &Engine{
		classifier: classifier,
		cfg:        cfg,
		log:        log,
		dlog:       dlog,
		current:    types.Range,
		now:        time.Now,
	}
}

// Current returns the active regime without re-evaluating.
func (e *Engine) Current() types.Regime {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Update re-evaluates the reference asset and possibly transitions. When not
// forced, evaluations more frequent than regime_check_minutes are no-ops.
// The second return value reports whether a transition was applied.
func (e *Engine) Update(ctx context.Context, force bool) (types.Regime, bool, error) {
	e.mu.Lock()
	now := e.now()
	if !force && !e.lastEval.IsZero() &&
		now.Sub(e.lastEval) < time.Duration(e.cfg.Strategy.RegimeCheckMins)*time.Minute {
		cur := e.current
		e.mu.Unlock()
		return cur, false, nil
	}
	e.mu.Unlock()

	st, err := e.classifier.Analyze(ctx, e.cfg.Strategy.RegimeReference)
	if err != nil {
		e.log.Warn("regime evaluation skipped", zap.Error(err))
		return e.Current(), false, err
	}
	candidate := st.Structure

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastEval = now

	applied := false
	switch {
	case candidate == e.current:
		e.candidate = ""
		e.confirmCount = 0
	case candidate == e.candidate:
		e.confirmCount++
	default:
		e.candidate = candidate
		e.confirmCount = 1
	}

	if e.confirmCount >= e.cfg.Strategy.RegimeConfirm {
		holdOK := !e.everSwitched ||
			now.Sub(e.lastSwitch) >= time.Duration(e.cfg.Strategy.RegimeMinHoldMins)*time.Minute
		if holdOK {
			e.log.Info("regime transition",
				zap.String("from", string(e.current)),
				zap.String("to", string(candidate)),
				zap.Int("confirmations", e.confirmCount),
			)
			e.current = candidate
			e.candidate = ""
			e.confirmCount = 0
			e.lastSwitch = now
			e.everSwitched = true
			applied = true
		}
	}

	metrics.SetRegime(string(e.current))
	if e.dlog != nil {
		_ = e.dlog.Event(logger.EventRegimeUpdate, e.cfg.Strategy.RegimeReference, map[string]any{
			"current":   string(e.current),
			"candidate": string(candidate),
			"count":     e.confirmCount,
			"applied":   applied,
		})
	}
	return e.current, applied, nil
}

// EntriesBlocked reports whether new positions are forbidden in the active
// regime. Exits are always allowed.
func (e *Engine) EntriesBlocked() bool {
	return e.Current() == types.Bear
}
