package analyzer

import (
	"context"
	"fmt"
	"math"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"go.uber.org/zap"

	"github.com/evdnx/upbot/config"
	"github.com/evdnx/upbot/logger"
	"github.com/evdnx/upbot/types"
)

const (
	rsiPeriod      = 14
	atrPeriod      = 14
	volumeMAPeriod = 20
)

// CandleSource provides the resampled signal-timeframe series.
type CandleSource interface {
	GetResampled(ctx context.Context, symbol string, minutes, count int) ([]types.Candle, error)
}

// Analyzer turns a symbol's candle history into one SymbolState snapshot.
// Every value is computed from closed bars only; the newest returned bar is
// the current closed bar and the one before it is "previous".
type Analyzer struct {
	data CandleSource
	cfg  *config.Config
	log  logger.Logger
}

func New(data CandleSource, cfg *config.Config, log logger.Logger) *Analyzer {
	return &Analyzer{data: data, cfg: cfg, log: log}
}

// Analyze computes the snapshot for symbol, or an error when the series is
// too short or degenerate. Callers skip the symbol for this tick on error.
func (a *Analyzer) Analyze(ctx context.Context, symbol string) (*types.SymbolState, error) {
	bars, err := a.data.GetResampled(ctx, symbol, a.cfg.Strategy.SignalIntervalMinutes, 300)
	if err != nil {
		return nil, err
	}
	return a.compute(symbol, bars)
}

func (a *Analyzer) compute(symbol string, bars []types.Candle) (*types.SymbolState, error) {
	n := len(bars)
	if n < 210 {
		return nil, fmt.Errorf("analyzer: %s has %d bars", symbol, n)
	}
	cur, prev := bars[n-1], bars[n-2]
	if cur.Close <= 0 {
		return nil, fmt.Errorf("analyzer: %s non-positive close", symbol)
	}

	closes := make([]float64, n)
	for i, b := range bars {
		closes[i] = b.Close
	}

	ema20 := emaAt(closes, 20)
	ema50 := emaAt(closes, 50)
	ema200 := emaAt(closes, 200)
	rsi := rsiAt(closes)
	if ema200 <= 0 {
		return nil, fmt.Errorf("analyzer: %s degenerate ema series", symbol)
	}

	trs := trueRanges(bars)
	atrSeries := smaSeries(trs, atrPeriod)
	if len(atrSeries) == 0 {
		return nil, fmt.Errorf("analyzer: %s atr series empty", symbol)
	}
	atr := atrSeries[len(atrSeries)-1]
	tr := trs[len(trs)-1]

	st := &types.SymbolState{
		Ticker:    symbol,
		CandleTS:  cur.Timestamp,
		Close:     cur.Close,
		PrevClose: prev.Close,
		High:      cur.High,
		Low:       cur.Low,
		EMA20:     ema20,
		EMA50:     ema50,
		EMA200:    ema200,
		RSI:       rsi,
		ATR:       atr,
		TrueRange: tr,
	}
	if atr > 0 {
		st.ATRPct = atr / cur.Close * 100
		st.TRATRRatio = tr / atr
	}
	st.VolatilityOK = atr > 0 && st.TRATRRatio <= a.cfg.Strategy.VolatilityTRATRMax

	volMA := volumeMA(bars, volumeMAPeriod)
	if volMA > 0 {
		st.VolumeRatio = cur.Volume / volMA
	}

	a.breakout(st, bars)
	a.rangeMetrics(st, bars)

	tol := math.Max(atr*a.cfg.Strategy.DogePullbackATRTolerance, cur.Close*0.0025)
	st.PullbackToEMA20 = math.Abs(cur.Close-ema20) <= tol

	st.Structure = StructureOf(cur.Close, ema50, ema200)
	st.TrendBiasPct = (cur.Close - ema200) / ema200 * 100
	st.QualityScore = a.quality(st)

	a.log.Info("symbol analyzed",
		zap.String("symbol", symbol),
		zap.Time("candle_ts", st.CandleTS),
		zap.String("structure", string(st.Structure)),
		zap.Float64("rsi", st.RSI),
		zap.Float64("quality", st.QualityScore),
	)
	return st, nil
}

// StructureOf applies the EMA alignment rule shared with the regime engine.
func StructureOf(close, ema50, ema200 float64) types.Regime {
	switch {
	case close > ema50 && ema50 > ema200:
		return types.Bull
	case close < ema50 && ema50 < ema200:
		return types.Bear
	default:
		return types.Range
	}
}

// breakout fills breakout_level over the lookback excluding the current bar,
// plus the pierce-and-reclaim retest flag.
func (a *Analyzer) breakout(st *types.SymbolState, bars []types.Candle) {
	n := len(bars)
	lb := a.cfg.Strategy.SolBreakoutLookback
	if n-1 < lb {
		return
	}
	level := 0.0
	for _, b := range bars[n-1-lb : n-1] {
		if b.High > level {
			level = b.High
		}
	}
	st.BreakoutLevel = level
	st.BreakoutAbove = st.Close > level

	band := math.Max(st.ATR*0.2, st.Close*0.0015)
	st.RetestOK = st.Low <= level && st.Close >= level && st.Close-level <= band
}

// rangeMetrics fills the swing levels and the position of close inside them.
func (a *Analyzer) rangeMetrics(st *types.SymbolState, bars []types.Candle) {
	n := len(bars)
	lb := a.cfg.Strategy.AdaRangeLookback
	if lb > n {
		lb = n
	}
	window := bars[n-lb:]
	hi, lo := window[0].High, window[0].Low
	for _, b := range window[1:] {
		if b.High > hi {
			hi = b.High
		}
		if b.Low < lo {
			lo = b.Low
		}
	}
	st.SwingHigh, st.SwingLow = hi, lo
	width := hi - lo
	if width <= 0 || lo <= 0 {
		return
	}
	st.RangeWidthPct = width / lo * 100
	st.RangePosition = (st.Close - lo) / width
	st.MiddleZone = st.RangePosition >= 0.40 && st.RangePosition <= 0.60
	st.LowerExtreme = st.RangePosition <= a.cfg.Strategy.AdaEntryLowerPct
	prevPos := (st.PrevClose - lo) / width
	st.RangeBounce = prevPos <= a.cfg.Strategy.AdaEntryLowerPct && st.Close > st.PrevClose
	st.TargetPrice = lo + width*a.cfg.Strategy.AdaTakeProfitUpperPct
}

// quality is the additive entry-quality heuristic.
func (a *Analyzer) quality(st *types.SymbolState) float64 {
	score := 0.0
	if st.VolatilityOK {
		score += 20
	} else {
		score -= 20
	}
	score += math.Min(st.VolumeRatio*9, 18)
	if st.BreakoutAbove {
		score += 10
	}
	if st.RetestOK {
		score += 8
	}
	if st.PullbackToEMA20 {
		score += 8
	}
	if st.LowerExtreme {
		score += 10
	}
	if st.RangeBounce {
		score += 8
	}
	return score
}

func sliceToChan(vs []float64) chan float64 {
	ch := make(chan float64, len(vs))
	for _, v := range vs {
		ch <- v
	}
	close(ch)
	return ch
}

func collect(ch <-chan float64) []float64 {
	var out []float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}

// emaAt returns the EMA value aligned to the final input element.
func emaAt(closes []float64, period int) float64 {
	out := collect(trend.NewEmaWithPeriod[float64](period).Compute(sliceToChan(closes)))
	if len(out) == 0 {
		return 0
	}
	return out[len(out)-1]
}

func rsiAt(closes []float64) float64 {
	out := collect(momentum.NewRsiWithPeriod[float64](rsiPeriod).Compute(sliceToChan(closes)))
	if len(out) == 0 {
		return 0
	}
	return out[len(out)-1]
}

func smaSeries(vs []float64, period int) []float64 {
	return collect(trend.NewSmaWithPeriod[float64](period).Compute(sliceToChan(vs)))
}

// trueRanges returns the TR series starting at the second bar.
func trueRanges(bars []types.Candle) []float64 {
	out := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		hl := bars[i].High - bars[i].Low
		hc := math.Abs(bars[i].High - bars[i-1].Close)
		lc := math.Abs(bars[i].Low - bars[i-1].Close)
		out = append(out, math.Max(hl, math.Max(hc, lc)))
	}
	return out
}

func volumeMA(bars []types.Candle, period int) float64 {
	if len(bars) < period {
		return 0
	}
	sum := 0.0
	for _, b := range bars[len(bars)-period:] {
		sum += b.Volume
	}
	return sum / float64(period)
}
