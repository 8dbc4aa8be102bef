package testutils

import (
	"time"

	"github.com/evdnx/upbot/types"
)

// CandleSeries builds n unit-minute candles ending just before end, with
// close prices produced by f(i) (i = 0 is the oldest bar). Open/high/low are
// derived from the close so the series is internally consistent.
func CandleSeries(end time.Time, unit, n int, f func(i int) float64) []types.Candle {
	step := time.Duration(unit) * time.Minute
	start := end.Add(-time.Duration(n) * step)
	out := make([]types.Candle, n)
	for i := 0; i < n; i++ {
		c := f(i)
		out[i] = types.Candle{
			Timestamp:   start.Add(time.Duration(i) * step),
			Open:        c * 0.999,
			High:        c * 1.004,
			Low:         c * 0.996,
			Close:       c,
			Volume:      100,
			QuoteVolume: 100 * c,
		}
	}
	return out
}

// FlatSeries builds n candles at a constant price.
func FlatSeries(end time.Time, unit, n int, price float64) []types.Candle {
	return CandleSeries(end, unit, n, func(int) float64 { return price })
}
