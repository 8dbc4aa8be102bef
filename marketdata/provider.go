package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/evdnx/upbot/exchange"
	"github.com/evdnx/upbot/types"
)

// ErrInsufficientData means the indicator series would be too short to trust.
var ErrInsufficientData = errors.New("marketdata: insufficient candle history")

// MinResampledBars is the minimum series length GetResampled will return.
const MinResampledBars = 210

const pageSize = 200

// Provider fetches candles through the exchange client, caching recent
// responses per (symbol, interval) and resampling 5-minute bars into wider
// signal timeframes. Only closed candles are ever returned.
type Provider struct {
	client exchange.Client

	mu    sync.Mutex
	cache map[string]*cacheEntry

	now func() time.Time
}

type cacheEntry struct {
	candles   []types.Candle
	fetchedAt time.Time
}

func NewProvider(client exchange.Client) *Provider {
	return &Provider{
		client: client,
		cache:  make(map[string]*cacheEntry),
		now:    time.Now,
	}
}

// cacheTTL scales with the interval: tight for 1-minute data, up to 12 s for
// slow timeframes so a burst of symbol evaluations shares one fetch.
func cacheTTL(unit int) time.Duration {
	switch {
	case unit <= 1:
		return 2 * time.Second
	case unit <= 5:
		return 6 * time.Second
	default:
		return 12 * time.Second
	}
}

// GetCandles returns up to count closed unit-minute candles, oldest first,
// ending at the most recently closed candle. Counts above one page are
// assembled by paging backward from the oldest timestamp seen.
func (p *Provider) GetCandles(ctx context.Context, symbol string, unit, count int) ([]types.Candle, error) {
	if count <= 0 {
		return nil, fmt.Errorf("marketdata: count %d must be positive", count)
	}
	key := fmt.Sprintf("%s|%d", symbol, unit)

	p.mu.Lock()
	if e, ok := p.cache[key]; ok && p.now().Sub(e.fetchedAt) < cacheTTL(unit) && len(e.candles) >= count {
		out := append([]types.Candle(nil), e.candles[len(e.candles)-count:]...)
		p.mu.Unlock()
		return out, nil
	}
	p.mu.Unlock()

	candles, err := p.fetch(ctx, symbol, unit, count)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache[key] = &cacheEntry{candles: candles, fetchedAt: p.now()}
	p.mu.Unlock()

	if len(candles) > count {
		candles = candles[len(candles)-count:]
	}
	return candles, nil
}

func (p *Provider) fetch(ctx context.Context, symbol string, unit, count int) ([]types.Candle, error) {
	// Over-fetch by one so dropping an in-progress candle still leaves count.
	want := count + 1
	var candles []types.Candle
	var to time.Time
	for len(candles) < want {
		n := want - len(candles)
		if n > pageSize {
			n = pageSize
		}
		page, err := p.client.GetMinuteCandles(ctx, symbol, unit, n, to)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		candles = append(page, candles...)
		to = page[0].Timestamp
	}
	return p.dropOpen(candles, unit), nil
}

// dropOpen removes a trailing candle whose interval has not elapsed yet.
func (p *Provider) dropOpen(candles []types.Candle, unit int) []types.Candle {
	if len(candles) == 0 {
		return candles
	}
	last := candles[len(candles)-1]
	if last.Timestamp.Add(time.Duration(unit) * time.Minute).After(p.now()) {
		return candles[:len(candles)-1]
	}
	return candles
}

// GetResampled aggregates 5-minute candles into right-closed bars of the
// given width. The final, still-forming bucket is dropped, so the last bar is
// always the most recently closed one. Fails with ErrInsufficientData when
// fewer than MinResampledBars result.
func (p *Provider) GetResampled(ctx context.Context, symbol string, minutes, count int) ([]types.Candle, error) {
	if minutes%5 != 0 || minutes <= 0 {
		return nil, fmt.Errorf("marketdata: resample width %d must be a positive multiple of 5", minutes)
	}
	if count < MinResampledBars {
		count = MinResampledBars
	}
	per := minutes / 5
	base, err := p.GetCandles(ctx, symbol, 5, count*per+per)
	if err != nil {
		return nil, err
	}

	// Right-closed, right-labeled bins over the base timestamps: a candle
	// stamped exactly on a boundary closes that bar, and the bar carries the
	// boundary as its timestamp.
	width := time.Duration(minutes) * time.Minute
	var bars []types.Candle
	var cur *types.Candle
	for _, c := range base {
		end := c.Timestamp.Truncate(width)
		if !end.Equal(c.Timestamp) {
			end = end.Add(width)
		}
		if cur == nil || !end.Equal(cur.Timestamp) {
			if cur != nil {
				bars = append(bars, *cur)
			}
			cc := c
			cc.Timestamp = end
			cur = &cc
			continue
		}
		if c.High > cur.High {
			cur.High = c.High
		}
		if c.Low < cur.Low {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.Volume += c.Volume
		cur.QuoteVolume += c.QuoteVolume
	}
	if cur != nil {
		// The final bucket closes when its right-edge base candle does.
		edgeClose := cur.Timestamp.Add(5 * time.Minute)
		if !edgeClose.After(p.now()) {
			bars = append(bars, *cur)
		}
	}

	if len(bars) < MinResampledBars {
		return nil, fmt.Errorf("%w: %s %dm has %d bars, need %d",
			ErrInsufficientData, symbol, minutes, len(bars), MinResampledBars)
	}
	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return bars, nil
}
