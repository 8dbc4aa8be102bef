package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Command-surface views. These run outside the tick goroutine, so they only
// touch the thread-safe collaborators.

func (b *Bot) StatusText() string {
	now := b.now()
	var sb strings.Builder
	fmt.Fprintf(&sb, "regime: %s\n", b.regime.Current())
	fmt.Fprintf(&sb, "positions: %d / %d\n", b.book.Len(), b.cfg.Strategy.MaxPositions)
	fmt.Fprintf(&sb, "paused: %v\n", b.paused())
	if b.session.InCooldown(now) {
		fmt.Fprintf(&sb, "cooldown until: %s\n", b.session.CooldownUntil().Format("15:04"))
	}
	fmt.Fprintf(&sb, "max drawdown: %.2f%%\n", b.session.MaxDrawdownPct())
	fmt.Fprintf(&sb, "cumulative fees: %.0f KRW", b.session.CumulativeFees())
	return sb.String()
}

func (b *Bot) PositionsText() string {
	all := b.book.All()
	if len(all) == 0 {
		return "no open positions"
	}
	symbols := make([]string, 0, len(all))
	for s := range all {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := b.now()
	var sb strings.Builder
	for _, symbol := range symbols {
		pos := all[symbol]
		price, err := b.client.GetQuote(ctx, symbol)
		pnl := "-"
		if err == nil && price > 0 && pos.BuyPrice > 0 {
			pnl = fmt.Sprintf("%+.2f%%", (price-pos.BuyPrice)/pos.BuyPrice*100)
		}
		fmt.Fprintf(&sb, "%s [%s] %.4f @ %.0f, %s, held %.0fm\n",
			symbol, pos.BuyMeta.Strategy, pos.Amount, pos.BuyPrice, pnl, pos.HoldMinutes(now))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) BalanceText() string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cash, err := b.client.GetBalance(ctx, "KRW")
	if err != nil {
		return fmt.Sprintf("balance unavailable: %v", err)
	}
	total, err := b.TotalValue(ctx)
	if err != nil {
		total = cash
	}
	return fmt.Sprintf("cash: %.0f KRW\ntotal value: %.0f KRW\ninvested: %.0f KRW",
		cash, total, b.book.TotalInvestedKRW())
}

func (b *Bot) DailyText() string {
	now := b.now()
	recs, err := b.history.DayRecords(now)
	if err != nil {
		return fmt.Sprintf("daily summary unavailable: %v", err)
	}
	if len(recs) == 0 {
		return "no closed trades today"
	}
	var pnl, fees float64
	wins := 0
	for _, r := range recs {
		pnl += r.ProfitKRW
		fees += r.BuyFee + r.SellFee
		if r.ProfitKRW > 0 {
			wins++
		}
	}
	return fmt.Sprintf("trades: %d (wins %d)\nrealized P&L: %.0f KRW\nfees: %.0f KRW",
		len(recs), wins, pnl, fees)
}

func (b *Bot) Pause() {
	b.session.SetPaused(true)
	b.log.Info("trading paused by operator")
}

func (b *Bot) Resume() {
	b.session.SetPaused(false)
	b.session.SetCooldown(time.Time{})
	b.log.Info("trading resumed by operator")
}
