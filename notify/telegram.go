package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/evdnx/upbot/config"
	"github.com/evdnx/upbot/logger"
)

// Notifier pushes human-readable alerts. Implementations must never block
// the trading loop on delivery problems.
type Notifier interface {
	Notify(text string)
}

// Nop is the notifier used when no channel is configured.
type Nop struct{}

func (Nop) Notify(string) {}

// Controller is the read/control surface the command listener exposes over
// chat. It is implemented by the trading loop; the listener never touches
// positions or orders directly.
type Controller interface {
	StatusText() string
	PositionsText() string
	BalanceText() string
	DailyText() string
	Pause()
	Resume()
}

// Telegram sends alerts to a fixed chat and serves the command surface.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    logger.Logger
}

func NewTelegram(cfg config.TelegramConfig, log logger.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	return &Telegram{bot: bot, chatID: cfg.ChatID, log: log}, nil
}

// Notify sends text, logging delivery failures instead of returning them.
func (t *Telegram) Notify(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.log.Warn("telegram send failed", zap.Error(err))
	}
}

// Listen consumes chat commands until ctx is cancelled. Only messages from
// the configured chat are honored.
func (t *Telegram) Listen(ctx context.Context, ctrl Controller) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != t.chatID {
				t.log.Warn("command from unauthorized chat",
					zap.Int64("chat_id", update.Message.Chat.ID))
				continue
			}
			t.Notify(t.dispatch(update.Message.Command(), ctrl))
		}
	}
}

func (t *Telegram) dispatch(cmd string, ctrl Controller) string {
	switch cmd {
	case "status":
		return ctrl.StatusText()
	case "positions":
		return ctrl.PositionsText()
	case "balance":
		return ctrl.BalanceText()
	case "daily":
		return ctrl.DailyText()
	case "pause":
		ctrl.Pause()
		return "trading paused"
	case "resume":
		ctrl.Resume()
		return "trading resumed"
	case "help":
		return helpText
	default:
		return "unknown command; try /help"
	}
}

const helpText = `/status - loop state, regime, cooldowns
/positions - open positions
/balance - cash and total value
/daily - today's realized P&L
/pause - stop opening new positions
/resume - resume trading
/help - this text`
