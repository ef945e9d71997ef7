package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/mrosas-dev/wxtrader/internal/ports"
)

// Telegram sends alerts to a single chat. With no token it runs in disabled
// mode and logs instead of sending, so a missing credential never blocks the
// engine (grounded on the teacher pack's telegram bot client).
type Telegram struct {
	api      *tgbotapi.BotAPI
	chatID   int64
	disabled bool
}

func NewTelegram(token, chatID string) (*Telegram, error) {
	if token == "" {
		slog.Warn("alert.Telegram: no token configured, running disabled (log only)")
		return &Telegram{disabled: true}, nil
	}

	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("alert.NewTelegram: bad chat id %q: %w", chatID, err)
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("alert.NewTelegram: %w", err)
	}

	return &Telegram{api: api, chatID: id}, nil
}

func (t *Telegram) Send(_ context.Context, a ports.Alert) error {
	if t.disabled {
		slog.Info("alert.Telegram: (disabled)", "text", a.Text)
		return nil
	}
	msg := tgbotapi.NewMessage(t.chatID, a.Text)
	_, err := t.api.Send(msg)
	if err != nil {
		return fmt.Errorf("alert.Telegram: send: %w", err)
	}
	return nil
}
