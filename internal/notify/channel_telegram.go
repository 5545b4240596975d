package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/fleetwatch/core/internal/store"
)

// TelegramChannel delivers alerts by posting to one or more Telegram chat
// IDs, grounded on tenderduty's notifyTg.
type TelegramChannel struct {
	bot *tgbotapi.BotAPI
}

// NewTelegramChannel creates a TelegramChannel backed by a bot authenticated
// with apiKey.
func NewTelegramChannel(apiKey string) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPI(apiKey)
	if err != nil {
		return nil, fmt.Errorf("notify: telegram bot init: %w", err)
	}
	return &TelegramChannel{bot: bot}, nil
}

// Service implements Channel.
func (c *TelegramChannel) Service() store.ServiceType { return store.ServiceTelegram }

// Send implements Channel, posting p.Text to every chat id in recipients.
func (c *TelegramChannel) Send(_ context.Context, recipients []string, p Payload) error {
	for _, chatID := range recipients {
		msg := tgbotapi.NewMessageToChannel(chatID, p.Text)
		if _, err := c.bot.Send(msg); err != nil {
			return fmt.Errorf("notify: telegram send to %s: %w", chatID, err)
		}
	}
	return nil
}
