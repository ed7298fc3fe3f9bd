package notify

import (
	"context"
	"fmt"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type chatSender interface {
	Send(c tgbot.Chattable) (tgbot.Message, error)
}

// TelegramSink posts notifications to one chat.
type TelegramSink struct {
	bot    chatSender
	chatID int64
	// alertsOnly skips info-level messages to keep the chat quiet.
	alertsOnly bool
}

// NewTelegramSink authenticates the bot token against the Telegram API.
func NewTelegramSink(token string, chatID int64, alertsOnly bool) (*TelegramSink, error) {
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramSink{bot: b, chatID: chatID, alertsOnly: alertsOnly}, nil
}

func (t *TelegramSink) Name() string { return "telegram" }

func (t *TelegramSink) Send(ctx context.Context, msg Message) error {
	if t.alertsOnly && msg.Level != LevelAlert {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(tgbot.NewMessage(t.chatID, msg.Text()))
	return err
}
