// Package notify delivers lifecycle messages to end users.
package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"
)

// Sink sends a text message to a user identified by their Telegram id.
type Sink interface {
	Notify(ctx context.Context, telegramID int64, text string) error
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSink sends messages through the Bot API.
type TelegramSink struct {
	bot sender
}

// NewTelegramSink connects to the Bot API with the given token.
func NewTelegramSink(token string) (*TelegramSink, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	log.Infof("[notify] Telegram bot authorized as @%s", bot.Self.UserName)
	return &TelegramSink{bot: bot}, nil
}

func (s *TelegramSink) Notify(ctx context.Context, telegramID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if telegramID == 0 {
		return fmt.Errorf("no telegram id for recipient")
	}

	msg := tgbotapi.NewMessage(telegramID, text)
	if _, err := s.bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

// LogSink only writes messages to the log. Used when no bot token is configured.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, telegramID int64, text string) error {
	log.WithField("telegram_id", telegramID).Infof("[notify] %s", text)
	return nil
}

// New returns a TelegramSink when a token is set, LogSink otherwise.
func New(token string) (Sink, error) {
	if token == "" {
		log.Warn("[notify] TELEGRAM_BOT_TOKEN not set, notifications are only logged")
		return LogSink{}, nil
	}
	return NewTelegramSink(token)
}
