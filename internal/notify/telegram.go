package notify

import (
	"context"

	tele "gopkg.in/telebot.v4"
)

// TelegramConfig configures the Telegram sink.
type TelegramConfig struct {
	Token  string
	ChatID int64
}

// TelegramSink delivers notifications to a Telegram chat. Send-only: no
// poller is started.
type TelegramSink struct {
	bot  *tele.Bot
	chat tele.ChatID
}

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{bot: b, chat: tele.ChatID(cfg.ChatID)}, nil
}

func (s *TelegramSink) Send(ctx context.Context, text string) error {
	// telebot's API calls don't take a context; honor cancellation by
	// checking before the call and bounding the damage with its own timeout.
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	_, err := s.bot.Send(s.chat, text, &tele.SendOptions{
		DisableWebPagePreview: true,
	})
	return err
}

var _ Sink = (*TelegramSink)(nil)
