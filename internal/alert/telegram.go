package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramMaxMsgLen = 4000

type TelegramConfig struct {
	Token  string
	ChatID int64
	// APIEndpoint overrides the Bot API URL format (tests).
	APIEndpoint string
	Logger      *slog.Logger
}

// Telegram posts alerts into one agent chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	var (
		bot *tgbotapi.BotAPI
		err error
	)
	if cfg.APIEndpoint != "" {
		bot, err = tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Token, cfg.APIEndpoint)
	} else {
		bot, err = tgbotapi.NewBotAPI(cfg.Token)
	}
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	cfg.Logger.Info("telegram alerts connected", "username", bot.Self.UserName, "chat", cfg.ChatID)
	return &Telegram{bot: bot, chatID: cfg.ChatID, logger: cfg.Logger}, nil
}

func (t *Telegram) Alert(ctx context.Context, a Alert) error {
	for _, chunk := range splitMessage(a.Text(), telegramMaxMsgLen) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, chunk)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// splitMessage cuts text into chunks of at most maxLen bytes, preferring
// newline boundaries in the second half of a chunk.
func splitMessage(text string, maxLen int) []string {
	var out []string
	for len(text) > maxLen {
		cutAt := strings.LastIndex(text[:maxLen], "\n")
		if cutAt < maxLen/2 {
			cutAt = maxLen
		}
		out = append(out, text[:cutAt])
		text = text[cutAt:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
