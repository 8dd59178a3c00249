// internal/infra/telegram/client.go
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"gopkg.in/telebot.v3"
)

// maxMessageLength is Telegram's limit, in characters, for a single text message.
const maxMessageLength = 4096

// NewBot creates a send-only bot. No poller is started.
func NewBot(token string) (*telebot.Bot, error) {
	return newBot(telebot.Settings{Token: token})
}

func newBot(pref telebot.Settings) (*telebot.Bot, error) {
	if pref.Client == nil {
		pref.Client = defaultHTTPClient()
	}
	bot, err := telebot.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("could not create Telegram bot: %w", err)
	}
	return bot, nil
}

// Alerts are best effort; a slow Telegram API must not hold up reporting.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// TelebotAdapter implements alert.Client by posting to a single chat.
type TelebotAdapter struct {
	bot    *telebot.Bot
	chatID int64
}

func NewTelebotAdapter(b *telebot.Bot, chatID int64) *TelebotAdapter {
	return &TelebotAdapter{bot: b, chatID: chatID}
}

// SendAlert sends text to the configured chat. telebot has no context
// support, so ctx is only checked before sending.
func (tba *TelebotAdapter) SendAlert(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text = truncate(text, maxMessageLength)
	recipient := &telebot.Chat{ID: tba.chatID} // Ops group or channel
	_, err := tba.bot.Send(recipient, text, &telebot.SendOptions{DisableWebPagePreview: true})
	if err != nil {
		return fmt.Errorf("sending Telegram alert: %w", err)
	}
	return nil
}

// truncate cuts text to at most limit characters, ending on a rune boundary.
func truncate(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	n := 0
	for i := range text {
		if n == limit-3 {
			return text[:i] + "..."
		}
		n++
	}
	return text
}
