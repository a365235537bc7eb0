package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// TelegramSender delivers alerts through the Telegram Bot API.
type TelegramSender struct {
	token  string
	chatID string
	http   *resty.Client
}

// NewTelegramSender creates a sender for the given bot token and chat ID.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		token:  token,
		chatID: chatID,
		http:   resty.New().SetTimeout(10 * time.Second),
	}
}

func (t *TelegramSender) Name() string { return "telegram" }

// Send posts the message to the configured chat. The title renders bold.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id":    t.chatID,
			"text":       fmt.Sprintf("*%s*\n%s", title, message),
			"parse_mode": "Markdown",
		}).
		Post(fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token))
	if err != nil {
		return fmt.Errorf("telegram: sending message: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
