package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// DiscordSender delivers alerts through a Discord webhook.
type DiscordSender struct {
	webhookURL string
	http       *resty.Client
}

// NewDiscordSender creates a sender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		http:       resty.New().SetTimeout(10 * time.Second),
	}
}

func (d *DiscordSender) Name() string { return "discord" }

// Send posts the message to the webhook. The title renders bold.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	resp, err := d.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"content": fmt.Sprintf("**%s**\n%s", title, message),
		}).
		Post(d.webhookURL)
	if err != nil {
		return fmt.Errorf("discord: sending message: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("discord: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
