package notify

import (
	"context"
	"fmt"
	"net/http"
)

// DiscordSender posts notifications to a Discord channel webhook under
// the bot's username.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

var _ Sender = (*DiscordSender)(nil)

// NewDiscordSender creates a sender for the given channel webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: sendTimeout},
	}
}

// Send renders the title in bold Discord markdown above the message body.
// Discord answers 204 No Content on success.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	return postJSON(ctx, d.client, d.Name(), d.webhookURL, map[string]string{
		"content":  fmt.Sprintf("**%s**\n%s", title, message),
		"username": "exitpilot",
	})
}

func (d *DiscordSender) Name() string { return "discord" }
