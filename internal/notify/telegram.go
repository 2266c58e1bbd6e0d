package notify

import (
	"context"
	"fmt"
	"net/http"
)

// TelegramSender posts notifications to a single Telegram chat via the
// Bot API sendMessage endpoint.
type TelegramSender struct {
	token  string
	chatID string
	client *http.Client
}

var _ Sender = (*TelegramSender)(nil)

// NewTelegramSender creates a sender for the given bot token and chat ID.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: sendTimeout},
	}
}

// Send renders the title in bold Markdown above the message body. Link
// previews are disabled so order and position messages stay compact.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)
	return postJSON(ctx, t.client, t.Name(), url, map[string]string{
		"chat_id":                  t.chatID,
		"text":                     fmt.Sprintf("*%s*\n%s", title, message),
		"parse_mode":               "Markdown",
		"disable_web_page_preview": "true",
	})
}

func (t *TelegramSender) Name() string { return "telegram" }
