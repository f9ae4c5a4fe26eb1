package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	telegramAPI   = "https://api.telegram.org"
	telegramLimit = 4096
)

// TelegramSender sends through the Bot API sendMessage method.
type TelegramSender struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		baseURL: telegramAPI,
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the alert as HTML so ids with underscores survive unescaped.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	text := truncate(fmt.Sprintf("<b>%s</b>\n%s", escapeHTML(title), escapeHTML(message)), telegramLimit)
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	err := postJSON(ctx, t.client, url, map[string]string{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

func (t *TelegramSender) Name() string { return "telegram" }

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeHTML(s string) string { return htmlEscaper.Replace(s) }
