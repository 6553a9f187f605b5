package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"TradeCollector/internal/infrastructure/fetch"
	"TradeCollector/internal/ports"
)

const defaultAPIBase = "https://api.telegram.org"

// telegramLimit is the maximum message length, in characters, accepted by sendMessage.
const telegramLimit = 4096

// Notifier sends run summaries to a Telegram chat via bot API.
type Notifier struct {
	botToken string
	chatID   string
	apiBase  string
	doer     fetch.Doer
}

var _ ports.Notifier = (*Notifier)(nil)

// NewNotifier registers bot token and chat identifier. An empty apiBase uses the public API.
func NewNotifier(botToken, chatID, apiBase string, doer fetch.Doer) *Notifier {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &Notifier{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  strings.TrimRight(apiBase, "/"),
		doer:     doer,
	}
}

// PublishDigest posts a plain text message to Telegram.
func (n *Notifier) PublishDigest(ctx context.Context, digest string) error {
	if n.botToken == "" || n.chatID == "" || n.doer == nil {
		return fmt.Errorf("telegram notifier misconfigured")
	}

	digest = truncateRunes(digest, telegramLimit)

	form := url.Values{}
	form.Set("chat_id", n.chatID)
	form.Set("text", digest)

	_, err := n.doer.Do(ctx, fetch.Request{
		Method:     http.MethodPost,
		URL:        fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.botToken),
		DisplayURL: n.apiBase + "/bot<redacted>/sendMessage",
		Headers:    map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		Body:       []byte(form.Encode()),
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-3]) + "..."
}
