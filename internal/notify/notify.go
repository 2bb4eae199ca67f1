// Package notify delivers generated messages to clients and providers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kgnguhan/agentic-chaser/internal/config"
	"github.com/kgnguhan/agentic-chaser/internal/domain"
	"github.com/kgnguhan/agentic-chaser/internal/logging"
)

const defaultTimeout = 10 * time.Second

// Notifier sends one message over a channel.
type Notifier interface {
	Send(ctx context.Context, channel domain.Channel, recipient, text string) error
}

type message struct {
	ID        string         `json:"id"`
	Channel   domain.Channel `json:"channel"`
	Recipient string         `json:"recipient"`
	Text      string         `json:"text"`
	SentAt    string         `json:"sent_at"`
}

// Webhook posts messages to a delivery gateway.
type Webhook struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
}

func NewWebhook(cfg config.Notify) *Webhook {
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &Webhook{url: cfg.URL, secret: cfg.Secret, client: &http.Client{Timeout: timeout}, now: time.Now}
}

func (w *Webhook) Send(ctx context.Context, channel domain.Channel, recipient, text string) error {
	if strings.TrimSpace(recipient) == "" {
		return fmt.Errorf("notify %s: empty recipient", channel)
	}
	msg := message{
		ID:        uuid.NewString(),
		Channel:   channel,
		Recipient: recipient,
		Text:      text,
		SentAt:    w.now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Chaser-Delivery", msg.ID)
	if strings.TrimSpace(w.secret) != "" {
		req.Header.Set("X-Chaser-Secret", w.secret)
	}
	res, err := w.client.Do(req)
	if err != nil {
		return domain.Unavailable("notify", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		err := fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
			return domain.Unavailable("notify", err)
		}
		return err
	}
	return nil
}

// Log writes messages to the logger instead of delivering them.
type Log struct {
	Logger *logging.Logger
}

func (l Log) Send(_ context.Context, channel domain.Channel, recipient, text string) error {
	l.Logger.Info("message not delivered (dry run)", "channel", string(channel), "recipient", recipient, "text", text)
	return nil
}

// FromConfig returns a webhook sender when a URL is configured, else a log sink.
func FromConfig(cfg config.Notify, log *logging.Logger) Notifier {
	if strings.TrimSpace(cfg.URL) == "" {
		return Log{Logger: log}
	}
	return NewWebhook(cfg)
}
