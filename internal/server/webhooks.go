package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kgnguhan/agentic-chaser/internal/config"
	"github.com/kgnguhan/agentic-chaser/internal/domain"
	"github.com/kgnguhan/agentic-chaser/internal/logging"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// EventSource is the part of the case store the forwarder reads.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.AuditEvent, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// WebhookForwarder posts audit events to the configured webhooks. Each
// hook keeps its own cursor, starting at the newest event when the
// forwarder first sees it, so history is never replayed.
type WebhookForwarder struct {
	Interval time.Duration

	source   EventSource
	webhooks []config.WebhookConfig
	log      *logging.Logger
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

func NewWebhookForwarder(source EventSource, hooks []config.WebhookConfig, log *logging.Logger) *WebhookForwarder {
	return &WebhookForwarder{
		Interval: defaultWebhookInterval,
		source:   source,
		webhooks: hooks,
		log:      log,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
}

// Run forwards events until ctx is done. It returns immediately when no
// webhook is enabled.
func (d *WebhookForwarder) Run(ctx context.Context) error {
	if !d.anyEnabled() {
		return nil
	}
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *WebhookForwarder) anyEnabled() bool {
	for _, hook := range d.webhooks {
		if enabled(hook) {
			return true
		}
	}
	return false
}

func enabled(hook config.WebhookConfig) bool {
	if hook.Enabled != nil && !*hook.Enabled {
		return false
	}
	return strings.TrimSpace(hook.URL) != ""
}

func (d *WebhookForwarder) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if !enabled(hook) || ctx.Err() != nil {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookForwarder) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor, err := d.cursorFor(ctx, idx)
	if err != nil {
		d.log.Warn("webhook cursor init failed", "url", hook.URL, "error", err.Error())
		return
	}
	events, err := d.source.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.log.Warn("webhook fetch events failed", "error", err.Error())
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.log.Warn("webhook delivery failed", "url", hook.URL, "event_id", evt.ID, "error", err.Error())
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *WebhookForwarder) cursorFor(ctx context.Context, idx int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, nil
	}
	cur, err := d.source.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	d.cursors[idx] = cur
	return cur, nil
}

func (d *WebhookForwarder) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	CaseID     string          `json:"case_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *WebhookForwarder) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.AuditEvent) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.PayloadJSON != "" {
		if json.Valid([]byte(evt.PayloadJSON)) {
			payload = json.RawMessage([]byte(evt.PayloadJSON))
		} else {
			raw = evt.PayloadJSON
		}
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		CaseID:     evt.CaseID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Chaser-Event", evt.Type)
	req.Header.Set("X-Chaser-Delivery", fmt.Sprintf("%d", evt.ID))
	if evt.CaseID != "" {
		req.Header.Set("X-Chaser-Case", evt.CaseID)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Chaser-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
