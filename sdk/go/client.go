package chasersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal chaser HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Case represents the API case model (partial).
type Case struct {
	ID              string     `json:"id"`
	ClientID        string     `json:"client_id"`
	ProviderID      string     `json:"provider_id"`
	State           string     `json:"state"`
	PriorityScore   float64    `json:"priority_score"`
	SLADueAt        *time.Time `json:"sla_due_at,omitempty"`
	StateEnteredAt  time.Time  `json:"state_entered_at"`
	SignatureStatus string     `json:"signature_status"`
	Archived        bool       `json:"archived"`
	Version         int64      `json:"version"`
}

// NewCase holds the fields accepted when opening a case.
type NewCase struct {
	ID            string `json:"id,omitempty"`
	ClientID      string `json:"client_id"`
	ProviderID    string `json:"provider_id"`
	ClientName    string `json:"client_name,omitempty"`
	ClientAge     int    `json:"client_age,omitempty"`
	ClientContact string `json:"client_contact,omitempty"`
	ClientChannel string `json:"client_channel,omitempty"`
	State         string `json:"state,omitempty"`
}

// StateChange is one applied lifecycle transition.
type StateChange struct {
	CaseID string    `json:"case_id"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Event  string    `json:"event"`
	At     time.Time `json:"at"`
}

// LogEntry is one communication log record.
type LogEntry struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Category  string    `json:"category"`
	Channel   string    `json:"channel"`
	Direction string    `json:"direction"`
	At        time.Time `json:"at"`
	Outcome   string    `json:"outcome"`
	Sentiment string    `json:"sentiment,omitempty"`
	Intent    string    `json:"intent,omitempty"`
	Signals   []string  `json:"signals,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Document is a submitted file and its verification verdict.
type Document struct {
	ID         string   `json:"id"`
	CaseID     string   `json:"case_id"`
	Type       string   `json:"type"`
	FilePath   string   `json:"file_path"`
	Confidence *float64 `json:"confidence,omitempty"`
	Issues     []string `json:"issues"`
	Verdict    string   `json:"verdict"`
}

// FactFindEntry is a client still owing fact-find documents.
type FactFindEntry struct {
	ClientID   string   `json:"client_id"`
	ClientName string   `json:"client_name"`
	CaseIDs    []string `json:"case_ids"`
	Status     struct {
		Required int      `json:"required"`
		Received int      `json:"received"`
		Missing  []string `json:"missing"`
		Supplied []string `json:"supplied"`
	} `json:"status"`
}

// CycleSummary reports the outcome of one chase cycle.
type CycleSummary struct {
	Selected   int            `json:"selected"`
	Dispatched int            `json:"dispatched"`
	NoAction   int            `json:"no_action"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	Escalated  int            `json:"escalated"`
	ByCategory map[string]int `json:"by_category"`
}

// Event represents an audit log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	CaseID  string         `json:"case_id"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is taken from the error envelope
// when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// CreateCase opens a case.
func (c *Client) CreateCase(ctx context.Context, in NewCase) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, "cases", in, &resp)
	return resp, err
}

// GetCase fetches one case.
func (c *Client) GetCase(ctx context.Context, id string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodGet, "cases/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListCases lists open cases, optionally in one state.
func (c *Client) ListCases(ctx context.Context, state string) ([]Case, error) {
	endpoint := "cases"
	if state != "" {
		endpoint += "?state=" + url.QueryEscape(state)
	}
	var resp struct {
		Items []Case `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ApplyEvent applies a lifecycle event. next is only used to resolve a
// human review.
func (c *Client) ApplyEvent(ctx context.Context, caseID, eventType, next, reason string) (Case, StateChange, error) {
	body := map[string]any{"type": eventType}
	if next != "" {
		body["next"] = next
	}
	if reason != "" {
		body["reason"] = reason
	}
	var resp struct {
		Case   Case        `json:"case"`
		Change StateChange `json:"change"`
	}
	err := c.do(ctx, http.MethodPost, "cases/"+url.PathEscape(caseID)+"/events", body, &resp)
	return resp.Case, resp.Change, err
}

// RecordInbound records a reply. category is client_communication or
// provider_communication.
func (c *Client) RecordInbound(ctx context.Context, caseID, category, text string) (LogEntry, error) {
	body := map[string]any{"text": text}
	if category != "" {
		body["category"] = category
	}
	var resp LogEntry
	err := c.do(ctx, http.MethodPost, "cases/"+url.PathEscape(caseID)+"/inbound", body, &resp)
	return resp, err
}

// Logs returns the communication log of a case.
func (c *Client) Logs(ctx context.Context, caseID string) ([]LogEntry, error) {
	var resp struct {
		Items []LogEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "cases/"+url.PathEscape(caseID)+"/logs", nil, &resp)
	return resp.Items, err
}

// RegisterDocument registers a file already uploaded to storage.
func (c *Client) RegisterDocument(ctx context.Context, caseID, docType, filePath string) (Document, error) {
	body := map[string]any{
		"type":      docType,
		"file_path": filePath,
	}
	var resp Document
	err := c.do(ctx, http.MethodPost, "cases/"+url.PathEscape(caseID)+"/documents", body, &resp)
	return resp, err
}

// RunCycle triggers one chase cycle over at most batch cases.
func (c *Client) RunCycle(ctx context.Context, batch int) (CycleSummary, error) {
	var resp CycleSummary
	err := c.do(ctx, http.MethodPost, "cycles", map[string]any{"batch": batch}, &resp)
	return resp, err
}

// FactFindQueue lists clients owing fact-find documents, most missing first.
func (c *Client) FactFindQueue(ctx context.Context, limit int) ([]FactFindEntry, error) {
	endpoint := "fact-find/queue"
	if limit > 0 {
		endpoint += fmt.Sprintf("?limit=%d", limit)
	}
	var resp struct {
		Items []FactFindEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	root := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		return root + "/" + p
	}
	return root
}
