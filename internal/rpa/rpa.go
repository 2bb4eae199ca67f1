// Package rpa talks to the provider portal automation service.
package rpa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kgnguhan/agentic-chaser/internal/domain"
)

type Action string

const (
	ActionSubmitLOA         Action = "submit_loa"
	ActionCheckStatus       Action = "check_status"
	ActionDownloadDocuments Action = "download_documents"
)

// Portal statuses reported by check_status.
const (
	StatusProcessing       = "processing"
	StatusInformationReady = "information_ready"
	StatusRejected         = "rejected"
)

type Request struct {
	Action     Action `json:"action"`
	CaseID     string `json:"case_id"`
	ClientID   string `json:"client_id"`
	ProviderID string `json:"provider_id"`
	Reference  string `json:"reference,omitempty"`
}

type Result struct {
	Success   bool     `json:"success"`
	Status    string   `json:"status,omitempty"`
	Reference string   `json:"reference,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Files     []string `json:"files,omitempty"`
}

// Executor runs one portal action.
type Executor interface {
	Submit(ctx context.Context, req Request) (Result, error)
}

// Client posts actions as JSON to {BaseURL}/actions.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 15 * time.Minute},
	}
}

func (c *Client) Submit(ctx context.Context, req Request) (Result, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/actions", bytes.NewReader(data))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.Token)
	}
	res, err := c.HTTP.Do(httpReq)
	if err != nil {
		return Result{}, domain.Unavailable("rpa", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return Result{}, domain.Unavailable("rpa", fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body))))
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return Result{}, fmt.Errorf("rpa %s: status %d: %s", req.Action, res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out Result
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode rpa result: %w", err)
	}
	return out, nil
}
