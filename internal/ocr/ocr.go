// Package ocr extracts text and quality signals from document scans.
package ocr

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

var ErrEngineUnavailable = fmt.Errorf("ocr engine: %w", domain.ErrCollaboratorUnavailable)

// Extraction is the engine's reading of one file. Confidence is 0-100.
type Extraction struct {
	Confidence float64               `json:"confidence"`
	Text       string                `json:"text"`
	Issues     []domain.QualityIssue `json:"issues"`
}

type Engine interface {
	Extract(ctx context.Context, file []byte) (Extraction, error)
}

// Client posts raw file bytes to {BaseURL}/extract.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: &http.Client{Timeout: time.Minute}}
}

func (c *Client) Extract(ctx context.Context, file []byte) (Extraction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/extract", bytes.NewReader(file))
	if err != nil {
		return Extraction{}, err
	}
	req.Header.Set("Content-Type", http.DetectContentType(file))
	res, err := c.HTTP.Do(req)
	if err != nil {
		return Extraction{}, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		err := fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		if res.StatusCode >= 500 {
			return Extraction{}, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
		}
		return Extraction{}, err
	}
	var out Extraction
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return Extraction{}, fmt.Errorf("decode extraction: %w", err)
	}
	if out.Confidence < 0 || out.Confidence > 100 {
		return Extraction{}, fmt.Errorf("confidence %v out of range", out.Confidence)
	}
	return out, nil
}
