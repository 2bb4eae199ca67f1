package server

import (
	"encoding/json"
	"time"

	"github.com/kgnguhan/agentic-chaser/internal/domain"
	"github.com/kgnguhan/agentic-chaser/internal/factfind"
)

// Request payloads

type CreateCaseRequest struct {
	ID            string `json:"id,omitempty"`
	ClientID      string `json:"client_id"`
	ProviderID    string `json:"provider_id"`
	ClientName    string `json:"client_name,omitempty"`
	ClientAge     int    `json:"client_age,omitempty"`
	ClientContact string `json:"client_contact,omitempty"`
	ClientChannel string `json:"client_channel,omitempty" enum:"email,sms,whatsapp,phone"`
	State         string `json:"state,omitempty" enum:"prepared,client_signature_pending,client_signed,provider_submitted,provider_processing,information_received"`
}

type CaseEventRequest struct {
	Type   string `json:"type" enum:"loa_issued,signature_received,document_accepted,submitted_to_provider,provider_acknowledged,information_received,case_closed,retry_exhausted,grace_expired,escalation_requested,human_review_resolved"`
	Next   string `json:"next,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type InboundRequest struct {
	Category string `json:"category,omitempty" enum:"client_communication,provider_communication"`
	Channel  string `json:"channel,omitempty"`
	Text     string `json:"text"`
}

type RegisterDocumentRequest struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"`
	FilePath string `json:"file_path"`
}

type RunCycleRequest struct {
	Batch int `json:"batch,omitempty" minimum:"0"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Responses

type TransitionResponse struct {
	Case   domain.Case        `json:"case"`
	Change domain.StateChange `json:"change"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	CaseID  string         `json:"case_id,omitempty"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

type CycleResponse struct {
	Selected   int            `json:"selected"`
	Dispatched int            `json:"dispatched"`
	NoAction   int            `json:"no_action"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	Escalated  int            `json:"escalated"`
	ByCategory map[string]int `json:"by_category"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type caseList struct {
	Items []domain.Case `json:"items"`
}

type logList struct {
	Items []domain.LogEntry `json:"items"`
}

type documentList struct {
	Items []domain.Document `json:"items"`
}

type factFindQueue struct {
	Items []factfind.QueueEntry `json:"items"`
}

// Conversion helpers

func eventResponse(e domain.AuditEvent) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		CaseID:  e.CaseID,
		ActorID: e.ActorID,
		Payload: decodeJSONMap(strPtr(e.PayloadJSON)),
	}
}

func cycleResponse(s domain.CycleSummary) CycleResponse {
	by := make(map[string]int, len(s.ByCategory))
	for k, v := range s.ByCategory {
		by[string(k)] = v
	}
	return CycleResponse{
		Selected:   s.Selected,
		Dispatched: s.Dispatched,
		NoAction:   s.NoAction,
		Failed:     s.Failed,
		Skipped:    s.Skipped,
		Escalated:  s.Escalated,
		ByCategory: by,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
	}
}

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtr(in string) *string {
	return &in
}
