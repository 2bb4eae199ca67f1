package domain

import "time"

// EventType names a typed lifecycle event.
type EventType string

const (
	EventLOAIssued            EventType = "loa_issued"
	EventSignatureReceived    EventType = "signature_received"
	EventDocumentAccepted     EventType = "document_accepted"
	EventSubmittedToProvider  EventType = "submitted_to_provider"
	EventProviderAcknowledged EventType = "provider_acknowledged"
	EventInformationReceived  EventType = "information_received"
	EventCaseClosed           EventType = "case_closed"
	EventRetryExhausted       EventType = "retry_exhausted"
	EventGraceExpired         EventType = "grace_expired"
	EventEscalationRequested  EventType = "escalation_requested"
	EventHumanReviewResolved  EventType = "human_review_resolved"
)

// CaseEvent is an event applied to a case at a point in time.
// Next is only meaningful for EventHumanReviewResolved.
type CaseEvent struct {
	Type   EventType `json:"type"`
	Next   State     `json:"next,omitempty"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

func NewEvent(t EventType, at time.Time) CaseEvent {
	return CaseEvent{Type: t, At: at}
}

// HumanReviewResolved resumes a stalled or escalated case at next.
func HumanReviewResolved(next State, at time.Time) CaseEvent {
	return CaseEvent{Type: EventHumanReviewResolved, Next: next, At: at}
}
