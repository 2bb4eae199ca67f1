// Package lifecycle holds the LOA case transition table and the pure
// function that applies typed events to case snapshots.
package lifecycle

import (
	"github.com/kgnguhan/agentic-chaser/internal/domain"
)

// forward maps a state and event to the next state on the main line.
var forward = map[domain.State]map[domain.EventType]domain.State{
	domain.StatePrepared: {
		domain.EventLOAIssued: domain.StateClientSignaturePending,
	},
	domain.StateClientSignaturePending: {
		domain.EventSignatureReceived: domain.StateClientSigned,
		domain.EventDocumentAccepted:  domain.StateClientSigned,
	},
	domain.StateClientSigned: {
		domain.EventSubmittedToProvider: domain.StateProviderSubmitted,
	},
	domain.StateProviderSubmitted: {
		domain.EventProviderAcknowledged: domain.StateProviderProcessing,
	},
	domain.StateProviderProcessing: {
		domain.EventProviderAcknowledged: domain.StateProviderProcessing,
		domain.EventInformationReceived:  domain.StateInformationReceived,
	},
	domain.StateInformationReceived: {
		domain.EventCaseClosed: domain.StateComplete,
	},
}

// mainLine are the states a human review may resume into.
var mainLine = map[domain.State]struct{}{
	domain.StatePrepared:               {},
	domain.StateClientSignaturePending: {},
	domain.StateClientSigned:           {},
	domain.StateProviderSubmitted:      {},
	domain.StateProviderProcessing:     {},
	domain.StateInformationReceived:    {},
	domain.StateComplete:               {},
}

// Target resolves the state an event leads to, or false if it is illegal.
func Target(from domain.State, ev domain.CaseEvent) (domain.State, bool) {
	if !from.Valid() {
		return "", false
	}
	switch ev.Type {
	case domain.EventRetryExhausted:
		if from.Terminal() || from == domain.StateStalled {
			return "", false
		}
		return domain.StateStalled, true
	case domain.EventGraceExpired:
		if from != domain.StateStalled {
			return "", false
		}
		return domain.StateNeedsHumanReview, true
	case domain.EventEscalationRequested:
		if from.Terminal() {
			return "", false
		}
		return domain.StateNeedsHumanReview, true
	case domain.EventHumanReviewResolved:
		if !from.Side() {
			return "", false
		}
		if _, ok := mainLine[ev.Next]; !ok {
			return "", false
		}
		return ev.Next, true
	}
	next, ok := forward[from][ev.Type]
	return next, ok
}

// Permits reports whether an event type is legal from a state. Human
// review resolution is checked against an arbitrary main-line target.
func Permits(from domain.State, t domain.EventType) bool {
	ev := domain.CaseEvent{Type: t}
	if t == domain.EventHumanReviewResolved {
		ev.Next = domain.StatePrepared
	}
	_, ok := Target(from, ev)
	return ok
}

// Reachable reports whether some single event moves from one state to another.
func Reachable(from, to domain.State) bool {
	if next, ok := forward[from]; ok {
		for _, s := range next {
			if s == to {
				return true
			}
		}
	}
	switch to {
	case domain.StateStalled:
		return !from.Terminal() && from != domain.StateStalled
	case domain.StateNeedsHumanReview:
		return !from.Terminal()
	}
	if from.Side() {
		_, ok := mainLine[to]
		return ok
	}
	return false
}

// CategoriesFor lists the action categories whose chase history belongs to a state.
func CategoriesFor(s domain.State) []domain.ActionCategory {
	switch s {
	case domain.StatePrepared, domain.StateClientSignaturePending, domain.StateInformationReceived:
		return []domain.ActionCategory{domain.ActionClientCommunication}
	case domain.StateClientSigned:
		return []domain.ActionCategory{domain.ActionProviderRPA}
	case domain.StateProviderSubmitted, domain.StateProviderProcessing:
		return []domain.ActionCategory{domain.ActionProviderCommunication, domain.ActionProviderRPA}
	}
	return nil
}

// CategoryFor returns the primary chase category of a state.
func CategoryFor(s domain.State) domain.ActionCategory {
	if cats := CategoriesFor(s); len(cats) > 0 {
		return cats[0]
	}
	return domain.ActionNone
}

// DefaultSLADays is used when Machine.SLADays is nil or returns zero.
const DefaultSLADays = 15

// Machine applies events. The zero value uses DefaultSLADays for every provider.
type Machine struct {
	SLADays func(providerID string) int
}

func (m Machine) slaDays(providerID string) int {
	if m.SLADays != nil {
		if d := m.SLADays(providerID); d > 0 {
			return d
		}
	}
	return DefaultSLADays
}

// Apply returns the snapshot after ev, plus the audit record. The input
// snapshot is not modified. Chase history of the state being left is
// reset; other categories keep their last-chase timestamps. The SLA due
// time is set once, on first entering provider submission.
func (m Machine) Apply(c domain.Case, ev domain.CaseEvent) (domain.Case, domain.StateChange, error) {
	next, ok := Target(c.State, ev)
	if !ok {
		return c, domain.StateChange{}, &domain.InvalidTransitionError{From: c.State, Event: ev.Type, Next: ev.Next}
	}
	out := c.Clone()
	change := domain.StateChange{CaseID: c.ID, From: c.State, To: next, Event: ev.Type, At: ev.At}
	if next == c.State {
		// provider self-loop: same chase context, same clock
		out.UpdatedAt = ev.At
		return out, change, nil
	}
	for _, cat := range CategoriesFor(c.State) {
		delete(out.Attempts, cat)
	}
	out.State = next
	out.StateEnteredAt = ev.At
	out.UpdatedAt = ev.At
	out.Archived = next.Terminal()
	switch next {
	case domain.StateClientSigned:
		out.SignatureStatus = domain.SignatureSigned
	case domain.StateProviderSubmitted:
		if out.SLADueAt == nil {
			due := ev.At.AddDate(0, 0, m.slaDays(c.ProviderID))
			out.SLADueAt = &due
		}
	}
	return out, change, nil
}
