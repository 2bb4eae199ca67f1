package scoring

import (
	"time"

	"github.com/kgnguhan/agentic-chaser/internal/domain"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// DelayAssessment summarises how likely a case is to miss its SLA.
type DelayAssessment struct {
	CaseID            string    `json:"case_id"`
	Risk              RiskLevel `json:"risk" enum:"low,medium,high"`
	Score             float64   `json:"score"`
	DaysInState       int       `json:"days_in_state"`
	DaysPastSLA       int       `json:"days_past_sla"`
	SLADaysRemaining  *int      `json:"sla_days_remaining,omitempty"`
	Escalate          bool      `json:"escalate"`
	RecommendedAction string    `json:"recommended_action"`
}

// AssessDelay rates delay risk from the score and SLA position.
func AssessDelay(c domain.Case, score float64, now time.Time) DelayAssessment {
	a := DelayAssessment{
		CaseID:      c.ID,
		Score:       score,
		DaysInState: c.DaysInState(now),
		DaysPastSLA: c.DaysPastSLA(now),
	}
	overdue := a.DaysPastSLA > 0 || (c.SLADueAt != nil && now.After(*c.SLADueAt))
	if c.SLADueAt != nil && !overdue {
		left := int(c.SLADueAt.Sub(now) / (24 * time.Hour))
		a.SLADaysRemaining = &left
	}
	switch {
	case overdue || score > 70:
		a.Risk = RiskHigh
	case (a.SLADaysRemaining != nil && *a.SLADaysRemaining <= 3) || a.DaysInState > 7:
		a.Risk = RiskMedium
	default:
		a.Risk = RiskLow
	}
	a.Escalate = overdue || score > 70
	a.RecommendedAction = recommend(c.State, a.Risk)
	return a
}

func recommend(s domain.State, risk RiskLevel) string {
	switch s {
	case domain.StateComplete:
		return "none, case complete"
	case domain.StateNeedsHumanReview, domain.StateStalled:
		return "advisor review required"
	}
	switch risk {
	case RiskHigh:
		if s.InProvider() {
			return "escalate to provider by phone and trigger portal check"
		}
		return "call the client today"
	case RiskMedium:
		return "send a proactive reminder"
	}
	return "monitor"
}
