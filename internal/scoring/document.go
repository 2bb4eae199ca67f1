package scoring

import (
	"fmt"
	"strings"

	"github.com/kgnguhan/agentic-chaser/internal/config"
	"github.com/kgnguhan/agentic-chaser/internal/domain"
)

// Verdict is the outcome of document verification.
type Verdict struct {
	Accepted bool
	Reason   string
}

// Verifier applies per-type confidence floors. Identity documents use the
// stricter floor and any quality issue rejects regardless of confidence.
type Verifier struct {
	IdentityFloor float64
	DefaultFloor  float64
}

func NewVerifier(cfg config.Verification) Verifier {
	return Verifier{IdentityFloor: cfg.IdentityFloor, DefaultFloor: cfg.DefaultFloor}
}

func (v Verifier) Floor(t domain.DocumentType) float64 {
	if t.Identity() {
		return v.IdentityFloor
	}
	return v.DefaultFloor
}

func (v Verifier) VerifyDocument(confidence float64, issues []domain.QualityIssue, t domain.DocumentType) Verdict {
	if len(issues) > 0 {
		names := make([]string, 0, len(issues))
		for _, is := range issues {
			names = append(names, string(is))
		}
		return Verdict{Reason: "quality issues: " + strings.Join(names, ", ")}
	}
	if floor := v.Floor(t); confidence < floor {
		return Verdict{Reason: fmt.Sprintf("confidence %.0f below %.0f required for %s", confidence, floor, t)}
	}
	return Verdict{Accepted: true}
}
