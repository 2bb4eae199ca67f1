package scoring

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/kgnguhan/agentic-chaser/internal/config"
	"github.com/kgnguhan/agentic-chaser/internal/domain"
)

var now = time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)

func TestVerifierThresholds(t *testing.T) {
	v := NewVerifier(config.Default().Verification)
	cases := []struct {
		name   string
		typ    domain.DocumentType
		conf   float64
		issues []domain.QualityIssue
		accept bool
	}{
		{"passport below identity floor", domain.DocPassport, 88, nil, false},
		{"utility bill above default floor", domain.DocUtilityBill, 88, nil, true},
		{"licence at floor", domain.DocDrivingLicence, 90, nil, true},
		{"payslip too low", domain.DocPayslip, 65, nil, false},
		{"issue forces rejection", domain.DocBankStatement, 99, []domain.QualityIssue{domain.IssueBlurry}, false},
	}
	for _, tc := range cases {
		got := v.VerifyDocument(tc.conf, tc.issues, tc.typ)
		if got.Accepted != tc.accept {
			t.Fatalf("%s: accepted=%v reason=%q", tc.name, got.Accepted, got.Reason)
		}
		if !got.Accepted && got.Reason == "" {
			t.Fatalf("%s: rejection without reason", tc.name)
		}
	}
	if r := v.VerifyDocument(99, []domain.QualityIssue{domain.IssueExpired, domain.IssuePartial}, domain.DocPassport); !strings.Contains(r.Reason, "expired, partial") {
		t.Fatalf("reason should list issues: %q", r.Reason)
	}
}

func TestLinearScore(t *testing.T) {
	l := NewLinear(config.Default().Scheduler)
	base := l.Score(Features{DaysInState: 1, DocumentQuality: 75})
	older := l.Score(Features{DaysInState: 10, DocumentQuality: 75})
	if older <= base {
		t.Fatalf("more days should raise score: %v <= %v", older, base)
	}
	aged := l.Score(Features{DaysInState: 1, DocumentQuality: 75, ClientAge55Plus: true})
	if aged <= base {
		t.Fatalf("age flag should raise score")
	}
	frustrated := l.Score(Features{DaysInState: 1, DocumentQuality: 75, Sentiment: domain.SentimentFrustrated})
	if math.Abs(frustrated-base-8) > 1e-9 {
		t.Fatalf("frustration delta = %v", frustrated-base)
	}
	if s := l.Score(Features{DaysInState: 400, DaysPastSLA: 300}); s != 100 {
		t.Fatalf("score must clamp at 100, got %v", s)
	}
	if s := (Linear{Intercept: -50}).Score(Features{}); s != 0 {
		t.Fatalf("score must clamp at 0, got %v", s)
	}
}

func TestFeaturesOfDefaultsQuality(t *testing.T) {
	due := now.Add(-3 * 24 * time.Hour)
	c := domain.Case{StateEnteredAt: now.Add(-20 * 24 * time.Hour), SLADueAt: &due, ClientAge: 61}
	f := FeaturesOf(c, now)
	if f.DocumentQuality != DefaultDocumentQuality || f.DaysInState != 20 || f.DaysPastSLA != 3 || !f.ClientAge55Plus {
		t.Fatalf("unexpected features %+v", f)
	}
}

func TestClassifySentiment(t *testing.T) {
	cases := map[string]domain.Sentiment{
		"":                                         domain.SentimentNone,
		"This is ridiculous, I sent it twice":      domain.SentimentFrustrated,
		"I'm not sure which page to sign":          domain.SentimentConfused,
		"Thanks, signed and posted":                domain.SentimentPositive,
		"Posted today":                             domain.SentimentNeutral,
		"Thanks but I am fed up with this process": domain.SentimentFrustrated,
	}
	for text, want := range cases {
		if got := ClassifySentiment(text); got != want {
			t.Fatalf("%q: got %q want %q", text, got, want)
		}
	}
}

func TestAssessDelay(t *testing.T) {
	overdue := now.Add(-24 * time.Hour)
	c := domain.Case{ID: "c1", State: domain.StateProviderProcessing, StateEnteredAt: now.Add(-20 * 24 * time.Hour), SLADueAt: &overdue}
	a := AssessDelay(c, 40, now)
	if a.Risk != RiskHigh || !a.Escalate || a.SLADaysRemaining != nil {
		t.Fatalf("overdue case should be high risk: %+v", a)
	}
	soon := now.Add(2 * 24 * time.Hour)
	c.SLADueAt = &soon
	c.StateEnteredAt = now.Add(-2 * 24 * time.Hour)
	if a := AssessDelay(c, 30, now); a.Risk != RiskMedium || a.Escalate {
		t.Fatalf("near SLA should be medium: %+v", a)
	}
	c.SLADueAt = nil
	c.State = domain.StateClientSignaturePending
	if a := AssessDelay(c, 30, now); a.Risk != RiskLow || a.RecommendedAction != "monitor" {
		t.Fatalf("fresh case should be low: %+v", a)
	}
}
