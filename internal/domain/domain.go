package domain

import (
	"strings"
	"time"
)

// State is the lifecycle position of an LOA case.
type State string

const (
	StatePrepared               State = "prepared"
	StateClientSignaturePending State = "client_signature_pending"
	StateClientSigned           State = "client_signed"
	StateProviderSubmitted      State = "provider_submitted"
	StateProviderProcessing     State = "provider_processing"
	StateInformationReceived    State = "information_received"
	StateComplete               State = "complete"
	StateNeedsHumanReview       State = "needs_human_review"
	StateStalled                State = "stalled"
)

// States lists every member of the state set in lifecycle order.
var States = []State{
	StatePrepared,
	StateClientSignaturePending,
	StateClientSigned,
	StateProviderSubmitted,
	StateProviderProcessing,
	StateInformationReceived,
	StateComplete,
	StateNeedsHumanReview,
	StateStalled,
}

func (s State) Valid() bool {
	for _, v := range States {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no automatic transition leaves the state.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateNeedsHumanReview
}

// Side reports whether the state is one of the cross-cut side states.
func (s State) Side() bool {
	return s == StateNeedsHumanReview || s == StateStalled
}

func (s State) InProvider() bool {
	return s == StateProviderSubmitted || s == StateProviderProcessing
}

// ActionCategory is the kind of chase the decision engine picks.
type ActionCategory string

const (
	ActionNone                  ActionCategory = ""
	ActionClientCommunication   ActionCategory = "client_communication"
	ActionProviderCommunication ActionCategory = "provider_communication"
	ActionProviderRPA           ActionCategory = "provider_rpa"
	ActionDocumentVerification  ActionCategory = "document_verification"
)

var ActionCategories = []ActionCategory{
	ActionClientCommunication,
	ActionProviderCommunication,
	ActionProviderRPA,
	ActionDocumentVerification,
}

func (a ActionCategory) Valid() bool {
	for _, v := range ActionCategories {
		if v == a {
			return true
		}
	}
	return false
}

type SignatureStatus string

const (
	SignaturePending SignatureStatus = "pending"
	SignatureSigned  SignatureStatus = "signed"
)

// ChaseAttempt holds cooldown and retry bookkeeping for one category of a
// case. Failures counts consecutive failed attempts and resets on success.
type ChaseAttempt struct {
	Count             int        `json:"count"`
	Failures          int        `json:"failures"`
	LastAttemptAt     *time.Time `json:"last_attempt_at,omitempty"`
	LastSuccessAt     *time.Time `json:"last_success_at,omitempty"`
	LastFailureReason string     `json:"last_failure_reason,omitempty"`
}

// WithinCooldown reports whether the last attempt is closer to now than window.
func (a ChaseAttempt) WithinCooldown(now time.Time, window time.Duration) bool {
	if a.LastAttemptAt == nil || window <= 0 {
		return false
	}
	return now.Sub(*a.LastAttemptAt) < window
}

// Case is an LOA case snapshot.
type Case struct {
	ID              string                          `json:"id"`
	ClientID        string                          `json:"client_id"`
	ProviderID      string                          `json:"provider_id"`
	State           State                           `json:"state" enum:"prepared,client_signature_pending,client_signed,provider_submitted,provider_processing,information_received,complete,needs_human_review,stalled"`
	PriorityScore   float64                         `json:"priority_score"`
	SLADueAt        *time.Time                      `json:"sla_due_at,omitempty"`
	StateEnteredAt  time.Time                       `json:"state_entered_at"`
	SignatureStatus SignatureStatus                 `json:"signature_status"`
	Attempts        map[ActionCategory]ChaseAttempt `json:"attempts"`
	Archived        bool                            `json:"archived"`
	Version         int64                           `json:"version"`

	ClientName      string  `json:"client_name,omitempty"`
	ClientAge       int     `json:"client_age,omitempty"`
	ClientContact   string  `json:"client_contact,omitempty"`
	ClientChannel   Channel `json:"client_channel,omitempty"`
	DocumentQuality float64 `json:"document_quality"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Filled by the store on reads; never persisted on the case row.
	PendingDocuments int       `json:"pending_documents"`
	LatestSentiment  Sentiment `json:"latest_sentiment,omitempty"`
}

// DaysInState returns whole days elapsed since the case entered its state.
func (c Case) DaysInState(now time.Time) int {
	if c.StateEnteredAt.IsZero() || now.Before(c.StateEnteredAt) {
		return 0
	}
	return int(now.Sub(c.StateEnteredAt) / (24 * time.Hour))
}

// DaysPastSLA returns whole days the case is overdue, or 0.
func (c Case) DaysPastSLA(now time.Time) int {
	if c.SLADueAt == nil || !now.After(*c.SLADueAt) {
		return 0
	}
	return int(now.Sub(*c.SLADueAt) / (24 * time.Hour))
}

// Attempt returns the bookkeeping for a category, zero if none.
func (c Case) Attempt(cat ActionCategory) ChaseAttempt {
	if c.Attempts == nil {
		return ChaseAttempt{}
	}
	return c.Attempts[cat]
}

// Clone returns a copy that shares no mutable state with c.
func (c Case) Clone() Case {
	out := c
	out.Attempts = make(map[ActionCategory]ChaseAttempt, len(c.Attempts))
	for k, v := range c.Attempts {
		out.Attempts[k] = v
	}
	if c.SLADueAt != nil {
		t := *c.SLADueAt
		out.SLADueAt = &t
	}
	return out
}

type DocumentType string

const (
	DocPassport       DocumentType = "passport"
	DocDrivingLicence DocumentType = "driving_licence"
	DocUtilityBill    DocumentType = "utility_bill"
	DocP60            DocumentType = "p60"
	DocPayslip        DocumentType = "payslip"
	DocBankStatement  DocumentType = "bank_statement"
	DocCouncilTax     DocumentType = "council_tax"
	DocPensionStmt    DocumentType = "pension_statement"
	DocInvestmentStmt DocumentType = "investment_statement"
	DocProtection     DocumentType = "protection_policy"
	DocSignedLOA      DocumentType = "signed_loa"
	DocOther          DocumentType = "other"
)

var DocumentTypes = []DocumentType{
	DocPassport, DocDrivingLicence, DocUtilityBill, DocP60, DocPayslip, DocBankStatement,
	DocCouncilTax, DocPensionStmt, DocInvestmentStmt, DocProtection, DocSignedLOA, DocOther,
}

// Identity reports whether the type is an identity document.
func (t DocumentType) Identity() bool {
	return t == DocPassport || t == DocDrivingLicence
}

// ParseDocumentType accepts the stored value or a human label like "Driving Licence".
func ParseDocumentType(s string) DocumentType {
	t := DocumentType(docTypeReplacer.Replace(strings.ToLower(strings.TrimSpace(s))))
	if t == "driving_license" {
		return DocDrivingLicence
	}
	for _, v := range DocumentTypes {
		if v == t {
			return t
		}
	}
	return DocOther
}

var docTypeReplacer = strings.NewReplacer(" ", "_", "-", "_")

type QualityIssue string

const (
	IssueBlurry        QualityIssue = "blurry"
	IssueDamaged       QualityIssue = "damaged"
	IssuePartial       QualityIssue = "partial"
	IssueWrongDocument QualityIssue = "wrong_document"
	IssueExpired       QualityIssue = "expired"
)

type Verdict string

const (
	VerdictPending  Verdict = "pending"
	VerdictAccepted Verdict = "accepted"
	VerdictRejected Verdict = "rejected"
)

// Document is an uploaded document submission for a case.
type Document struct {
	ID              string         `json:"id"`
	CaseID          string         `json:"case_id"`
	Type            DocumentType   `json:"type"`
	FilePath        string         `json:"file_path"`
	Confidence      *float64       `json:"confidence,omitempty"`
	Issues          []QualityIssue `json:"issues"`
	Verdict         Verdict        `json:"verdict" enum:"pending,accepted,rejected"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	StoredPath      string         `json:"stored_path,omitempty"`
	UploadedAt      time.Time      `json:"uploaded_at"`
	VerifiedAt      *time.Time     `json:"verified_at,omitempty"`
}

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelPhone    Channel = "phone"
	ChannelPortal   Channel = "portal"
	ChannelSystem   Channel = "system"
)

type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

type Sentiment string

const (
	SentimentNone       Sentiment = ""
	SentimentPositive   Sentiment = "positive"
	SentimentNeutral    Sentiment = "neutral"
	SentimentConfused   Sentiment = "confused"
	SentimentFrustrated Sentiment = "frustrated"
)

func (s Sentiment) Valid() bool {
	switch s {
	case SentimentNone, SentimentPositive, SentimentNeutral, SentimentConfused, SentimentFrustrated:
		return true
	}
	return false
}

// LogEntry is one append-only communication attempt record.
type LogEntry struct {
	ID        string         `json:"id"`
	CaseID    string         `json:"case_id"`
	Seq       int64          `json:"seq"`
	Category  ActionCategory `json:"category"`
	Channel   Channel        `json:"channel"`
	Direction Direction      `json:"direction" enum:"outbound,inbound"`
	At        time.Time      `json:"at"`
	Outcome   Outcome        `json:"outcome" enum:"success,failed,skipped"`
	Sentiment Sentiment      `json:"sentiment,omitempty"`
	Intent    Intent         `json:"intent,omitempty"`
	Signals   []string       `json:"signals,omitempty"`
	Detail    string         `json:"detail,omitempty"`
}

// HasSignal reports whether a parsed reply carried the completion signal.
func (l LogEntry) HasSignal(signal string) bool {
	for _, s := range l.Signals {
		if s == signal {
			return true
		}
	}
	return false
}

// Intent is what a parsed inbound reply is about.
type Intent string

const (
	IntentUnknown            Intent = "unknown"
	IntentSignedAndReturning Intent = "signed_and_returning"
	IntentDocumentsSent      Intent = "documents_sent"
	IntentQuestion           Intent = "question"
	IntentDelay              Intent = "delay_explanation"
	IntentComplaint          Intent = "complaint"
	IntentConfirmation       Intent = "confirmation"
	IntentOther              Intent = "other"
)

var Intents = []Intent{
	IntentUnknown, IntentSignedAndReturning, IntentDocumentsSent, IntentQuestion,
	IntentDelay, IntentComplaint, IntentConfirmation, IntentOther,
}

// ParseIntent maps free text onto the intent set; anything unrecognised is other.
func ParseIntent(s string) Intent {
	t := Intent(strings.ToLower(strings.TrimSpace(s)))
	for _, v := range Intents {
		if v == t {
			return t
		}
	}
	return IntentOther
}

// Completion signals found in replies.
const (
	SignalSigned   = "signed"
	SignalAttached = "attached"
	SignalSent     = "sent"
)

// StateChange is the audit record of one applied transition.
type StateChange struct {
	CaseID string    `json:"case_id"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Event  EventType `json:"event"`
	At     time.Time `json:"at"`
}

// AuditEvent is a row from the events table.
type AuditEvent struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	CaseID      string `json:"case_id,omitempty"`
	ActorID     string `json:"actor_id"`
	PayloadJSON string `json:"payload"`
}

// CycleSummary reports what one chase cycle did.
type CycleSummary struct {
	Selected   int                    `json:"selected"`
	Dispatched int                    `json:"dispatched"`
	NoAction   int                    `json:"no_action"`
	Failed     int                    `json:"failed"`
	Skipped    int                    `json:"skipped"`
	Escalated  int                    `json:"escalated"`
	ByCategory map[ActionCategory]int `json:"by_category"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
}

// CaseUpdate is everything one dispatch or transition writes for a case.
// The store applies it atomically and rejects it when the stored version
// no longer matches ExpectedVersion.
type CaseUpdate struct {
	Case            Case
	ExpectedVersion int64
	Logs            []LogEntry
	Documents       []Document
	Changes         []StateChange
	Actor           string
}
