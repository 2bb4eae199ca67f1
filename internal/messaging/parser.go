package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kgnguhan/agentic-chaser/internal/domain"
)

// Parsed is the structured reading of a client or provider reply.
type Parsed struct {
	Intent           domain.Intent `json:"intent"`
	KeyFacts         []string      `json:"key_facts"`
	ActionItems      []string      `json:"action_items"`
	ContainsQuestion bool          `json:"contains_question"`
	Signals          []string      `json:"completion_signals"`
	Summary          string        `json:"summary"`
}

// Parser reads a reply. audience is who sent it.
type Parser interface {
	Parse(ctx context.Context, text string, audience Audience) (Parsed, error)
}

// KeywordParser is the offline parser. It never fails.
type KeywordParser struct{}

var (
	delayWords     = []string{"delay", "backlog", "next week", "working on", "in progress", "bear with"}
	complaintWords = []string{"complain", "unacceptable", "ridiculous", "fed up", "not happy"}
	confirmWords   = []string{"confirm", "received", "thank", "all done", "completed"}
)

func (KeywordParser) Parse(_ context.Context, text string, _ Audience) (Parsed, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Parsed{Intent: domain.IntentUnknown, KeyFacts: []string{}, ActionItems: []string{}, Signals: []string{}}, nil
	}
	p := Parsed{
		KeyFacts:         []string{},
		ActionItems:      []string{},
		ContainsQuestion: strings.Contains(text, "?"),
		Signals:          CompletionSignals(text),
		Summary:          abbreviate(text, 200),
	}
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, complaintWords):
		p.Intent = domain.IntentComplaint
	case hasSignal(p.Signals, domain.SignalSigned):
		p.Intent = domain.IntentSignedAndReturning
	case len(p.Signals) > 0:
		p.Intent = domain.IntentDocumentsSent
	case p.ContainsQuestion:
		p.Intent = domain.IntentQuestion
	case containsAny(lower, delayWords):
		p.Intent = domain.IntentDelay
	case containsAny(lower, confirmWords):
		p.Intent = domain.IntentConfirmation
	default:
		p.Intent = domain.IntentOther
	}
	return p, nil
}

// CompletionSignals finds "signed", "attached" and "sent" style wording.
func CompletionSignals(text string) []string {
	lower := strings.ToLower(text)
	signals := []string{}
	if containsAny(lower, []string{"signed", "signature"}) {
		signals = append(signals, domain.SignalSigned)
	}
	if containsAny(lower, []string{"attach", "enclosed"}) {
		signals = append(signals, domain.SignalAttached)
	}
	if containsAny(lower, []string{"sent", "posted", "uploaded"}) {
		signals = append(signals, domain.SignalSent)
	}
	return signals
}

// ParserFallback uses Secondary when Primary is unavailable or returns
// something that cannot be read.
type ParserFallback struct {
	Primary   Parser
	Secondary Parser
}

func (f ParserFallback) Parse(ctx context.Context, text string, audience Audience) (Parsed, error) {
	if f.Primary != nil {
		p, err := f.Primary.Parse(ctx, text, audience)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, domain.ErrCollaboratorUnavailable) && !errors.Is(err, ErrUnreadableReply) {
			return Parsed{}, err
		}
	}
	if f.Secondary == nil {
		return Parsed{}, ErrGenerationUnavailable
	}
	return f.Secondary.Parse(ctx, text, audience)
}

// ErrUnreadableReply is returned when a model answer holds no JSON object.
var ErrUnreadableReply = errors.New("reply parse returned no json")

// decodeParsed pulls the first JSON object out of a model answer.
func decodeParsed(answer string) (Parsed, error) {
	start := strings.Index(answer, "{")
	end := strings.LastIndex(answer, "}")
	if start < 0 || end <= start {
		return Parsed{}, ErrUnreadableReply
	}
	var raw struct {
		Intent           string   `json:"intent"`
		KeyFacts         []string `json:"key_facts"`
		ActionItems      []string `json:"action_items"`
		ContainsQuestion bool     `json:"contains_question"`
		Signals          []string `json:"completion_signals"`
		Summary          string   `json:"summary"`
	}
	if err := json.Unmarshal([]byte(answer[start:end+1]), &raw); err != nil {
		return Parsed{}, fmt.Errorf("%w: %v", ErrUnreadableReply, err)
	}
	p := Parsed{
		Intent:           domain.ParseIntent(raw.Intent),
		KeyFacts:         nonNil(raw.KeyFacts),
		ActionItems:      nonNil(raw.ActionItems),
		ContainsQuestion: raw.ContainsQuestion,
		Signals:          []string{},
		Summary:          strings.TrimSpace(raw.Summary),
	}
	for _, s := range raw.Signals {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			p.Signals = append(p.Signals, s)
		}
	}
	return p, nil
}

// ParsePrompt is the instruction the model parses a reply with.
func ParsePrompt(text string, audience Audience) string {
	var b strings.Builder
	b.WriteString("You are a UK financial advice operations assistant. Parse the following message from a ")
	b.WriteString(string(audience))
	b.WriteString(" into structured data.\n")
	b.WriteString("Respond with a single JSON object only. Keys:\n")
	b.WriteString(`- "intent": one of signed_and_returning, documents_sent, question, delay_explanation, complaint, confirmation, other` + "\n")
	b.WriteString(`- "key_facts": array of short fact strings` + "\n")
	b.WriteString(`- "action_items": array of actions we or they need to take` + "\n")
	b.WriteString(`- "contains_question": true if they asked a question` + "\n")
	b.WriteString(`- "completion_signals": array with any of "signed", "attached", "sent"` + "\n")
	b.WriteString(`- "summary": one short sentence` + "\n\n")
	b.WriteString("Message:\n")
	b.WriteString(text)
	return b.String()
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func hasSignal(signals []string, want string) bool {
	for _, s := range signals {
		if s == want {
			return true
		}
	}
	return false
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func abbreviate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
