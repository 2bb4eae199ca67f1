// Package decision maps a case snapshot to the next chase action with an
// ordered rule table. Evaluation is pure: the clock is always injected.
package decision

import (
	"fmt"
	"time"

	"github.com/kgnguhan/agentic-chaser/internal/config"
	"github.com/kgnguhan/agentic-chaser/internal/domain"
)

// Decision is the chosen category (ActionNone for no action) and why.
type Decision struct {
	Category domain.ActionCategory `json:"category"`
	Rule     string                `json:"rule"`
	Reason   string                `json:"reason"`
}

func (d Decision) None() bool { return d.Category == domain.ActionNone }

// Input is everything a rule may look at.
type Input struct {
	Case      domain.Case
	Documents []domain.Document
	History   []domain.LogEntry
	Now       time.Time
}

type rule struct {
	name  string
	guard func(e Engine, in Input) (Decision, bool)
}

// Engine evaluates the rule table top to bottom; the first match wins.
type Engine struct {
	cfg        config.Decision
	slaDays    func(providerID string) int
	retryBound int
	rules      []rule
}

// New builds the engine. slaDays resolves a provider's SLA threshold in days.
func New(cfg config.Decision, retryBound int, slaDays func(providerID string) int) Engine {
	if slaDays == nil {
		slaDays = func(string) int { return cfg.DefaultSLADays }
	}
	return Engine{cfg: cfg, slaDays: slaDays, retryBound: retryBound, rules: defaultRules}
}

// FromConfig wires the engine from the full config.
func FromConfig(cfg *config.Config) Engine {
	return New(cfg.Decision, cfg.Dispatch.MaxAttempts, cfg.SLADays)
}

var defaultRules = []rule{
	{"pending-document", pendingDocument},
	{"awaiting-client-return", awaitingClientReturn},
	{"client-signature-nudge", clientSignatureNudge},
	{"provider-sla-chase", providerSLAChase},
	{"send-loa", sendLOA},
	{"submit-to-provider", submitToProvider},
	{"notify-information-received", notifyInformationReceived},
}

// Decide is the entry point used by the cycle controller.
func (e Engine) Decide(c domain.Case, docs []domain.Document, history []domain.LogEntry, now time.Time) Decision {
	in := Input{Case: c, Documents: docs, History: history, Now: now}
	if c.Archived || c.State.Terminal() || c.State == domain.StateStalled {
		return Decision{Rule: "inactive", Reason: fmt.Sprintf("case is %s", c.State)}
	}
	for _, r := range e.rules {
		if d, ok := r.guard(e, in); ok {
			d.Rule = r.name
			return d
		}
	}
	return Decision{Rule: "progressing", Reason: "within SLA, nothing to chase"}
}

// Ready reports whether a category may be attempted now: outside its
// cooldown and below the retry bound.
func (e Engine) Ready(c domain.Case, cat domain.ActionCategory, now time.Time) bool {
	a := c.Attempt(cat)
	if e.retryBound > 0 && a.Failures >= e.retryBound {
		return false
	}
	return !a.WithinCooldown(now, e.cfg.Cooldown(cat))
}

func pendingDocument(_ Engine, in Input) (Decision, bool) {
	for _, d := range in.Documents {
		if d.Verdict == domain.VerdictPending {
			return Decision{Category: domain.ActionDocumentVerification, Reason: fmt.Sprintf("document %s awaiting verification", d.ID)}, true
		}
	}
	return Decision{}, false
}

// awaitingClientReturn holds off the signature nudge while a client who
// said they signed has had less than a client cooldown to send it back.
func awaitingClientReturn(e Engine, in Input) (Decision, bool) {
	if in.Case.State != domain.StateClientSignaturePending {
		return Decision{}, false
	}
	reply, ok := LatestClientReply(in.History)
	if !ok || !reply.HasSignal(domain.SignalSigned) {
		return Decision{}, false
	}
	if in.Now.Sub(reply.At) >= e.cfg.ClientCooldown {
		return Decision{}, false
	}
	return Decision{Reason: fmt.Sprintf("client said signed on %s, awaiting return", reply.At.UTC().Format("2006-01-02"))}, true
}

func clientSignatureNudge(e Engine, in Input) (Decision, bool) {
	c := in.Case
	if c.State != domain.StateClientSignaturePending || c.DaysInState(in.Now) <= 0 {
		return Decision{}, false
	}
	if !e.Ready(c, domain.ActionClientCommunication, in.Now) {
		return Decision{}, false
	}
	return Decision{Category: domain.ActionClientCommunication, Reason: fmt.Sprintf("signature pending for %d days", c.DaysInState(in.Now))}, true
}

func providerSLAChase(e Engine, in Input) (Decision, bool) {
	c := in.Case
	if !c.State.InProvider() {
		return Decision{}, false
	}
	days, sla := c.DaysInState(in.Now), e.slaDays(c.ProviderID)
	if days < sla || !e.Ready(c, domain.ActionProviderCommunication, in.Now) {
		return Decision{}, false
	}
	if n := UnansweredProviderChases(in.History); n >= e.cfg.UnansweredBeforeRPA {
		if !e.Ready(c, domain.ActionProviderRPA, in.Now) {
			// escalation is due but the portal was tried recently; wait it out
			return Decision{Reason: fmt.Sprintf("%d unanswered provider chases, provider automation cooling down", n)}, true
		}
		return Decision{Category: domain.ActionProviderRPA, Reason: fmt.Sprintf("%d provider chases unanswered after %d days (SLA %d)", n, days, sla)}, true
	}
	return Decision{Category: domain.ActionProviderCommunication, Reason: fmt.Sprintf("%d days with provider, SLA %d", days, sla)}, true
}

func sendLOA(e Engine, in Input) (Decision, bool) {
	if in.Case.State != domain.StatePrepared || !e.Ready(in.Case, domain.ActionClientCommunication, in.Now) {
		return Decision{}, false
	}
	return Decision{Category: domain.ActionClientCommunication, Reason: "LOA prepared, send for signature"}, true
}

func submitToProvider(e Engine, in Input) (Decision, bool) {
	if in.Case.State != domain.StateClientSigned || !e.Ready(in.Case, domain.ActionProviderRPA, in.Now) {
		return Decision{}, false
	}
	return Decision{Category: domain.ActionProviderRPA, Reason: "signed LOA ready for provider submission"}, true
}

func notifyInformationReceived(e Engine, in Input) (Decision, bool) {
	c := in.Case
	if c.State != domain.StateInformationReceived || c.Attempt(domain.ActionClientCommunication).LastSuccessAt != nil {
		return Decision{}, false
	}
	if !e.Ready(c, domain.ActionClientCommunication, in.Now) {
		return Decision{}, false
	}
	return Decision{Category: domain.ActionClientCommunication, Reason: "provider information received, update client"}, true
}

// UnansweredProviderChases counts successful outbound provider messages
// since the last provider reply or provider automation run.
func UnansweredProviderChases(history []domain.LogEntry) int {
	n := 0
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		switch {
		case h.Category == domain.ActionProviderCommunication && h.Direction == domain.Inbound:
			return n
		case h.Category == domain.ActionProviderRPA && h.Direction == domain.Outbound && h.Outcome == domain.OutcomeSuccess:
			return n
		case h.Category == domain.ActionProviderCommunication && h.Direction == domain.Outbound && h.Outcome == domain.OutcomeSuccess:
			n++
		}
	}
	return n
}

// LatestClientReply returns the newest client reply that came after the
// last successful message to the client.
func LatestClientReply(history []domain.LogEntry) (domain.LogEntry, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		if h.Category != domain.ActionClientCommunication {
			continue
		}
		if h.Direction == domain.Inbound {
			return h, true
		}
		if h.Outcome == domain.OutcomeSuccess {
			return domain.LogEntry{}, false
		}
	}
	return domain.LogEntry{}, false
}
