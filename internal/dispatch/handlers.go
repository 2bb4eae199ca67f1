package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/kgnguhan/agentic-chaser/internal/domain"
	"github.com/kgnguhan/agentic-chaser/internal/factfind"
	"github.com/kgnguhan/agentic-chaser/internal/messaging"
	"github.com/kgnguhan/agentic-chaser/internal/notify"
	"github.com/kgnguhan/agentic-chaser/internal/ocr"
	"github.com/kgnguhan/agentic-chaser/internal/rpa"
	"github.com/kgnguhan/agentic-chaser/internal/scoring"
	"github.com/kgnguhan/agentic-chaser/internal/storage"
)

func event(t domain.EventType) *domain.EventType { return &t }

// ClientMessages writes to the client: the LOA itself, signature
// reminders, document resubmission requests and the information-received
// update. Reminders also list fact-find documents the client still owes;
// ClientDocuments supplies every document the client has sent across
// their cases and defaults to the job's own documents.
type ClientMessages struct {
	Generator       messaging.Generator
	Notifier        notify.Notifier
	AdvisorName     string
	Providers       func(providerID string) ProviderContact
	FactFind        factfind.Checklist
	ClientDocuments func(ctx context.Context, clientID string) ([]domain.Document, error)
}

func (h ClientMessages) Handle(ctx context.Context, job Job) (Outcome, error) {
	c := job.Case
	if strings.TrimSpace(c.ClientContact) == "" {
		return Outcome{}, fmt.Errorf("case %s has no client contact", c.ID)
	}
	ch := defaultChannel(c, domain.ActionClientCommunication)
	reasons := rejectionReasons(c, job.Documents)
	purpose := clientPurpose(c.State, reasons)
	req := messaging.Request{
		Audience:         messaging.AudienceClient,
		Purpose:          purpose,
		CaseID:           c.ID,
		ClientName:       c.ClientName,
		ProviderID:       c.ProviderID,
		ProviderName:     providerName(h.Providers, c.ProviderID),
		AdvisorName:      h.AdvisorName,
		State:            c.State,
		DaysInState:      c.DaysInState(job.Now),
		Attempt:          job.Attempt,
		Channel:          ch,
		RejectionReasons: reasons,
	}
	if purpose == messaging.PurposeSignatureReminder || purpose == messaging.PurposeDocumentResubmit {
		missing, err := h.missingDocuments(ctx, job)
		if err != nil {
			return Outcome{}, err
		}
		req.MissingDocuments = missing
	}
	text, err := h.Generator.Generate(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	if err := h.Notifier.Send(ctx, ch, c.ClientContact, text); err != nil {
		return Outcome{}, err
	}
	out := Outcome{Channel: ch, Detail: fmt.Sprintf("%s: %s", purpose, abbreviate(text, 160))}
	if c.State == domain.StatePrepared {
		out.Event = event(domain.EventLOAIssued)
	}
	return out, nil
}

func (h ClientMessages) missingDocuments(ctx context.Context, job Job) ([]string, error) {
	if len(h.FactFind) == 0 {
		return nil, nil
	}
	docs := job.Documents
	if h.ClientDocuments != nil {
		var err error
		if docs, err = h.ClientDocuments(ctx, job.Case.ClientID); err != nil {
			return nil, fmt.Errorf("load client documents: %w", err)
		}
	}
	return h.FactFind.Check(docs).Missing, nil
}

func clientPurpose(s domain.State, reasons []string) messaging.Purpose {
	switch s {
	case domain.StatePrepared:
		return messaging.PurposeSendLOA
	case domain.StateInformationReceived:
		return messaging.PurposeInformationReceived
	}
	if len(reasons) > 0 {
		return messaging.PurposeDocumentResubmit
	}
	return messaging.PurposeSignatureReminder
}

// rejectionReasons lists reasons for documents rejected since the case
// entered its current state.
func rejectionReasons(c domain.Case, docs []domain.Document) []string {
	var out []string
	for _, d := range docs {
		if d.Verdict != domain.VerdictRejected || d.RejectionReason == "" {
			continue
		}
		if d.VerifiedAt != nil && d.VerifiedAt.Before(c.StateEnteredAt) {
			continue
		}
		out = append(out, fmt.Sprintf("%s: %s", d.Type, d.RejectionReason))
	}
	return out
}

// ProviderContact is where provider chases go.
type ProviderContact struct {
	Name      string
	Recipient string
	Channel   domain.Channel
}

func providerName(lookup func(string) ProviderContact, id string) string {
	if lookup != nil {
		if p := lookup(id); p.Name != "" {
			return p.Name
		}
	}
	return id
}

// ProviderMessages chases the provider's LOA team.
type ProviderMessages struct {
	Generator   messaging.Generator
	Notifier    notify.Notifier
	AdvisorName string
	Contacts    func(providerID string) ProviderContact
}

func (h ProviderMessages) Handle(ctx context.Context, job Job) (Outcome, error) {
	c := job.Case
	var contact ProviderContact
	if h.Contacts != nil {
		contact = h.Contacts(c.ProviderID)
	}
	if strings.TrimSpace(contact.Recipient) == "" {
		return Outcome{}, fmt.Errorf("no contact configured for provider %q", c.ProviderID)
	}
	ch := contact.Channel
	if ch == "" {
		ch = domain.ChannelEmail
	}
	text, err := h.Generator.Generate(ctx, messaging.Request{
		Audience:     messaging.AudienceProvider,
		Purpose:      messaging.PurposeProviderChase,
		CaseID:       c.ID,
		ClientName:   c.ClientName,
		ProviderID:   c.ProviderID,
		ProviderName: providerName(h.Contacts, c.ProviderID),
		AdvisorName:  h.AdvisorName,
		State:        c.State,
		DaysInState:  c.DaysInState(job.Now),
		DaysPastSLA:  c.DaysPastSLA(job.Now),
		Attempt:      job.Attempt,
		Channel:      ch,
	})
	if err != nil {
		return Outcome{}, err
	}
	if err := h.Notifier.Send(ctx, ch, contact.Recipient, text); err != nil {
		return Outcome{}, err
	}
	return Outcome{Channel: ch, Detail: fmt.Sprintf("chased %s: %s", contact.Recipient, abbreviate(text, 160))}, nil
}

// ProviderRPA submits signed LOAs through the provider portal and polls
// submission status.
type ProviderRPA struct {
	Executor rpa.Executor
}

func (h ProviderRPA) Handle(ctx context.Context, job Job) (Outcome, error) {
	c := job.Case
	req := rpa.Request{CaseID: c.ID, ClientID: c.ClientID, ProviderID: c.ProviderID}
	switch {
	case c.State == domain.StateClientSigned:
		req.Action = rpa.ActionSubmitLOA
	case c.State.InProvider():
		req.Action = rpa.ActionCheckStatus
	default:
		return Outcome{}, fmt.Errorf("provider automation not applicable in %s", c.State)
	}
	res, err := h.Executor.Submit(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	if !res.Success {
		reason := res.Reason
		if reason == "" {
			reason = "no reason given"
		}
		return Outcome{}, fmt.Errorf("%s unsuccessful: %s", req.Action, reason)
	}
	out := Outcome{Channel: domain.ChannelPortal, Detail: string(req.Action)}
	if res.Reference != "" {
		out.Detail += " ref " + res.Reference
	}
	if req.Action == rpa.ActionSubmitLOA {
		out.Event = event(domain.EventSubmittedToProvider)
		return out, nil
	}
	out.Detail += " status " + res.Status
	switch res.Status {
	case rpa.StatusProcessing:
		out.Event = event(domain.EventProviderAcknowledged)
	case rpa.StatusInformationReady:
		if c.State == domain.StateProviderSubmitted {
			out.Event = event(domain.EventProviderAcknowledged)
		} else {
			out.Event = event(domain.EventInformationReceived)
		}
	}
	return out, nil
}

// DocumentVerifier decides acceptance from OCR output.
type DocumentVerifier interface {
	VerifyDocument(confidence float64, issues []domain.QualityIssue, t domain.DocumentType) scoring.Verdict
}

// DocumentVerification runs OCR and the acceptance thresholds over every
// pending submission. A verdict is set at most once per document; an OCR
// or placement failure leaves that document pending for the retry.
type DocumentVerification struct {
	OCR      ocr.Engine
	Verifier DocumentVerifier
	Placer   storage.Placer
	ReadFile func(path string) ([]byte, error)
}

func (h DocumentVerification) Handle(ctx context.Context, job Job) (Outcome, error) {
	readFile := h.ReadFile
	if readFile == nil {
		readFile = os.ReadFile
	}
	c := job.Case
	var (
		updated  []domain.Document
		accepted int
		rejected int
		signed   bool
	)
	for _, d := range job.Documents {
		if d.Verdict != domain.VerdictPending {
			continue
		}
		data, err := readFile(d.FilePath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Outcome{Documents: updated}, fmt.Errorf("read %s: %w", d.FilePath, err)
			}
			d = setVerdict(d, domain.VerdictRejected, "file missing; please upload again", nil, job)
			updated = append(updated, d)
			rejected++
			continue
		}
		ext, err := h.OCR.Extract(ctx, data)
		if err != nil {
			return Outcome{Documents: updated}, err
		}
		v := h.Verifier.VerifyDocument(ext.Confidence, ext.Issues, d.Type)
		d.Issues = ext.Issues
		if !v.Accepted {
			updated = append(updated, setVerdict(d, domain.VerdictRejected, v.Reason, &ext.Confidence, job))
			rejected++
			continue
		}
		stored, err := h.Placer.Place(ctx, storage.Object{
			ClientID:   c.ClientID,
			CaseID:     c.ID,
			DocumentID: d.ID,
			Type:       d.Type,
			SourcePath: d.FilePath,
		})
		if err != nil {
			return Outcome{Documents: updated}, fmt.Errorf("place document %s: %w", d.ID, err)
		}
		d.StoredPath = stored
		updated = append(updated, setVerdict(d, domain.VerdictAccepted, "", &ext.Confidence, job))
		accepted++
		if d.Type == domain.DocSignedLOA {
			signed = true
		}
	}
	out := Outcome{
		Channel:   domain.ChannelSystem,
		Documents: updated,
		Detail:    fmt.Sprintf("verified %d documents: %d accepted, %d rejected", len(updated), accepted, rejected),
	}
	if signed {
		out.Event = event(domain.EventDocumentAccepted)
	}
	return out, nil
}

func setVerdict(d domain.Document, v domain.Verdict, reason string, confidence *float64, job Job) domain.Document {
	at := job.Now
	d.Verdict = v
	d.RejectionReason = reason
	d.VerifiedAt = &at
	if confidence != nil {
		c := *confidence
		d.Confidence = &c
	}
	return d
}

func abbreviate(s string, n int) string {
	r := []rune(strings.Join(strings.Fields(s), " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}
