package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kgnguhan/agentic-chaser/internal/config"
	"github.com/kgnguhan/agentic-chaser/internal/cycle"
	"github.com/kgnguhan/agentic-chaser/internal/decision"
	"github.com/kgnguhan/agentic-chaser/internal/dispatch"
	"github.com/kgnguhan/agentic-chaser/internal/domain"
	"github.com/kgnguhan/agentic-chaser/internal/events"
	"github.com/kgnguhan/agentic-chaser/internal/factfind"
	"github.com/kgnguhan/agentic-chaser/internal/lifecycle"
	"github.com/kgnguhan/agentic-chaser/internal/logging"
	"github.com/kgnguhan/agentic-chaser/internal/messaging"
	"github.com/kgnguhan/agentic-chaser/internal/repo"
	"github.com/kgnguhan/agentic-chaser/internal/scheduler"
	"github.com/kgnguhan/agentic-chaser/internal/scoring"
)

// ValidationError reports bad caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Engine is the application core shared by the CLI, API and intake watcher.
// Parser reads inbound replies; FactFind is the document checklist each
// client is held to.
type Engine struct {
	Repo       repo.Repo
	Config     *config.Config
	Machine    lifecycle.Machine
	Dispatcher *dispatch.Dispatcher
	Cycle      *cycle.Controller
	Decisions  decision.Engine
	Scorer     scoring.Linear
	Parser     messaging.Parser
	FactFind   factfind.Checklist
	Log        *logging.Logger
	Now        func() time.Time
}

// New wires the case store with the lifecycle, dispatcher and cycle
// controller. Handlers and other dispatcher options come from opts.
func New(r repo.Repo, cfg *config.Config, log *logging.Logger, opts ...dispatch.Option) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	locks := dispatch.NewLocks()
	machine := lifecycle.Machine{SLADays: cfg.SLADays}
	base := []dispatch.Option{dispatch.WithLogger(log), dispatch.WithLocks(locks)}
	disp := dispatch.New(cfg.Dispatch, cfg.Decision, r, machine, append(base, opts...)...)
	scorer := scoring.NewLinear(cfg.Scheduler)
	decisions := decision.FromConfig(cfg)
	ctrl := cycle.New(cfg, r, scheduler.New(cfg.Scheduler, cfg.Decision, scorer).WithStallGrace(cfg.Lifecycle.StallGrace), decisions, disp, locks, log)
	// config validation already rejected unknown keys
	checklist, _ := factfind.FromKeys(cfg.FactFind.Required)
	return Engine{
		Repo:       r,
		Config:     cfg,
		Machine:    machine,
		Dispatcher: disp,
		Cycle:      ctrl,
		Decisions:  decisions,
		Scorer:     scorer,
		Parser:     messaging.KeywordParser{},
		FactFind:   checklist,
		Log:        log,
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CaseCreateOptions are parameters for opening a case.
type CaseCreateOptions struct {
	ID            string
	ClientID      string
	ProviderID    string
	ClientName    string
	ClientAge     int
	ClientContact string
	ClientChannel domain.Channel
	State         domain.State
	ActorID       string
}

func (e Engine) CreateCase(ctx context.Context, opts CaseCreateOptions) (domain.Case, error) {
	opts.ClientID = strings.TrimSpace(opts.ClientID)
	opts.ProviderID = strings.TrimSpace(opts.ProviderID)
	if opts.ClientID == "" {
		return domain.Case{}, invalid("client_id", "is required")
	}
	if opts.ProviderID == "" {
		return domain.Case{}, invalid("provider_id", "is required")
	}
	if opts.ClientAge < 0 {
		return domain.Case{}, invalid("client_age", "must not be negative")
	}
	if opts.State == "" {
		opts.State = domain.StatePrepared
	}
	if !opts.State.Valid() || opts.State.Terminal() || opts.State.Side() {
		return domain.Case{}, invalid("state", "cannot open a case in %q", opts.State)
	}
	if opts.ClientChannel != "" && !validClientChannel(opts.ClientChannel) {
		return domain.Case{}, invalid("client_channel", "unsupported channel %q", opts.ClientChannel)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC()
	c := domain.Case{
		ID:              id,
		ClientID:        opts.ClientID,
		ProviderID:      opts.ProviderID,
		State:           opts.State,
		StateEnteredAt:  now,
		SignatureStatus: domain.SignaturePending,
		Attempts:        map[domain.ActionCategory]domain.ChaseAttempt{},
		ClientName:      opts.ClientName,
		ClientAge:       opts.ClientAge,
		ClientContact:   opts.ClientContact,
		ClientChannel:   opts.ClientChannel,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if pastSignature(c.State) {
		c.SignatureStatus = domain.SignatureSigned
	}
	if c.State.InProvider() {
		due := now.AddDate(0, 0, e.Config.SLADays(c.ProviderID))
		c.SLADueAt = &due
	}
	c.PriorityScore = e.Scorer.Score(scoring.FeaturesOf(c, now))
	if err := e.Repo.InsertCase(ctx, c, actorOr(opts.ActorID)); err != nil {
		return domain.Case{}, err
	}
	e.Log.WithCase(c.ID).Info("case created", "state", string(c.State), "provider", c.ProviderID)
	return c, nil
}

func validClientChannel(ch domain.Channel) bool {
	switch ch {
	case domain.ChannelEmail, domain.ChannelSMS, domain.ChannelWhatsApp, domain.ChannelPhone:
		return true
	}
	return false
}

func pastSignature(s domain.State) bool {
	switch s {
	case domain.StateClientSigned, domain.StateProviderSubmitted, domain.StateProviderProcessing, domain.StateInformationReceived:
		return true
	}
	return false
}

func (e Engine) GetCase(ctx context.Context, id string) (domain.Case, error) {
	return e.Repo.GetCase(ctx, id)
}

func (e Engine) ListCases(ctx context.Context, f repo.CaseFilter) ([]domain.Case, error) {
	if f.State != "" && !f.State.Valid() {
		return nil, invalid("state", "unknown state %q", f.State)
	}
	return e.Repo.ListCases(ctx, f)
}

// EventOptions describe a manual lifecycle event.
type EventOptions struct {
	CaseID  string
	Type    domain.EventType
	Next    domain.State
	Reason  string
	ActorID string
}

// ApplyEvent applies an advisor event under the case lock. Illegal events
// fail with an InvalidTransitionError and leave the case untouched.
func (e Engine) ApplyEvent(ctx context.Context, opts EventOptions) (domain.Case, domain.StateChange, error) {
	if opts.Type == "" {
		return domain.Case{}, domain.StateChange{}, invalid("type", "is required")
	}
	if opts.Type == domain.EventHumanReviewResolved && opts.Next == "" {
		return domain.Case{}, domain.StateChange{}, invalid("next", "is required to resolve a review")
	}
	unlock := e.Dispatcher.Locks().Lock(opts.CaseID)
	defer unlock()
	c, err := e.Repo.GetCase(ctx, opts.CaseID)
	if err != nil {
		return domain.Case{}, domain.StateChange{}, err
	}
	ev := domain.CaseEvent{Type: opts.Type, Next: opts.Next, At: e.now().UTC(), Reason: opts.Reason}
	next, change, err := e.Dispatcher.Transition(ctx, c, ev, actorOr(opts.ActorID))
	if err != nil {
		return domain.Case{}, domain.StateChange{}, err
	}
	e.Log.WithCase(c.ID).Info("event applied", "event", string(ev.Type), "from", string(change.From), "to", string(change.To))
	return next, change, nil
}

// InboundOptions describe a reply received from the client or provider.
type InboundOptions struct {
	CaseID   string
	Category domain.ActionCategory
	Channel  domain.Channel
	Text     string
	ActorID  string
}

// RecordInbound logs a reply with its classified sentiment and parsed
// intent. A provider reply ends the current run of unanswered provider
// chases. A parser failure is logged and the reply is kept unparsed.
func (e Engine) RecordInbound(ctx context.Context, opts InboundOptions) (domain.LogEntry, error) {
	if opts.Category == "" {
		opts.Category = domain.ActionClientCommunication
	}
	if opts.Category != domain.ActionClientCommunication && opts.Category != domain.ActionProviderCommunication {
		return domain.LogEntry{}, invalid("category", "inbound messages come from the client or provider, got %q", opts.Category)
	}
	if opts.Channel == "" {
		opts.Channel = domain.ChannelEmail
	}
	unlock := e.Dispatcher.Locks().Lock(opts.CaseID)
	defer unlock()
	l := domain.LogEntry{
		ID:        uuid.NewString(),
		CaseID:    opts.CaseID,
		Category:  opts.Category,
		Channel:   opts.Channel,
		Direction: domain.Inbound,
		At:        e.now().UTC(),
		Outcome:   domain.OutcomeSuccess,
		Sentiment: scoring.ClassifySentiment(opts.Text),
		Detail:    opts.Text,
	}
	log := e.Log.WithCase(opts.CaseID)
	if parsed, err := e.parser().Parse(ctx, opts.Text, audienceOf(opts.Category)); err != nil {
		log.Warn("reply parse failed", "error", err.Error())
		l.Intent = domain.IntentUnknown
	} else {
		l.Intent = parsed.Intent
		l.Signals = parsed.Signals
	}
	l, err := e.Repo.AppendLog(ctx, l, actorOr(opts.ActorID))
	if err != nil {
		return domain.LogEntry{}, err
	}
	log.Info("inbound recorded", "category", string(l.Category), "sentiment", string(l.Sentiment), "intent", string(l.Intent))
	return l, nil
}

func (e Engine) parser() messaging.Parser {
	if e.Parser != nil {
		return e.Parser
	}
	return messaging.KeywordParser{}
}

func audienceOf(cat domain.ActionCategory) messaging.Audience {
	if cat == domain.ActionProviderCommunication {
		return messaging.AudienceProvider
	}
	return messaging.AudienceClient
}

// DocumentOptions register an uploaded file for verification.
type DocumentOptions struct {
	ID       string
	CaseID   string
	Type     string
	FilePath string
	ActorID  string
}

func (e Engine) RegisterDocument(ctx context.Context, opts DocumentOptions) (domain.Document, error) {
	if strings.TrimSpace(opts.FilePath) == "" {
		return domain.Document{}, invalid("file_path", "is required")
	}
	if strings.TrimSpace(opts.Type) == "" {
		return domain.Document{}, invalid("type", "is required")
	}
	unlock := e.Dispatcher.Locks().Lock(opts.CaseID)
	defer unlock()
	c, err := e.Repo.GetCase(ctx, opts.CaseID)
	if err != nil {
		return domain.Document{}, err
	}
	if c.Archived {
		return domain.Document{}, invalid("case_id", "case %s is archived", c.ID)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	d := domain.Document{
		ID:         id,
		CaseID:     c.ID,
		Type:       domain.ParseDocumentType(opts.Type),
		FilePath:   opts.FilePath,
		Issues:     []domain.QualityIssue{},
		Verdict:    domain.VerdictPending,
		UploadedAt: e.now().UTC(),
	}
	if err := e.Repo.InsertDocument(ctx, d, actorOr(opts.ActorID)); err != nil {
		return domain.Document{}, err
	}
	e.Log.WithCase(c.ID).Info("document registered", "document", d.ID, "type", string(d.Type))
	return d, nil
}

func (e Engine) CaseLogs(ctx context.Context, caseID string) ([]domain.LogEntry, error) {
	if _, err := e.Repo.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return e.Repo.ListLogs(ctx, caseID)
}

func (e Engine) CaseDocuments(ctx context.Context, caseID string) ([]domain.Document, error) {
	if _, err := e.Repo.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return e.Repo.ListDocuments(ctx, caseID)
}

// Insight pairs the delay assessment with what the next cycle would do
// and the client's fact-find progress across all of their cases.
type Insight struct {
	Assessment scoring.DelayAssessment `json:"assessment"`
	Next       decision.Decision       `json:"next_action"`
	FactFind   factfind.Status         `json:"fact_find"`
}

func (e Engine) Insight(ctx context.Context, caseID string) (Insight, error) {
	c, err := e.Repo.GetCase(ctx, caseID)
	if err != nil {
		return Insight{}, err
	}
	docs, err := e.Repo.ListDocuments(ctx, caseID)
	if err != nil {
		return Insight{}, err
	}
	history, err := e.Repo.ListLogs(ctx, caseID)
	if err != nil {
		return Insight{}, err
	}
	clientDocs, err := e.Repo.ListClientDocuments(ctx, c.ClientID)
	if err != nil {
		return Insight{}, err
	}
	now := e.now().UTC()
	score := e.Scorer.Score(scoring.FeaturesOf(c, now))
	return Insight{
		Assessment: scoring.AssessDelay(c, score, now),
		Next:       e.Decisions.Decide(c, docs, history, now),
		FactFind:   e.FactFind.Check(clientDocs),
	}, nil
}

// FactFindQueue lists clients with open cases who still owe fact-find
// documents, most missing first. limit <= 0 returns everyone.
func (e Engine) FactFindQueue(ctx context.Context, limit int) ([]factfind.QueueEntry, error) {
	if limit < 0 {
		return nil, invalid("limit", "must not be negative")
	}
	open, err := e.Repo.ListOpenCases(ctx)
	if err != nil {
		return nil, err
	}
	docs := make(map[string][]domain.Document, len(open))
	for _, c := range open {
		d, err := e.Repo.ListDocuments(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		docs[c.ID] = d
	}
	return e.FactFind.Queue(open, docs, limit), nil
}

// RunChaseCycle runs one cycle and records its summary in the audit log.
func (e Engine) RunChaseCycle(ctx context.Context, now time.Time, batch int) (domain.CycleSummary, error) {
	if batch < 0 {
		return domain.CycleSummary{}, invalid("batch", "must not be negative")
	}
	summary, err := e.Cycle.Run(ctx, now, batch)
	if err != nil {
		return summary, err
	}
	return summary, e.recordCycle(ctx, summary)
}

// ScheduleCycles runs a cycle every interval until ctx is done. report
// sees each summary after it has been recorded; it may be nil.
func (e Engine) ScheduleCycles(ctx context.Context, interval time.Duration, batch int, report func(domain.CycleSummary, error)) error {
	if interval <= 0 {
		return invalid("interval", "must be positive")
	}
	return e.Cycle.Schedule(ctx, interval, batch, func(summary domain.CycleSummary, err error) {
		if errors.Is(err, context.Canceled) {
			return
		}
		if err == nil {
			err = e.recordCycle(ctx, summary)
		}
		if report != nil {
			report(summary, err)
		}
	})
}

func (e Engine) recordCycle(ctx context.Context, summary domain.CycleSummary) error {
	payload := events.EventPayload{
		"selected":    summary.Selected,
		"dispatched":  summary.Dispatched,
		"no_action":   summary.NoAction,
		"failed":      summary.Failed,
		"skipped":     summary.Skipped,
		"escalated":   summary.Escalated,
		"by_category": summary.ByCategory,
	}
	if err := e.Repo.RecordEvent(context.WithoutCancel(ctx), events.TypeCycleCompleted, "", "chaser", payload); err != nil {
		return fmt.Errorf("record cycle summary: %w", err)
	}
	return nil
}

func actorOr(actor string) string {
	if actor == "" {
		return "local-user"
	}
	return actor
}
