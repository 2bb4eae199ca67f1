// Package dispatch executes one chosen chase action for a case: cooldown
// check, bounded retries with backoff, attempt bookkeeping and the atomic
// write of the outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kgnguhan/agentic-chaser/internal/config"
	"github.com/kgnguhan/agentic-chaser/internal/domain"
	"github.com/kgnguhan/agentic-chaser/internal/lifecycle"
	"github.com/kgnguhan/agentic-chaser/internal/logging"
)

// Store is the part of the case store the dispatcher needs.
type Store interface {
	GetCase(ctx context.Context, id string) (domain.Case, error)
	ListDocuments(ctx context.Context, caseID string) ([]domain.Document, error)
	ListLogs(ctx context.Context, caseID string) ([]domain.LogEntry, error)
	Commit(ctx context.Context, u domain.CaseUpdate) error
}

// Machine applies lifecycle events.
type Machine interface {
	Apply(c domain.Case, ev domain.CaseEvent) (domain.Case, domain.StateChange, error)
}

// Job is what a handler sees for one attempt.
type Job struct {
	Case      domain.Case
	Documents []domain.Document
	History   []domain.LogEntry
	Now       time.Time
	Attempt   int
}

// Outcome is a successful handler result. Documents carries verdict
// updates and may be set on failure too.
type Outcome struct {
	Channel   domain.Channel
	Detail    string
	Event     *domain.EventType
	Documents []domain.Document
}

// Handler performs one attempt of an action category. A returned error
// counts as a failed attempt.
type Handler interface {
	Handle(ctx context.Context, job Job) (Outcome, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, job Job) (Outcome, error)

func (f HandlerFunc) Handle(ctx context.Context, job Job) (Outcome, error) { return f(ctx, job) }

// Status is how Execute ended.
type Status string

const (
	StatusDispatched  Status = "dispatched"
	StatusSkipped     Status = "skipped"
	StatusExhausted   Status = "exhausted"
	StatusInterrupted Status = "interrupted"
)

// Result is the outcome of Execute, ready to be settled.
type Result struct {
	CaseID   string
	Category domain.ActionCategory
	Status   Status
	Attempts int
	Event    *domain.CaseEvent
	Change   *domain.StateChange
	Update   domain.CaseUpdate

	// Err is the last handler error, if any. It is informational: handler
	// failures never fail Execute.
	Err error
}

// ErrNoHandler is the attempt error recorded when no handler is
// registered for a category. It is treated like any other handler failure.
var ErrNoHandler = errors.New("no handler registered")

// defaultCommitTimeout bounds the outcome write when the config leaves it unset.
const defaultCommitTimeout = 30 * time.Second

// Dispatcher runs handlers for cases under a per-case lock and writes
// each outcome in one commit.
type Dispatcher struct {
	cfg       config.Dispatch
	cooldowns config.Decision
	store     Store
	machine   Machine
	handlers  map[domain.ActionCategory]Handler
	locks     *Locks
	log       *logging.Logger
	clock     func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	actor     string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHandler registers h for cat, replacing any earlier handler.
func WithHandler(cat domain.ActionCategory, h Handler) Option {
	return func(d *Dispatcher) { d.handlers[cat] = h }
}

// WithLogger sets the logger attempts are reported to.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithClock sets the wall clock used to measure elapsed attempt time.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

// WithSleep replaces the backoff wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = sleep }
}

// WithLocks shares a lock table with other components.
func WithLocks(l *Locks) Option {
	return func(d *Dispatcher) { d.locks = l }
}

// WithActor names who commits are attributed to. Defaults to "chaser".
func WithActor(actor string) Option {
	return func(d *Dispatcher) { d.actor = actor }
}

// New builds a dispatcher over store. Categories without a handler fail
// every attempt with ErrNoHandler.
func New(cfg config.Dispatch, cooldowns config.Decision, store Store, machine Machine, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		cooldowns: cooldowns,
		store:     store,
		machine:   machine,
		handlers:  make(map[domain.ActionCategory]Handler),
		locks:     NewLocks(),
		clock:     time.Now,
		sleep:     sleepContext,
		actor:     "chaser",
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Locks returns the per-case lock table.
func (d *Dispatcher) Locks() *Locks { return d.locks }

func sleepContext(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Dispatch locks the case, reloads it and runs Execute then Settle.
func (d *Dispatcher) Dispatch(ctx context.Context, caseID string, cat domain.ActionCategory, now time.Time) (Result, error) {
	unlock := d.locks.Lock(caseID)
	defer unlock()
	c, err := d.store.GetCase(ctx, caseID)
	if err != nil {
		return Result{}, err
	}
	docs, err := d.store.ListDocuments(ctx, caseID)
	if err != nil {
		return Result{}, err
	}
	history, err := d.store.ListLogs(ctx, caseID)
	if err != nil {
		return Result{}, err
	}
	res, err := d.Execute(ctx, c, docs, history, cat, now)
	if err != nil {
		return res, err
	}
	return d.Settle(ctx, res)
}

// Execute runs the handler for cat against a snapshot. The caller holds
// the case lock. Nothing is written; the returned Result carries the update.
func (d *Dispatcher) Execute(ctx context.Context, c domain.Case, docs []domain.Document, history []domain.LogEntry, cat domain.ActionCategory, now time.Time) (Result, error) {
	res := Result{
		CaseID:   c.ID,
		Category: cat,
		Update:   domain.CaseUpdate{Case: c.Clone(), ExpectedVersion: c.Version, Actor: d.actor},
	}
	h, ok := d.handlers[cat]
	if !ok {
		missing := fmt.Errorf("%w for %s", ErrNoHandler, cat)
		h = HandlerFunc(func(context.Context, Job) (Outcome, error) { return Outcome{}, missing })
	}
	log := d.log.WithCase(c.ID).WithCategory(string(cat))
	attempt := res.Update.Case.Attempt(cat)

	if attempt.WithinCooldown(now, d.cooldowns.Cooldown(cat)) {
		res.Status = StatusSkipped
		res.Update.Logs = append(res.Update.Logs, d.entry(c, cat, defaultChannel(c, cat), now, domain.OutcomeSkipped,
			fmt.Sprintf("within cooldown since %s", attempt.LastAttemptAt.UTC().Format(time.RFC3339))))
		log.Info("chase skipped, within cooldown")
		return res, nil
	}

	start := d.clock()
	remaining := d.cfg.MaxAttempts - attempt.Failures
	for i := 0; i < remaining; i++ {
		if i > 0 {
			if err := d.sleep(ctx, d.backoff(i)); err != nil {
				res.Status = StatusInterrupted
				break
			}
		}
		if ctx.Err() != nil {
			res.Status = StatusInterrupted
			break
		}
		at := now.Add(d.clock().Sub(start))
		job := Job{Case: res.Update.Case.Clone(), Documents: docs, History: history, Now: at, Attempt: attempt.Count + 1}
		out, err := d.call(ctx, h, cat, job)
		res.Attempts++
		attempt.Count++
		attempt.LastAttemptAt = &at
		res.Update.Documents = mergeDocuments(res.Update.Documents, out.Documents)
		docs = mergeDocuments(docs, out.Documents)

		if err == nil {
			attempt.Failures = 0
			attempt.LastSuccessAt = &at
			attempt.LastFailureReason = ""
			res.Status = StatusDispatched
			res.Err = nil
			if cat != domain.ActionDocumentVerification {
				ch := out.Channel
				if ch == "" {
					ch = defaultChannel(c, cat)
				}
				res.Update.Logs = append(res.Update.Logs, d.entry(c, cat, ch, at, domain.OutcomeSuccess, out.Detail))
			}
			if out.Event != nil {
				ev := domain.NewEvent(*out.Event, at)
				res.Event = &ev
			}
			log.Info("chase dispatched", "attempt", attempt.Count, "detail", out.Detail)
			break
		}

		attempt.Failures++
		attempt.LastFailureReason = err.Error()
		res.Err = err
		if cat != domain.ActionDocumentVerification {
			res.Update.Logs = append(res.Update.Logs, d.entry(c, cat, defaultChannel(c, cat), at, domain.OutcomeFailed, err.Error()))
		}
		log.Warn("chase attempt failed", "attempt", attempt.Count, "failures", attempt.Failures, "error", err.Error())
	}

	if res.Status == "" {
		res.Status = StatusExhausted
		at := now.Add(d.clock().Sub(start))
		ev := domain.NewEvent(domain.EventRetryExhausted, at)
		ev.Reason = fmt.Sprintf("%s failed %d times", cat, attempt.Failures)
		if res.Err != nil {
			ev.Reason += ": " + res.Err.Error()
		}
		res.Event = &ev
		log.Warn("chase retries exhausted", "failures", attempt.Failures)
	}
	if res.Update.Case.Attempts == nil {
		res.Update.Case.Attempts = make(map[domain.ActionCategory]domain.ChaseAttempt)
	}
	res.Update.Case.Attempts[cat] = attempt
	if attempt.LastAttemptAt != nil {
		res.Update.Case.UpdatedAt = *attempt.LastAttemptAt
	}
	return res, nil
}

// call runs one attempt under its own deadline.
func (d *Dispatcher) call(ctx context.Context, h Handler, cat domain.ActionCategory, job Job) (Outcome, error) {
	timeout := d.cfg.AttemptTimeout
	if cat == domain.ActionProviderRPA && d.cfg.RPATimeout > 0 {
		timeout = d.cfg.RPATimeout
	}
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := h.Handle(actx, job)
	if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return out, fmt.Errorf("attempt timed out after %s: %w", timeout, err)
	}
	return out, err
}

// backoff returns the wait before retry n (1-based).
func (d *Dispatcher) backoff(n int) time.Duration { return d.cfg.Backoff(n) }

// Settle applies the result's event, if the lifecycle still permits it,
// and commits the update. The commit runs on a context detached from ctx
// and bounded by the commit timeout, so attempts already made are recorded
// even when ctx was cancelled or timed out during them. An interrupted
// result with no attempts has nothing to record and is not committed.
func (d *Dispatcher) Settle(ctx context.Context, res Result) (Result, error) {
	if res.Status == StatusInterrupted && res.Attempts == 0 {
		return res, nil
	}
	if res.Event != nil {
		from := res.Update.Case.State
		if !lifecycle.Permits(from, res.Event.Type) {
			d.log.WithCase(res.CaseID).Info("event not applicable, ignored", "state", string(from), "event", string(res.Event.Type))
		} else {
			next, change, err := d.machine.Apply(res.Update.Case, *res.Event)
			if err != nil {
				return res, err
			}
			res.Update.Case = next
			res.Update.Changes = append(res.Update.Changes, change)
			res.Change = &change
		}
	}
	cctx, cancel := d.commitContext(ctx)
	defer cancel()
	if err := d.store.Commit(cctx, res.Update); err != nil {
		return res, err
	}
	res.Update.Case.Version = res.Update.ExpectedVersion + 1
	return res, nil
}

func (d *Dispatcher) commitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := d.cfg.CommitTimeout
	if timeout <= 0 {
		timeout = defaultCommitTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// Transition applies ev to c and commits it. The caller holds the case lock.
func (d *Dispatcher) Transition(ctx context.Context, c domain.Case, ev domain.CaseEvent, actor string) (domain.Case, domain.StateChange, error) {
	next, change, err := d.machine.Apply(c, ev)
	if err != nil {
		return c, domain.StateChange{}, err
	}
	if actor == "" {
		actor = d.actor
	}
	u := domain.CaseUpdate{Case: next, ExpectedVersion: c.Version, Changes: []domain.StateChange{change}, Actor: actor}
	if err := d.store.Commit(ctx, u); err != nil {
		return c, domain.StateChange{}, err
	}
	next.Version = c.Version + 1
	return next, change, nil
}

func (d *Dispatcher) entry(c domain.Case, cat domain.ActionCategory, ch domain.Channel, at time.Time, outcome domain.Outcome, detail string) domain.LogEntry {
	return domain.LogEntry{
		ID:        uuid.NewString(),
		CaseID:    c.ID,
		Category:  cat,
		Channel:   ch,
		Direction: domain.Outbound,
		At:        at,
		Outcome:   outcome,
		Detail:    detail,
	}
}

func defaultChannel(c domain.Case, cat domain.ActionCategory) domain.Channel {
	switch cat {
	case domain.ActionClientCommunication:
		if c.ClientChannel != "" {
			return c.ClientChannel
		}
		return domain.ChannelEmail
	case domain.ActionProviderCommunication:
		return domain.ChannelEmail
	case domain.ActionProviderRPA:
		return domain.ChannelPortal
	}
	return domain.ChannelSystem
}

// mergeDocuments overlays updates onto base by document id.
func mergeDocuments(base, updates []domain.Document) []domain.Document {
	if len(updates) == 0 {
		return base
	}
	out := make([]domain.Document, len(base))
	copy(out, base)
	for _, u := range updates {
		replaced := false
		for i := range out {
			if out[i].ID == u.ID {
				out[i] = u
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, u)
		}
	}
	return out
}
