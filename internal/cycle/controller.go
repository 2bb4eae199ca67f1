// Package cycle runs chase cycles: rank open cases, then decide and
// dispatch each selected case on a bounded worker pool.
package cycle

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kgnguhan/agentic-chaser/internal/config"
	"github.com/kgnguhan/agentic-chaser/internal/decision"
	"github.com/kgnguhan/agentic-chaser/internal/dispatch"
	"github.com/kgnguhan/agentic-chaser/internal/domain"
	"github.com/kgnguhan/agentic-chaser/internal/logging"
	"github.com/kgnguhan/agentic-chaser/internal/scheduler"
)

// Store is the part of the case store a cycle reads and writes.
type Store interface {
	ListOpenCases(ctx context.Context) ([]domain.Case, error)
	GetCase(ctx context.Context, id string) (domain.Case, error)
	ListDocuments(ctx context.Context, caseID string) ([]domain.Document, error)
	ListLogs(ctx context.Context, caseID string) ([]domain.LogEntry, error)
	Commit(ctx context.Context, u domain.CaseUpdate) error
}

// Selector ranks open cases and picks up to k to work on.
type Selector interface {
	Select(cases []domain.Case, now time.Time, k int) []scheduler.Ranked
}

// Decider picks the next action for a case.
type Decider interface {
	Decide(c domain.Case, docs []domain.Document, history []domain.LogEntry, now time.Time) decision.Decision
}

// Dispatcher is satisfied by *dispatch.Dispatcher.
type Dispatcher interface {
	Execute(ctx context.Context, c domain.Case, docs []domain.Document, history []domain.LogEntry, cat domain.ActionCategory, now time.Time) (dispatch.Result, error)
	Settle(ctx context.Context, res dispatch.Result) (dispatch.Result, error)
	Transition(ctx context.Context, c domain.Case, ev domain.CaseEvent, actor string) (domain.Case, domain.StateChange, error)
}

// Controller runs cycles. Workers bounds concurrent cases, CaseTimeout
// bounds the work on one case and StallGrace is how long a stalled case
// waits before escalation.
type Controller struct {
	Workers     int
	CaseTimeout time.Duration
	StallGrace  time.Duration

	store      Store
	selector   Selector
	decider    Decider
	dispatcher Dispatcher
	locks      *dispatch.Locks
	log        *logging.Logger
	clock      func() time.Time
}

// New builds a controller from the cycle and lifecycle config. A nil
// locks table gets a private one.
func New(cfg *config.Config, store Store, selector Selector, decider Decider, dispatcher Dispatcher, locks *dispatch.Locks, log *logging.Logger) *Controller {
	if locks == nil {
		locks = dispatch.NewLocks()
	}
	return &Controller{
		Workers:     cfg.Cycle.Workers,
		CaseTimeout: cfg.Cycle.CaseTimeout,
		StallGrace:  cfg.Lifecycle.StallGrace,
		store:       store,
		selector:    selector,
		decider:     decider,
		dispatcher:  dispatcher,
		locks:       locks,
		log:         log,
		clock:       time.Now,
	}
}

type outcomeKind int

const (
	outcomeNotStarted outcomeKind = iota
	outcomeDispatched
	outcomeNoAction
	outcomeSkipped
	outcomeFailed
	outcomeEscalated
)

type caseOutcome struct {
	kind     outcomeKind
	category domain.ActionCategory
	err      error
}

// Run executes one chase cycle at now over at most batch cases (0 means
// the scheduler's daily capacity). Per-case failures are counted, never
// returned; the error is only set when ctx is already done or the open
// case list cannot be read.
func (c *Controller) Run(ctx context.Context, now time.Time, batch int) (domain.CycleSummary, error) {
	start := c.clock()
	log := c.log.WithCycle(uuid.NewString())
	summary := domain.CycleSummary{ByCategory: map[domain.ActionCategory]int{}, StartedAt: now}

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	open, err := c.store.ListOpenCases(ctx)
	if err != nil {
		return summary, fmt.Errorf("list open cases: %w", err)
	}
	selected := c.selector.Select(open, now, batch)
	summary.Selected = len(selected)
	log.Info("cycle started", "open", len(open), "selected", len(selected))

	workers := c.Workers
	if workers <= 0 {
		workers = 4
	}
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(workers)
	for _, r := range selected {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out := c.processCase(ctx, r, now, log.WithCase(r.Case.ID))
			mu.Lock()
			defer mu.Unlock()
			tally(&summary, out)
			return nil
		})
	}
	_ = g.Wait()

	summary.FinishedAt = now.Add(c.clock().Sub(start))
	log.Info("cycle finished",
		"dispatched", summary.Dispatched,
		"no_action", summary.NoAction,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"escalated", summary.Escalated,
	)
	return summary, nil
}

func tally(s *domain.CycleSummary, out caseOutcome) {
	switch out.kind {
	case outcomeDispatched:
		s.Dispatched++
		s.ByCategory[out.category]++
	case outcomeNoAction:
		s.NoAction++
	case outcomeSkipped:
		s.Skipped++
	case outcomeFailed:
		s.Failed++
	case outcomeEscalated:
		s.Escalated++
	}
}

// processCase handles one case in isolation: a panic or error here is
// contained and reported as a failed outcome.
func (c *Controller) processCase(ctx context.Context, r scheduler.Ranked, now time.Time, log *logging.Logger) (out caseOutcome) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("case processing panicked", "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
			out = caseOutcome{kind: outcomeFailed, err: fmt.Errorf("panic: %v", p)}
		}
	}()
	if ctx.Err() != nil {
		return caseOutcome{kind: outcomeNotStarted}
	}
	unlock, ok := c.locks.TryLock(r.Case.ID)
	if !ok {
		log.Info("case busy, skipped")
		return caseOutcome{kind: outcomeSkipped}
	}
	defer unlock()

	if c.CaseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.CaseTimeout)
		defer cancel()
	}
	out = c.handle(ctx, r, now, log)
	if out.err != nil {
		log.Error("case processing failed", "error", out.err.Error())
	}
	return out
}

func (c *Controller) handle(ctx context.Context, r scheduler.Ranked, now time.Time, log *logging.Logger) caseOutcome {
	cs, err := c.store.GetCase(ctx, r.Case.ID)
	if err != nil {
		return caseOutcome{kind: outcomeFailed, err: err}
	}
	if cs.Archived || cs.State.Terminal() {
		return caseOutcome{kind: outcomeNoAction}
	}
	stored := cs.PriorityScore
	cs.PriorityScore = r.Score

	if cs.State == domain.StateStalled && now.Sub(cs.StateEnteredAt) >= c.StallGrace {
		ev := domain.NewEvent(domain.EventGraceExpired, now)
		ev.Reason = fmt.Sprintf("stalled since %s", cs.StateEnteredAt.UTC().Format(time.RFC3339))
		if _, _, err := c.dispatcher.Transition(ctx, cs, ev, ""); err != nil {
			return caseOutcome{kind: outcomeFailed, err: err}
		}
		log.Warn("stall grace expired, escalated to human review")
		return caseOutcome{kind: outcomeEscalated}
	}

	docs, err := c.store.ListDocuments(ctx, cs.ID)
	if err != nil {
		return caseOutcome{kind: outcomeFailed, err: err}
	}
	history, err := c.store.ListLogs(ctx, cs.ID)
	if err != nil {
		return caseOutcome{kind: outcomeFailed, err: err}
	}
	d := c.decider.Decide(cs, docs, history, now)
	if d.None() {
		log.Debug("no action", "rule", d.Rule, "reason", d.Reason)
		if stored != cs.PriorityScore {
			if err := c.store.Commit(ctx, domain.CaseUpdate{Case: cs, ExpectedVersion: cs.Version, Actor: "chaser"}); err != nil {
				return caseOutcome{kind: outcomeFailed, err: err}
			}
		}
		return caseOutcome{kind: outcomeNoAction}
	}

	log.Info("action chosen", "category", string(d.Category), "rule", d.Rule, "reason", d.Reason, "score", cs.PriorityScore)
	res, err := c.dispatcher.Execute(ctx, cs, docs, history, d.Category, now)
	if err != nil {
		return caseOutcome{kind: outcomeFailed, err: err}
	}
	res, err = c.dispatcher.Settle(ctx, res)
	if err != nil {
		return caseOutcome{kind: outcomeFailed, err: err}
	}
	switch res.Status {
	case dispatch.StatusDispatched:
		return caseOutcome{kind: outcomeDispatched, category: d.Category}
	case dispatch.StatusExhausted:
		return caseOutcome{kind: outcomeFailed, category: d.Category, err: res.Err}
	case dispatch.StatusInterrupted:
		if res.Err != nil {
			return caseOutcome{kind: outcomeFailed, category: d.Category, err: fmt.Errorf("interrupted after %d attempts: %w", res.Attempts, res.Err)}
		}
		return caseOutcome{kind: outcomeSkipped, category: d.Category}
	default:
		return caseOutcome{kind: outcomeSkipped, category: d.Category}
	}
}

// Schedule runs a cycle now and then on every tick until ctx is done.
// report receives each summary; it may be nil.
func (c *Controller) Schedule(ctx context.Context, interval time.Duration, batch int, report func(domain.CycleSummary, error)) error {
	if interval <= 0 {
		return fmt.Errorf("cycle interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		summary, err := c.Run(ctx, c.clock(), batch)
		if report != nil {
			report(summary, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
