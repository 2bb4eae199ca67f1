package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kgnguhan/agentic-chaser/internal/config"
	"github.com/kgnguhan/agentic-chaser/internal/domain"
	"github.com/kgnguhan/agentic-chaser/internal/lifecycle"
	"github.com/kgnguhan/agentic-chaser/internal/logging"
)

var now = time.Date(2024, 8, 1, 9, 0, 0, 0, time.UTC)

type sleepRecorder struct{ waits []time.Duration }

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func newTestDispatcher(t *testing.T, store Store, opts ...Option) (*Dispatcher, *sleepRecorder) {
	t.Helper()
	cfg := config.Default()
	rec := &sleepRecorder{}
	base := []Option{
		WithLogger(logging.Nop()),
		WithClock(func() time.Time { return now }),
		WithSleep(rec.sleep),
	}
	return New(cfg.Dispatch, cfg.Decision, store, lifecycle.Machine{}, append(base, opts...)...), rec
}

func pendingSignature(id string) domain.Case {
	return domain.Case{
		ID:             id,
		ClientID:       "client-" + id,
		ProviderID:     "aviva",
		State:          domain.StateClientSignaturePending,
		StateEnteredAt: now.Add(-4 * 24 * time.Hour),
		ClientContact:  "client@example.com",
	}
}

func TestDispatchWithinCooldownIsSkipped(t *testing.T) {
	store := newMemStore(pendingSignature("c1"))
	var calls int32
	h := HandlerFunc(func(ctx context.Context, job Job) (Outcome, error) {
		atomic.AddInt32(&calls, 1)
		return Outcome{Channel: domain.ChannelEmail, Detail: "reminder"}, nil
	})
	d, _ := newTestDispatcher(t, store, WithHandler(domain.ActionClientCommunication, h))

	first, err := d.Dispatch(context.Background(), "c1", domain.ActionClientCommunication, now)
	if err != nil || first.Status != StatusDispatched {
		t.Fatalf("first dispatch: %v %+v", err, first)
	}
	second, err := d.Dispatch(context.Background(), "c1", domain.ActionClientCommunication, now.Add(time.Hour))
	if err != nil || second.Status != StatusSkipped {
		t.Fatalf("second dispatch: %v %+v", err, second)
	}
	if calls != 1 {
		t.Fatalf("handler called %d times", calls)
	}
	got := store.outcomes("c1")
	if len(got) != 2 || got[0] != domain.OutcomeSuccess || got[1] != domain.OutcomeSkipped {
		t.Fatalf("unexpected log outcomes %v", got)
	}
	c, _ := store.GetCase(context.Background(), "c1")
	if a := c.Attempt(domain.ActionClientCommunication); a.Count != 1 || a.LastSuccessAt == nil {
		t.Fatalf("attempt bookkeeping %+v", a)
	}
}

func TestRetryExhaustionStallsCase(t *testing.T) {
	store := newMemStore(pendingSignature("c1"))
	boom := errors.New("gateway refused")
	var calls int32
	h := HandlerFunc(func(ctx context.Context, job Job) (Outcome, error) {
		atomic.AddInt32(&calls, 1)
		return Outcome{}, boom
	})
	d, rec := newTestDispatcher(t, store, WithHandler(domain.ActionClientCommunication, h))

	res, err := d.Dispatch(context.Background(), "c1", domain.ActionClientCommunication, now)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Status != StatusExhausted || res.Attempts != 3 || calls != 3 {
		t.Fatalf("unexpected result %+v calls=%d", res, calls)
	}
	if !errors.Is(res.Err, boom) {
		t.Fatalf("last error not kept: %v", res.Err)
	}
	if len(rec.waits) != 2 || rec.waits[0] != 2*time.Second || rec.waits[1] != 4*time.Second {
		t.Fatalf("unexpected backoff %v", rec.waits)
	}
	c, _ := store.GetCase(context.Background(), "c1")
	if c.State != domain.StateStalled {
		t.Fatalf("state = %s", c.State)
	}
	if got := store.outcomes("c1"); len(got) != 3 {
		t.Fatalf("expected 3 failed entries, got %v", got)
	}
	if len(store.changes) != 1 || store.changes[0].Event != domain.EventRetryExhausted {
		t.Fatalf("unexpected changes %+v", store.changes)
	}

	// a stalled case does not move again on its own
	if _, err := d.Dispatch(context.Background(), "c1", domain.ActionClientCommunication, now.Add(49*time.Hour)); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	c, _ = store.GetCase(context.Background(), "c1")
	if c.State != domain.StateStalled || len(store.changes) != 1 {
		t.Fatalf("stalled case moved: %s %+v", c.State, store.changes)
	}
}

func TestRetrySucceedsOnSecondAttempt(t *testing.T) {
	store := newMemStore(pendingSignature("c1"))
	var calls int32
	h := HandlerFunc(func(ctx context.Context, job Job) (Outcome, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return Outcome{}, domain.Unavailable("notify", errors.New("503"))
		}
		return Outcome{Channel: domain.ChannelSMS}, nil
	})
	d, _ := newTestDispatcher(t, store, WithHandler(domain.ActionClientCommunication, h))
	res, err := d.Dispatch(context.Background(), "c1", domain.ActionClientCommunication, now)
	if err != nil || res.Status != StatusDispatched || res.Attempts != 2 {
		t.Fatalf("unexpected %+v %v", res, err)
	}
	a := res.Update.Case.Attempt(domain.ActionClientCommunication)
	if a.Failures != 0 || a.Count != 2 || a.LastFailureReason != "" {
		t.Fatalf("failures not reset: %+v", a)
	}
	got := store.outcomes("c1")
	if len(got) != 2 || got[0] != domain.OutcomeFailed || got[1] != domain.OutcomeSuccess {
		t.Fatalf("unexpected outcomes %v", got)
	}
}

func TestFailuresCarryAcrossDispatches(t *testing.T) {
	c := pendingSignature("c1")
	last := now.Add(-3 * 24 * time.Hour)
	c.Attempts = map[domain.ActionCategory]domain.ChaseAttempt{
		domain.ActionClientCommunication: {Count: 2, Failures: 2, LastAttemptAt: &last},
	}
	store := newMemStore(c)
	var calls int32
	h := HandlerFunc(func(ctx context.Context, job Job) (Outcome, error) {
		atomic.AddInt32(&calls, 1)
		return Outcome{}, errors.New("still failing")
	})
	d, _ := newTestDispatcher(t, store, WithHandler(domain.ActionClientCommunication, h))
	res, err := d.Dispatch(context.Background(), "c1", domain.ActionClientCommunication, now)
	if err != nil || res.Status != StatusExhausted || calls != 1 {
		t.Fatalf("only one attempt should remain: %+v calls=%d err=%v", res, calls, err)
	}
}

func TestEventAppliedOnSuccess(t *testing.T) {
	c := pendingSignature("c1")
	c.State = domain.StateClientSigned
	store := newMemStore(c)
	h := HandlerFunc(func(ctx context.Context, job Job) (Outcome, error) {
		return Outcome{Channel: domain.ChannelPortal, Event: event(domain.EventSubmittedToProvider)}, nil
	})
	d, _ := newTestDispatcher(t, store, WithHandler(domain.ActionProviderRPA, h))
	res, err := d.Dispatch(context.Background(), "c1", domain.ActionProviderRPA, now)
	if err != nil || res.Change == nil || res.Change.To != domain.StateProviderSubmitted {
		t.Fatalf("unexpected %+v %v", res, err)
	}
	got, _ := store.GetCase(context.Background(), "c1")
	if got.State != domain.StateProviderSubmitted || got.SLADueAt == nil {
		t.Fatalf("case not advanced: %+v", got)
	}
	if got.Version != 1 || res.Update.Case.Version != 1 {
		t.Fatalf("version not bumped: %d %d", got.Version, res.Update.Case.Version)
	}
}

func TestEventNotPermittedIsIgnored(t *testing.T) {
	store := newMemStore(pendingSignature("c1"))
	h := HandlerFunc(func(ctx context.Context, job Job) (Outcome, error) {
		return Outcome{Event: event(domain.EventInformationReceived)}, nil
	})
	d, _ := newTestDispatcher(t, store, WithHandler(domain.ActionClientCommunication, h))
	res, err := d.Dispatch(context.Background(), "c1", domain.ActionClientCommunication, now)
	if err != nil || res.Change != nil {
		t.Fatalf("unexpected %+v %v", res, err)
	}
	got, _ := store.GetCase(context.Background(), "c1")
	if got.State != domain.StateClientSignaturePending {
		t.Fatalf("state changed to %s", got.State)
	}
}

func TestAttemptTimeout(t *testing.T) {
	store := newMemStore(pendingSignature("c1"))
	cfg := config.Default()
	cfg.Dispatch.AttemptTimeout = 10 * time.Millisecond
	cfg.Dispatch.MaxAttempts = 1
	h := HandlerFunc(func(ctx context.Context, job Job) (Outcome, error) {
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	})
	d := New(cfg.Dispatch, cfg.Decision, store, lifecycle.Machine{},
		WithHandler(domain.ActionClientCommunication, h), WithLogger(logging.Nop()))
	res, err := d.Dispatch(context.Background(), "c1", domain.ActionClientCommunication, now)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Status != StatusExhausted || res.Err == nil || !strings.Contains(res.Err.Error(), "timed out") {
		t.Fatalf("unexpected %+v", res)
	}
}

func TestCancelledContextInterrupts(t *testing.T) {
	store := newMemStore(pendingSignature("c1"))
	ctx, cancel := context.WithCancel(context.Background())
	h := HandlerFunc(func(context.Context, Job) (Outcome, error) {
		cancel()
		return Outcome{}, errors.New("fail")
	})
	d, _ := newTestDispatcher(t, store, WithHandler(domain.ActionClientCommunication, h))
	c, _ := store.GetCase(context.Background(), "c1")
	res, err := d.Execute(ctx, c, nil, nil, domain.ActionClientCommunication, now)
	if err != nil || res.Status != StatusInterrupted || res.Event != nil || res.Attempts != 1 {
		t.Fatalf("unexpected %+v %v", res, err)
	}
}

func TestMissingHandlerFailsLikeAnyHandler(t *testing.T) {
	c := pendingSignature("c1")
	c.State = domain.StateClientSigned
	store := newMemStore(c)
	d, rec := newTestDispatcher(t, store)
	res, err := d.Dispatch(context.Background(), "c1", domain.ActionProviderRPA, now)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Status != StatusExhausted || res.Attempts != 3 || !errors.Is(res.Err, ErrNoHandler) {
		t.Fatalf("unexpected %+v", res)
	}
	if len(rec.waits) != 2 {
		t.Fatalf("missing handler should back off like a failure: %v", rec.waits)
	}
	got, _ := store.GetCase(context.Background(), "c1")
	a := got.Attempt(domain.ActionProviderRPA)
	if a.Count != 3 || a.Failures != 3 || !strings.Contains(a.LastFailureReason, "no handler") {
		t.Fatalf("attempts not recorded: %+v", a)
	}
	if got.State != domain.StateStalled {
		t.Fatalf("case should stall: %+v", got)
	}
	if out := store.outcomes("c1"); len(out) != 3 || out[0] != domain.OutcomeFailed {
		t.Fatalf("unexpected log outcomes %v", out)
	}
}

// ctxStore refuses commits on a done context, as a database driver would.
type ctxStore struct{ *memStore }

func (s ctxStore) Commit(ctx context.Context, u domain.CaseUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.memStore.Commit(ctx, u)
}

func TestSuccessSurvivesCancellation(t *testing.T) {
	store := ctxStore{newMemStore(pendingSignature("c1"))}
	ctx, cancel := context.WithCancel(context.Background())
	h := HandlerFunc(func(context.Context, Job) (Outcome, error) {
		cancel()
		return Outcome{Channel: domain.ChannelEmail, Detail: "reminder sent"}, nil
	})
	d, _ := newTestDispatcher(t, store, WithHandler(domain.ActionClientCommunication, h))
	res, err := d.Dispatch(ctx, "c1", domain.ActionClientCommunication, now)
	if err != nil || res.Status != StatusDispatched {
		t.Fatalf("unexpected %+v %v", res, err)
	}
	got, _ := store.GetCase(context.Background(), "c1")
	a := got.Attempt(domain.ActionClientCommunication)
	if a.Count != 1 || a.LastAttemptAt == nil || a.LastSuccessAt == nil {
		t.Fatalf("success not persisted: %+v", a)
	}
	if out := store.outcomes("c1"); len(out) != 1 || out[0] != domain.OutcomeSuccess {
		t.Fatalf("unexpected log outcomes %v", out)
	}
}

func TestInterruptedFailuresArePersisted(t *testing.T) {
	store := ctxStore{newMemStore(pendingSignature("c1"))}
	ctx, cancel := context.WithCancel(context.Background())
	h := HandlerFunc(func(context.Context, Job) (Outcome, error) {
		cancel()
		return Outcome{}, errors.New("gateway refused")
	})
	d, _ := newTestDispatcher(t, store, WithHandler(domain.ActionClientCommunication, h))
	res, err := d.Dispatch(ctx, "c1", domain.ActionClientCommunication, now)
	if err != nil || res.Status != StatusInterrupted || res.Attempts != 1 {
		t.Fatalf("unexpected %+v %v", res, err)
	}
	got, _ := store.GetCase(context.Background(), "c1")
	if a := got.Attempt(domain.ActionClientCommunication); a.Count != 1 || a.Failures != 1 {
		t.Fatalf("failure not persisted: %+v", a)
	}
	if out := store.outcomes("c1"); len(out) != 1 || out[0] != domain.OutcomeFailed {
		t.Fatalf("unexpected log outcomes %v", out)
	}
}

func TestInterruptedBeforeAnyAttemptWritesNothing(t *testing.T) {
	store := newMemStore(pendingSignature("c1"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d, _ := newTestDispatcher(t, store, WithHandler(domain.ActionClientCommunication, HandlerFunc(func(context.Context, Job) (Outcome, error) {
		t.Fatalf("handler should not run")
		return Outcome{}, nil
	})))
	c, _ := store.GetCase(context.Background(), "c1")
	res, err := d.Execute(ctx, c, nil, nil, domain.ActionClientCommunication, now)
	if err != nil || res.Status != StatusInterrupted {
		t.Fatalf("unexpected %+v %v", res, err)
	}
	if _, err := d.Settle(ctx, res); err != nil || store.commits != 0 {
		t.Fatalf("settle wrote %d commits: %v", store.commits, err)
	}
}

func TestSettleConflict(t *testing.T) {
	store := newMemStore(pendingSignature("c1"))
	d, _ := newTestDispatcher(t, store, WithHandler(domain.ActionClientCommunication, HandlerFunc(func(context.Context, Job) (Outcome, error) {
		return Outcome{}, nil
	})))
	c, _ := store.GetCase(context.Background(), "c1")
	res, err := d.Execute(context.Background(), c, nil, nil, domain.ActionClientCommunication, now)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := store.Commit(context.Background(), domain.CaseUpdate{Case: c, ExpectedVersion: 0}); err != nil {
		t.Fatalf("concurrent write: %v", err)
	}
	if _, err := d.Settle(context.Background(), res); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestBackoffCapped(t *testing.T) {
	d := New(config.Dispatch{BackoffBase: 10 * time.Second, BackoffCap: 25 * time.Second}, config.Decision{}, nil, nil)
	want := []time.Duration{10 * time.Second, 20 * time.Second, 25 * time.Second, 25 * time.Second}
	for i, w := range want {
		if got := d.backoff(i + 1); got != w {
			t.Fatalf("backoff(%d) = %s want %s", i+1, got, w)
		}
	}
}

func TestLocks(t *testing.T) {
	l := NewLocks()
	unlock := l.Lock("a")
	if _, ok := l.TryLock("a"); ok {
		t.Fatalf("lock should be held")
	}
	other, ok := l.TryLock("b")
	if !ok {
		t.Fatalf("independent key should be free")
	}
	other()
	unlock()
	unlock()
	if n := l.len(); n != 0 {
		t.Fatalf("entries leaked: %d", n)
	}
	again, ok := l.TryLock("a")
	if !ok {
		t.Fatalf("lock should be free again")
	}
	again()
}
