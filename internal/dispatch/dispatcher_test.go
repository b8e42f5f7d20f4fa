package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ak-badjie/mbalit/internal/jobstore"
	"github.com/ak-badjie/mbalit/internal/lifecycle"
	"github.com/ak-badjie/mbalit/internal/match"
	"github.com/ak-badjie/mbalit/internal/models"
	"github.com/ak-badjie/mbalit/internal/presence"
	"github.com/ak-badjie/mbalit/internal/wallet"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type env struct {
	store    *jobstore.MemoryStore
	registry *presence.MemoryRegistry
	ledger   *wallet.MemoryLedger
	disp     *Dispatcher
}

func newEnv() *env {
	store := jobstore.NewMemoryStore()
	registry := presence.NewMemoryRegistry(0)
	ledger := wallet.NewMemoryLedger()
	disp := &Dispatcher{
		Store:      store,
		Registry:   registry,
		Matcher:    &match.Matcher{Registry: registry},
		Wallet:     ledger,
		Logger:     quiet,
		Attempts:   3,
		RetryDelay: time.Millisecond,
	}
	return &env{store: store, registry: registry, ledger: ledger, disp: disp}
}

func (e *env) addCollector(t *testing.T, id string, lat, lng float64, caps ...models.Capability) {
	t.Helper()
	err := e.registry.Report(context.Background(), models.PresenceReport{
		CollectorID:  id,
		Online:       true,
		Location:     &models.Coord{Lat: lat, Lng: lng},
		Capabilities: caps,
	})
	if err != nil {
		t.Fatalf("report %s: %v", id, err)
	}
}

func (e *env) createPaidJob(t *testing.T, c models.Capability) models.Job {
	t.Helper()
	job, err := e.store.Create(context.Background(), models.Job{
		CustomerID: "cust-1",
		Capability: c,
		Pickup:     models.Coord{Lat: 13.4549, Lng: -16.5790},
		Price:      250,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := e.store.SetPaymentStatus(context.Background(), job.ID, models.PaymentPaid, "pi_test"); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	job.PaymentStatus = models.PaymentPaid
	return job
}

func (e *env) busyCollectors(t *testing.T, ids ...string) []string {
	t.Helper()
	var busy []string
	for _, id := range ids {
		p, ok, err := e.registry.Get(context.Background(), id)
		if err != nil || !ok {
			t.Fatalf("get %s: ok=%v err=%v", id, ok, err)
		}
		if p.JobID != nil {
			busy = append(busy, id)
		}
	}
	return busy
}

func TestDispatchAssignsNearestCollector(t *testing.T) {
	e := newEnv()
	e.addCollector(t, "near", 13.46, -16.58, models.CapHousehold)
	e.addCollector(t, "far", 13.50, -16.62, models.CapHousehold)
	job := e.createPaidJob(t, models.CapHousehold)

	got, err := e.disp.Dispatch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got.Status != models.JobAssigned {
		t.Fatalf("status %s, want assigned", got.Status)
	}
	if got.CollectorID == nil || *got.CollectorID != "near" {
		t.Fatalf("collector %v, want near", got.CollectorID)
	}
	if got.AssignedAt == nil || got.EtaMinutes <= 0 {
		t.Fatalf("assignment fields missing: %+v", got)
	}
	if busy := e.busyCollectors(t, "near", "far"); len(busy) != 1 || busy[0] != "near" {
		t.Fatalf("busy collectors %v, want [near]", busy)
	}
	if bal, _ := e.ledger.Balance(context.Background(), "near"); bal != 0 {
		t.Fatalf("wallet credited before completion: %v", bal)
	}
}

func TestDispatchRequiresConfirmedPayment(t *testing.T) {
	e := newEnv()
	e.addCollector(t, "c1", 13.46, -16.58, models.CapHousehold)
	job, err := e.store.Create(context.Background(), models.Job{
		CustomerID: "cust-1",
		Capability: models.CapHousehold,
		Pickup:     models.Coord{Lat: 13.4549, Lng: -16.5790},
		Price:      100,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = e.disp.Dispatch(context.Background(), job.ID)
	if !errors.Is(err, ErrNotDispatchable) {
		t.Fatalf("expected ErrNotDispatchable, got %v", err)
	}
	got, _, _ := e.store.Get(context.Background(), job.ID)
	if got.Status != models.JobPending {
		t.Fatalf("unpaid job must stay pending, got %s", got.Status)
	}
	if busy := e.busyCollectors(t, "c1"); len(busy) != 0 {
		t.Fatalf("no collector should be claimed, busy=%v", busy)
	}
}

func TestDispatchUnknownJob(t *testing.T) {
	e := newEnv()
	_, err := e.disp.Dispatch(context.Background(), "missing")
	if !errors.Is(err, ErrNotDispatchable) {
		t.Fatalf("expected ErrNotDispatchable, got %v", err)
	}
}

func TestDispatchIsIdempotentAfterAssignment(t *testing.T) {
	e := newEnv()
	e.addCollector(t, "a", 13.46, -16.58, models.CapHousehold)
	e.addCollector(t, "b", 13.47, -16.59, models.CapHousehold)
	job := e.createPaidJob(t, models.CapHousehold)

	first, err := e.disp.Dispatch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	second, err := e.disp.Dispatch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if second.Status != models.JobAssigned || *second.CollectorID != *first.CollectorID {
		t.Fatalf("second dispatch changed the assignment: %+v", second)
	}
	if busy := e.busyCollectors(t, "a", "b"); len(busy) != 1 {
		t.Fatalf("exactly one collector should be busy, got %v", busy)
	}
}

type countingSelector struct {
	inner Selector
	mu    sync.Mutex
	calls int
}

func (c *countingSelector) Match(ctx context.Context, pickup models.Coord, category models.Capability, exclude ...string) (models.Match, bool, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Match(ctx, pickup, category, exclude...)
}

func TestDispatchExhaustsRetriesAndCancels(t *testing.T) {
	e := newEnv()
	counter := &countingSelector{inner: e.disp.Matcher}
	e.disp.Matcher = counter
	job := e.createPaidJob(t, models.CapHousehold)

	start := time.Now()
	_, err := e.disp.Dispatch(context.Background(), job.ID)
	if !errors.Is(err, ErrNoEligibleCollector) {
		t.Fatalf("expected ErrNoEligibleCollector, got %v", err)
	}
	if counter.calls != 3 {
		t.Fatalf("expected exactly 3 match attempts, got %d", counter.calls)
	}
	// two waits between three attempts, none after the last
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("dispatch slept too long: %v", elapsed)
	}

	got, _, _ := e.store.Get(context.Background(), job.ID)
	if got.Status != models.JobCancelled {
		t.Fatalf("exhausted job must be cancelled, got %s", got.Status)
	}
	if got.CancelReason != ReasonNoCollectors {
		t.Fatalf("cancel reason %q, want %q", got.CancelReason, ReasonNoCollectors)
	}
}

// flakyRegistry fails the first claim for a chosen collector, standing in
// for a concurrent dispatcher winning the claim race.
type flakyRegistry struct {
	Registry
	mu       sync.Mutex
	failID   string
	failures int
}

func (f *flakyRegistry) MarkBusy(ctx context.Context, collectorID, jobID string) (bool, error) {
	f.mu.Lock()
	if collectorID == f.failID && f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return false, nil
	}
	f.mu.Unlock()
	return f.Registry.MarkBusy(ctx, collectorID, jobID)
}

func TestDispatchLostClaimFallsBackToNextCandidate(t *testing.T) {
	e := newEnv()
	e.addCollector(t, "near", 13.46, -16.58, models.CapHousehold)
	e.addCollector(t, "far", 13.50, -16.62, models.CapHousehold)
	flaky := &flakyRegistry{Registry: e.registry, failID: "near", failures: 1}
	e.disp.Registry = flaky
	counter := &countingSelector{inner: e.disp.Matcher}
	e.disp.Matcher = counter
	job := e.createPaidJob(t, models.CapHousehold)

	got, err := e.disp.Dispatch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got.CollectorID == nil || *got.CollectorID != "far" {
		t.Fatalf("expected fallback to far, got %+v", got.CollectorID)
	}
	// lost claim consumes an attempt and rematches immediately
	if counter.calls != 2 {
		t.Fatalf("expected 2 match calls, got %d", counter.calls)
	}
}

// cancelDuringAssign simulates a customer cancelling between the collector
// claim and the job status write.
type cancelDuringAssign struct {
	jobstore.Store
	once sync.Once
}

func (c *cancelDuringAssign) CompareAndSetStatus(ctx context.Context, id string, expected, next models.JobStatus, change jobstore.StatusChange) (bool, error) {
	if next == models.JobAssigned {
		c.once.Do(func() {
			c.Store.CompareAndSetStatus(ctx, id, models.JobPending, models.JobCancelled, jobstore.StatusChange{
				CancelReason: "changed my mind",
			})
		})
	}
	return c.Store.CompareAndSetStatus(ctx, id, expected, next, change)
}

func TestDispatchRollsBackClaimWhenJobRacesAway(t *testing.T) {
	e := newEnv()
	e.addCollector(t, "c1", 13.46, -16.58, models.CapHousehold)
	job := e.createPaidJob(t, models.CapHousehold)
	e.disp.Store = &cancelDuringAssign{Store: e.store}

	got, err := e.disp.Dispatch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got.Status != models.JobCancelled {
		t.Fatalf("expected the concurrent cancel to win, got %s", got.Status)
	}
	if got.CollectorID != nil {
		t.Fatalf("cancelled-before-assignment job must stay unassigned, got %v", *got.CollectorID)
	}
	if busy := e.busyCollectors(t, "c1"); len(busy) != 0 {
		t.Fatalf("claim must be rolled back, busy=%v", busy)
	}
}

func TestConcurrentDispatchDistinctJobsOneCollector(t *testing.T) {
	e := newEnv()
	e.disp.Attempts = 2
	e.addCollector(t, "c1", 13.46, -16.58, models.CapHousehold)

	const jobs = 8
	ids := make([]string, jobs)
	for i := range ids {
		ids[i] = e.createPaidJob(t, models.CapHousehold).ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			_, err := e.disp.Dispatch(context.Background(), jobID)
			if err != nil && !errors.Is(err, ErrNoEligibleCollector) {
				t.Errorf("dispatch %s: %v", jobID, err)
			}
		}(id)
	}
	wg.Wait()

	assigned, cancelled := 0, 0
	for _, id := range ids {
		job, _, _ := e.store.Get(context.Background(), id)
		switch job.Status {
		case models.JobAssigned:
			assigned++
			if job.CollectorID == nil || *job.CollectorID != "c1" {
				t.Fatalf("assigned to %v, want c1", job.CollectorID)
			}
		case models.JobCancelled:
			cancelled++
			if job.CancelReason != ReasonNoCollectors {
				t.Fatalf("cancel reason %q", job.CancelReason)
			}
		default:
			t.Fatalf("job %s ended in %s", id, job.Status)
		}
	}
	if assigned != 1 {
		t.Fatalf("exactly one job must win the collector, got %d", assigned)
	}
	if cancelled != jobs-1 {
		t.Fatalf("expected %d cancelled, got %d", jobs-1, cancelled)
	}
}

func TestConcurrentDispatchSameJobSingleAssignment(t *testing.T) {
	e := newEnv()
	// Generous budget: no contender may exhaust its retries before the
	// winning assignment lands.
	e.disp.Attempts = 10
	e.disp.RetryDelay = 50 * time.Millisecond
	collectors := []string{"a", "b", "c", "d"}
	for i, id := range collectors {
		e.addCollector(t, id, 13.46+float64(i)*0.01, -16.58, models.CapHousehold)
	}
	job := e.createPaidJob(t, models.CapHousehold)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.disp.Dispatch(context.Background(), job.ID); err != nil {
				t.Errorf("dispatch: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _, _ := e.store.Get(context.Background(), job.ID)
	if got.Status != models.JobAssigned || got.CollectorID == nil {
		t.Fatalf("job not assigned: %+v", got)
	}
	busy := e.busyCollectors(t, collectors...)
	if len(busy) != 1 || busy[0] != *got.CollectorID {
		t.Fatalf("busy collectors %v, want exactly the assignee %s", busy, *got.CollectorID)
	}
}

func advanceChain(t *testing.T, e *env, jobID, collectorID string, steps ...models.JobStatus) models.Job {
	t.Helper()
	var job models.Job
	var err error
	for _, step := range steps {
		job, err = e.disp.Advance(context.Background(), jobID, collectorID, step)
		if err != nil {
			t.Fatalf("advance to %s: %v", step, err)
		}
	}
	return job
}

func TestAdvanceHappyPathCreditsAndFrees(t *testing.T) {
	e := newEnv()
	e.addCollector(t, "c1", 13.46, -16.58, models.CapHousehold)
	job := e.createPaidJob(t, models.CapHousehold)
	if _, err := e.disp.Dispatch(context.Background(), job.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	final := advanceChain(t, e, job.ID, "c1",
		models.JobAccepted, models.JobInProgress, models.JobArrived, models.JobCompleted)

	if final.Status != models.JobCompleted || final.CompletedAt == nil {
		t.Fatalf("completion fields missing: %+v", final)
	}
	bal, err := e.ledger.Balance(context.Background(), "c1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 250 {
		t.Fatalf("wallet balance %v, want 250", bal)
	}
	if busy := e.busyCollectors(t, "c1"); len(busy) != 0 {
		t.Fatalf("collector must be freed on completion, busy=%v", busy)
	}
	// freed collector is immediately matchable again
	next := e.createPaidJob(t, models.CapHousehold)
	got, err := e.disp.Dispatch(context.Background(), next.ID)
	if err != nil || got.Status != models.JobAssigned {
		t.Fatalf("freed collector not re-assignable: %+v err=%v", got, err)
	}
}

func TestAdvanceRejectsWrongCollector(t *testing.T) {
	e := newEnv()
	e.addCollector(t, "c1", 13.46, -16.58, models.CapHousehold)
	job := e.createPaidJob(t, models.CapHousehold)
	e.disp.Dispatch(context.Background(), job.ID)

	_, err := e.disp.Advance(context.Background(), job.ID, "impostor", models.JobAccepted)
	if !errors.Is(err, ErrActorNotAllowed) {
		t.Fatalf("expected ErrActorNotAllowed, got %v", err)
	}
	got, _, _ := e.store.Get(context.Background(), job.ID)
	if got.Status != models.JobAssigned {
		t.Fatalf("rejected advance must not write, status %s", got.Status)
	}
}

func TestAdvanceRejectsSkippedSteps(t *testing.T) {
	e := newEnv()
	e.addCollector(t, "c1", 13.46, -16.58, models.CapHousehold)
	job := e.createPaidJob(t, models.CapHousehold)
	e.disp.Dispatch(context.Background(), job.ID)

	_, err := e.disp.Advance(context.Background(), job.ID, "c1", models.JobArrived)
	var ite *lifecycle.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if ite.From != models.JobAssigned || ite.To != models.JobArrived {
		t.Fatalf("error edge %s -> %s", ite.From, ite.To)
	}
}

func TestAdvanceCannotSelfAssign(t *testing.T) {
	e := newEnv()
	job := e.createPaidJob(t, models.CapHousehold)
	_, err := e.disp.Advance(context.Background(), job.ID, "c1", models.JobAssigned)
	var ite *lifecycle.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestCompletedJobRejectsFurtherSteps(t *testing.T) {
	e := newEnv()
	e.addCollector(t, "c1", 13.46, -16.58, models.CapHousehold)
	job := e.createPaidJob(t, models.CapHousehold)
	e.disp.Dispatch(context.Background(), job.ID)
	advanceChain(t, e, job.ID, "c1",
		models.JobAccepted, models.JobInProgress, models.JobArrived, models.JobCompleted)

	_, err := e.disp.Advance(context.Background(), job.ID, "c1", models.JobCompleted)
	var ite *lifecycle.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	// the failed re-completion must not double-credit
	bal, _ := e.ledger.Balance(context.Background(), "c1")
	if bal != 250 {
		t.Fatalf("wallet balance %v, want 250", bal)
	}
}

func TestCustomerCancelsPendingJob(t *testing.T) {
	e := newEnv()
	job := e.createPaidJob(t, models.CapHousehold)

	got, err := e.disp.Cancel(context.Background(), job.ID, "cust-1", "changed my mind")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != models.JobCancelled || got.CancelReason != "changed my mind" {
		t.Fatalf("cancel not applied: %+v", got)
	}
}

func TestCustomerCannotCancelAfterAssignment(t *testing.T) {
	e := newEnv()
	e.addCollector(t, "c1", 13.46, -16.58, models.CapHousehold)
	job := e.createPaidJob(t, models.CapHousehold)
	e.disp.Dispatch(context.Background(), job.ID)

	_, err := e.disp.Cancel(context.Background(), job.ID, "cust-1", "too slow")
	if !errors.Is(err, ErrActorNotAllowed) {
		t.Fatalf("expected ErrActorNotAllowed, got %v", err)
	}
}

func TestCollectorCancelsAndIsFreed(t *testing.T) {
	e := newEnv()
	e.addCollector(t, "c1", 13.46, -16.58, models.CapHousehold)
	job := e.createPaidJob(t, models.CapHousehold)
	e.disp.Dispatch(context.Background(), job.ID)

	got, err := e.disp.Cancel(context.Background(), job.ID, "c1", "truck broke down")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != models.JobCancelled || got.CancelReason != "truck broke down" {
		t.Fatalf("cancel not applied: %+v", got)
	}
	if got.CollectorID == nil || *got.CollectorID != "c1" {
		t.Fatalf("assignment history must survive cancellation: %+v", got.CollectorID)
	}
	if busy := e.busyCollectors(t, "c1"); len(busy) != 0 {
		t.Fatalf("collector must be freed, busy=%v", busy)
	}
	if bal, _ := e.ledger.Balance(context.Background(), "c1"); bal != 0 {
		t.Fatalf("cancelled job must not credit the wallet, got %v", bal)
	}
}

func TestStrangersCannotCancel(t *testing.T) {
	e := newEnv()
	job := e.createPaidJob(t, models.CapHousehold)
	_, err := e.disp.Cancel(context.Background(), job.ID, "someone-else", "nope")
	if !errors.Is(err, ErrActorNotAllowed) {
		t.Fatalf("expected ErrActorNotAllowed, got %v", err)
	}
}

func TestCancelRequiresReason(t *testing.T) {
	e := newEnv()
	job := e.createPaidJob(t, models.CapHousehold)
	if _, err := e.disp.Cancel(context.Background(), job.ID, "cust-1", ""); err == nil {
		t.Fatal("empty reason must be rejected")
	}
}

func TestCancelTerminalJobRejected(t *testing.T) {
	e := newEnv()
	job := e.createPaidJob(t, models.CapHousehold)
	if _, err := e.disp.Cancel(context.Background(), job.ID, "cust-1", "first"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err := e.disp.Cancel(context.Background(), job.ID, "cust-1", "second")
	var ite *lifecycle.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestSweeperRedispatchesStalePaidJobs(t *testing.T) {
	e := newEnv()
	e.addCollector(t, "c1", 13.46, -16.58, models.CapHousehold)
	ctx := context.Background()

	stale, err := e.store.Create(ctx, models.Job{
		CustomerID: "cust-1",
		Capability: models.CapHousehold,
		Pickup:     models.Coord{Lat: 13.4549, Lng: -16.5790},
		Price:      100,
		CreatedAt:  time.Now().UTC().Add(-10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e.store.SetPaymentStatus(ctx, stale.ID, models.PaymentPaid, "")

	fresh := e.createPaidJob(t, models.CapHousehold) // too young to sweep

	unpaidOld, err := e.store.Create(ctx, models.Job{
		CustomerID: "cust-2",
		Capability: models.CapHousehold,
		Pickup:     models.Coord{Lat: 13.4549, Lng: -16.5790},
		Price:      100,
		CreatedAt:  time.Now().UTC().Add(-10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	sweeper := &Sweeper{Dispatcher: e.disp, Store: e.store, Logger: quiet}
	n, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d jobs, want 1", n)
	}

	got, _, _ := e.store.Get(ctx, stale.ID)
	if got.Status != models.JobAssigned {
		t.Fatalf("stale job not dispatched, status %s", got.Status)
	}
	got, _, _ = e.store.Get(ctx, fresh.ID)
	if got.Status != models.JobPending {
		t.Fatalf("fresh job must be left alone, status %s", got.Status)
	}
	got, _, _ = e.store.Get(ctx, unpaidOld.ID)
	if got.Status != models.JobPending {
		t.Fatalf("unpaid job must be left alone, status %s", got.Status)
	}
}
