// Package dispatch drives pickup jobs through their lifecycle: it finds a
// collector for a paid job, claims exactly one, and arbitrates every later
// status move. All writes go through the presence claim and the job store
// compare-and-set, so any number of dispatchers may run concurrently against
// the same stores without double-assigning work.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ak-badjie/mbalit/internal/jobstore"
	"github.com/ak-badjie/mbalit/internal/lifecycle"
	"github.com/ak-badjie/mbalit/internal/models"
	"github.com/ak-badjie/mbalit/internal/observability"
	"github.com/ak-badjie/mbalit/internal/wallet"
)

const (
	DefaultAttempts   = 3
	DefaultRetryDelay = 30 * time.Second

	// ReasonNoCollectors is recorded on jobs cancelled because every
	// dispatch attempt came up empty.
	ReasonNoCollectors = "no collectors available"
)

var (
	// ErrNotDispatchable rejects dispatch preconditions: unknown job or
	// unpaid job.
	ErrNotDispatchable = errors.New("job is not dispatchable")
	// ErrNoEligibleCollector reports that the retry budget ran out without
	// finding anyone. The job has been cancelled when this is returned.
	ErrNoEligibleCollector = errors.New("no collectors available")
	// ErrActorNotAllowed rejects lifecycle calls from anyone who is neither
	// the job's customer nor its assigned collector, or from a customer
	// trying to cancel after assignment.
	ErrActorNotAllowed = errors.New("actor is not allowed to modify this job")
)

// Selector picks the best collector for a pickup. *match.Matcher satisfies
// it.
type Selector interface {
	Match(ctx context.Context, pickup models.Coord, c models.Capability, exclude ...string) (models.Match, bool, error)
}

// Registry is the claim side of collector presence. presence.Registry
// satisfies it.
type Registry interface {
	MarkBusy(ctx context.Context, collectorID, jobID string) (bool, error)
	MarkFree(ctx context.Context, collectorID string) error
}

type Dispatcher struct {
	Store    jobstore.Store
	Registry Registry
	Matcher  Selector
	Wallet   wallet.Ledger
	Logger   *slog.Logger

	// Attempts and RetryDelay bound the match loop; zero values fall back
	// to the defaults.
	Attempts   int
	RetryDelay time.Duration
}

func (d *Dispatcher) attempts() int {
	if d.Attempts > 0 {
		return d.Attempts
	}
	return DefaultAttempts
}

func (d *Dispatcher) retryDelay() time.Duration {
	if d.RetryDelay > 0 {
		return d.RetryDelay
	}
	return DefaultRetryDelay
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Dispatch finds and assigns a collector for a pending, paid job. It makes
// at most the configured number of match attempts, sleeping between empty
// ones, and claims the chosen collector before touching the job so two
// dispatchers can never hand the same collector two jobs. Losing a claim
// race consumes the attempt and immediately retries against the remaining
// candidates. When the budget runs out the job is cancelled with
// ReasonNoCollectors and ErrNoEligibleCollector is returned.
//
// Calling Dispatch on a job that already left pending is a no-op returning
// the job as it stands, so redelivered triggers and sweep overlaps are
// harmless.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID string) (models.Job, error) {
	job, ok, err := d.Store.Get(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if !ok {
		return models.Job{}, fmt.Errorf("%w: job %s not found", ErrNotDispatchable, jobID)
	}
	if job.Status != models.JobPending {
		return job, nil
	}
	if job.PaymentStatus != models.PaymentPaid {
		return job, fmt.Errorf("%w: payment not confirmed for job %s", ErrNotDispatchable, jobID)
	}

	attempts := d.attempts()
	var exclude []string
	for attempt := 1; attempt <= attempts; attempt++ {
		observability.DispatchAttemptsTotal.Inc()
		m, found, err := d.Matcher.Match(ctx, job.Pickup, job.Capability, exclude...)
		if err != nil {
			return job, err
		}
		if found {
			claimed, err := d.Registry.MarkBusy(ctx, m.CollectorID, job.ID)
			if err != nil {
				return job, err
			}
			if !claimed {
				// Another dispatcher took this collector between the match
				// and the claim. The attempt is spent; retry right away
				// without them.
				observability.ClaimConflictsTotal.Inc()
				d.logger().Debug("collector claim lost", "job_id", job.ID, "collector_id", m.CollectorID, "attempt", attempt)
				exclude = append(exclude, m.CollectorID)
				continue
			}
			// assign also covers the job racing away from pending while we
			// held the claim (customer cancelled): the claim is rolled back
			// and the job is returned as it now stands.
			return d.assign(ctx, job, m)
		}
		if attempt == attempts {
			break
		}
		if err := d.sleep(ctx); err != nil {
			return job, err
		}
		// A full delay has passed; previously claimed collectors may be
		// free again, so they are back in play.
		exclude = exclude[:0]
	}

	return d.exhaust(ctx, job)
}

// assign moves the job to its claimed collector, rolling the claim back if
// the job changed under us.
func (d *Dispatcher) assign(ctx context.Context, job models.Job, m models.Match) (models.Job, error) {
	now := time.Now().UTC()
	swapped, err := d.Store.CompareAndSetStatus(ctx, job.ID, models.JobPending, models.JobAssigned, jobstore.StatusChange{
		CollectorID: &m.CollectorID,
		EtaMinutes:  m.EtaMinutes,
		AssignedAt:  &now,
	})
	if err != nil {
		if ferr := d.Registry.MarkFree(ctx, m.CollectorID); ferr != nil {
			d.logger().Error("claim rollback failed", "collector_id", m.CollectorID, "error", ferr)
		}
		return job, err
	}
	if !swapped {
		if ferr := d.Registry.MarkFree(ctx, m.CollectorID); ferr != nil {
			d.logger().Error("claim rollback failed", "collector_id", m.CollectorID, "error", ferr)
		}
		current, _, gerr := d.Store.Get(ctx, job.ID)
		if gerr != nil {
			return job, gerr
		}
		d.logger().Info("job left pending during assignment", "job_id", job.ID, "status", current.Status)
		return current, nil
	}
	observability.AssignmentsTotal.Inc()
	updated, _, err := d.Store.Get(ctx, job.ID)
	if err != nil {
		return job, err
	}
	d.logger().Info("job assigned",
		"job_id", job.ID,
		"collector_id", m.CollectorID,
		"distance_km", m.DistanceKm,
		"eta_minutes", m.EtaMinutes)
	return updated, nil
}

// exhaust cancels a job whose retry budget ran out. If someone else moved
// the job meanwhile, their write wins and is returned as-is.
func (d *Dispatcher) exhaust(ctx context.Context, job models.Job) (models.Job, error) {
	swapped, err := d.Store.CompareAndSetStatus(ctx, job.ID, models.JobPending, models.JobCancelled, jobstore.StatusChange{
		CancelReason: ReasonNoCollectors,
	})
	if err != nil {
		return job, err
	}
	current, _, gerr := d.Store.Get(ctx, job.ID)
	if gerr != nil {
		return job, gerr
	}
	if !swapped {
		return current, nil
	}
	observability.DispatchExhaustedTotal.Inc()
	observability.JobsCancelledTotal.Inc()
	d.logger().Warn("dispatch exhausted", "job_id", job.ID, "attempts", d.attempts())
	return current, ErrNoEligibleCollector
}

// Advance applies a collector's progress step: accepted, in_progress,
// arrived or completed. The step must come from the assigned collector and
// must follow the legal order. Completion credits the collector's wallet
// and frees them for new work. Racing writers are resolved by re-reading
// and revalidating until one side's expectation fails; the status graph has
// no cycles, so this settles.
func (d *Dispatcher) Advance(ctx context.Context, jobID, collectorID string, target models.JobStatus) (models.Job, error) {
	for {
		job, ok, err := d.Store.Get(ctx, jobID)
		if err != nil {
			return models.Job{}, err
		}
		if !ok {
			return models.Job{}, fmt.Errorf("%w: %s", jobstore.ErrNotFound, jobID)
		}
		if !lifecycle.CollectorAdvance(target) {
			return job, &lifecycle.InvalidTransitionError{From: job.Status, To: target}
		}
		if err := lifecycle.CanTransition(job.Status, target); err != nil {
			return job, err
		}
		if job.CollectorID == nil || *job.CollectorID != collectorID {
			return job, fmt.Errorf("%w: job %s is not held by collector %s", ErrActorNotAllowed, jobID, collectorID)
		}

		var change jobstore.StatusChange
		if target == models.JobCompleted {
			now := time.Now().UTC()
			change.CompletedAt = &now
		}
		swapped, err := d.Store.CompareAndSetStatus(ctx, jobID, job.Status, target, change)
		if err != nil {
			return job, err
		}
		if !swapped {
			continue // someone moved the job first; re-observe
		}
		updated, _, err := d.Store.Get(ctx, jobID)
		if err != nil {
			return job, err
		}
		d.logger().Info("job advanced", "job_id", jobID, "collector_id", collectorID, "status", target)
		if target == models.JobCompleted {
			if err := d.settle(ctx, updated); err != nil {
				return updated, err
			}
		}
		return updated, nil
	}
}

// settle runs the completion side effects: free the collector, credit the
// earnings. The CAS winner is the only caller, so the credit happens once.
func (d *Dispatcher) settle(ctx context.Context, job models.Job) error {
	observability.JobsCompletedTotal.Inc()
	if job.CollectorID == nil {
		return nil
	}
	if err := d.Registry.MarkFree(ctx, *job.CollectorID); err != nil {
		d.logger().Error("freeing collector failed", "collector_id", *job.CollectorID, "error", err)
	}
	if d.Wallet == nil {
		return nil
	}
	err := d.Wallet.Credit(ctx, wallet.Credit{
		CollectorID: *job.CollectorID,
		JobID:       job.ID,
		Amount:      job.Price,
		Description: "pickup " + job.ID,
	})
	if err != nil {
		// The completion stands; the missing credit must be reconciled
		// from the job record.
		d.logger().Error("wallet credit failed", "job_id", job.ID, "collector_id", *job.CollectorID, "error", err)
		return fmt.Errorf("wallet credit: %w", err)
	}
	return nil
}

// Cancel ends a job early. Customers may cancel while the job is still
// pending; the assigned collector may cancel any live job. A reason is
// always required and is kept on the record. Cancelling an already finished
// job is rejected, not absorbed.
func (d *Dispatcher) Cancel(ctx context.Context, jobID, actorID, reason string) (models.Job, error) {
	if reason == "" {
		return models.Job{}, fmt.Errorf("cancellation reason is required")
	}
	for {
		job, ok, err := d.Store.Get(ctx, jobID)
		if err != nil {
			return models.Job{}, err
		}
		if !ok {
			return models.Job{}, fmt.Errorf("%w: %s", jobstore.ErrNotFound, jobID)
		}
		if err := lifecycle.CanTransition(job.Status, models.JobCancelled); err != nil {
			return job, err
		}
		switch {
		case actorID == job.CustomerID:
			if job.Status != models.JobPending {
				return job, fmt.Errorf("%w: customers can only cancel before a collector is assigned", ErrActorNotAllowed)
			}
		case job.CollectorID != nil && actorID == *job.CollectorID:
			// assigned collector may abandon with a reason
		default:
			return job, fmt.Errorf("%w: %s", ErrActorNotAllowed, actorID)
		}

		swapped, err := d.Store.CompareAndSetStatus(ctx, jobID, job.Status, models.JobCancelled, jobstore.StatusChange{
			CancelReason: reason,
		})
		if err != nil {
			return job, err
		}
		if !swapped {
			continue
		}
		observability.JobsCancelledTotal.Inc()
		if job.CollectorID != nil {
			if err := d.Registry.MarkFree(ctx, *job.CollectorID); err != nil {
				d.logger().Error("freeing collector failed", "collector_id", *job.CollectorID, "error", err)
			}
		}
		updated, _, err := d.Store.Get(ctx, jobID)
		if err != nil {
			return job, err
		}
		d.logger().Info("job cancelled", "job_id", jobID, "actor_id", actorID, "reason", reason)
		return updated, nil
	}
}

func (d *Dispatcher) sleep(ctx context.Context) error {
	t := time.NewTimer(d.retryDelay())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
