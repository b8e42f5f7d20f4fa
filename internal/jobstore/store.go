// Package jobstore persists pickup jobs and serializes every status write
// through a compare-and-set so concurrent writers cannot double-assign or
// resurrect a finished job.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ak-badjie/mbalit/internal/geo"
	"github.com/ak-badjie/mbalit/internal/models"
)

// ErrNotFound is returned by writes against an unknown job id. Reads report
// absence through their ok result instead.
var ErrNotFound = errors.New("job not found")

// StatusChange carries the fields that may legally change together with a
// status. Nil pointers leave the stored value untouched; CollectorID and
// EtaMinutes are applied together on assignment. CancelReason is applied
// only when non-empty.
type StatusChange struct {
	CollectorID  *string
	EtaMinutes   int
	AssignedAt   *time.Time
	CompletedAt  *time.Time
	CancelReason string
}

// Store is the persistence boundary for pickup jobs.
type Store interface {
	// Create validates and persists a new job in status pending. The id and
	// creation time are filled in when absent.
	Create(ctx context.Context, job models.Job) (models.Job, error)
	// Get returns the job, or ok=false when the id is unknown.
	Get(ctx context.Context, id string) (models.Job, bool, error)
	// ListByStatus returns all jobs currently in the given status, oldest
	// first.
	ListByStatus(ctx context.Context, status models.JobStatus) ([]models.Job, error)
	// CompareAndSetStatus atomically moves the job from expected to next and
	// applies change. It returns false without error when the stored status
	// is no longer expected; at most one concurrent caller can win a given
	// edge. Subscribers observe the job after the write is confirmed.
	CompareAndSetStatus(ctx context.Context, id string, expected, next models.JobStatus, change StatusChange) (bool, error)
	// SetPaymentStatus updates the payment state and reference outside the
	// job status graph.
	SetPaymentStatus(ctx context.Context, id string, ps models.PaymentStatus, ref string) error
	// Subscribe registers fn for confirmed writes to one job id, or to all
	// jobs when id is empty. fn must return quickly and must not call back
	// into the store. The returned func cancels the subscription.
	Subscribe(id string, fn func(models.Job)) func()
}

// prepareCreate applies creation defaults and validates the caller-supplied
// fields. Shared by every Store implementation so a job is well-formed no
// matter where it is persisted.
func prepareCreate(job models.Job) (models.Job, error) {
	if job.CustomerID == "" {
		return models.Job{}, fmt.Errorf("customer id is required")
	}
	if _, err := models.ParseCapability(string(job.Capability)); err != nil {
		return models.Job{}, err
	}
	if err := geo.ValidateCoord(job.Pickup); err != nil {
		return models.Job{}, fmt.Errorf("pickup location: %w", err)
	}
	if job.Price < 0 {
		return models.Job{}, fmt.Errorf("price must not be negative")
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.PaymentStatus == "" {
		job.PaymentStatus = models.PaymentUnpaid
	} else if _, err := models.ParsePaymentStatus(string(job.PaymentStatus)); err != nil {
		return models.Job{}, err
	}
	job.Status = models.JobPending
	job.CollectorID = nil
	job.EtaMinutes = 0
	job.CancelReason = ""
	job.AssignedAt = nil
	job.CompletedAt = nil
	return job, nil
}

// notifier fans confirmed job writes out to subscribers. The empty id is
// the wildcard channel. Callbacks run synchronously on the writer's
// goroutine, outside the store locks.
type notifier struct {
	mu   sync.Mutex
	seq  int
	subs map[string]map[int]func(models.Job)
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[string]map[int]func(models.Job))}
}

func (n *notifier) subscribe(id string, fn func(models.Job)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	key := n.seq
	if n.subs[id] == nil {
		n.subs[id] = make(map[int]func(models.Job))
	}
	n.subs[id][key] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs[id], key)
		if len(n.subs[id]) == 0 {
			delete(n.subs, id)
		}
	}
}

func (n *notifier) publish(job models.Job) {
	n.mu.Lock()
	fns := make([]func(models.Job), 0, len(n.subs[job.ID])+len(n.subs[""]))
	for _, fn := range n.subs[job.ID] {
		fns = append(fns, fn)
	}
	for _, fn := range n.subs[""] {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn(job)
	}
}
