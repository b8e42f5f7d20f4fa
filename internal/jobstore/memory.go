package jobstore

import (
	"context"
	"sort"
	"sync"

	"github.com/ak-badjie/mbalit/internal/models"
)

// MemoryStore keeps jobs in a map. It backs tests and single-node
// deployments without Postgres.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]models.Job
	*notifier
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]models.Job), notifier: newNotifier()}
}

func (m *MemoryStore) Create(_ context.Context, job models.Job) (models.Job, error) {
	prepared, err := prepareCreate(job)
	if err != nil {
		return models.Job{}, err
	}
	m.mu.Lock()
	m.jobs[prepared.ID] = prepared
	m.mu.Unlock()
	m.publish(cloneJob(prepared))
	return cloneJob(prepared), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (models.Job, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, false, nil
	}
	return cloneJob(job), true, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status models.JobStatus) ([]models.Job, error) {
	m.mu.RLock()
	out := make([]models.Job, 0)
	for _, job := range m.jobs {
		if job.Status == status {
			out = append(out, cloneJob(job))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CompareAndSetStatus(_ context.Context, id string, expected, next models.JobStatus, change StatusChange) (bool, error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return false, ErrNotFound
	}
	if job.Status != expected {
		m.mu.Unlock()
		return false, nil
	}
	job.Status = next
	if change.CollectorID != nil {
		cid := *change.CollectorID
		job.CollectorID = &cid
		job.EtaMinutes = change.EtaMinutes
	}
	if change.AssignedAt != nil {
		at := *change.AssignedAt
		job.AssignedAt = &at
	}
	if change.CompletedAt != nil {
		at := *change.CompletedAt
		job.CompletedAt = &at
	}
	if change.CancelReason != "" {
		job.CancelReason = change.CancelReason
	}
	m.jobs[id] = job
	m.mu.Unlock()
	m.publish(cloneJob(job))
	return true, nil
}

func (m *MemoryStore) SetPaymentStatus(_ context.Context, id string, ps models.PaymentStatus, ref string) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	job.PaymentStatus = ps
	if ref != "" {
		job.PaymentRef = ref
	}
	m.jobs[id] = job
	m.mu.Unlock()
	m.publish(cloneJob(job))
	return nil
}

func (m *MemoryStore) Subscribe(id string, fn func(models.Job)) func() {
	return m.subscribe(id, fn)
}

// cloneJob detaches the pointer fields so callers and subscribers never
// alias stored state.
func cloneJob(job models.Job) models.Job {
	if job.CollectorID != nil {
		id := *job.CollectorID
		job.CollectorID = &id
	}
	if job.AssignedAt != nil {
		at := *job.AssignedAt
		job.AssignedAt = &at
	}
	if job.CompletedAt != nil {
		at := *job.CompletedAt
		job.CompletedAt = &at
	}
	return job
}
