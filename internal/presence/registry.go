// Package presence tracks which collectors are online, where they are, what
// waste categories they handle, and whether they are busy on a job. The busy
// flag is the claim lock the dispatcher takes before assigning work, so
// MarkBusy must be atomic in every implementation.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/ak-badjie/mbalit/internal/geo"
	"github.com/ak-badjie/mbalit/internal/models"
)

// Registry is the availability store consulted and mutated by the matcher
// and dispatcher.
type Registry interface {
	// Report applies a heartbeat: online flag and last-seen always, location
	// and capability set only when the report carries them. Reports with
	// out-of-range coordinates are rejected. Repeated identical reports are
	// safe; last write wins.
	Report(ctx context.Context, r models.PresenceReport) error
	// Get returns the current record. ok is false for unknown collectors;
	// that is not an error.
	Get(ctx context.Context, collectorID string) (models.Presence, bool, error)
	// ListEligible returns every collector that could take a job of the
	// given category right now: online, located, free, fresh, and declaring
	// the category. Order is unspecified.
	ListEligible(ctx context.Context, c models.Capability) ([]models.Presence, error)
	// MarkBusy atomically claims the collector for a job. It returns false
	// without error when the collector is already claimed or unknown. At
	// most one concurrent caller wins.
	MarkBusy(ctx context.Context, collectorID, jobID string) (bool, error)
	// MarkFree releases a claim. Releasing an unclaimed or unknown
	// collector is a no-op.
	MarkFree(ctx context.Context, collectorID string) error
}

// eligible applies the shared availability rules. A ttl of zero disables the
// freshness check.
func eligible(p models.Presence, c models.Capability, ttl time.Duration, now time.Time) bool {
	if !p.Online || p.Location == nil || p.JobID != nil {
		return false
	}
	if !p.Handles(c) {
		return false
	}
	if ttl > 0 && now.Sub(p.LastSeen) > ttl {
		return false
	}
	return true
}

type memoryRecord struct {
	online   bool
	loc      *models.Coord
	caps     []models.Capability
	jobID    string
	lastSeen time.Time
}

// MemoryRegistry is the map-backed Registry used in tests and single-node
// deployments.
type MemoryRegistry struct {
	mu   sync.RWMutex
	ttl  time.Duration
	recs map[string]*memoryRecord
}

// NewMemoryRegistry creates an empty registry. ttl bounds how old a
// heartbeat may be before the collector stops being eligible; zero disables
// the bound.
func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	return &MemoryRegistry{ttl: ttl, recs: make(map[string]*memoryRecord)}
}

func (m *MemoryRegistry) Report(_ context.Context, r models.PresenceReport) error {
	if r.Location != nil {
		if err := geo.ValidateCoord(*r.Location); err != nil {
			return err
		}
	}
	at := r.ReportedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[r.CollectorID]
	if !ok {
		rec = &memoryRecord{}
		m.recs[r.CollectorID] = rec
	}
	rec.online = r.Online
	rec.lastSeen = at
	if r.Location != nil {
		loc := *r.Location
		rec.loc = &loc
	}
	if len(r.Capabilities) > 0 {
		rec.caps = append([]models.Capability(nil), r.Capabilities...)
	}
	return nil
}

func (m *MemoryRegistry) Get(_ context.Context, collectorID string) (models.Presence, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[collectorID]
	if !ok {
		return models.Presence{}, false, nil
	}
	return rec.presence(collectorID), true, nil
}

func (m *MemoryRegistry) ListEligible(_ context.Context, c models.Capability) ([]models.Presence, error) {
	now := time.Now().UTC()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Presence, 0, len(m.recs))
	for id, rec := range m.recs {
		p := rec.presence(id)
		if eligible(p, c, m.ttl, now) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryRegistry) MarkBusy(_ context.Context, collectorID, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[collectorID]
	if !ok || rec.jobID != "" {
		return false, nil
	}
	rec.jobID = jobID
	return true, nil
}

func (m *MemoryRegistry) MarkFree(_ context.Context, collectorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[collectorID]; ok {
		rec.jobID = ""
	}
	return nil
}

// presence builds a detached copy so callers never alias registry state.
func (r *memoryRecord) presence(id string) models.Presence {
	p := models.Presence{
		CollectorID:  id,
		Online:       r.online,
		Capabilities: append([]models.Capability(nil), r.caps...),
		LastSeen:     r.lastSeen,
	}
	if r.loc != nil {
		loc := *r.loc
		p.Location = &loc
	}
	if r.jobID != "" {
		jobID := r.jobID
		p.JobID = &jobID
	}
	return p
}
