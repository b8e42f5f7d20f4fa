// Package wallet records collector earnings. The dispatcher credits a
// collector exactly once when a job completes; payout rails live elsewhere.
package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Credit is one earning entry on a collector's wallet.
type Credit struct {
	ID          string    `json:"id"`
	CollectorID string    `json:"collector_id"`
	JobID       string    `json:"job_id"`
	Amount      float64   `json:"amount"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Ledger is the earnings store.
type Ledger interface {
	// Credit appends an entry. The id and timestamp are filled in when
	// absent. Negative amounts are rejected.
	Credit(ctx context.Context, c Credit) error
	// Balance sums all credits for the collector.
	Balance(ctx context.Context, collectorID string) (float64, error)
	// ListCredits returns the collector's entries, newest first.
	ListCredits(ctx context.Context, collectorID string) ([]Credit, error)
}

func prepareCredit(c Credit) (Credit, error) {
	if c.CollectorID == "" {
		return Credit{}, fmt.Errorf("collector id is required")
	}
	if c.Amount < 0 {
		return Credit{}, fmt.Errorf("credit amount must not be negative")
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	return c, nil
}

// MemoryLedger keeps credits in memory for tests and single-node runs.
type MemoryLedger struct {
	mu      sync.RWMutex
	credits map[string][]Credit
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{credits: make(map[string][]Credit)}
}

func (m *MemoryLedger) Credit(_ context.Context, c Credit) error {
	prepared, err := prepareCredit(c)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credits[prepared.CollectorID] = append(m.credits[prepared.CollectorID], prepared)
	return nil
}

func (m *MemoryLedger) Balance(_ context.Context, collectorID string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum float64
	for _, c := range m.credits[collectorID] {
		sum += c.Amount
	}
	return sum, nil
}

func (m *MemoryLedger) ListCredits(_ context.Context, collectorID string) ([]Credit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.credits[collectorID]
	out := make([]Credit, len(entries))
	// stored oldest first; return newest first
	for i, c := range entries {
		out[len(entries)-1-i] = c
	}
	return out, nil
}
