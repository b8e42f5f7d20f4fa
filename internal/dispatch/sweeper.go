package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ak-badjie/mbalit/internal/jobstore"
	"github.com/ak-badjie/mbalit/internal/models"
)

const (
	DefaultSweepInterval = time.Minute
	// DefaultSweepMinAge keeps the sweeper off jobs whose own dispatch may
	// still be inside its retry window.
	DefaultSweepMinAge = 2 * time.Minute
)

// Sweeper re-dispatches paid jobs that are still pending, picking up work
// orphaned by a crash or a dispatch that errored out. Overlapping with a
// live dispatch is safe; the store CAS lets only one assignment through.
type Sweeper struct {
	Dispatcher *Dispatcher
	Store      jobstore.Store
	Interval   time.Duration
	MinAge     time.Duration
	Logger     *slog.Logger
}

func (s *Sweeper) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return DefaultSweepInterval
}

func (s *Sweeper) minAge() time.Duration {
	if s.MinAge > 0 {
		return s.MinAge
	}
	return DefaultSweepMinAge
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger().Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass and returns how many jobs it handed to the
// dispatcher.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	pending, err := s.Store.ListByStatus(ctx, models.JobPending)
	if err != nil {
		return 0, err
	}
	dispatched := 0
	for _, job := range pending {
		if job.PaymentStatus != models.PaymentPaid {
			continue
		}
		if time.Since(job.CreatedAt) < s.minAge() {
			continue
		}
		dispatched++
		s.logger().Info("sweeping stale pending job", "job_id", job.ID)
		if _, err := s.Dispatcher.Dispatch(ctx, job.ID); err != nil && !errors.Is(err, ErrNoEligibleCollector) {
			s.logger().Error("sweep dispatch failed", "job_id", job.ID, "error", err)
		}
	}
	return dispatched, nil
}
