package payments

import (
	"context"
	"log/slog"
	"time"

	"github.com/ak-badjie/mbalit/internal/jobstore"
	"github.com/ak-badjie/mbalit/internal/models"
)

const settleTimeout = 10 * time.Second

// Settler is the slice of the payment gateway the bridge needs.
type Settler interface {
	Capture(ctx context.Context, paymentIntentID string) error
	Release(ctx context.Context, paymentIntentID string) error
}

// Bridge returns a job-change subscriber that settles the payment hold when
// a job ends: capture on completion, release plus a refunded mark on
// cancellation of a paid job. Settlement runs on its own goroutine so the
// subscriber never blocks the writer, and failures only log; the gateway
// can be reconciled from the job record.
func Bridge(gateway Settler, store jobstore.Store, logger *slog.Logger) func(models.Job) {
	return func(job models.Job) {
		if job.PaymentRef == "" || job.PaymentStatus != models.PaymentPaid {
			return
		}
		switch job.Status {
		case models.JobCompleted:
			go capture(gateway, job, logger)
		case models.JobCancelled:
			go release(gateway, store, job, logger)
		}
	}
}

func capture(gateway Settler, job models.Job, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := gateway.Capture(ctx, job.PaymentRef); err != nil {
		logger.Error("payment capture failed", "job_id", job.ID, "payment_ref", job.PaymentRef, "error", err)
		return
	}
	logger.Info("payment captured", "job_id", job.ID, "payment_ref", job.PaymentRef)
}

func release(gateway Settler, store jobstore.Store, job models.Job, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := gateway.Release(ctx, job.PaymentRef); err != nil {
		logger.Error("payment release failed", "job_id", job.ID, "payment_ref", job.PaymentRef, "error", err)
		return
	}
	if err := store.SetPaymentStatus(ctx, job.ID, models.PaymentRefunded, ""); err != nil {
		logger.Error("marking refund failed", "job_id", job.ID, "error", err)
		return
	}
	logger.Info("payment hold released", "job_id", job.ID, "payment_ref", job.PaymentRef)
}
