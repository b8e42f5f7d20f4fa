package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/ak-badjie/mbalit/internal/models"
)

const jobColumns = `id, customer_id, capability, pickup_lat, pickup_lng, address, price,
	payment_status, payment_ref, status, collector_id, eta_minutes, cancel_reason,
	created_at, assigned_at, completed_at`

// PostgresStore persists jobs in the pickup_jobs table. Status writes use a
// conditional UPDATE so the database arbitrates concurrent transitions.
// Change events fan out in-process only; a multi-replica deployment needs a
// shared bus in front of Subscribe.
type PostgresStore struct {
	db *sql.DB
	*notifier
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db, notifier: newNotifier()}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// DB exposes the underlying handle so sibling stores (wallet) can share the
// connection pool.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Create(ctx context.Context, job models.Job) (models.Job, error) {
	prepared, err := prepareCreate(job)
	if err != nil {
		return models.Job{}, err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO pickup_jobs(
		id, customer_id, capability, pickup_lat, pickup_lng, address, price,
		payment_status, payment_ref, status, eta_minutes, cancel_reason, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		prepared.ID, prepared.CustomerID, string(prepared.Capability),
		prepared.Pickup.Lat, prepared.Pickup.Lng, prepared.Address, prepared.Price,
		string(prepared.PaymentStatus), prepared.PaymentRef, string(prepared.Status),
		prepared.EtaMinutes, prepared.CancelReason, prepared.CreatedAt)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	p.publish(prepared)
	return prepared, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (models.Job, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM pickup_jobs WHERE id=$1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("select job: %w", err)
	}
	return job, true, nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status models.JobStatus) ([]models.Job, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM pickup_jobs WHERE status=$1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("select jobs by status: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CompareAndSetStatus(ctx context.Context, id string, expected, next models.JobStatus, change StatusChange) (bool, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE pickup_jobs SET
		status = $3,
		collector_id = COALESCE($4, collector_id),
		eta_minutes = CASE WHEN $4 IS NULL THEN eta_minutes ELSE $5 END,
		assigned_at = COALESCE($6, assigned_at),
		completed_at = COALESCE($7, completed_at),
		cancel_reason = CASE WHEN $8 = '' THEN cancel_reason ELSE $8 END
		WHERE id = $1 AND status = $2
		RETURNING `+jobColumns,
		id, string(expected), string(next),
		change.CollectorID, change.EtaMinutes,
		change.AssignedAt, change.CompletedAt, change.CancelReason)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Either the id is unknown or the status already moved on. Look the
		// job up so callers can tell a lost race from a missing row.
		if _, ok, gerr := p.Get(ctx, id); gerr != nil {
			return false, gerr
		} else if !ok {
			return false, ErrNotFound
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update job status: %w", err)
	}
	p.publish(job)
	return true, nil
}

func (p *PostgresStore) SetPaymentStatus(ctx context.Context, id string, ps models.PaymentStatus, ref string) error {
	row := p.db.QueryRowContext(ctx, `UPDATE pickup_jobs SET
		payment_status = $2,
		payment_ref = CASE WHEN $3 = '' THEN payment_ref ELSE $3 END
		WHERE id = $1
		RETURNING `+jobColumns, id, string(ps), ref)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	p.publish(job)
	return nil
}

func (p *PostgresStore) Subscribe(id string, fn func(models.Job)) func() {
	return p.subscribe(id, fn)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (models.Job, error) {
	var (
		job         models.Job
		capability  string
		payStatus   string
		status      string
		collectorID sql.NullString
		assignedAt  sql.NullTime
		completedAt sql.NullTime
	)
	err := s.Scan(&job.ID, &job.CustomerID, &capability, &job.Pickup.Lat, &job.Pickup.Lng,
		&job.Address, &job.Price, &payStatus, &job.PaymentRef, &status,
		&collectorID, &job.EtaMinutes, &job.CancelReason,
		&job.CreatedAt, &assignedAt, &completedAt)
	if err != nil {
		return models.Job{}, err
	}
	job.Capability = models.Capability(capability)
	job.PaymentStatus = models.PaymentStatus(payStatus)
	job.Status = models.JobStatus(status)
	job.CreatedAt = job.CreatedAt.UTC()
	if collectorID.Valid {
		id := collectorID.String
		job.CollectorID = &id
	}
	if assignedAt.Valid {
		at := assignedAt.Time.UTC()
		job.AssignedAt = &at
	}
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		job.CompletedAt = &at
	}
	return job, nil
}
