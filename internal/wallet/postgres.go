package wallet

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresLedger stores credits in the wallet_credits table. It shares the
// job store's connection pool.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (p *PostgresLedger) Credit(ctx context.Context, c Credit) error {
	prepared, err := prepareCredit(c)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO wallet_credits(id, collector_id, job_id, amount, description, created_at)
		VALUES($1,$2,$3,$4,$5,$6)`,
		prepared.ID, prepared.CollectorID, prepared.JobID, prepared.Amount, prepared.Description, prepared.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert credit: %w", err)
	}
	return nil
}

func (p *PostgresLedger) Balance(ctx context.Context, collectorID string) (float64, error) {
	var sum float64
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM wallet_credits WHERE collector_id=$1`, collectorID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum credits: %w", err)
	}
	return sum, nil
}

func (p *PostgresLedger) ListCredits(ctx context.Context, collectorID string) ([]Credit, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, collector_id, job_id, amount, description, created_at
		FROM wallet_credits WHERE collector_id=$1 ORDER BY created_at DESC`, collectorID)
	if err != nil {
		return nil, fmt.Errorf("select credits: %w", err)
	}
	defer rows.Close()
	var out []Credit
	for rows.Next() {
		var c Credit
		if err := rows.Scan(&c.ID, &c.CollectorID, &c.JobID, &c.Amount, &c.Description, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit: %w", err)
		}
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}
