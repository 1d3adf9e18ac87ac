package repositories

import (
	"context"

	"github.com/agency-marketplace/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LedgerRepo is append-only: there is no update or delete, and the table
// rejects both with a trigger.
type LedgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

// Append writes the entry unless (event_id, stage) already exists.
// It reports whether a row was inserted.
func (r *LedgerRepo) Append(ctx context.Context, e *models.LedgerEntry) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_ledger (event_id, event_type, job_id, stage, note)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id, stage) DO NOTHING
	`, e.EventID, e.EventType, e.JobID, e.Stage, e.Note)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *LedgerRepo) HasStage(ctx context.Context, eventID string, stage models.LedgerStage) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM webhook_ledger WHERE event_id = $1 AND stage = $2)`,
		eventID, stage).Scan(&exists)
	return exists, err
}

func (r *LedgerRepo) ListByJob(ctx context.Context, jobID uuid.UUID) ([]models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_id, event_type, job_id, stage, note, created_at
		FROM webhook_ledger WHERE job_id = $1 ORDER BY created_at
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &e.JobID, &e.Stage, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
