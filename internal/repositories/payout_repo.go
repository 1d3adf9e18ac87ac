package repositories

import (
	"context"
	"time"

	"github.com/agency-marketplace/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PayoutRepo struct {
	pool *pgxpool.Pool
}

func NewPayoutRepo(pool *pgxpool.Pool) *PayoutRepo {
	return &PayoutRepo{pool: pool}
}

const payoutColumns = `id, job_id, agency_id, generation, idempotency_key, transfer_id, amount::text, currency, status,
	issue_attempts, next_attempt_at, last_error, created_at, updated_at`

func scanPayout(row pgx.Row) (*models.PayoutRecord, error) {
	var (
		p      models.PayoutRecord
		amount string
	)
	if err := row.Scan(&p.ID, &p.JobID, &p.AgencyID, &p.Generation, &p.IdempotencyKey, &p.TransferID, &amount, &p.Currency, &p.Status,
		&p.IssueAttempts, &p.NextAttemptAt, &p.LastError, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseNumeric(amount, &p.Amount); err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a new generation. A second pending record for the job, or a
// reused generation, is reported as ErrConflict.
func (r *PayoutRepo) Create(ctx context.Context, p *models.PayoutRecord) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO payouts (job_id, agency_id, generation, idempotency_key, amount, currency, status, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`, p.JobID, p.AgencyID, p.Generation, p.IdempotencyKey, p.Amount.String(), p.Currency, p.Status, p.NextAttemptAt,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	return conflict(err, "payout record")
}

func (r *PayoutRepo) GetByTransferID(ctx context.Context, transferID string) (*models.PayoutRecord, error) {
	p, err := scanPayout(r.pool.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE transfer_id = $1`, transferID))
	if err != nil {
		return nil, notFound(err, "payout with transfer "+transferID)
	}
	return p, nil
}

func (r *PayoutRepo) GetPendingByJob(ctx context.Context, jobID uuid.UUID) (*models.PayoutRecord, error) {
	p, err := scanPayout(r.pool.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE job_id = $1 AND status = 'pending'`, jobID))
	if err != nil {
		return nil, notFound(err, "pending payout for job "+jobID.String())
	}
	return p, nil
}

func (r *PayoutRepo) ListByJob(ctx context.Context, jobID uuid.UUID) ([]models.PayoutRecord, error) {
	return r.queryPayouts(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE job_id = $1 ORDER BY generation`, jobID)
}

// ListDue returns pending payouts not yet accepted by the processor whose backoff has elapsed.
func (r *PayoutRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]models.PayoutRecord, error) {
	return r.queryPayouts(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE status = 'pending' AND transfer_id IS NULL AND next_attempt_at <= $1
		ORDER BY next_attempt_at LIMIT $2
	`, now, clampLimit(limit))
}

func (r *PayoutRepo) SetTransfer(ctx context.Context, id uuid.UUID, transferID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE payouts SET transfer_id = $1, last_error = NULL, updated_at = now()
		WHERE id = $2 AND (transfer_id IS NULL OR transfer_id = $1)
	`, transferID, id)
	return conflict(err, "payout transfer")
}

func (r *PayoutRepo) RecordIssueFailure(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE payouts SET issue_attempts = $1, next_attempt_at = $2, last_error = $3, updated_at = now()
		WHERE id = $4
	`, attempts, next, lastErr, id)
	return err
}

// Defer pushes next_attempt_at without counting an attempt.
func (r *PayoutRepo) Defer(ctx context.Context, id uuid.UUID, next time.Time, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE payouts SET next_attempt_at = $1, last_error = $2, updated_at = now() WHERE id = $3
	`, next, reason, id)
	return err
}

// SetStatus moves a pending payout to paid or failed. A second paid record for
// the job is ErrConflict.
func (r *PayoutRepo) SetStatus(ctx context.Context, id uuid.UUID, status models.PayoutStatus, transferID, lastErr *string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE payouts
		SET status = $1,
		    transfer_id = COALESCE(transfer_id, $2),
		    last_error = COALESCE($3, last_error),
		    updated_at = now()
		WHERE id = $4
	`, status, transferID, lastErr, id)
	if err != nil {
		return conflict(err, "payout status")
	}
	if tag.RowsAffected() == 0 {
		return notFound(pgx.ErrNoRows, "payout "+id.String())
	}
	return nil
}

func (r *PayoutRepo) queryPayouts(ctx context.Context, query string, args ...any) ([]models.PayoutRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PayoutRecord
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
