package repositories

import (
	"context"

	"github.com/agency-marketplace/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PaymentRepo struct {
	pool *pgxpool.Pool
}

func NewPaymentRepo(pool *pgxpool.Pool) *PaymentRepo {
	return &PaymentRepo{pool: pool}
}

const paymentColumns = `id, job_id, payment_intent_id, charge_id, amount::text, currency, status, failure_reason, created_at, updated_at`

func scanPayment(row pgx.Row) (*models.PaymentRecord, error) {
	var (
		p      models.PaymentRecord
		amount string
	)
	if err := row.Scan(&p.ID, &p.JobID, &p.PaymentIntentID, &p.ChargeID, &amount, &p.Currency, &p.Status,
		&p.FailureReason, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseNumeric(amount, &p.Amount); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepo) Create(ctx context.Context, p *models.PaymentRecord) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO payments (job_id, payment_intent_id, charge_id, amount, currency, status, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`, p.JobID, p.PaymentIntentID, p.ChargeID, p.Amount.String(), p.Currency, p.Status, p.FailureReason,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	return conflict(err, "payment record")
}

func (r *PaymentRepo) GetByIntentID(ctx context.Context, intentID string) (*models.PaymentRecord, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE payment_intent_id = $1`, intentID))
	if err != nil {
		return nil, notFound(err, "payment "+intentID)
	}
	return p, nil
}

func (r *PaymentRepo) GetByChargeID(ctx context.Context, chargeID string) (*models.PaymentRecord, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE charge_id = $1`, chargeID))
	if err != nil {
		return nil, notFound(err, "payment with charge "+chargeID)
	}
	return p, nil
}

func (r *PaymentRepo) ListByJob(ctx context.Context, jobID uuid.UUID) ([]models.PaymentRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE job_id = $1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PaymentRecord
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// SetStatus records the processor's verdict on a funding attempt. chargeID and
// reason are only written when non-nil. A second succeeded record for the same
// job violates uq_payments_job_succeeded and comes back as ErrConflict.
func (r *PaymentRepo) SetStatus(ctx context.Context, id uuid.UUID, status models.PaymentStatus, chargeID, reason *string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE payments
		SET status = $1,
		    charge_id = COALESCE($2, charge_id),
		    failure_reason = COALESCE($3, failure_reason),
		    updated_at = now()
		WHERE id = $4
	`, status, chargeID, reason, id)
	if err != nil {
		return conflict(err, "payment status")
	}
	if tag.RowsAffected() == 0 {
		return notFound(pgx.ErrNoRows, "payment "+id.String())
	}
	return nil
}
