package repositories

import (
	"context"

	"github.com/agency-marketplace/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AgencyRepo struct {
	pool *pgxpool.Pool
}

func NewAgencyRepo(pool *pgxpool.Pool) *AgencyRepo {
	return &AgencyRepo{pool: pool}
}

func (r *AgencyRepo) Upsert(ctx context.Context, a *models.AgencyAccount) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO agency_accounts (agency_id, processor_account_id, payouts_enabled, charges_enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (agency_id) DO UPDATE
		SET processor_account_id = EXCLUDED.processor_account_id,
		    payouts_enabled = EXCLUDED.payouts_enabled,
		    charges_enabled = EXCLUDED.charges_enabled,
		    updated_at = now()
		RETURNING updated_at
	`, a.AgencyID, a.ProcessorAccountID, a.PayoutsEnabled, a.ChargesEnabled).Scan(&a.UpdatedAt)
	return conflict(err, "agency account")
}

func (r *AgencyRepo) Get(ctx context.Context, agencyID uuid.UUID) (*models.AgencyAccount, error) {
	var a models.AgencyAccount
	err := r.pool.QueryRow(ctx, `
		SELECT agency_id, processor_account_id, payouts_enabled, charges_enabled, updated_at
		FROM agency_accounts WHERE agency_id = $1
	`, agencyID).Scan(&a.AgencyID, &a.ProcessorAccountID, &a.PayoutsEnabled, &a.ChargesEnabled, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "agency account "+agencyID.String())
	}
	return &a, nil
}

func (r *AgencyRepo) GetByProcessorAccount(ctx context.Context, accountID string) (*models.AgencyAccount, error) {
	var a models.AgencyAccount
	err := r.pool.QueryRow(ctx, `
		SELECT agency_id, processor_account_id, payouts_enabled, charges_enabled, updated_at
		FROM agency_accounts WHERE processor_account_id = $1
	`, accountID).Scan(&a.AgencyID, &a.ProcessorAccountID, &a.PayoutsEnabled, &a.ChargesEnabled, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "agency account "+accountID)
	}
	return &a, nil
}
