package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agency-marketplace/backend/internal/apperr"
	"github.com/agency-marketplace/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type JobRepo struct {
	pool *pgxpool.Pool
}

func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

// JobFilter narrows List. A nil field is not filtered on.
type JobFilter struct {
	BusinessID *uuid.UUID
	AgencyID   *uuid.UUID
	Status     *models.JobStatus
	Limit      int
	Offset     int
}

const jobColumns = `id, deal_id, business_id, agency_id, title, description, amount::text, currency,
	platform_fee::text, status, version, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j           models.Job
		amount, fee string
	)
	if err := row.Scan(&j.ID, &j.DealID, &j.BusinessID, &j.AgencyID, &j.Title, &j.Description, &amount, &j.Currency,
		&fee, &j.Status, &j.Version, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseNumeric(amount, &j.Amount); err != nil {
		return nil, err
	}
	if err := parseNumeric(fee, &j.PlatformFee); err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *JobRepo) Create(ctx context.Context, j *models.Job) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO jobs (deal_id, business_id, agency_id, title, description, amount, currency, platform_fee, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, version, created_at, updated_at
	`, j.DealID, j.BusinessID, j.AgencyID, j.Title, j.Description, j.Amount.String(), j.Currency, j.PlatformFee.String(), j.Status,
	).Scan(&j.ID, &j.Version, &j.CreatedAt, &j.UpdatedAt)
}

func (r *JobRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "job "+id.String())
	}
	return j, nil
}

// UpdateStatus is the compare-and-swap write of a transition. It only succeeds
// when the row still holds the status and version the caller read.
func (r *JobRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from models.JobStatus, version int64, to models.JobStatus) (*models.Job, error) {
	j, err := scanJob(r.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $1, version = version + 1, updated_at = now()
		WHERE id = $2 AND status = $3 AND version = $4
		RETURNING `+jobColumns,
		to, id, from, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s changed since read (%s v%d): %w", id, from, version, apperr.ErrStaleState)
	}
	return j, err
}

func (r *JobRepo) List(ctx context.Context, f JobFilter) ([]models.Job, error) {
	args := []any{}
	where := []string{}

	if f.BusinessID != nil {
		args = append(args, *f.BusinessID)
		where = append(where, fmt.Sprintf("business_id = $%d", len(args)))
	}
	if f.AgencyID != nil {
		args = append(args, *f.AgencyID)
		where = append(where, fmt.Sprintf("agency_id = $%d", len(args)))
	}
	if f.Status != nil {
		args = append(args, *f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(f.Limit), f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	return r.queryJobs(ctx, query, args...)
}

// ListStale returns jobs that have sat in status since before cutoff.
func (r *JobRepo) ListStale(ctx context.Context, status models.JobStatus, cutoff time.Time, limit int) ([]models.Job, error) {
	return r.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at LIMIT $3
	`, status, cutoff, clampLimit(limit))
}

// ListApprovedWithoutOpenPayout returns approved jobs with no pending or paid payout,
// i.e. jobs that need a first or a new payout generation.
func (r *JobRepo) ListApprovedWithoutOpenPayout(ctx context.Context, limit int) ([]models.Job, error) {
	return r.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs j
		WHERE j.status = 'approved'
		  AND NOT EXISTS (
			SELECT 1 FROM payouts p WHERE p.job_id = j.id AND p.status IN ('pending', 'paid')
		  )
		ORDER BY j.updated_at LIMIT $1
	`, clampLimit(limit))
}

func (r *JobRepo) queryJobs(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}
