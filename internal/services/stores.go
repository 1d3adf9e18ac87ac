package services

import (
	"context"
	"time"

	"github.com/agency-marketplace/backend/internal/models"
	"github.com/agency-marketplace/backend/internal/repositories"
	"github.com/google/uuid"
)

// Store contracts. repositories.*Repo implements them on Postgres and
// repositories/memory in process.

type JobStore interface {
	Create(ctx context.Context, j *models.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from models.JobStatus, version int64, to models.JobStatus) (*models.Job, error)
	List(ctx context.Context, f repositories.JobFilter) ([]models.Job, error)
	ListStale(ctx context.Context, status models.JobStatus, cutoff time.Time, limit int) ([]models.Job, error)
	ListApprovedWithoutOpenPayout(ctx context.Context, limit int) ([]models.Job, error)
}

type PaymentStore interface {
	Create(ctx context.Context, p *models.PaymentRecord) error
	GetByIntentID(ctx context.Context, intentID string) (*models.PaymentRecord, error)
	GetByChargeID(ctx context.Context, chargeID string) (*models.PaymentRecord, error)
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]models.PaymentRecord, error)
	SetStatus(ctx context.Context, id uuid.UUID, status models.PaymentStatus, chargeID, reason *string) error
}

type PayoutStore interface {
	Create(ctx context.Context, p *models.PayoutRecord) error
	GetByTransferID(ctx context.Context, transferID string) (*models.PayoutRecord, error)
	GetPendingByJob(ctx context.Context, jobID uuid.UUID) (*models.PayoutRecord, error)
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]models.PayoutRecord, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.PayoutRecord, error)
	SetTransfer(ctx context.Context, id uuid.UUID, transferID string) error
	RecordIssueFailure(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error
	Defer(ctx context.Context, id uuid.UUID, next time.Time, reason string) error
	SetStatus(ctx context.Context, id uuid.UUID, status models.PayoutStatus, transferID, lastErr *string) error
}

type LedgerStore interface {
	Append(ctx context.Context, e *models.LedgerEntry) (bool, error)
	HasStage(ctx context.Context, eventID string, stage models.LedgerStage) (bool, error)
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]models.LedgerEntry, error)
}

type AuditStore interface {
	Log(ctx context.Context, entry models.AuditLog) error
	GetByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]models.AuditLog, error)
}

type AgencyStore interface {
	Upsert(ctx context.Context, a *models.AgencyAccount) error
	Get(ctx context.Context, agencyID uuid.UUID) (*models.AgencyAccount, error)
	GetByProcessorAccount(ctx context.Context, accountID string) (*models.AgencyAccount, error)
}

// Locker serializes concurrent deliveries of one webhook event.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

// OnceMarker makes a side effect happen once across processes.
type OnceMarker interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
