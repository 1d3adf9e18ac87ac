package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/agency-marketplace/backend/internal/apperr"
	"github.com/agency-marketplace/backend/internal/events"
	"github.com/agency-marketplace/backend/internal/models"
	"github.com/agency-marketplace/backend/internal/money"
	"github.com/agency-marketplace/backend/internal/rbac"
	"github.com/agency-marketplace/backend/internal/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const escalationTTL = 30 * 24 * time.Hour

type PayoutConfig struct {
	// MaxAttempts bounds both processor-failed generations per job and
	// issue-call failures per generation before the job is escalated.
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// DeferInterval is how long to wait while the agency cannot receive payouts.
	DeferInterval time.Duration
}

// PayoutService owns payout records: opening generations, issuing transfers
// and escalating jobs whose payouts keep failing.
type PayoutService struct {
	jobs      JobStore
	payouts   PayoutStore
	agencies  AgencyStore
	audit     AuditStore
	processor PaymentProcessor
	marker    OnceMarker
	publisher events.Publisher
	cfg       PayoutConfig
	log       *zap.Logger
	now       func() time.Time
}

func NewPayoutService(
	jobs JobStore,
	payouts PayoutStore,
	agencies AgencyStore,
	audit AuditStore,
	processor PaymentProcessor,
	marker OnceMarker,
	publisher events.Publisher,
	cfg PayoutConfig,
	log *zap.Logger,
) *PayoutService {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 30 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if cfg.DeferInterval <= 0 {
		cfg.DeferInterval = 5 * time.Minute
	}
	return &PayoutService{
		jobs:      jobs,
		payouts:   payouts,
		agencies:  agencies,
		audit:     audit,
		processor: processor,
		marker:    marker,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// Schedule makes sure an approved job has an open payout. It returns the open
// (pending or paid) record, or nil when the job was escalated instead.
func (s *PayoutService) Schedule(ctx context.Context, job *models.Job) (*models.PayoutRecord, error) {
	if job.Status != models.JobStatusApproved {
		return nil, fmt.Errorf("job %s is %s, payouts open only for approved jobs: %w", job.ID, job.Status, apperr.ErrConflict)
	}

	existing, err := s.payouts.ListByJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	failed := 0
	for i := range existing {
		switch existing[i].Status {
		case models.PayoutStatusPending, models.PayoutStatusPaid:
			return &existing[i], nil
		case models.PayoutStatusFailed:
			failed++
		}
	}
	if failed >= s.cfg.MaxAttempts {
		s.escalate(ctx, job.ID, fmt.Sprintf("%d transfers failed", failed))
		return nil, nil
	}

	generation := len(existing)
	rec := &models.PayoutRecord{
		JobID:          job.ID,
		AgencyID:       job.AgencyID,
		Generation:     generation,
		IdempotencyKey: models.PayoutIdempotencyKey(job.ID, generation),
		Amount:         job.AgencyReceives(),
		Currency:       job.Currency,
		Status:         models.PayoutStatusPending,
		NextAttemptAt:  s.now(),
	}
	if err := s.payouts.Create(ctx, rec); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			// another worker opened it first
			return s.payouts.GetPendingByJob(ctx, job.ID)
		}
		return nil, fmt.Errorf("open payout: %w", err)
	}

	s.log.Info("payout scheduled",
		zap.String("job_id", job.ID.String()),
		zap.Int("generation", generation),
		zap.String("amount", rec.Amount.String()),
	)
	return rec, nil
}

// EnsureScheduled opens payouts for approved jobs that have none open: jobs
// whose approve crashed before the record was written, and jobs whose last
// transfer failed.
func (s *PayoutService) EnsureScheduled(ctx context.Context) (int, error) {
	jobs, err := s.jobs.ListApprovedWithoutOpenPayout(ctx, 100)
	if err != nil {
		return 0, err
	}
	opened := 0
	for i := range jobs {
		rec, err := s.Schedule(ctx, &jobs[i])
		if err != nil {
			s.log.Error("failed to schedule payout", zap.String("job_id", jobs[i].ID.String()), zap.Error(err))
			continue
		}
		if rec != nil {
			opened++
		}
	}
	return opened, nil
}

// ProcessDue issues every pending payout whose backoff has elapsed.
func (s *PayoutService) ProcessDue(ctx context.Context) (int, error) {
	due, err := s.payouts.ListDue(ctx, s.now(), 50)
	if err != nil {
		return 0, err
	}
	issued := 0
	for i := range due {
		if ctx.Err() != nil {
			return issued, ctx.Err()
		}
		ok, err := s.issue(ctx, &due[i])
		if err != nil {
			s.log.Error("payout issue failed", zap.String("payout_id", due[i].ID.String()), zap.Error(err))
			continue
		}
		if ok {
			issued++
		}
	}
	return issued, nil
}

func (s *PayoutService) issue(ctx context.Context, p *models.PayoutRecord) (bool, error) {
	job, err := s.jobs.GetByID(ctx, p.JobID)
	if err != nil {
		return false, err
	}
	if job.Status != models.JobStatusApproved {
		reason := fmt.Sprintf("job is %s", job.Status)
		s.log.Warn("closing payout for job no longer awaiting payout",
			zap.String("job_id", p.JobID.String()), zap.String("status", string(job.Status)))
		return false, s.payouts.SetStatus(ctx, p.ID, models.PayoutStatusFailed, nil, &reason)
	}

	acct, err := s.agencies.Get(ctx, p.AgencyID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return false, err
	}
	if acct == nil || !acct.PayoutsEnabled {
		reason := "agency account cannot receive payouts yet"
		if acct == nil {
			reason = "agency has no connected processor account"
		}
		return false, s.payouts.Defer(ctx, p.ID, s.now().Add(s.cfg.DeferInterval), reason)
	}

	transfer, err := s.processor.CreateTransfer(ctx, TransferRequest{
		AmountMinor:    money.ToMinor(p.Amount),
		Currency:       p.Currency,
		Destination:    acct.ProcessorAccountID,
		JobID:          p.JobID,
		IdempotencyKey: p.IdempotencyKey,
	})
	if err != nil {
		attempts := p.IssueAttempts + 1
		next := s.now().Add(backoffWithJitter(s.cfg.BackoffInitial, s.cfg.BackoffMax, attempts))
		telemetry.PayoutAttempts.WithLabelValues("error").Inc()

		level := s.log.Warn
		if !IsTemporary(err) {
			level = s.log.Error
		}
		level("transfer request failed, will retry with the same key",
			zap.String("job_id", p.JobID.String()),
			zap.String("idempotency_key", p.IdempotencyKey),
			zap.Int("attempts", attempts),
			zap.Time("next_attempt_at", next),
			zap.Error(err),
		)

		if rerr := s.payouts.RecordIssueFailure(ctx, p.ID, attempts, next, err.Error()); rerr != nil {
			return false, rerr
		}
		// Keep retrying at the backoff ceiling with the same key; a new key could pay twice.
		if attempts >= s.cfg.MaxAttempts {
			s.escalate(ctx, p.JobID, fmt.Sprintf("transfer request failed %d times: %v", attempts, err))
		}
		return false, nil
	}

	telemetry.PayoutAttempts.WithLabelValues("issued").Inc()
	if err := s.payouts.SetTransfer(ctx, p.ID, transfer.ID); err != nil {
		return false, fmt.Errorf("record transfer %s: %w", transfer.ID, err)
	}
	if err := s.audit.Log(ctx, models.AuditLog{
		ActorType:  string(rbac.RoleSystem),
		Action:     "payout_issued",
		EntityType: "job",
		EntityID:   &p.JobID,
		Meta: map[string]any{
			"transfer_id": transfer.ID,
			"generation":  p.Generation,
			"amount":      p.Amount.String(),
		},
	}); err != nil {
		s.log.Warn("audit log failed", zap.String("job_id", p.JobID.String()), zap.Error(err))
	}
	s.log.Info("payout issued",
		zap.String("job_id", p.JobID.String()),
		zap.String("transfer_id", transfer.ID),
		zap.Int("generation", p.Generation),
	)
	return true, nil
}

// escalate alerts operators once per job, however many workers notice.
func (s *PayoutService) escalate(ctx context.Context, jobID uuid.UUID, reason string) {
	first, err := s.marker.MarkOnce(ctx, "payout:escalated:"+jobID.String(), escalationTTL)
	if err != nil {
		s.log.Warn("escalation marker unavailable", zap.String("job_id", jobID.String()), zap.Error(err))
		return
	}
	if !first {
		return
	}

	telemetry.PayoutEscalations.Inc()
	s.log.Error("payout escalated to operators", zap.String("job_id", jobID.String()), zap.String("reason", reason))
	if err := s.audit.Log(ctx, models.AuditLog{
		ActorType:  string(rbac.RoleSystem),
		Action:     "payout_escalated",
		EntityType: "job",
		EntityID:   &jobID,
		Meta:       map[string]any{"reason": reason},
	}); err != nil {
		s.log.Warn("audit log failed", zap.String("job_id", jobID.String()), zap.Error(err))
	}
	_ = s.publisher.Publish(ctx, events.StreamJobs, events.Event{
		Type:    events.EventPayoutEscalated,
		Payload: map[string]any{"job_id": jobID.String(), "reason": reason},
	})
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	half := int64(wait / 2)
	if half <= 0 {
		return wait
	}
	return wait/2 + time.Duration(rand.Int63n(half))
}
