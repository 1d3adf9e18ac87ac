package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agency-marketplace/backend/internal/apperr"
	"github.com/agency-marketplace/backend/internal/events"
	"github.com/agency-marketplace/backend/internal/models"
	"github.com/agency-marketplace/backend/internal/money"
	"github.com/agency-marketplace/backend/internal/rbac"
	"github.com/agency-marketplace/backend/internal/repositories"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxTitleLen = 200

type JobServiceConfig struct {
	PlatformFeeBPS  int
	DefaultCurrency string
}

// JobService is the command and query surface for jobs. Every state change
// goes through JobEngine.
type JobService struct {
	engine    *JobEngine
	jobs      JobStore
	payments  PaymentStore
	payouts   PayoutStore
	ledger    LedgerStore
	audit     AuditStore
	processor PaymentProcessor
	payoutSvc *PayoutService
	publisher events.Publisher
	cfg       JobServiceConfig
	log       *zap.Logger
}

func NewJobService(
	engine *JobEngine,
	jobs JobStore,
	payments PaymentStore,
	payouts PayoutStore,
	ledger LedgerStore,
	audit AuditStore,
	processor PaymentProcessor,
	payoutSvc *PayoutService,
	publisher events.Publisher,
	cfg JobServiceConfig,
	log *zap.Logger,
) *JobService {
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	return &JobService{
		engine:    engine,
		jobs:      jobs,
		payments:  payments,
		payouts:   payouts,
		ledger:    ledger,
		audit:     audit,
		processor: processor,
		payoutSvc: payoutSvc,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
	}
}

type CreateJobInput struct {
	DealID      *uuid.UUID
	AgencyID    uuid.UUID
	Title       string
	Description string
	Amount      string
	Currency    string
}

// Create opens a job in pending. The platform fee is fixed here and never recomputed.
func (s *JobService) Create(ctx context.Context, businessID uuid.UUID, in CreateJobInput) (*models.Job, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, apperr.Validation("title is required")
	}
	if len(title) > maxTitleLen {
		return nil, apperr.Validation("title must be at most %d characters", maxTitleLen)
	}
	if in.AgencyID == uuid.Nil {
		return nil, apperr.Validation("agency_id is required")
	}
	if in.AgencyID == businessID {
		return nil, apperr.Validation("a business cannot commission itself")
	}
	amount, err := money.ParseAmount(in.Amount)
	if err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	currency := in.Currency
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}
	currency, ok := money.NormalizeCurrency(currency)
	if !ok {
		return nil, apperr.Validation("invalid currency %q", in.Currency)
	}

	job := &models.Job{
		DealID:      in.DealID,
		BusinessID:  businessID,
		AgencyID:    in.AgencyID,
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Amount:      amount,
		Currency:    currency,
		PlatformFee: money.PlatformFee(amount, s.cfg.PlatformFeeBPS),
		Status:      models.JobStatusPending,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := s.audit.Log(ctx, models.AuditLog{
		ActorUserID: &businessID,
		ActorType:   string(rbac.RoleBusiness),
		Action:      "job_created",
		EntityType:  "job",
		EntityID:    &job.ID,
		Meta: map[string]any{
			"amount":       job.Amount.String(),
			"currency":     job.Currency,
			"platform_fee": job.PlatformFee.String(),
		},
	}); err != nil {
		s.log.Warn("audit log failed", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
	_ = s.publisher.Publish(ctx, events.StreamJobs, events.JobStatusChanged(
		job.ID.String(), "", string(job.Status), job.BusinessID.String(), job.AgencyID.String(),
	))

	return job, nil
}

func (s *JobService) Accept(ctx context.Context, jobID, agencyID uuid.UUID) (*models.Job, error) {
	return s.agencyCommand(ctx, jobID, agencyID, models.TriggerAccept)
}

func (s *JobService) Decline(ctx context.Context, jobID, agencyID uuid.UUID) (*models.Job, error) {
	return s.agencyCommand(ctx, jobID, agencyID, models.TriggerDecline)
}

func (s *JobService) StartWork(ctx context.Context, jobID, agencyID uuid.UUID) (*models.Job, error) {
	return s.agencyCommand(ctx, jobID, agencyID, models.TriggerStartWork)
}

func (s *JobService) SubmitForReview(ctx context.Context, jobID, agencyID uuid.UUID) (*models.Job, error) {
	return s.agencyCommand(ctx, jobID, agencyID, models.TriggerSubmit)
}

func (s *JobService) Resubmit(ctx context.Context, jobID, agencyID uuid.UUID) (*models.Job, error) {
	return s.agencyCommand(ctx, jobID, agencyID, models.TriggerResubmit)
}

func (s *JobService) RequestRevision(ctx context.Context, jobID, businessID uuid.UUID) (*models.Job, error) {
	return s.businessCommand(ctx, jobID, businessID, models.TriggerRequestRevision)
}

// Cancel only succeeds while no funds are held (pending, unfunded). A payment
// that succeeded but has not moved the job yet still counts as held.
func (s *JobService) Cancel(ctx context.Context, jobID, businessID uuid.UUID) (*models.Job, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.BusinessID != businessID {
		return nil, apperr.Forbidden("only the job's business can %s", models.TriggerCancel)
	}
	held, err := s.holdsFunds(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if held {
		return nil, fmt.Errorf("job %s holds a successful payment, request a refund instead: %w", jobID, apperr.ErrConflict)
	}
	return s.engine.ApplyTo(ctx, job, models.TriggerCancel, UserActor(businessID, rbac.RoleBusiness))
}

// Approve commits approved first, then opens the payout record. Issuing the
// transfer is left to the payout worker; if opening the record fails here the
// worker's recovery pass opens it.
func (s *JobService) Approve(ctx context.Context, jobID, businessID uuid.UUID) (*models.Job, error) {
	job, err := s.businessCommand(ctx, jobID, businessID, models.TriggerApprove)
	if err != nil {
		return nil, err
	}
	if _, err := s.payoutSvc.Schedule(ctx, job); err != nil {
		s.log.Warn("payout scheduling deferred to worker", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
	return job, nil
}

func (s *JobService) agencyCommand(ctx context.Context, jobID, agencyID uuid.UUID, trigger models.Trigger) (*models.Job, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.AgencyID != agencyID {
		return nil, apperr.Forbidden("only the job's agency can %s", trigger)
	}
	return s.engine.ApplyTo(ctx, job, trigger, UserActor(agencyID, rbac.RoleAgency))
}

func (s *JobService) businessCommand(ctx context.Context, jobID, businessID uuid.UUID, trigger models.Trigger) (*models.Job, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.BusinessID != businessID {
		return nil, apperr.Forbidden("only the job's business can %s", trigger)
	}
	return s.engine.ApplyTo(ctx, job, trigger, UserActor(businessID, rbac.RoleBusiness))
}

// FundingSession is what the business needs to complete payment client-side.
type FundingSession struct {
	JobID           uuid.UUID       `json:"job_id"`
	PaymentIntentID string          `json:"payment_intent_id"`
	ClientSecret    string          `json:"client_secret"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
}

// InitiateFunding creates (or re-fetches) a payment intent for an unfunded job.
// An open pending attempt is reused under its original idempotency key, so
// repeated calls return the same intent instead of charging twice.
func (s *JobService) InitiateFunding(ctx context.Context, jobID, businessID uuid.UUID) (*FundingSession, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.BusinessID != businessID {
		return nil, apperr.Forbidden("only the job's business can fund it")
	}
	if job.Status != models.JobStatusUnfunded {
		return nil, &apperr.TransitionError{From: string(job.Status), Trigger: "initiate_funding", Role: string(rbac.RoleBusiness)}
	}

	records, err := s.payments.ListByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	attempt := len(records)
	var open *models.PaymentRecord
	for i := range records {
		switch records[i].Status {
		case models.PaymentStatusSucceeded:
			return nil, fmt.Errorf("job %s is already funded: %w", jobID, apperr.ErrConflict)
		case models.PaymentStatusPending:
			open = &records[i]
			attempt = i
		}
	}

	intent, err := s.processor.CreatePaymentIntent(ctx, PaymentIntentRequest{
		AmountMinor:    money.ToMinor(job.Amount),
		Currency:       job.Currency,
		JobID:          job.ID,
		IdempotencyKey: models.FundingIdempotencyKey(job.ID, attempt),
	})
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	if open == nil {
		rec := &models.PaymentRecord{
			JobID:           job.ID,
			PaymentIntentID: intent.ID,
			Amount:          job.Amount,
			Currency:        job.Currency,
			Status:          models.PaymentStatusPending,
		}
		if err := s.payments.Create(ctx, rec); err != nil && !errors.Is(err, apperr.ErrConflict) {
			return nil, fmt.Errorf("record payment attempt: %w", err)
		}
		if err := s.audit.Log(ctx, models.AuditLog{
			ActorUserID: &businessID,
			ActorType:   string(rbac.RoleBusiness),
			Action:      "funding_initiated",
			EntityType:  "job",
			EntityID:    &job.ID,
			Meta:        map[string]any{"payment_intent_id": intent.ID, "attempt": attempt},
		}); err != nil {
			s.log.Warn("audit log failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}

	return &FundingSession{
		JobID:           job.ID,
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		Amount:          job.Amount,
		Currency:        job.Currency,
	}, nil
}

// RequestRefund asks the processor to refund the funding charge. The job only
// moves to refunded when the processor confirms with charge.refunded.
func (s *JobService) RequestRefund(ctx context.Context, jobID, businessID uuid.UUID) (*models.PaymentRecord, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.BusinessID != businessID {
		return nil, apperr.Forbidden("only the job's business can request a refund")
	}
	if !models.RefundRequestable[job.Status] {
		return nil, &apperr.TransitionError{From: string(job.Status), Trigger: "request_refund", Role: string(rbac.RoleBusiness)}
	}

	funding, err := s.succeededPayment(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if funding.ChargeID == nil {
		return nil, fmt.Errorf("funding record %s has no charge id", funding.ID)
	}

	refund, err := s.processor.RefundCharge(ctx, RefundRequest{
		ChargeID:       *funding.ChargeID,
		JobID:          job.ID,
		IdempotencyKey: models.RefundIdempotencyKey(job.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("request refund: %w", err)
	}

	if err := s.audit.Log(ctx, models.AuditLog{
		ActorUserID: &businessID,
		ActorType:   string(rbac.RoleBusiness),
		Action:      "refund_requested",
		EntityType:  "job",
		EntityID:    &job.ID,
		Meta:        map[string]any{"refund_id": refund.ID, "charge_id": *funding.ChargeID, "status": string(job.Status)},
	}); err != nil {
		s.log.Warn("audit log failed", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
	s.log.Info("refund requested", zap.String("job_id", job.ID.String()), zap.String("refund_id", refund.ID))
	return funding, nil
}

func (s *JobService) succeededPayment(ctx context.Context, jobID uuid.UUID) (*models.PaymentRecord, error) {
	records, err := s.payments.ListByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].Status == models.PaymentStatusSucceeded {
			return &records[i], nil
		}
	}
	return nil, fmt.Errorf("no succeeded payment for job %s: %w", jobID, apperr.ErrNotFound)
}

func (s *JobService) holdsFunds(ctx context.Context, jobID uuid.UUID) (bool, error) {
	_, err := s.succeededPayment(ctx, jobID)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ExpireStale cancels jobs left in pending or unfunded past their timeout.
// It returns how many jobs were cancelled.
func (s *JobService) ExpireStale(ctx context.Context, pendingTimeout, unfundedTimeout time.Duration) (int, error) {
	now := time.Now()
	timeouts := []struct {
		status  models.JobStatus
		timeout time.Duration
	}{
		{models.JobStatusPending, pendingTimeout},
		{models.JobStatusUnfunded, unfundedTimeout},
	}

	expired := 0
	for _, t := range timeouts {
		if t.timeout <= 0 {
			continue
		}
		jobs, err := s.jobs.ListStale(ctx, t.status, now.Add(-t.timeout), 100)
		if err != nil {
			return expired, fmt.Errorf("list stale %s jobs: %w", t.status, err)
		}
		for i := range jobs {
			held, err := s.holdsFunds(ctx, jobs[i].ID)
			if err != nil {
				s.log.Error("failed to check job funds", zap.String("job_id", jobs[i].ID.String()), zap.Error(err))
				continue
			}
			if held {
				// the funding webhook is still in flight; its redelivery moves the job
				s.log.Warn("not expiring job with a successful payment", zap.String("job_id", jobs[i].ID.String()))
				continue
			}
			if _, err := s.engine.ApplyTo(ctx, &jobs[i], models.TriggerExpire, SystemActor()); err != nil {
				// a concurrent accept or funding wins over expiry
				if errors.Is(err, apperr.ErrStaleState) {
					continue
				}
				s.log.Error("failed to expire job", zap.String("job_id", jobs[i].ID.String()), zap.Error(err))
				continue
			}
			expired++
		}
	}
	return expired, nil
}

// Queries

// Get returns the job if userID is one of its parties.
func (s *JobService) Get(ctx context.Context, jobID, userID uuid.UUID) (*models.Job, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.IsParty(userID) {
		return nil, apperr.Forbidden("not a party to this job")
	}
	return job, nil
}

type ListJobsInput struct {
	UserID uuid.UUID
	Role   rbac.Role
	Status *models.JobStatus
	Limit  int
	Offset int
}

func (s *JobService) List(ctx context.Context, in ListJobsInput) ([]models.Job, error) {
	f := repositories.JobFilter{Status: in.Status, Limit: in.Limit, Offset: in.Offset}
	switch in.Role {
	case rbac.RoleBusiness:
		f.BusinessID = &in.UserID
	case rbac.RoleAgency:
		f.AgencyID = &in.UserID
	default:
		return nil, apperr.Validation("role must be business or agency")
	}
	if in.Status != nil && !in.Status.Valid() {
		return nil, apperr.Validation("unknown status %q", *in.Status)
	}
	return s.jobs.List(ctx, f)
}

func (s *JobService) ListPayments(ctx context.Context, jobID, userID uuid.UUID) ([]models.PaymentRecord, error) {
	if _, err := s.Get(ctx, jobID, userID); err != nil {
		return nil, err
	}
	return s.payments.ListByJob(ctx, jobID)
}

func (s *JobService) ListPayouts(ctx context.Context, jobID, userID uuid.UUID) ([]models.PayoutRecord, error) {
	if _, err := s.Get(ctx, jobID, userID); err != nil {
		return nil, err
	}
	return s.payouts.ListByJob(ctx, jobID)
}

// JobHistory is the audit trail of a job next to the processor events that touched it.
type JobHistory struct {
	Transitions     []models.AuditLog    `json:"transitions"`
	ProcessorEvents []models.LedgerEntry `json:"processor_events"`
}

func (s *JobService) History(ctx context.Context, jobID, userID uuid.UUID) (*JobHistory, error) {
	if _, err := s.Get(ctx, jobID, userID); err != nil {
		return nil, err
	}
	trail, err := s.audit.GetByEntity(ctx, "job", jobID, 200, 0)
	if err != nil {
		return nil, err
	}
	ledger, err := s.ledger.ListByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobHistory{Transitions: trail, ProcessorEvents: ledger}, nil
}
