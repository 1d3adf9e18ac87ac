package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agency-marketplace/backend/internal/apperr"
	"github.com/agency-marketplace/backend/internal/archive"
	"github.com/agency-marketplace/backend/internal/events"
	"github.com/agency-marketplace/backend/internal/models"
	"github.com/agency-marketplace/backend/internal/money"
	"github.com/agency-marketplace/backend/internal/telemetry"
	"github.com/agency-marketplace/backend/internal/webhook"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const staleRetries = 3

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored is acknowledged without effects: unknown type, unknown job,
	// or an event that is final but cannot apply.
	OutcomeIgnored Outcome = "ignored"
)

type WebhookResult struct {
	EventID string  `json:"event_id"`
	Type    string  `json:"type"`
	Outcome Outcome `json:"outcome"`
}

// WebhookService turns verified processor events into payment record updates
// and job transitions. Deliveries are at-least-once and unordered: a
// processed ledger entry makes a redelivery a no-op, and every handler is
// safe to re-run after a partial failure.
type WebhookService struct {
	verifier  *webhook.Verifier
	engine    *JobEngine
	jobs      JobStore
	payments  PaymentStore
	payouts   PayoutStore
	ledger    LedgerStore
	agencies  AgencyStore
	processor PaymentProcessor
	locker    Locker
	archiver  archive.Archiver
	publisher events.Publisher
	log       *zap.Logger
}

func NewWebhookService(
	verifier *webhook.Verifier,
	engine *JobEngine,
	jobs JobStore,
	payments PaymentStore,
	payouts PayoutStore,
	ledger LedgerStore,
	agencies AgencyStore,
	processor PaymentProcessor,
	locker Locker,
	archiver archive.Archiver,
	publisher events.Publisher,
	log *zap.Logger,
) *WebhookService {
	if archiver == nil {
		archiver = archive.Nop{}
	}
	return &WebhookService{
		verifier:  verifier,
		engine:    engine,
		jobs:      jobs,
		payments:  payments,
		payouts:   payouts,
		ledger:    ledger,
		agencies:  agencies,
		processor: processor,
		locker:    locker,
		archiver:  archiver,
		publisher: publisher,
		log:       log,
	}
}

// Handle verifies, deduplicates and applies one delivery. Errors map to
// responses: signature and schema failures are 400, a delivery already in
// flight is a conflict, anything else is transient and the processor retries.
func (s *WebhookService) Handle(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	if err := s.verifier.Verify(payload, signature); err != nil {
		telemetry.WebhookEvents.WithLabelValues("unknown", "signature_invalid").Inc()
		return nil, err
	}

	ev, err := webhook.Decode(payload)
	if err != nil {
		telemetry.WebhookEvents.WithLabelValues("unknown", "malformed").Inc()
		return nil, err
	}
	meta := ev.EventMeta()
	res := &WebhookResult{EventID: meta.ID, Type: meta.Type}

	ctx, span := telemetry.Tracer.Start(ctx, "webhook.handle")
	defer span.End()
	span.SetAttributes(attribute.String("event.id", meta.ID), attribute.String("event.type", meta.Type))

	s.archiveAsync(meta.ID, payload)

	release, ok, err := s.locker.Acquire(ctx, meta.ID)
	if err != nil {
		// the lock only narrows races; the ledger and CAS writes keep us correct without it
		s.log.Warn("webhook lock unavailable, continuing", zap.String("event_id", meta.ID), zap.Error(err))
	} else if !ok {
		telemetry.WebhookEvents.WithLabelValues(meta.Type, "in_flight").Inc()
		return nil, fmt.Errorf("event %s is being processed: %w", meta.ID, apperr.ErrConflict)
	}
	defer release()

	done, err := s.ledger.HasStage(ctx, meta.ID, models.LedgerStageProcessed)
	if err != nil {
		return nil, fmt.Errorf("ledger lookup: %w", err)
	}
	if done {
		telemetry.WebhookEvents.WithLabelValues(meta.Type, string(OutcomeDuplicate)).Inc()
		s.log.Info("duplicate webhook acknowledged", zap.String("event_id", meta.ID), zap.String("type", meta.Type))
		res.Outcome = OutcomeDuplicate
		return res, nil
	}

	inserted, err := s.ledger.Append(ctx, &models.LedgerEntry{
		EventID:   meta.ID,
		EventType: meta.Type,
		JobID:     ev.JobRef(),
		Stage:     models.LedgerStageReceived,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger append: %w", err)
	}
	if !inserted {
		s.log.Info("resuming partially processed webhook", zap.String("event_id", meta.ID))
	}

	var r dispatchResult
	for attempt := 0; attempt < staleRetries; attempt++ {
		r, err = s.dispatch(ctx, ev)
		if !errors.Is(err, apperr.ErrStaleState) {
			break
		}
	}
	if err != nil {
		telemetry.WebhookEvents.WithLabelValues(meta.Type, "error").Inc()
		s.log.Error("webhook handling failed", zap.String("event_id", meta.ID), zap.String("type", meta.Type), zap.Error(err))
		return nil, err
	}

	if _, err := s.ledger.Append(ctx, &models.LedgerEntry{
		EventID:   meta.ID,
		EventType: meta.Type,
		JobID:     ev.JobRef(),
		Stage:     models.LedgerStageProcessed,
		Note:      r.note,
	}); err != nil {
		return nil, fmt.Errorf("ledger append: %w", err)
	}

	res.Outcome = OutcomeProcessed
	if r.ignored {
		res.Outcome = OutcomeIgnored
	}
	telemetry.WebhookEvents.WithLabelValues(meta.Type, string(res.Outcome)).Inc()
	return res, nil
}

func (s *WebhookService) archiveAsync(eventID string, payload []byte) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.archiver.Archive(ctx, eventID, time.Now(), payload); err != nil {
			s.log.Warn("webhook archive failed", zap.String("event_id", eventID), zap.Error(err))
		}
	}()
}

type dispatchResult struct {
	note    string
	ignored bool
}

func ignored(format string, args ...any) dispatchResult {
	return dispatchResult{note: fmt.Sprintf(format, args...), ignored: true}
}

func applied(format string, args ...any) dispatchResult {
	return dispatchResult{note: fmt.Sprintf(format, args...)}
}

func (s *WebhookService) dispatch(ctx context.Context, ev webhook.Event) (dispatchResult, error) {
	switch e := ev.(type) {
	case webhook.PaymentSucceeded:
		return s.onPaymentSucceeded(ctx, e)
	case webhook.PaymentFailed:
		return s.onPaymentFailed(ctx, e)
	case webhook.TransferPaid:
		return s.onTransferPaid(ctx, e)
	case webhook.TransferFailed:
		return s.onTransferFailed(ctx, e)
	case webhook.ChargeRefunded:
		return s.onChargeRefunded(ctx, e)
	case webhook.AccountUpdated:
		return s.onAccountUpdated(ctx, e)
	default:
		meta := ev.EventMeta()
		s.log.Info("unhandled webhook type acknowledged", zap.String("event_id", meta.ID), zap.String("type", meta.Type))
		return ignored("unhandled type %s", meta.Type), nil
	}
}

// loadJob returns nil without error for an unknown job id.
func (s *WebhookService) loadJob(ctx context.Context, id uuid.UUID, eventID string) (*models.Job, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		s.log.Warn("webhook for unknown job acknowledged", zap.String("event_id", eventID), zap.String("job_id", id.String()))
		return nil, nil
	}
	return job, err
}

// fire applies a system trigger. An illegal transition here is final, not
// transient: it is logged and the event acknowledged.
func (s *WebhookService) fire(ctx context.Context, job *models.Job, trigger models.Trigger, eventID string) (dispatchResult, error) {
	updated, err := s.engine.ApplyTo(ctx, job, trigger, SystemActor())
	switch {
	case err == nil:
		return applied("job %s: %s -> %s", trigger, job.Status, updated.Status), nil
	case errors.Is(err, apperr.ErrInvalidTransition):
		s.log.Error("webhook transition not allowed",
			zap.String("event_id", eventID),
			zap.String("job_id", job.ID.String()),
			zap.String("status", string(job.Status)),
			zap.String("trigger", string(trigger)),
		)
		return ignored("%s not allowed from %s", trigger, job.Status), nil
	default:
		return dispatchResult{}, err
	}
}

func (s *WebhookService) onPaymentSucceeded(ctx context.Context, e webhook.PaymentSucceeded) (dispatchResult, error) {
	job, err := s.loadJob(ctx, e.JobID, e.ID)
	if err != nil || job == nil {
		return ignored("unknown job"), err
	}

	rec, err := s.paymentForIntent(ctx, job, e.PaymentIntentID, e.AmountMinor, e.Currency)
	if err != nil {
		return dispatchResult{}, err
	}
	if rec.JobID != job.ID {
		s.log.Error("payment intent belongs to another job",
			zap.String("event_id", e.ID), zap.String("intent", e.PaymentIntentID),
			zap.String("record_job_id", rec.JobID.String()), zap.String("event_job_id", job.ID.String()))
		return ignored("intent belongs to job %s", rec.JobID), nil
	}

	var chargeID *string
	if e.ChargeID != "" {
		chargeID = &e.ChargeID
	}

	switch rec.Status {
	case models.PaymentStatusRefunded:
		return ignored("payment already refunded"), nil
	case models.PaymentStatusSucceeded:
		// redelivery after a partial failure; fall through to the job transition
	default:
		paid := money.FromMinor(e.AmountMinor)
		if !paid.Equal(job.Amount) || e.Currency != job.Currency {
			s.log.Error("payment does not match job amount",
				zap.String("job_id", job.ID.String()),
				zap.String("paid", paid.String()+" "+e.Currency),
				zap.String("expected", job.Amount.String()+" "+job.Currency))
			_ = s.payments.SetStatus(ctx, rec.ID, models.PaymentStatusPending, chargeID, strPtr("amount mismatch"))
			return ignored("amount %s %s does not match job amount", paid, e.Currency), nil
		}
		if !acceptsFunds(job.Status) {
			// money arrived for a job that is not awaiting it (not yet accepted, or closed)
			return s.refundOrphan(ctx, job, rec, chargeID, e.ID)
		}
		err := s.payments.SetStatus(ctx, rec.ID, models.PaymentStatusSucceeded, chargeID, nil)
		if errors.Is(err, apperr.ErrConflict) {
			telemetry.DoubleFunding.Inc()
			s.log.Error("second successful payment for job, left pending for operators",
				zap.String("job_id", job.ID.String()), zap.String("intent", e.PaymentIntentID))
			_ = s.payments.SetStatus(ctx, rec.ID, models.PaymentStatusPending, chargeID, strPtr("double funding"))
			return ignored("double funding"), nil
		}
		if err != nil {
			return dispatchResult{}, err
		}
	}

	switch {
	case job.Status == models.JobStatusUnfunded:
		return s.fire(ctx, job, models.TriggerFund, e.ID)
	case models.IsFundedOrLater(job.Status) || job.Status == models.JobStatusPaidOut:
		return applied("job already %s", job.Status), nil
	default:
		// a record marked succeeded by an earlier run while the job was elsewhere
		s.log.Error("succeeded payment for job not awaiting funds",
			zap.String("job_id", job.ID.String()), zap.String("status", string(job.Status)))
		return s.refundOrphan(ctx, job, rec, chargeID, e.ID)
	}
}

// acceptsFunds reports whether a successful payment may be recorded as the
// job's funding. Funded jobs are included so a second payment surfaces as
// double funding.
func acceptsFunds(status models.JobStatus) bool {
	return status == models.JobStatusUnfunded || models.IsFundedOrLater(status) || status == models.JobStatusPaidOut
}

// refundOrphan returns money paid for a job that cannot hold it and closes the
// payment record as failed, so it neither funds the job nor blocks a new
// funding attempt.
func (s *WebhookService) refundOrphan(ctx context.Context, job *models.Job, rec *models.PaymentRecord, chargeID *string, eventID string) (dispatchResult, error) {
	if chargeID == nil {
		s.log.Error("funds received for job not awaiting them, no charge id", zap.String("job_id", job.ID.String()), zap.String("event_id", eventID))
		reason := fmt.Sprintf("paid while job %s, no charge to refund", job.Status)
		if err := s.payments.SetStatus(ctx, rec.ID, models.PaymentStatusFailed, nil, &reason); err != nil {
			return dispatchResult{}, err
		}
		return ignored("funds for %s job, no charge to refund", job.Status), nil
	}
	refund, err := s.processor.RefundCharge(ctx, RefundRequest{
		ChargeID:       *chargeID,
		JobID:          job.ID,
		IdempotencyKey: models.OrphanRefundIdempotencyKey(job.ID, *chargeID),
	})
	if err != nil {
		return dispatchResult{}, fmt.Errorf("refund funds for %s job: %w", job.Status, err)
	}
	reason := fmt.Sprintf("paid while job %s, refund %s requested", job.Status, refund.ID)
	if err := s.payments.SetStatus(ctx, rec.ID, models.PaymentStatusFailed, chargeID, &reason); err != nil {
		return dispatchResult{}, err
	}
	s.log.Warn("funds received for job not awaiting them, refund requested",
		zap.String("job_id", job.ID.String()), zap.String("status", string(job.Status)), zap.String("refund_id", refund.ID))
	return ignored("job %s, refund %s requested", job.Status, refund.ID), nil
}

// paymentForIntent finds the funding record, creating it when the intent was
// opened outside InitiateFunding.
func (s *WebhookService) paymentForIntent(ctx context.Context, job *models.Job, intentID string, amountMinor int64, currency string) (*models.PaymentRecord, error) {
	rec, err := s.payments.GetByIntentID(ctx, intentID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	rec = &models.PaymentRecord{
		JobID:           job.ID,
		PaymentIntentID: intentID,
		Amount:          money.FromMinor(amountMinor),
		Currency:        currency,
		Status:          models.PaymentStatusPending,
	}
	if err := s.payments.Create(ctx, rec); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return s.payments.GetByIntentID(ctx, intentID)
		}
		return nil, err
	}
	return rec, nil
}

func (s *WebhookService) onPaymentFailed(ctx context.Context, e webhook.PaymentFailed) (dispatchResult, error) {
	job, err := s.loadJob(ctx, e.JobID, e.ID)
	if err != nil || job == nil {
		return ignored("unknown job"), err
	}

	rec, err := s.paymentForIntent(ctx, job, e.PaymentIntentID, e.AmountMinor, e.Currency)
	if err != nil {
		return dispatchResult{}, err
	}
	if rec.Status != models.PaymentStatusPending && rec.Status != models.PaymentStatusFailed {
		return ignored("payment already %s", rec.Status), nil
	}

	reason := e.FailureMessage
	if reason == "" {
		reason = "payment failed"
	}
	if err := s.payments.SetStatus(ctx, rec.ID, models.PaymentStatusFailed, nil, &reason); err != nil {
		return dispatchResult{}, err
	}

	_ = s.publisher.Publish(ctx, events.StreamJobs, events.Event{
		Type: events.EventPaymentFailed,
		Payload: map[string]any{
			"job_id":  job.ID.String(),
			"reason":  reason,
			"parties": []string{job.BusinessID.String()},
		},
	})
	return applied("payment failed, job stays %s", job.Status), nil
}

// payoutForTransfer matches by transfer id, falling back to the job's pending
// generation when the transfer id was never recorded (crash after the call).
func (s *WebhookService) payoutForTransfer(ctx context.Context, transferID string, jobID uuid.UUID) (*models.PayoutRecord, error) {
	p, err := s.payouts.GetByTransferID(ctx, transferID)
	if err == nil || !errors.Is(err, apperr.ErrNotFound) {
		return p, err
	}
	p, err = s.payouts.GetPendingByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if p.TransferID != nil && *p.TransferID != transferID {
		return nil, fmt.Errorf("transfer %s: %w", transferID, apperr.ErrNotFound)
	}
	return p, nil
}

func (s *WebhookService) onTransferPaid(ctx context.Context, e webhook.TransferPaid) (dispatchResult, error) {
	job, err := s.loadJob(ctx, e.JobID, e.ID)
	if err != nil || job == nil {
		return ignored("unknown job"), err
	}

	p, err := s.payoutForTransfer(ctx, e.TransferID, job.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		s.log.Error("transfer paid for unknown payout", zap.String("transfer_id", e.TransferID), zap.String("job_id", job.ID.String()))
		return ignored("unknown transfer %s", e.TransferID), nil
	}
	if err != nil {
		return dispatchResult{}, err
	}

	if p.Status != models.PayoutStatusPaid {
		err := s.payouts.SetStatus(ctx, p.ID, models.PayoutStatusPaid, &e.TransferID, nil)
		if errors.Is(err, apperr.ErrConflict) {
			s.log.Error("second paid transfer for job", zap.String("job_id", job.ID.String()), zap.String("transfer_id", e.TransferID))
			return ignored("job already has a paid transfer"), nil
		}
		if err != nil {
			return dispatchResult{}, err
		}
	}

	switch job.Status {
	case models.JobStatusApproved:
		return s.fire(ctx, job, models.TriggerPayoutPaid, e.ID)
	case models.JobStatusPaidOut:
		return applied("job already paid_out"), nil
	default:
		s.log.Error("transfer paid for job not awaiting payout",
			zap.String("job_id", job.ID.String()), zap.String("status", string(job.Status)))
		return ignored("transfer paid while job %s", job.Status), nil
	}
}

func (s *WebhookService) onTransferFailed(ctx context.Context, e webhook.TransferFailed) (dispatchResult, error) {
	job, err := s.loadJob(ctx, e.JobID, e.ID)
	if err != nil || job == nil {
		return ignored("unknown job"), err
	}

	p, err := s.payoutForTransfer(ctx, e.TransferID, job.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		s.log.Error("transfer failed for unknown payout", zap.String("transfer_id", e.TransferID), zap.String("job_id", job.ID.String()))
		return ignored("unknown transfer %s", e.TransferID), nil
	}
	if err != nil {
		return dispatchResult{}, err
	}

	switch p.Status {
	case models.PayoutStatusPaid:
		s.log.Error("transfer reported failed after paid, paid_out is kept", zap.String("job_id", job.ID.String()), zap.String("transfer_id", e.TransferID))
		return ignored("transfer already paid"), nil
	case models.PayoutStatusFailed:
		return applied("payout already failed"), nil
	}

	reason := e.FailureMessage
	if reason == "" {
		reason = "transfer failed"
	}
	if err := s.payouts.SetStatus(ctx, p.ID, models.PayoutStatusFailed, &e.TransferID, &reason); err != nil {
		return dispatchResult{}, err
	}
	s.log.Warn("payout failed, next generation opens on the worker",
		zap.String("job_id", job.ID.String()), zap.Int("generation", p.Generation), zap.String("reason", reason))

	_ = s.publisher.Publish(ctx, events.StreamJobs, events.Event{
		Type: events.EventPayoutFailed,
		Payload: map[string]any{
			"job_id":     job.ID.String(),
			"generation": p.Generation,
			"reason":     reason,
			"parties":    []string{job.AgencyID.String()},
		},
	})
	return applied("payout generation %d failed, job stays %s", p.Generation, job.Status), nil
}

func (s *WebhookService) onChargeRefunded(ctx context.Context, e webhook.ChargeRefunded) (dispatchResult, error) {
	job, err := s.loadJob(ctx, e.JobID, e.ID)
	if err != nil || job == nil {
		return ignored("unknown job"), err
	}

	rec, err := s.payments.GetByChargeID(ctx, e.ChargeID)
	if errors.Is(err, apperr.ErrNotFound) && e.PaymentIntentID != "" {
		rec, err = s.payments.GetByIntentID(ctx, e.PaymentIntentID)
	}
	if errors.Is(err, apperr.ErrNotFound) {
		s.log.Warn("refund for unknown charge acknowledged", zap.String("charge_id", e.ChargeID), zap.String("job_id", job.ID.String()))
		return ignored("unknown charge %s", e.ChargeID), nil
	}
	if err != nil {
		return dispatchResult{}, err
	}

	if money.FromMinor(e.AmountRefunded).LessThan(rec.Amount) {
		s.log.Warn("partial refund does not close the job",
			zap.String("job_id", job.ID.String()), zap.Int64("refunded_minor", e.AmountRefunded))
		return ignored("partial refund"), nil
	}

	isFunding, err := s.isFundingRecord(ctx, rec)
	if err != nil {
		return dispatchResult{}, err
	}
	if rec.Status != models.PaymentStatusRefunded {
		if err := s.payments.SetStatus(ctx, rec.ID, models.PaymentStatusRefunded, nil, nil); err != nil {
			return dispatchResult{}, err
		}
	}
	if !isFunding {
		return applied("non-funding payment refunded, job stays %s", job.Status), nil
	}

	switch {
	case job.Status == models.JobStatusRefunded:
		return applied("job already refunded"), nil
	case models.CanFire(job.Status, models.TriggerRefund, SystemActor().Role):
		return s.fire(ctx, job, models.TriggerRefund, e.ID)
	case models.IsTerminal(job.Status):
		s.log.Info("refund settled for closed job", zap.String("job_id", job.ID.String()), zap.String("status", string(job.Status)))
		return applied("refund settled, job stays %s", job.Status), nil
	default:
		s.log.Error("refund for job that cannot be refunded",
			zap.String("job_id", job.ID.String()), zap.String("status", string(job.Status)))
		return ignored("refund while job %s", job.Status), nil
	}
}

// isFundingRecord reports whether rec is the payment that funded its job:
// it succeeded (or was already refunded on an earlier run) and no other
// record of the job holds the succeeded slot.
func (s *WebhookService) isFundingRecord(ctx context.Context, rec *models.PaymentRecord) (bool, error) {
	switch rec.Status {
	case models.PaymentStatusSucceeded:
		return true, nil
	case models.PaymentStatusRefunded:
	default:
		return false, nil
	}
	all, err := s.payments.ListByJob(ctx, rec.JobID)
	if err != nil {
		return false, err
	}
	for _, other := range all {
		if other.ID != rec.ID && other.Status == models.PaymentStatusSucceeded {
			return false, nil
		}
	}
	return true, nil
}

func (s *WebhookService) onAccountUpdated(ctx context.Context, e webhook.AccountUpdated) (dispatchResult, error) {
	var agencyID uuid.UUID
	if e.AgencyID != nil {
		agencyID = *e.AgencyID
	} else {
		acct, err := s.agencies.GetByProcessorAccount(ctx, e.AccountID)
		if errors.Is(err, apperr.ErrNotFound) {
			s.log.Warn("account update for unknown agency acknowledged", zap.String("account_id", e.AccountID))
			return ignored("unknown account %s", e.AccountID), nil
		}
		if err != nil {
			return dispatchResult{}, err
		}
		agencyID = acct.AgencyID
	}

	if err := s.agencies.Upsert(ctx, &models.AgencyAccount{
		AgencyID:           agencyID,
		ProcessorAccountID: e.AccountID,
		PayoutsEnabled:     e.PayoutsEnabled,
		ChargesEnabled:     e.ChargesEnabled,
	}); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			s.log.Error("processor account already linked to another agency",
				zap.String("account_id", e.AccountID), zap.String("agency_id", agencyID.String()))
			return ignored("account %s linked elsewhere", e.AccountID), nil
		}
		return dispatchResult{}, err
	}
	return applied("payouts_enabled=%t charges_enabled=%t", e.PayoutsEnabled, e.ChargesEnabled), nil
}

func strPtr(s string) *string {
	return &s
}
