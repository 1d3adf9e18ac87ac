package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// PaymentRecord is one funding attempt against a job.
type PaymentRecord struct {
	ID              uuid.UUID       `json:"id"`
	JobID           uuid.UUID       `json:"job_id"`
	PaymentIntentID string          `json:"payment_intent_id"`
	ChargeID        *string         `json:"charge_id,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Status          PaymentStatus   `json:"status"`
	FailureReason   *string         `json:"failure_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type PayoutStatus string

const (
	PayoutStatusPending PayoutStatus = "pending"
	PayoutStatusPaid    PayoutStatus = "paid"
	PayoutStatusFailed  PayoutStatus = "failed"
)

// PayoutRecord is one transfer generation to the agency. A new generation is
// opened only after the processor reports the previous one failed.
type PayoutRecord struct {
	ID             uuid.UUID       `json:"id"`
	JobID          uuid.UUID       `json:"job_id"`
	AgencyID       uuid.UUID       `json:"agency_id"`
	Generation     int             `json:"generation"`
	IdempotencyKey string          `json:"idempotency_key"`
	TransferID     *string         `json:"transfer_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         PayoutStatus    `json:"status"`
	IssueAttempts  int             `json:"issue_attempts"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	LastError      *string         `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// PayoutIdempotencyKey is stable per job and generation so processor-side
// retries of the same request can never create a second transfer.
func PayoutIdempotencyKey(jobID uuid.UUID, generation int) string {
	if generation == 0 {
		return fmt.Sprintf("payout-%s", jobID)
	}
	return fmt.Sprintf("payout-%s-%d", jobID, generation)
}

// FundingIdempotencyKey identifies the n-th funding attempt of a job.
func FundingIdempotencyKey(jobID uuid.UUID, attempt int) string {
	return fmt.Sprintf("funding-%s-%d", jobID, attempt)
}

// RefundIdempotencyKey identifies the refund of a job's funding charge.
func RefundIdempotencyKey(jobID uuid.UUID) string {
	return fmt.Sprintf("refund-%s", jobID)
}

// OrphanRefundIdempotencyKey identifies the refund of a charge that landed on
// a job no longer accepting funds. It is per charge so it never collides with
// the job's own refund.
func OrphanRefundIdempotencyKey(jobID uuid.UUID, chargeID string) string {
	return fmt.Sprintf("refund-%s-%s", jobID, chargeID)
}
