package models

import (
	"time"

	"github.com/agency-marketplace/backend/internal/money"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type JobStatus string

// Job statuses
const (
	JobStatusDraft      JobStatus = "draft"
	JobStatusPending    JobStatus = "pending"
	JobStatusDeclined   JobStatus = "declined"
	JobStatusUnfunded   JobStatus = "unfunded"
	JobStatusFunded     JobStatus = "funded"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusReview     JobStatus = "review"
	JobStatusRevision   JobStatus = "revision"
	JobStatusApproved   JobStatus = "approved"
	JobStatusPaidOut    JobStatus = "paid_out"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusRefunded   JobStatus = "refunded"
)

// AllJobStatuses lists every status in lifecycle order.
var AllJobStatuses = []JobStatus{
	JobStatusDraft, JobStatusPending, JobStatusDeclined, JobStatusUnfunded,
	JobStatusFunded, JobStatusInProgress, JobStatusReview, JobStatusRevision,
	JobStatusApproved, JobStatusPaidOut, JobStatusCancelled, JobStatusRefunded,
}

func (s JobStatus) Valid() bool {
	for _, st := range AllJobStatuses {
		if st == s {
			return true
		}
	}
	return false
}

type Job struct {
	ID          uuid.UUID       `json:"id"`
	DealID      *uuid.UUID      `json:"deal_id,omitempty"`
	BusinessID  uuid.UUID       `json:"business_id"`
	AgencyID    uuid.UUID       `json:"agency_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	PlatformFee decimal.Decimal `json:"platform_fee"`
	Status      JobStatus       `json:"status"`
	// Version is bumped on every status write; used for compare-and-swap.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgencyReceives is derived from Amount and PlatformFee, never stored.
func (j *Job) AgencyReceives() decimal.Decimal {
	return money.AgencyReceives(j.Amount, j.PlatformFee)
}

// IsParty reports whether userID is the business or the agency of the job.
func (j *Job) IsParty(userID uuid.UUID) bool {
	return j.BusinessID == userID || j.AgencyID == userID
}

// JobView is the API shape of a job, with the derived payout amount.
type JobView struct {
	Job
	AgencyReceives decimal.Decimal `json:"agency_receives"`
}

func NewJobView(j *Job) JobView {
	return JobView{Job: *j, AgencyReceives: j.AgencyReceives()}
}
