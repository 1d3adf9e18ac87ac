package models

import (
	"github.com/agency-marketplace/backend/internal/apperr"
	"github.com/agency-marketplace/backend/internal/rbac"
)

type Trigger string

// Job triggers
const (
	TriggerAccept          Trigger = "accept"
	TriggerDecline         Trigger = "decline"
	TriggerFund            Trigger = "fund"
	TriggerStartWork       Trigger = "start_work"
	TriggerSubmit          Trigger = "submit"
	TriggerApprove         Trigger = "approve"
	TriggerRequestRevision Trigger = "request_revision"
	TriggerResubmit        Trigger = "resubmit"
	TriggerPayoutPaid      Trigger = "payout_paid"
	TriggerCancel          Trigger = "cancel"
	TriggerExpire          Trigger = "expire"
	TriggerRefund          Trigger = "refund"
)

// AllTriggers lists every trigger the engine knows about.
var AllTriggers = []Trigger{
	TriggerAccept, TriggerDecline, TriggerFund, TriggerStartWork, TriggerSubmit,
	TriggerApprove, TriggerRequestRevision, TriggerResubmit, TriggerPayoutPaid,
	TriggerCancel, TriggerExpire, TriggerRefund,
}

// Edge is an outgoing transition: the resulting status and the only role allowed to fire it.
type Edge struct {
	To    JobStatus
	Actor rbac.Role
}

var refundEdge = Edge{To: JobStatusRefunded, Actor: rbac.RoleSystem}

// JobTransitions is the whole state machine: from -> trigger -> edge.
// Cancel is only reachable while no funds are held; once funded the refund path applies.
var JobTransitions = map[JobStatus]map[Trigger]Edge{
	JobStatusDraft: {},
	JobStatusPending: {
		TriggerAccept:  {To: JobStatusUnfunded, Actor: rbac.RoleAgency},
		TriggerDecline: {To: JobStatusDeclined, Actor: rbac.RoleAgency},
		TriggerCancel:  {To: JobStatusCancelled, Actor: rbac.RoleBusiness},
		TriggerExpire:  {To: JobStatusCancelled, Actor: rbac.RoleSystem},
	},
	JobStatusUnfunded: {
		TriggerFund:   {To: JobStatusFunded, Actor: rbac.RoleSystem},
		TriggerCancel: {To: JobStatusCancelled, Actor: rbac.RoleBusiness},
		TriggerExpire: {To: JobStatusCancelled, Actor: rbac.RoleSystem},
	},
	JobStatusFunded: {
		TriggerStartWork: {To: JobStatusInProgress, Actor: rbac.RoleAgency},
		TriggerRefund:    refundEdge,
	},
	JobStatusInProgress: {
		TriggerSubmit: {To: JobStatusReview, Actor: rbac.RoleAgency},
		TriggerRefund: refundEdge,
	},
	JobStatusReview: {
		TriggerApprove:         {To: JobStatusApproved, Actor: rbac.RoleBusiness},
		TriggerRequestRevision: {To: JobStatusRevision, Actor: rbac.RoleBusiness},
		TriggerRefund:          refundEdge,
	},
	JobStatusRevision: {
		TriggerResubmit: {To: JobStatusReview, Actor: rbac.RoleAgency},
		TriggerRefund:   refundEdge,
	},
	JobStatusApproved: {
		TriggerPayoutPaid: {To: JobStatusPaidOut, Actor: rbac.RoleSystem},
		TriggerRefund:     refundEdge,
	},
	JobStatusDeclined:  {},
	JobStatusPaidOut:   {},
	JobStatusCancelled: {},
	JobStatusRefunded:  {},
}

// NextStatus resolves the status reached by firing trigger as role from status from.
func NextStatus(from JobStatus, trigger Trigger, role rbac.Role) (JobStatus, error) {
	edge, ok := JobTransitions[from][trigger]
	if !ok || edge.Actor != role {
		return from, &apperr.TransitionError{From: string(from), Trigger: string(trigger), Role: string(role)}
	}
	return edge.To, nil
}

// CanFire reports whether the trigger is legal for the role without resolving the target.
func CanFire(from JobStatus, trigger Trigger, role rbac.Role) bool {
	_, err := NextStatus(from, trigger, role)
	return err == nil
}

// IsTerminal reports whether no trigger leaves the status.
func IsTerminal(s JobStatus) bool {
	return len(JobTransitions[s]) == 0 && s != JobStatusDraft
}

// IsFundedOrLater reports whether the escrow holds the business's money.
func IsFundedOrLater(s JobStatus) bool {
	_, ok := JobTransitions[s][TriggerRefund]
	return ok
}

// RefundRequestable lists statuses from which a business may ask for its money back.
// Approved is excluded: the payout is already on its way to the agency.
var RefundRequestable = map[JobStatus]bool{
	JobStatusFunded:     true,
	JobStatusInProgress: true,
	JobStatusReview:     true,
	JobStatusRevision:   true,
}
