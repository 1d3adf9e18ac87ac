package models

import (
	"errors"
	"testing"

	"github.com/agency-marketplace/backend/internal/apperr"
	"github.com/agency-marketplace/backend/internal/rbac"
)

func TestNextStatus(t *testing.T) {
	tests := []struct {
		from    JobStatus
		trigger Trigger
		role    rbac.Role
		want    JobStatus
		ok      bool
	}{
		// Happy path
		{JobStatusPending, TriggerAccept, rbac.RoleAgency, JobStatusUnfunded, true},
		{JobStatusPending, TriggerDecline, rbac.RoleAgency, JobStatusDeclined, true},
		{JobStatusUnfunded, TriggerFund, rbac.RoleSystem, JobStatusFunded, true},
		{JobStatusFunded, TriggerStartWork, rbac.RoleAgency, JobStatusInProgress, true},
		{JobStatusInProgress, TriggerSubmit, rbac.RoleAgency, JobStatusReview, true},
		{JobStatusReview, TriggerApprove, rbac.RoleBusiness, JobStatusApproved, true},
		{JobStatusReview, TriggerRequestRevision, rbac.RoleBusiness, JobStatusRevision, true},
		{JobStatusRevision, TriggerResubmit, rbac.RoleAgency, JobStatusReview, true},
		{JobStatusApproved, TriggerPayoutPaid, rbac.RoleSystem, JobStatusPaidOut, true},

		// Cancellation only before funds are held
		{JobStatusPending, TriggerCancel, rbac.RoleBusiness, JobStatusCancelled, true},
		{JobStatusUnfunded, TriggerCancel, rbac.RoleBusiness, JobStatusCancelled, true},
		{JobStatusPending, TriggerExpire, rbac.RoleSystem, JobStatusCancelled, true},
		{JobStatusUnfunded, TriggerExpire, rbac.RoleSystem, JobStatusCancelled, true},
		{JobStatusFunded, TriggerCancel, rbac.RoleBusiness, "", false},
		{JobStatusReview, TriggerCancel, rbac.RoleBusiness, "", false},
		{JobStatusApproved, TriggerCancel, rbac.RoleBusiness, "", false},

		// Refund from funded-or-later
		{JobStatusFunded, TriggerRefund, rbac.RoleSystem, JobStatusRefunded, true},
		{JobStatusInProgress, TriggerRefund, rbac.RoleSystem, JobStatusRefunded, true},
		{JobStatusReview, TriggerRefund, rbac.RoleSystem, JobStatusRefunded, true},
		{JobStatusRevision, TriggerRefund, rbac.RoleSystem, JobStatusRefunded, true},
		{JobStatusApproved, TriggerRefund, rbac.RoleSystem, JobStatusRefunded, true},
		{JobStatusUnfunded, TriggerRefund, rbac.RoleSystem, "", false},
		{JobStatusPaidOut, TriggerRefund, rbac.RoleSystem, "", false},

		// Wrong actor
		{JobStatusPending, TriggerAccept, rbac.RoleBusiness, "", false},
		{JobStatusReview, TriggerApprove, rbac.RoleAgency, "", false},
		{JobStatusUnfunded, TriggerFund, rbac.RoleBusiness, "", false},
		{JobStatusApproved, TriggerPayoutPaid, rbac.RoleAgency, "", false},

		// Skipping steps
		{JobStatusPending, TriggerStartWork, rbac.RoleAgency, "", false},
		{JobStatusFunded, TriggerSubmit, rbac.RoleAgency, "", false},
		{JobStatusInProgress, TriggerApprove, rbac.RoleBusiness, "", false},
		{JobStatusDraft, TriggerAccept, rbac.RoleAgency, "", false},
		{"nonexistent", TriggerAccept, rbac.RoleAgency, "", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trigger)+"/"+string(tt.role), func(t *testing.T) {
			got, err := NextStatus(tt.from, tt.trigger, tt.role)
			if tt.ok {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if got != tt.want {
					t.Errorf("NextStatus = %s, want %s", got, tt.want)
				}
				return
			}
			if !errors.Is(err, apperr.ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
			if got != tt.from {
				t.Errorf("failed transition must report the current status, got %s", got)
			}
		})
	}
}

func TestAllStatusesHaveTransitionEntry(t *testing.T) {
	for _, status := range AllJobStatuses {
		if _, ok := JobTransitions[status]; !ok {
			t.Errorf("status %q missing from JobTransitions map", status)
		}
	}
}

func TestTerminalStatusesHaveNoTransitions(t *testing.T) {
	terminal := []JobStatus{JobStatusDeclined, JobStatusPaidOut, JobStatusCancelled, JobStatusRefunded}
	for _, status := range terminal {
		if !IsTerminal(status) {
			t.Errorf("status %q should be terminal", status)
		}
		for _, trigger := range AllTriggers {
			for _, role := range []rbac.Role{rbac.RoleBusiness, rbac.RoleAgency, rbac.RoleSystem} {
				if CanFire(status, trigger, role) {
					t.Errorf("terminal status %q accepts %s from %s", status, trigger, role)
				}
			}
		}
	}
	if IsTerminal(JobStatusPending) || IsTerminal(JobStatusDraft) {
		t.Errorf("pending and draft are not terminal")
	}
}

func TestTransitionTargetsAreKnownStatuses(t *testing.T) {
	for from, edges := range JobTransitions {
		for trigger, edge := range edges {
			if !edge.To.Valid() {
				t.Errorf("%s --%s--> unknown status %q", from, trigger, edge.To)
			}
		}
	}
}

func TestAgencyReceivesIsDerived(t *testing.T) {
	j := Job{}
	j.Amount = mustDecimal(t, "1000")
	j.PlatformFee = mustDecimal(t, "100")
	if got := j.AgencyReceives(); !got.Equal(mustDecimal(t, "900")) {
		t.Fatalf("AgencyReceives = %s, want 900", got)
	}
}
