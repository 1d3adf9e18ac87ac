package services

import (
	"context"
	"testing"
	"time"

	"github.com/agency-marketplace/backend/internal/events"
	"github.com/agency-marketplace/backend/internal/models"
)

func TestBackoffWithJitter(t *testing.T) {
	base, max := time.Second, time.Minute
	tests := []struct {
		attempt  int
		min, top time.Duration
	}{
		{0, time.Second, time.Second},
		{1, 500 * time.Millisecond, time.Second},
		{2, time.Second, 2 * time.Second},
		{4, 4 * time.Second, 8 * time.Second},
		{10, 30 * time.Second, time.Minute},
		{200, 30 * time.Second, time.Minute},
	}
	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			got := backoffWithJitter(base, max, tt.attempt)
			if got < tt.min || got > tt.top {
				t.Fatalf("attempt %d: %s outside [%s, %s]", tt.attempt, got, tt.min, tt.top)
			}
		}
	}
}

func TestScheduleIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.approvedJob(t)
	approved, _ := env.jobs.GetByID(ctx, job.ID)

	a, err := env.payoutSvc.Schedule(ctx, approved)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	b, err := env.payoutSvc.Schedule(ctx, approved)
	if err != nil {
		t.Fatalf("Schedule again: %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("second schedule opened another record")
	}
	if n, _ := env.payoutSvc.EnsureScheduled(ctx); n != 0 {
		t.Errorf("EnsureScheduled opened %d, want 0", n)
	}
}

func TestIssueRetriesWithSameKeyThenEscalatesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.approvedJob(t)
	env.processor.setTransferErr(&ProcessorError{StatusCode: 503, Message: "unavailable"})

	clock := time.Now()
	env.payoutSvc.now = func() time.Time { return clock }

	for i := 1; i <= 5; i++ {
		if n, err := env.payoutSvc.ProcessDue(ctx); err != nil || n != 0 {
			t.Fatalf("round %d: ProcessDue = %d, %v", i, n, err)
		}
		p, _ := env.payouts.GetPendingByJob(ctx, job.ID)
		if p.IssueAttempts != i || p.LastError == nil || !p.NextAttemptAt.After(clock) {
			t.Fatalf("round %d: payout = %+v", i, p)
		}
		clock = p.NextAttemptAt
	}

	if env.processor.transferCount() != 5 {
		t.Errorf("transfer calls = %d, want 5", env.processor.transferCount())
	}
	for _, req := range env.processor.transferRequests {
		if req.IdempotencyKey != models.PayoutIdempotencyKey(job.ID, 0) || req.Destination != "acct_agency" || req.AmountMinor != 90000 {
			t.Fatalf("request = %+v", req)
		}
	}
	if got := env.published.count(events.EventPayoutEscalated); got != 1 {
		t.Errorf("escalations = %d, want 1", got)
	}

	// recovery: the same record goes through once the processor is back
	env.processor.setTransferErr(nil)
	if n, _ := env.payoutSvc.ProcessDue(ctx); n != 1 {
		t.Fatalf("issued = %d after recovery", n)
	}
	all, _ := env.payouts.ListByJob(ctx, job.ID)
	if len(all) != 1 || all[0].TransferID == nil {
		t.Errorf("payouts = %+v", all)
	}
}

func TestFailedGenerationsEscalate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.approvedJob(t)

	keys := map[string]bool{}
	for gen := 0; gen < 3; gen++ {
		if _, err := env.payoutSvc.ProcessDue(ctx); err != nil {
			t.Fatalf("gen %d ProcessDue: %v", gen, err)
		}
		p, err := env.payouts.GetPendingByJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("gen %d pending: %v", gen, err)
		}
		keys[p.IdempotencyKey] = true
		env.mustDeliver(t, transferEvent("transfer.failed", "evt_fail_"+p.IdempotencyKey, *p.TransferID, job.ID))
		if _, err := env.payoutSvc.EnsureScheduled(ctx); err != nil {
			t.Fatalf("gen %d EnsureScheduled: %v", gen, err)
		}
	}

	if len(keys) != 3 {
		t.Errorf("distinct keys = %d, want 3", len(keys))
	}
	all, _ := env.payouts.ListByJob(ctx, job.ID)
	if len(all) != 3 {
		t.Fatalf("generations = %d, want 3", len(all))
	}
	if _, err := env.payouts.GetPendingByJob(ctx, job.ID); err == nil {
		t.Error("no generation should open after the limit")
	}
	if _, err := env.payoutSvc.EnsureScheduled(ctx); err != nil {
		t.Fatalf("EnsureScheduled: %v", err)
	}
	if got := env.published.count(events.EventPayoutEscalated); got != 1 {
		t.Errorf("escalations = %d, want 1", got)
	}
	if got := env.status(t, job.ID); got != models.JobStatusApproved {
		t.Errorf("status = %s, want approved", got)
	}
}

func TestIssueDefersUntilAccountCanReceive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.approvedJob(t)

	acct, _ := env.agencies.Get(ctx, env.agency)
	acct.PayoutsEnabled = false
	if err := env.agencies.Upsert(ctx, acct); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if n, _ := env.payoutSvc.ProcessDue(ctx); n != 0 {
		t.Fatalf("issued %d while payouts disabled", n)
	}
	if env.processor.transferCount() != 0 {
		t.Fatal("transfer requested while payouts disabled")
	}
	p, _ := env.payouts.GetPendingByJob(ctx, job.ID)
	if p.IssueAttempts != 0 || p.LastError == nil || !p.NextAttemptAt.After(time.Now()) {
		t.Errorf("deferred payout = %+v", p)
	}

	env.mustDeliver(t, accountUpdated("evt_enable", "acct_agency", &env.agency, true))
	env.payoutSvc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if n, _ := env.payoutSvc.ProcessDue(ctx); n != 1 {
		t.Errorf("issued = %d after enabling payouts", n)
	}
}

func TestIssueSkipsJobsNoLongerApproved(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.approvedJob(t)

	env.mustDeliver(t, chargeRefunded("evt_refund_approved", "ch_"+job.ID.String(), "", job.ID, 100000))
	if got := env.status(t, job.ID); got != models.JobStatusRefunded {
		t.Fatalf("status = %s, want refunded", got)
	}

	if n, _ := env.payoutSvc.ProcessDue(ctx); n != 0 {
		t.Fatalf("issued %d for a refunded job", n)
	}
	if env.processor.transferCount() != 0 {
		t.Fatal("transfer requested for a refunded job")
	}
	all, _ := env.payouts.ListByJob(ctx, job.ID)
	if len(all) != 1 || all[0].Status != models.PayoutStatusFailed {
		t.Errorf("payouts = %+v", all)
	}
	if n, _ := env.payoutSvc.EnsureScheduled(ctx); n != 0 {
		t.Errorf("reopened %d payouts for a refunded job", n)
	}
}
