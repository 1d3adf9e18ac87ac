package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agency-marketplace/backend/internal/apperr"
	"github.com/agency-marketplace/backend/internal/events"
	"github.com/agency-marketplace/backend/internal/models"
	"github.com/agency-marketplace/backend/internal/webhook"
	"github.com/google/uuid"
)

func TestWebhookRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.createJob(t, "10")
	payload := paymentSucceeded("evt_1", "pi_1", "ch_1", job.ID, 1000)

	t.Run("bad signature", func(t *testing.T) {
		_, err := env.webhooks.Handle(ctx, payload, "t=1,v1=deadbeef")
		if !errors.Is(err, apperr.ErrSignatureInvalid) {
			t.Fatalf("expected ErrSignatureInvalid, got %v", err)
		}
	})

	t.Run("signed with another secret", func(t *testing.T) {
		_, err := env.webhooks.Handle(ctx, payload, signWith("whsec_other", payload))
		if !errors.Is(err, apperr.ErrSignatureInvalid) {
			t.Fatalf("expected ErrSignatureInvalid, got %v", err)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := env.deliver([]byte(`{"id":"evt_2","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`))
		if !errors.Is(err, apperr.ErrMalformedEvent) {
			t.Fatalf("expected ErrMalformedEvent, got %v", err)
		}
	})

	if n := len(env.ledger.All()); n != 0 {
		t.Errorf("rejected deliveries wrote %d ledger entries", n)
	}
	if got := env.status(t, job.ID); got != models.JobStatusPending {
		t.Errorf("status = %s", got)
	}
}

func TestWebhookUnknownTypeAndJobAreAcknowledged(t *testing.T) {
	env := newTestEnv(t)

	res := env.mustDeliver(t, []byte(`{"id":"evt_u","type":"customer.created","data":{"object":{"id":"cus_1"}}}`))
	if res.Outcome != OutcomeIgnored {
		t.Errorf("unknown type outcome = %s", res.Outcome)
	}

	res = env.mustDeliver(t, paymentSucceeded("evt_j", "pi_9", "ch_9", uuid.New(), 1000))
	if res.Outcome != OutcomeIgnored {
		t.Errorf("unknown job outcome = %s", res.Outcome)
	}

	// both are recorded so redeliveries short-circuit
	if res := env.mustDeliver(t, paymentSucceeded("evt_j", "pi_9", "ch_9", uuid.New(), 1000)); res.Outcome != OutcomeDuplicate {
		t.Errorf("redelivery outcome = %s, want duplicate", res.Outcome)
	}
}

func TestWebhookReplayIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.createJob(t, "1000")
	if _, err := env.jobSvc.Accept(ctx, job.ID, env.agency); err != nil {
		t.Fatalf("accept: %v", err)
	}

	payload := paymentSucceeded("evt_dup", "pi_dup", "ch_dup", job.ID, 100000)
	first := env.mustDeliver(t, payload)
	second := env.mustDeliver(t, payload)
	if first.Outcome != OutcomeProcessed || second.Outcome != OutcomeDuplicate {
		t.Fatalf("outcomes = %s, %s", first.Outcome, second.Outcome)
	}

	after, _ := env.jobs.GetByID(ctx, job.ID)
	if after.Status != models.JobStatusFunded || after.Version != 2 {
		t.Errorf("job = %s v%d, want funded v2", after.Status, after.Version)
	}
	trail, _ := env.audit.GetByEntity(ctx, "job", job.ID, 50, 0)
	funds := 0
	for _, a := range trail {
		if a.Action == "job_fund" {
			funds++
		}
	}
	if funds != 1 {
		t.Errorf("job_fund audited %d times", funds)
	}
	if n := len(env.ledger.All()); n != 2 {
		t.Errorf("ledger entries = %d, want 2", n)
	}
}

func TestWebhookResumesAfterPartialProcessing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.createJob(t, "1000")
	if _, err := env.jobSvc.Accept(ctx, job.ID, env.agency); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// a previous delivery crashed after recording receipt
	if _, err := env.ledger.Append(ctx, &models.LedgerEntry{
		EventID: "evt_crash", EventType: "payment_intent.succeeded", JobID: &job.ID, Stage: models.LedgerStageReceived,
	}); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	res := env.mustDeliver(t, paymentSucceeded("evt_crash", "pi_c", "ch_c", job.ID, 100000))
	if res.Outcome != OutcomeProcessed {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if got := env.status(t, job.ID); got != models.JobStatusFunded {
		t.Errorf("status = %s, want funded", got)
	}
}

func TestWebhookConcurrentDeliveryIsRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.createJob(t, "10")

	release, ok, err := env.locker.Acquire(ctx, "evt_busy")
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	payload := paymentFailed("evt_busy", "pi_b", job.ID, "declined")
	if _, err := env.deliver(payload); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected ErrConflict while locked, got %v", err)
	}

	release()
	if res := env.mustDeliver(t, payload); res.Outcome != OutcomeProcessed {
		t.Errorf("outcome after release = %s", res.Outcome)
	}
}

func TestWebhookDoubleFundingKeepsOneSucceededPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.fundedJob(t)

	res := env.mustDeliver(t, paymentSucceeded("evt_second", "pi_second", "ch_second", job.ID, 100000))
	if res.Outcome != OutcomeIgnored {
		t.Errorf("outcome = %s, want ignored", res.Outcome)
	}

	records, _ := env.payments.ListByJob(ctx, job.ID)
	succeeded := 0
	for _, r := range records {
		switch {
		case r.Status == models.PaymentStatusSucceeded:
			succeeded++
		case r.PaymentIntentID == "pi_second":
			if r.Status != models.PaymentStatusPending || r.FailureReason == nil || *r.FailureReason != "double funding" {
				t.Errorf("second record = %s %v", r.Status, r.FailureReason)
			}
		}
	}
	if succeeded != 1 {
		t.Fatalf("succeeded payments = %d, want 1", succeeded)
	}

	// refunding the stray charge leaves the job funded
	env.mustDeliver(t, chargeRefunded("evt_stray_refund", "ch_second", "pi_second", job.ID, 100000))
	if got := env.status(t, job.ID); got != models.JobStatusFunded {
		t.Errorf("status = %s, want funded", got)
	}
}

func TestWebhookUnderpaymentDoesNotFund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.createJob(t, "1000")
	if _, err := env.jobSvc.Accept(ctx, job.ID, env.agency); err != nil {
		t.Fatalf("accept: %v", err)
	}

	env.mustDeliver(t, paymentSucceeded("evt_short", "pi_short", "ch_short", job.ID, 99999))
	if got := env.status(t, job.ID); got != models.JobStatusUnfunded {
		t.Errorf("status = %s, want unfunded", got)
	}
	rec, _ := env.payments.GetByIntentID(ctx, "pi_short")
	if rec.Status != models.PaymentStatusPending {
		t.Errorf("record = %s, want pending", rec.Status)
	}
}

// Refunded is terminal: a misbehaving transfer.paid afterwards changes nothing.
func TestScenarioRefundThenTransferPaid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.fundedJob(t)

	env.mustDeliver(t, chargeRefunded("evt_refund", "ch_"+job.ID.String(), "", job.ID, 100000))
	if got := env.status(t, job.ID); got != models.JobStatusRefunded {
		t.Fatalf("status = %s, want refunded", got)
	}
	rec, _ := env.payments.GetByChargeID(ctx, "ch_"+job.ID.String())
	if rec.Status != models.PaymentStatusRefunded {
		t.Errorf("payment = %s, want refunded", rec.Status)
	}

	res := env.mustDeliver(t, transferEvent("transfer.paid", "evt_late_paid", "tr_rogue", job.ID))
	if res.Outcome != OutcomeIgnored {
		t.Errorf("outcome = %s, want ignored", res.Outcome)
	}
	if got := env.status(t, job.ID); got != models.JobStatusRefunded {
		t.Errorf("status = %s, want refunded", got)
	}

	refunded, _ := env.jobs.GetByID(ctx, job.ID)
	if _, err := env.engine.ApplyTo(ctx, refunded, models.TriggerPayoutPaid, SystemActor()); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("payout_paid from refunded: expected ErrInvalidTransition, got %v", err)
	}
}

func TestWebhookPartialRefundKeepsJob(t *testing.T) {
	env := newTestEnv(t)
	job := env.fundedJob(t)

	env.mustDeliver(t, chargeRefunded("evt_partial", "ch_"+job.ID.String(), "", job.ID, 5000))
	if got := env.status(t, job.ID); got != models.JobStatusFunded {
		t.Errorf("status = %s, want funded", got)
	}
}

func TestWebhookLatePaymentOnCancelledJobIsRefunded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.createJob(t, "1000")
	if _, err := env.jobSvc.Accept(ctx, job.ID, env.agency); err != nil {
		t.Fatalf("accept: %v", err)
	}
	session, err := env.jobSvc.InitiateFunding(ctx, job.ID, env.business)
	if err != nil {
		t.Fatalf("funding: %v", err)
	}
	if _, err := env.jobSvc.Cancel(ctx, job.ID, env.business); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	env.mustDeliver(t, paymentSucceeded("evt_late", session.PaymentIntentID, "ch_late", job.ID, 100000))
	if got := env.status(t, job.ID); got != models.JobStatusCancelled {
		t.Errorf("status = %s, want cancelled", got)
	}
	if len(env.processor.refundRequests) != 1 {
		t.Fatalf("refund requests = %d, want 1", len(env.processor.refundRequests))
	}
	if key := env.processor.refundRequests[0].IdempotencyKey; key != models.OrphanRefundIdempotencyKey(job.ID, "ch_late") {
		t.Errorf("refund key = %s", key)
	}

	// the processor's confirmation settles quietly
	env.mustDeliver(t, chargeRefunded("evt_late_refund", "ch_late", session.PaymentIntentID, job.ID, 100000))
	if got := env.status(t, job.ID); got != models.JobStatusCancelled {
		t.Errorf("status = %s, want cancelled", got)
	}
}

func TestWebhookTransferFailedOpensNextGeneration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.approvedJob(t)

	if _, err := env.payoutSvc.ProcessDue(ctx); err != nil {
		t.Fatalf("ProcessDue: %v", err)
	}
	first, _ := env.payouts.GetPendingByJob(ctx, job.ID)
	env.mustDeliver(t, transferEvent("transfer.failed", "evt_tf", *first.TransferID, job.ID))

	if got := env.status(t, job.ID); got != models.JobStatusApproved {
		t.Errorf("status = %s, want approved", got)
	}
	if env.published.count(events.EventPayoutFailed) != 1 {
		t.Error("payout_failed not published")
	}
	all, _ := env.payouts.ListByJob(ctx, job.ID)
	if len(all) != 1 || all[0].Status != models.PayoutStatusFailed || all[0].LastError == nil {
		t.Fatalf("payouts = %+v", all)
	}

	n, err := env.payoutSvc.EnsureScheduled(ctx)
	if err != nil || n != 1 {
		t.Fatalf("EnsureScheduled = %d, %v", n, err)
	}
	next, err := env.payouts.GetPendingByJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("next generation: %v", err)
	}
	if next.Generation != 1 || next.IdempotencyKey != models.PayoutIdempotencyKey(job.ID, 1) {
		t.Errorf("next = gen %d key %s", next.Generation, next.IdempotencyKey)
	}
}

func TestWebhookTransferPaidAdoptsUnrecordedTransfer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.approvedJob(t)

	// the transfer was created but its id never made it to the record
	env.mustDeliver(t, transferEvent("transfer.paid", "evt_adopt", "tr_unrecorded", job.ID))
	if got := env.status(t, job.ID); got != models.JobStatusPaidOut {
		t.Fatalf("status = %s, want paid_out", got)
	}
	p, err := env.payouts.GetByTransferID(ctx, "tr_unrecorded")
	if err != nil || p.Status != models.PayoutStatusPaid {
		t.Errorf("payout = %+v, %v", p, err)
	}
}

func TestWebhookAccountUpdated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	agency := uuid.New()

	env.mustDeliver(t, accountUpdated("evt_a1", "acct_new", &agency, false))
	acct, err := env.agencies.Get(ctx, agency)
	if err != nil || acct.PayoutsEnabled || acct.ProcessorAccountID != "acct_new" {
		t.Fatalf("account = %+v, %v", acct, err)
	}

	// later updates may omit the metadata
	env.mustDeliver(t, accountUpdated("evt_a2", "acct_new", nil, true))
	acct, _ = env.agencies.Get(ctx, agency)
	if !acct.PayoutsEnabled {
		t.Error("payouts should be enabled")
	}

	if res := env.mustDeliver(t, accountUpdated("evt_a3", "acct_unknown", nil, true)); res.Outcome != OutcomeIgnored {
		t.Errorf("unknown account outcome = %s", res.Outcome)
	}
}

func TestWebhookPaymentFailedNotifiesBusiness(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.createJob(t, "1000")
	if _, err := env.jobSvc.Accept(ctx, job.ID, env.agency); err != nil {
		t.Fatalf("accept: %v", err)
	}

	env.mustDeliver(t, paymentFailed("evt_pf", "pi_pf", job.ID, "insufficient funds"))
	rec, err := env.payments.GetByIntentID(ctx, "pi_pf")
	if err != nil || rec.Status != models.PaymentStatusFailed || *rec.FailureReason != "insufficient funds" {
		t.Fatalf("record = %+v, %v", rec, err)
	}
	if got := env.status(t, job.ID); got != models.JobStatusUnfunded {
		t.Errorf("status = %s, want unfunded", got)
	}
	if env.published.count(events.EventPaymentFailed) != 1 {
		t.Error("payment_failed not published")
	}
}

func signWith(secret string, payload []byte) string {
	return webhook.Sign(secret, time.Now(), payload)
}

func TestWebhookPaymentBeforeAcceptIsRefunded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.createJob(t, "1000")

	res := env.mustDeliver(t, paymentSucceeded("evt_early", "pi_early", "ch_early", job.ID, 100000))
	if res.Outcome != OutcomeIgnored {
		t.Errorf("outcome = %s, want ignored", res.Outcome)
	}
	if got := env.status(t, job.ID); got != models.JobStatusPending {
		t.Errorf("status = %s, want pending", got)
	}
	early, _ := env.payments.GetByIntentID(ctx, "pi_early")
	if early.Status != models.PaymentStatusFailed {
		t.Errorf("early record = %s, want failed", early.Status)
	}
	if len(env.processor.refundRequests) != 1 {
		t.Fatalf("refund requests = %d, want 1", len(env.processor.refundRequests))
	}
	if key := env.processor.refundRequests[0].IdempotencyKey; key != models.OrphanRefundIdempotencyKey(job.ID, "ch_early") {
		t.Errorf("refund key = %s", key)
	}

	// the job still funds normally once accepted
	if _, err := env.jobSvc.Accept(ctx, job.ID, env.agency); err != nil {
		t.Fatalf("accept: %v", err)
	}
	session, err := env.jobSvc.InitiateFunding(ctx, job.ID, env.business)
	if err != nil {
		t.Fatalf("initiate funding after early payment: %v", err)
	}
	if session.PaymentIntentID == "pi_early" {
		t.Fatal("refunded intent must not be reused")
	}
	env.mustDeliver(t, paymentSucceeded("evt_real", session.PaymentIntentID, "ch_real", job.ID, 100000))
	if got := env.status(t, job.ID); got != models.JobStatusFunded {
		t.Fatalf("status = %s, want funded", got)
	}

	// confirmation of the early refund does not touch the funded job
	env.mustDeliver(t, chargeRefunded("evt_early_refund", "ch_early", "pi_early", job.ID, 100000))
	if got := env.status(t, job.ID); got != models.JobStatusFunded {
		t.Errorf("status after early refund = %s, want funded", got)
	}
}

func TestWebhookOverpaymentDoesNotFund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.createJob(t, "1000")
	if _, err := env.jobSvc.Accept(ctx, job.ID, env.agency); err != nil {
		t.Fatalf("accept: %v", err)
	}

	env.mustDeliver(t, paymentSucceeded("evt_over", "pi_over", "ch_over", job.ID, 200000))
	if got := env.status(t, job.ID); got != models.JobStatusUnfunded {
		t.Errorf("status = %s, want unfunded", got)
	}
	rec, _ := env.payments.GetByIntentID(ctx, "pi_over")
	if rec.Status != models.PaymentStatusPending {
		t.Errorf("record = %s, want pending", rec.Status)
	}
	if rec.FailureReason == nil || *rec.FailureReason != "amount mismatch" {
		t.Errorf("reason = %v, want amount mismatch", rec.FailureReason)
	}
}
