package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agency-marketplace/backend/internal/events"
	"github.com/agency-marketplace/backend/internal/lock"
	"github.com/agency-marketplace/backend/internal/models"
	"github.com/agency-marketplace/backend/internal/repositories/memory"
	"github.com/agency-marketplace/backend/internal/webhook"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const testSecret = "whsec_test"

type fakeProcessor struct {
	mu        sync.Mutex
	intents   map[string]*PaymentIntent
	transfers map[string]*Transfer
	refunds   map[string]*Refund

	transferRequests []TransferRequest
	refundRequests   []RefundRequest
	transferErr      error
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		intents:   map[string]*PaymentIntent{},
		transfers: map[string]*Transfer{},
		refunds:   map[string]*Refund{},
	}
}

func (f *fakeProcessor) CreatePaymentIntent(_ context.Context, req PaymentIntentRequest) (*PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in, ok := f.intents[req.IdempotencyKey]; ok {
		return in, nil
	}
	n := len(f.intents) + 1
	in := &PaymentIntent{ID: fmt.Sprintf("pi_%d", n), ClientSecret: fmt.Sprintf("pi_%d_secret", n), Status: "requires_payment_method"}
	f.intents[req.IdempotencyKey] = in
	return in, nil
}

func (f *fakeProcessor) CreateTransfer(_ context.Context, req TransferRequest) (*Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transferRequests = append(f.transferRequests, req)
	if f.transferErr != nil {
		return nil, f.transferErr
	}
	if tr, ok := f.transfers[req.IdempotencyKey]; ok {
		return tr, nil
	}
	tr := &Transfer{ID: fmt.Sprintf("tr_%d", len(f.transfers)+1), Status: "pending"}
	f.transfers[req.IdempotencyKey] = tr
	return tr, nil
}

func (f *fakeProcessor) RefundCharge(_ context.Context, req RefundRequest) (*Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundRequests = append(f.refundRequests, req)
	if r, ok := f.refunds[req.IdempotencyKey]; ok {
		return r, nil
	}
	r := &Refund{ID: fmt.Sprintf("re_%d", len(f.refunds)+1), Status: "pending"}
	f.refunds[req.IdempotencyKey] = r
	return r, nil
}

func (f *fakeProcessor) setTransferErr(err error) {
	f.mu.Lock()
	f.transferErr = err
	f.mu.Unlock()
}

func (f *fakeProcessor) transferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transferRequests)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event events.Event) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type testEnv struct {
	jobs      *memory.JobStore
	payments  *memory.PaymentStore
	payouts   *memory.PayoutStore
	ledger    *memory.LedgerStore
	audit     *memory.AuditStore
	agencies  *memory.AgencyStore
	processor *fakeProcessor
	published *recordingPublisher
	locker    *lock.RedisLocker

	engine    *JobEngine
	payoutSvc *PayoutService
	jobSvc    *JobService
	webhooks  *WebhookService

	business uuid.UUID
	agency   uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})

	log := zap.NewNop()
	env := &testEnv{
		payouts:   memory.NewPayoutStore(),
		payments:  memory.NewPaymentStore(),
		ledger:    memory.NewLedgerStore(),
		audit:     memory.NewAuditStore(),
		agencies:  memory.NewAgencyStore(),
		processor: newFakeProcessor(),
		published: &recordingPublisher{},
		locker:    lock.NewRedisLocker(rdb, "webhook:lock:", 30*time.Second),
		business:  uuid.New(),
		agency:    uuid.New(),
	}
	env.jobs = memory.NewJobStore(env.payouts)

	env.engine = NewJobEngine(env.jobs, env.audit, env.published, log)
	env.payoutSvc = NewPayoutService(env.jobs, env.payouts, env.agencies, env.audit, env.processor, env.locker, env.published, PayoutConfig{
		MaxAttempts:    3,
		BackoffInitial: time.Second,
		BackoffMax:     time.Minute,
		DeferInterval:  time.Minute,
	}, log)
	env.jobSvc = NewJobService(env.engine, env.jobs, env.payments, env.payouts, env.ledger, env.audit, env.processor, env.payoutSvc, env.published,
		JobServiceConfig{PlatformFeeBPS: 1000, DefaultCurrency: "USD"}, log)
	env.webhooks = NewWebhookService(webhook.NewVerifier(testSecret, 5*time.Minute), env.engine,
		env.jobs, env.payments, env.payouts, env.ledger, env.agencies, env.processor, env.locker, nil, env.published, log)

	if err := env.agencies.Upsert(context.Background(), &models.AgencyAccount{
		AgencyID:           env.agency,
		ProcessorAccountID: "acct_agency",
		PayoutsEnabled:     true,
		ChargesEnabled:     true,
	}); err != nil {
		t.Fatalf("seed agency account: %v", err)
	}
	return env
}

func (e *testEnv) createJob(t *testing.T, amount string) *models.Job {
	t.Helper()
	job, err := e.jobSvc.Create(context.Background(), e.business, CreateJobInput{
		AgencyID: e.agency,
		Title:    "Spring campaign",
		Amount:   amount,
		Currency: "USD",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func (e *testEnv) status(t *testing.T, jobID uuid.UUID) models.JobStatus {
	t.Helper()
	job, err := e.jobs.GetByID(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job.Status
}

// fundedJob creates a 1000 USD job, accepts it and funds it through a webhook.
func (e *testEnv) fundedJob(t *testing.T) *models.Job {
	t.Helper()
	ctx := context.Background()
	job := e.createJob(t, "1000")
	if _, err := e.jobSvc.Accept(ctx, job.ID, e.agency); err != nil {
		t.Fatalf("accept: %v", err)
	}
	session, err := e.jobSvc.InitiateFunding(ctx, job.ID, e.business)
	if err != nil {
		t.Fatalf("initiate funding: %v", err)
	}
	e.mustDeliver(t, paymentSucceeded("evt_fund_"+job.ID.String(), session.PaymentIntentID, "ch_"+job.ID.String(), job.ID, 100000))
	if got := e.status(t, job.ID); got != models.JobStatusFunded {
		t.Fatalf("status after funding = %s, want funded", got)
	}
	return job
}

// approvedJob walks a funded job through review to approved.
func (e *testEnv) approvedJob(t *testing.T) *models.Job {
	t.Helper()
	ctx := context.Background()
	job := e.fundedJob(t)
	if _, err := e.jobSvc.StartWork(ctx, job.ID, e.agency); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e.jobSvc.SubmitForReview(ctx, job.ID, e.agency); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := e.jobSvc.Approve(ctx, job.ID, e.business); err != nil {
		t.Fatalf("approve: %v", err)
	}
	return job
}

func (e *testEnv) deliver(payload []byte) (*WebhookResult, error) {
	return e.webhooks.Handle(context.Background(), payload, webhook.Sign(testSecret, time.Now(), payload))
}

func (e *testEnv) mustDeliver(t *testing.T, payload []byte) *WebhookResult {
	t.Helper()
	res, err := e.deliver(payload)
	if err != nil {
		t.Fatalf("deliver %s: %v", payload, err)
	}
	return res
}

func paymentSucceeded(eventID, intentID, chargeID string, jobID uuid.UUID, amountMinor int64) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":"payment_intent.succeeded","created":%d,
		"data":{"object":{"id":%q,"amount":%d,"currency":"usd","latest_charge":%q,"metadata":{"job_id":%q}}}}`,
		eventID, time.Now().Unix(), intentID, amountMinor, chargeID, jobID))
}

func paymentFailed(eventID, intentID string, jobID uuid.UUID, message string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":"payment_intent.payment_failed","created":%d,
		"data":{"object":{"id":%q,"amount":100000,"currency":"usd","last_payment_error":{"message":%q},"metadata":{"job_id":%q}}}}`,
		eventID, time.Now().Unix(), intentID, message, jobID))
}

func transferEvent(eventType, eventID, transferID string, jobID uuid.UUID) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":%q,"created":%d,
		"data":{"object":{"id":%q,"amount":90000,"currency":"usd","failure_message":"account closed","metadata":{"job_id":%q}}}}`,
		eventID, eventType, time.Now().Unix(), transferID, jobID))
}

func chargeRefunded(eventID, chargeID, intentID string, jobID uuid.UUID, amountMinor int64) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":"charge.refunded","created":%d,
		"data":{"object":{"id":%q,"payment_intent":%q,"amount_refunded":%d,"refunded":true,"metadata":{"job_id":%q}}}}`,
		eventID, time.Now().Unix(), chargeID, intentID, amountMinor, jobID))
}

func accountUpdated(eventID, accountID string, agencyID *uuid.UUID, payoutsEnabled bool) []byte {
	md := `{}`
	if agencyID != nil {
		md = fmt.Sprintf(`{"agency_id":%q}`, agencyID.String())
	}
	return []byte(fmt.Sprintf(`{"id":%q,"type":"account.updated","created":%d,
		"data":{"object":{"id":%q,"payouts_enabled":%t,"charges_enabled":true,"metadata":%s}}}`,
		eventID, time.Now().Unix(), accountID, payoutsEnabled, md))
}
