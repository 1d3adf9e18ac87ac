package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaymentProcessor is the outbound side of the processor integration.
// Every call carries an idempotency key so a retried request never
// creates a second intent, transfer or refund.
type PaymentProcessor interface {
	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error)
	RefundCharge(ctx context.Context, req RefundRequest) (*Refund, error)
}

type PaymentIntentRequest struct {
	AmountMinor    int64
	Currency       string
	JobID          uuid.UUID
	IdempotencyKey string
}

type PaymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

type TransferRequest struct {
	AmountMinor    int64
	Currency       string
	Destination    string
	JobID          uuid.UUID
	IdempotencyKey string
}

type Transfer struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type RefundRequest struct {
	ChargeID       string
	JobID          uuid.UUID
	IdempotencyKey string
}

type Refund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ProcessorError is a non-2xx answer from the processor API.
type ProcessorError struct {
	StatusCode int
	Message    string
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("processor returned %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *ProcessorError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsTemporary is true for network failures and retryable processor answers.
func IsTemporary(err error) bool {
	var pe *ProcessorError
	if errors.As(err, &pe) {
		return pe.Temporary()
	}
	return err != nil
}

// ProcessorClient talks to the processor's REST API.
type ProcessorClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *zap.Logger
}

func NewProcessorClient(baseURL, apiKey string, log *zap.Logger) *ProcessorClient {
	return &ProcessorClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log,
	}
}

func (c *ProcessorClient) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error) {
	var out PaymentIntent
	err := c.post(ctx, "/v1/payment_intents", req.IdempotencyKey, map[string]any{
		"amount":   req.AmountMinor,
		"currency": strings.ToLower(req.Currency),
		"metadata": map[string]string{"job_id": req.JobID.String()},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *ProcessorClient) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	var out Transfer
	err := c.post(ctx, "/v1/transfers", req.IdempotencyKey, map[string]any{
		"amount":      req.AmountMinor,
		"currency":    strings.ToLower(req.Currency),
		"destination": req.Destination,
		"metadata":    map[string]string{"job_id": req.JobID.String()},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *ProcessorClient) RefundCharge(ctx context.Context, req RefundRequest) (*Refund, error) {
	var out Refund
	err := c.post(ctx, "/v1/refunds", req.IdempotencyKey, map[string]any{
		"charge":   req.ChargeID,
		"metadata": map[string]string{"job_id": req.JobID.String()},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *ProcessorClient) post(ctx context.Context, path, idempotencyKey string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("processor unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.Warn("processor call failed",
			zap.String("path", path),
			zap.String("idempotency_key", idempotencyKey),
			zap.Int("status", resp.StatusCode),
		)
		return &ProcessorError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
