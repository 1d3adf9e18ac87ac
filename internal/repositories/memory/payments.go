package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agency-marketplace/backend/internal/apperr"
	"github.com/agency-marketplace/backend/internal/models"
	"github.com/google/uuid"
)

type PaymentStore struct {
	mu       sync.RWMutex
	payments map[uuid.UUID]models.PaymentRecord
}

func NewPaymentStore() *PaymentStore {
	return &PaymentStore{payments: map[uuid.UUID]models.PaymentRecord{}}
}

func (s *PaymentStore) Create(_ context.Context, p *models.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.payments {
		if existing.PaymentIntentID == p.PaymentIntentID {
			return fmt.Errorf("payment record (payment_intent_id): %w", apperr.ErrConflict)
		}
		if p.Status == models.PaymentStatusSucceeded && existing.JobID == p.JobID && existing.Status == models.PaymentStatusSucceeded {
			return fmt.Errorf("payment record (uq_payments_job_succeeded): %w", apperr.ErrConflict)
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	s.payments[p.ID] = *p
	return nil
}

func (s *PaymentStore) GetByIntentID(_ context.Context, intentID string) (*models.PaymentRecord, error) {
	return s.find(func(p models.PaymentRecord) bool { return p.PaymentIntentID == intentID }, "payment "+intentID)
}

func (s *PaymentStore) GetByChargeID(_ context.Context, chargeID string) (*models.PaymentRecord, error) {
	return s.find(func(p models.PaymentRecord) bool { return p.ChargeID != nil && *p.ChargeID == chargeID }, "payment with charge "+chargeID)
}

func (s *PaymentStore) ListByJob(_ context.Context, jobID uuid.UUID) ([]models.PaymentRecord, error) {
	s.mu.RLock()
	var out []models.PaymentRecord
	for _, p := range s.payments {
		if p.JobID == jobID {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (s *PaymentStore) SetStatus(_ context.Context, id uuid.UUID, status models.PaymentStatus, chargeID, reason *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return fmt.Errorf("payment %s: %w", id, apperr.ErrNotFound)
	}
	if status == models.PaymentStatusSucceeded {
		for otherID, other := range s.payments {
			if otherID != id && other.JobID == p.JobID && other.Status == models.PaymentStatusSucceeded {
				return fmt.Errorf("payment status (uq_payments_job_succeeded): %w", apperr.ErrConflict)
			}
		}
	}
	p.Status = status
	if chargeID != nil {
		p.ChargeID = chargeID
	}
	if reason != nil {
		p.FailureReason = reason
	}
	p.UpdatedAt = time.Now()
	s.payments[id] = p
	return nil
}

func (s *PaymentStore) find(match func(models.PaymentRecord) bool, what string) (*models.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.payments {
		if match(p) {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", what, apperr.ErrNotFound)
}
