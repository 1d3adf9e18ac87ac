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

type PayoutStore struct {
	mu      sync.RWMutex
	payouts map[uuid.UUID]models.PayoutRecord
}

func NewPayoutStore() *PayoutStore {
	return &PayoutStore{payouts: map[uuid.UUID]models.PayoutRecord{}}
}

func (s *PayoutStore) Create(_ context.Context, p *models.PayoutRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.payouts {
		switch {
		case existing.IdempotencyKey == p.IdempotencyKey:
			return fmt.Errorf("payout record (idempotency_key): %w", apperr.ErrConflict)
		case existing.JobID == p.JobID && existing.Generation == p.Generation:
			return fmt.Errorf("payout record (job_id, generation): %w", apperr.ErrConflict)
		case existing.JobID == p.JobID && existing.Status == p.Status && p.Status != models.PayoutStatusFailed:
			return fmt.Errorf("payout record (uq_payouts_job_%s): %w", p.Status, apperr.ErrConflict)
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	s.payouts[p.ID] = *p
	return nil
}

func (s *PayoutStore) GetByTransferID(_ context.Context, transferID string) (*models.PayoutRecord, error) {
	return s.find(func(p models.PayoutRecord) bool { return p.TransferID != nil && *p.TransferID == transferID }, "payout with transfer "+transferID)
}

func (s *PayoutStore) GetPendingByJob(_ context.Context, jobID uuid.UUID) (*models.PayoutRecord, error) {
	return s.find(func(p models.PayoutRecord) bool { return p.JobID == jobID && p.Status == models.PayoutStatusPending }, "pending payout for job "+jobID.String())
}

func (s *PayoutStore) ListByJob(_ context.Context, jobID uuid.UUID) ([]models.PayoutRecord, error) {
	out := s.filter(func(p models.PayoutRecord) bool { return p.JobID == jobID })
	sort.Slice(out, func(a, b int) bool { return out[a].Generation < out[b].Generation })
	return out, nil
}

func (s *PayoutStore) ListDue(_ context.Context, now time.Time, limit int) ([]models.PayoutRecord, error) {
	out := s.filter(func(p models.PayoutRecord) bool {
		return p.Status == models.PayoutStatusPending && p.TransferID == nil && !p.NextAttemptAt.After(now)
	})
	sort.Slice(out, func(a, b int) bool { return out[a].NextAttemptAt.Before(out[b].NextAttemptAt) })
	return page(out, limit, 0), nil
}

func (s *PayoutStore) SetTransfer(_ context.Context, id uuid.UUID, transferID string) error {
	return s.update(id, func(p *models.PayoutRecord) error {
		if p.TransferID != nil && *p.TransferID != transferID {
			return nil
		}
		for otherID, other := range s.payouts {
			if otherID != id && other.TransferID != nil && *other.TransferID == transferID {
				return fmt.Errorf("payout transfer (transfer_id): %w", apperr.ErrConflict)
			}
		}
		p.TransferID = &transferID
		p.LastError = nil
		return nil
	})
}

func (s *PayoutStore) RecordIssueFailure(_ context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error {
	return s.update(id, func(p *models.PayoutRecord) error {
		p.IssueAttempts = attempts
		p.NextAttemptAt = next
		p.LastError = &lastErr
		return nil
	})
}

func (s *PayoutStore) Defer(_ context.Context, id uuid.UUID, next time.Time, reason string) error {
	return s.update(id, func(p *models.PayoutRecord) error {
		p.NextAttemptAt = next
		p.LastError = &reason
		return nil
	})
}

func (s *PayoutStore) SetStatus(_ context.Context, id uuid.UUID, status models.PayoutStatus, transferID, lastErr *string) error {
	return s.update(id, func(p *models.PayoutRecord) error {
		if status == models.PayoutStatusPaid {
			for otherID, other := range s.payouts {
				if otherID != id && other.JobID == p.JobID && other.Status == models.PayoutStatusPaid {
					return fmt.Errorf("payout status (uq_payouts_job_paid): %w", apperr.ErrConflict)
				}
			}
		}
		p.Status = status
		if p.TransferID == nil && transferID != nil {
			p.TransferID = transferID
		}
		if lastErr != nil {
			p.LastError = lastErr
		}
		return nil
	})
}

func (s *PayoutStore) hasOpen(jobID uuid.UUID) bool {
	return len(s.filter(func(p models.PayoutRecord) bool {
		return p.JobID == jobID && (p.Status == models.PayoutStatusPending || p.Status == models.PayoutStatusPaid)
	})) > 0
}

func (s *PayoutStore) update(id uuid.UUID, fn func(*models.PayoutRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[id]
	if !ok {
		return fmt.Errorf("payout %s: %w", id, apperr.ErrNotFound)
	}
	if err := fn(&p); err != nil {
		return err
	}
	p.UpdatedAt = time.Now()
	s.payouts[id] = p
	return nil
}

func (s *PayoutStore) filter(match func(models.PayoutRecord) bool) []models.PayoutRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.PayoutRecord
	for _, p := range s.payouts {
		if match(p) {
			out = append(out, p)
		}
	}
	return out
}

func (s *PayoutStore) find(match func(models.PayoutRecord) bool, what string) (*models.PayoutRecord, error) {
	out := s.filter(match)
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", what, apperr.ErrNotFound)
	}
	return &out[0], nil
}
