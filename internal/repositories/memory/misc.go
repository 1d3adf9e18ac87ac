package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agency-marketplace/backend/internal/apperr"
	"github.com/agency-marketplace/backend/internal/models"
	"github.com/google/uuid"
)

type AuditStore struct {
	mu   sync.RWMutex
	logs []models.AuditLog
}

func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Log(_ context.Context, entry models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.ID = uuid.New()
	entry.CreatedAt = time.Now()
	s.logs = append(s.logs, entry)
	return nil
}

func (s *AuditStore) GetByEntity(_ context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]models.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.AuditLog
	for _, l := range s.logs {
		if l.EntityType == entityType && l.EntityID != nil && *l.EntityID == entityID {
			out = append(out, l)
		}
	}
	if limit <= 0 {
		limit = 50
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type AgencyStore struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]models.AgencyAccount
}

func NewAgencyStore() *AgencyStore {
	return &AgencyStore{accounts: map[uuid.UUID]models.AgencyAccount{}}
}

func (s *AgencyStore) Upsert(_ context.Context, a *models.AgencyAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.accounts {
		if id != a.AgencyID && existing.ProcessorAccountID == a.ProcessorAccountID {
			return fmt.Errorf("agency account (processor_account_id): %w", apperr.ErrConflict)
		}
	}
	a.UpdatedAt = time.Now()
	s.accounts[a.AgencyID] = *a
	return nil
}

func (s *AgencyStore) Get(_ context.Context, agencyID uuid.UUID) (*models.AgencyAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[agencyID]
	if !ok {
		return nil, fmt.Errorf("agency account %s: %w", agencyID, apperr.ErrNotFound)
	}
	return &a, nil
}

func (s *AgencyStore) GetByProcessorAccount(_ context.Context, accountID string) (*models.AgencyAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.accounts {
		if a.ProcessorAccountID == accountID {
			return &a, nil
		}
	}
	return nil, fmt.Errorf("agency account %s: %w", accountID, apperr.ErrNotFound)
}
