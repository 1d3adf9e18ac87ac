package memory

import (
	"context"
	"sync"
	"time"

	"github.com/agency-marketplace/backend/internal/models"
	"github.com/google/uuid"
)

type LedgerStore struct {
	mu      sync.RWMutex
	entries []models.LedgerEntry
}

func NewLedgerStore() *LedgerStore {
	return &LedgerStore{}
}

func (s *LedgerStore) Append(_ context.Context, e *models.LedgerEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.entries {
		if existing.EventID == e.EventID && existing.Stage == e.Stage {
			return false, nil
		}
	}
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	s.entries = append(s.entries, *e)
	return true, nil
}

func (s *LedgerStore) HasStage(_ context.Context, eventID string, stage models.LedgerStage) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries {
		if e.EventID == eventID && e.Stage == stage {
			return true, nil
		}
	}
	return false, nil
}

func (s *LedgerStore) ListByJob(_ context.Context, jobID uuid.UUID) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.LedgerEntry
	for _, e := range s.entries {
		if e.JobID != nil && *e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

// All returns every entry in append order.
func (s *LedgerStore) All() []models.LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.LedgerEntry(nil), s.entries...)
}
