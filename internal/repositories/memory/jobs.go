// Package memory holds in-process stores with the same contracts as the
// Postgres repositories, including their uniqueness rules. Used by tests and
// local runs without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agency-marketplace/backend/internal/apperr"
	"github.com/agency-marketplace/backend/internal/models"
	"github.com/agency-marketplace/backend/internal/repositories"
	"github.com/google/uuid"
)

type JobStore struct {
	mu      sync.RWMutex
	jobs    map[uuid.UUID]models.Job
	payouts *PayoutStore
	now     func() time.Time
}

// NewJobStore takes the payout store so ListApprovedWithoutOpenPayout can
// answer the same join the SQL does. payouts may be nil.
func NewJobStore(payouts *PayoutStore) *JobStore {
	return &JobStore{jobs: map[uuid.UUID]models.Job{}, payouts: payouts, now: time.Now}
}

func (s *JobStore) Create(_ context.Context, j *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("job %s: %w", j.ID, apperr.ErrConflict)
	}
	now := s.now()
	j.Version = 0
	j.CreatedAt, j.UpdatedAt = now, now
	s.jobs[j.ID] = *j
	return nil
}

func (s *JobStore) GetByID(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, apperr.ErrNotFound)
	}
	return &j, nil
}

func (s *JobStore) UpdateStatus(_ context.Context, id uuid.UUID, from models.JobStatus, version int64, to models.JobStatus) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Status != from || j.Version != version {
		return nil, fmt.Errorf("job %s changed since read (%s v%d): %w", id, from, version, apperr.ErrStaleState)
	}
	j.Status = to
	j.Version++
	j.UpdatedAt = s.now()
	s.jobs[id] = j
	return &j, nil
}

func (s *JobStore) List(_ context.Context, f repositories.JobFilter) ([]models.Job, error) {
	s.mu.RLock()
	var out []models.Job
	for _, j := range s.jobs {
		if f.BusinessID != nil && j.BusinessID != *f.BusinessID {
			continue
		}
		if f.AgencyID != nil && j.AgencyID != *f.AgencyID {
			continue
		}
		if f.Status != nil && j.Status != *f.Status {
			continue
		}
		out = append(out, j)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return page(out, f.Limit, f.Offset), nil
}

func (s *JobStore) ListStale(_ context.Context, status models.JobStatus, cutoff time.Time, limit int) ([]models.Job, error) {
	s.mu.RLock()
	var out []models.Job
	for _, j := range s.jobs {
		if j.Status == status && j.UpdatedAt.Before(cutoff) {
			out = append(out, j)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	return page(out, limit, 0), nil
}

func (s *JobStore) ListApprovedWithoutOpenPayout(ctx context.Context, limit int) ([]models.Job, error) {
	approved := models.JobStatusApproved
	jobs, err := s.List(ctx, repositories.JobFilter{Status: &approved, Limit: 100})
	if err != nil {
		return nil, err
	}

	var out []models.Job
	for _, j := range jobs {
		if s.payouts != nil && s.payouts.hasOpen(j.ID) {
			continue
		}
		out = append(out, j)
	}
	return page(out, limit, 0), nil
}

// SetClock replaces the store's time source.
func (s *JobStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func page[T any](items []T, limit, offset int) []T {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
