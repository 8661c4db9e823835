// Package stores holds Store implementations.
package stores

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/gpubatch/gpubatch/scheduler/domain"
	"github.com/gpubatch/gpubatch/store"
)

// MemoryStore keeps jobs in a map. Nothing survives a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
	// insertion order, used to break CreatedAt ties
	seq map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[string]*domain.Job{}, seq: map[string]int{}}
}

func (s *MemoryStore) CreateJob(ctx context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return errors.Errorf("job %s already stored", job.ID)
	}
	j := job.Clone()
	s.jobs[job.ID] = &j
	s.seq[job.ID] = len(s.seq)
	return nil
}

func (s *MemoryStore) UpdateJobStatus(ctx context.Context, u store.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[u.ID]
	if !ok {
		return errors.Wrap(store.ErrNotFound, u.ID)
	}
	u.Apply(j)
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, errors.Wrap(store.ErrNotFound, id)
	}
	return j.Clone(), nil
}

func (s *MemoryStore) ListPending(ctx context.Context) ([]domain.Job, error) {
	return s.list(domain.Pending), nil
}

func (s *MemoryStore) ListRunning(ctx context.Context) ([]domain.Job, error) {
	return s.list(domain.Running), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) list(status domain.Status) []domain.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return s.seq[out[i].ID] < s.seq[out[k].ID]
	})
	return out
}
