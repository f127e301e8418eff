// Package memory implements the storage interfaces in process. It backs
// tests and single-node development runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"jobpipe/pkg/models"
	"jobpipe/pkg/storage"
)

// Store is a mutex-guarded in-memory ResourceStore and RunStore.
type Store struct {
	mu        sync.RWMutex
	runs      map[string]models.RunRecord
	resources []models.TaskResourceInfo
	nextID    uint
}

var (
	_ storage.ResourceStore = (*Store)(nil)
	_ storage.RunStore      = (*Store)(nil)
)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{runs: make(map[string]models.RunRecord)}
}

func (s *Store) SaveResourceInfo(_ context.Context, info *models.TaskResourceInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	info.ID = s.nextID
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now()
	}
	s.resources = append(s.resources, info.Clone())
	return nil
}

func (s *Store) ListResourceInfo(_ context.Context, jobKey string, limit int) ([]models.TaskResourceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.TaskResourceInfo
	for i := len(s.resources) - 1; i >= 0; i-- {
		if jobKey != "" && s.resources[i].JobKey != jobKey {
			continue
		}
		out = append(out, s.resources[i].Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ResourceCount returns the number of persisted snapshots.
func (s *Store) ResourceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.resources)
}

func (s *Store) RecordRun(_ context.Context, rec *models.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *rec
	r.UpdatedAt = time.Now()
	s.runs[r.JobKey] = r
	return nil
}

func (s *Store) GetRun(_ context.Context, jobKey string) (*models.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[jobKey]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &r, nil
}

func (s *Store) IsSuccessful(ctx context.Context, jobKey, _ string) (bool, error) {
	r, err := s.GetRun(ctx, jobKey)
	if err != nil {
		return false, err
	}
	return r.Successful(), nil
}

func (s *Store) GroupIsSuccessful(_ context.Context, group string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found := false
	for _, r := range s.runs {
		if r.Group != group {
			continue
		}
		found = true
		if !r.Successful() {
			return false, nil
		}
	}
	if !found {
		return false, storage.ErrNotFound
	}
	return true, nil
}

// Runs returns every recorded run ordered by key.
func (s *Store) Runs() []models.RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.RunRecord, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobKey < out[j].JobKey })
	return out
}
