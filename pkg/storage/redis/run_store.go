package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"jobpipe/pkg/models"
	"jobpipe/pkg/storage"
)

const (
	keyRuns      = "jobpipe:runs"
	keyGroupRuns = "jobpipe:runs:group:"
)

// RunStore keeps the latest run per job key in redis hashes so executors on
// different hosts share one view of the success protocol.
//
//	jobpipe:runs              job key -> RunRecord JSON
//	jobpipe:runs:group:<g>    job key -> status
type RunStore struct {
	client *redis.Client
}

var _ storage.RunStore = (*RunStore)(nil)

// NewRunStore wraps a client.
func NewRunStore(client *redis.Client) *RunStore {
	return &RunStore{client: client}
}

func (s *RunStore) RecordRun(ctx context.Context, rec *models.RunRecord) error {
	r := *rec
	r.UpdatedAt = time.Now()
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, keyRuns, r.JobKey, payload)
		if r.Group != "" {
			pipe.HSet(ctx, keyGroupRuns+r.Group, r.JobKey, string(r.Status))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, jobKey string) (*models.RunRecord, error) {
	payload, err := s.client.HGet(ctx, keyRuns, jobKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	var rec models.RunRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run record: %w", err)
	}
	return &rec, nil
}

func (s *RunStore) IsSuccessful(ctx context.Context, jobKey, _ string) (bool, error) {
	rec, err := s.GetRun(ctx, jobKey)
	if err != nil {
		return false, err
	}
	return rec.Successful(), nil
}

func (s *RunStore) GroupIsSuccessful(ctx context.Context, group string) (bool, error) {
	statuses, err := s.client.HVals(ctx, keyGroupRuns+group).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read group %s: %w", group, err)
	}
	if len(statuses) == 0 {
		return false, storage.ErrNotFound
	}
	for _, st := range statuses {
		if models.RunStatus(st) != models.RunSuccess {
			return false, nil
		}
	}
	return true, nil
}
