package storage

import (
	"context"
	"errors"

	"jobpipe/pkg/models"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// ResourceStore persists per-invocation resource snapshots.
type ResourceStore interface {
	// SaveResourceInfo persists a snapshot produced by the resource monitor.
	SaveResourceInfo(ctx context.Context, info *models.TaskResourceInfo) error

	// ListResourceInfo returns the latest snapshots of a job, newest first.
	ListResourceInfo(ctx context.Context, jobKey string, limit int) ([]models.TaskResourceInfo, error)
}

// SuccessStore answers the dependency gate. Both lookups return ErrNotFound
// when no run was ever recorded for the key or group.
type SuccessStore interface {
	// IsSuccessful reports whether the latest run of jobKey succeeded.
	IsSuccessful(ctx context.Context, jobKey, taskName string) (bool, error)

	// GroupIsSuccessful reports whether every recorded job of group succeeded.
	GroupIsSuccessful(ctx context.Context, group string) (bool, error)
}

// RunRecorder is the write side of SuccessStore.
type RunRecorder interface {
	// RecordRun upserts the latest run of a job key.
	RecordRun(ctx context.Context, rec *models.RunRecord) error

	// GetRun returns the latest run of a job key.
	GetRun(ctx context.Context, jobKey string) (*models.RunRecord, error)
}

// RunStore combines both sides of the success protocol.
type RunStore interface {
	SuccessStore
	RunRecorder
}

// TriggerQueue transports fired triggers from the scheduler to executors.
type TriggerQueue interface {
	// Push adds a trigger to the pending queue.
	Push(ctx context.Context, trigger *models.Trigger) error

	// Pop retrieves a trigger for a consumer of a group. A nil trigger with a
	// nil error means nothing arrived before the poll timeout.
	Pop(ctx context.Context, group string, consumer string) (string, *models.Trigger, error)

	// Ack acknowledges a trigger as processed.
	Ack(ctx context.Context, group string, msgID string) error

	// EnsureGroup ensures the consumer group exists.
	EnsureGroup(ctx context.Context, group string) error
}

// SampleArchive stores heap sample sequences too large for the row itself.
type SampleArchive interface {
	// Store persists samples and returns a URI that Retrieve accepts.
	Store(ctx context.Context, invocationID string, samples []int64) (string, error)

	// Retrieve loads samples previously stored.
	Retrieve(ctx context.Context, uri string) ([]int64, error)
}
