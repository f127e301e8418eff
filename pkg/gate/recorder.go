package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"jobpipe/pkg/execution"
	"jobpipe/pkg/interceptor"
	"jobpipe/pkg/logger"
	"jobpipe/pkg/models"
	"jobpipe/pkg/storage"
)

// Recorder writes the outcome of every invocation whose body ran, which is
// what later gate lookups read. Skipped invocations leave the previous
// record in place.
type Recorder struct {
	interceptor.Base
	store storage.RunRecorder
	log   *zap.Logger
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store storage.RunRecorder, log *zap.Logger) *Recorder {
	return &Recorder{store: store, log: logger.OrNop(log)}
}

// DeclareRecorder returns the integration-phase descriptor of the recorder.
func DeclareRecorder(store storage.RunRecorder, log *zap.Logger) interceptor.Descriptor {
	return interceptor.Declare("run-recorder", func() (interceptor.Interceptor, error) {
		if store == nil {
			return nil, errors.New("run recorder: nil store")
		}
		return NewRecorder(store, log), nil
	}, interceptor.ForPhases(interceptor.PhaseIntegration))
}

func (r *Recorder) Integration(ctx context.Context, ec *execution.Context) error {
	status, ok := statusOf(ec.Outcome())
	if !ok {
		return nil
	}
	job := ec.Job()
	group := job.Group
	if group == "" {
		group = models.DefaultGroup
	}
	rec := &models.RunRecord{
		JobKey:       job.Key(),
		TaskName:     job.Name,
		Group:        group,
		Status:       status,
		InvocationID: ec.InvocationID(),
		FinishedAt:   time.Now(),
	}
	if err := r.store.RecordRun(ctx, rec); err != nil {
		return fmt.Errorf("record run %s: %w", job.Key(), err)
	}
	ec.Logger().Debug("Run recorded", zap.String("status", string(status)))
	return nil
}

func statusOf(o execution.Outcome) (models.RunStatus, bool) {
	switch o {
	case execution.OutcomeSucceeded:
		return models.RunSuccess, true
	case execution.OutcomeFailed:
		return models.RunFailed, true
	case execution.OutcomeInterrupted:
		return models.RunInterrupted, true
	default:
		return "", false
	}
}
