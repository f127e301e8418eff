package executor_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobpipe/pkg/execution"
	. "jobpipe/pkg/executor"
	"jobpipe/pkg/interceptor"
	"jobpipe/pkg/models"
	"jobpipe/pkg/pipeline"
)

// chanQueue is an in-memory TriggerQueue.
type chanQueue struct {
	ch    chan *models.Trigger
	mu    sync.Mutex
	acked []string
	seq   atomic.Int64
}

func newChanQueue() *chanQueue { return &chanQueue{ch: make(chan *models.Trigger, 16)} }

func (q *chanQueue) Push(_ context.Context, t *models.Trigger) error {
	q.ch <- t
	return nil
}

func (q *chanQueue) Pop(ctx context.Context, _, _ string) (string, *models.Trigger, error) {
	select {
	case t := <-q.ch:
		return t.ID.String(), t, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case <-time.After(20 * time.Millisecond):
		return "", nil, nil
	}
}

func (q *chanQueue) Ack(_ context.Context, _ string, id string) error {
	q.mu.Lock()
	q.acked = append(q.acked, id)
	q.mu.Unlock()
	return nil
}

func (q *chanQueue) EnsureGroup(context.Context, string) error { return nil }

func (q *chanQueue) ackCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked)
}

type fixture struct {
	catalog  *pipeline.Catalog
	pipeline *pipeline.Pipeline
	running  atomic.Int32
	peak     atomic.Int32
	done     atomic.Int32
}

func newFixture(t *testing.T, body time.Duration) *fixture {
	t.Helper()
	reg := interceptor.NewRegistry(nil)
	f := &fixture{catalog: pipeline.NewCatalog(reg, nil), pipeline: pipeline.New(reg)}
	f.catalog.MustRegister(pipeline.Definition{
		Descriptor: models.NewJobDescriptor("Work", "etl"),
		Job: execution.JobFunc(func(context.Context, *execution.Context) error {
			n := f.running.Add(1)
			for {
				p := f.peak.Load()
				if n <= p || f.peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(body)
			f.running.Add(-1)
			f.done.Add(1)
			return nil
		}),
	})
	return f
}

func trigger(name string) *models.Trigger {
	return models.NewTrigger(models.NewJobDescriptor(name, "etl"), time.Now(), false)
}

func TestExecutor_DispatchRespectsConcurrency(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	e := NewExecutor(Config{Concurrency: 2}, f.catalog, f.pipeline, nil, nil)

	for i := 0; i < 6; i++ {
		require.NoError(t, e.Dispatch(context.Background(), trigger("Work")))
	}
	e.Wait()

	assert.EqualValues(t, 6, f.done.Load())
	assert.LessOrEqual(t, f.peak.Load(), int32(2))
	assert.Len(t, e.Recent(0), 6)
	assert.Len(t, e.Recent(2), 2)
}

func TestExecutor_ExecuteIsSynchronous(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	e := NewExecutor(Config{Concurrency: 1}, f.catalog, f.pipeline, nil, nil)

	res, err := e.Execute(context.Background(), trigger("Work"))

	require.NoError(t, err)
	assert.Equal(t, execution.OutcomeSucceeded, res.Outcome)
	assert.Equal(t, res.InvocationID, e.Recent(1)[0].InvocationID)
}

func TestExecutor_UnknownJob(t *testing.T) {
	f := newFixture(t, 0)
	e := NewExecutor(Config{}, f.catalog, f.pipeline, nil, nil)

	assert.ErrorIs(t, e.Dispatch(context.Background(), trigger("Nope")), pipeline.ErrUnknownJob)
}

func TestExecutor_DispatchHonoursContextWhenFull(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond)
	e := NewExecutor(Config{Concurrency: 1}, f.catalog, f.pipeline, nil, nil)
	require.NoError(t, e.Dispatch(context.Background(), trigger("Work")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.Dispatch(ctx, trigger("Work"))

	assert.ErrorIs(t, err, ErrStopped)
	e.Wait()
}

func TestExecutor_StartConsumesQueue(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	q := newChanQueue()
	e := NewExecutor(Config{Concurrency: 2}, f.catalog, f.pipeline, q, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Push(context.Background(), trigger("Work")))
	}
	require.NoError(t, q.Push(context.Background(), trigger("Unknown")))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- e.Start(ctx) }()

	assert.Eventually(t, func() bool { return q.ackCount() == 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not stop")
	}
	assert.EqualValues(t, 3, f.done.Load())
}

func TestExecutor_StartWithoutQueue(t *testing.T) {
	f := newFixture(t, 0)
	e := NewExecutor(Config{}, f.catalog, f.pipeline, nil, nil)
	assert.Error(t, e.Start(context.Background()))
}
