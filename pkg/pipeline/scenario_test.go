package pipeline_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobpipe/pkg/execution"
	"jobpipe/pkg/gate"
	"jobpipe/pkg/interceptor"
	"jobpipe/pkg/models"
	"jobpipe/pkg/monitor"
	. "jobpipe/pkg/pipeline"
	"jobpipe/pkg/storage"
	"jobpipe/pkg/storage/memory"
)

type syncFixture struct {
	store    *memory.Store
	pipeline *Pipeline
	def      *Definition
	tr       *tracker
	runs     atomic.Int32
}

// newSyncFixture wires a "Sync" job that depends on the "ingest" group
// through the built-in stack, plus one counting interceptor. The pipeline
// gets no listeners; the stack's interceptors bring their own.
func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	f := &syncFixture{store: memory.NewStore(), tr: &tracker{}}

	var heap atomic.Int64
	monitors := monitor.NewRegistry(monitor.Config{
		SampleInterval: time.Millisecond,
		Probes: monitor.Probes{
			HeapBytes: func() int64 { return heap.Add(64) },
			CPUNanos:  func(context.Context) (int64, error) { return 0, nil },
		},
	}, nil)

	stack := Stack{
		Monitors:  monitors,
		Resources: f.store,
		Success:   f.store,
		Runs:      f.store,
		Gate:      gate.DefaultConfig(),
	}
	reg := interceptor.NewRegistry(nil)
	f.pipeline = New(reg)
	catalog := NewCatalog(reg, nil)

	f.def = catalog.MustRegister(Definition{
		Descriptor:   models.NewJobDescriptor("Sync", "etl"),
		Dependencies: models.Dependencies{Groups: []string{"ingest"}},
		Interceptors: stack.Interceptors(declare(&hook{name: "audit", t: f.tr})),
		Job: execution.JobFunc(func(context.Context, *execution.Context) error {
			f.runs.Add(1)
			time.Sleep(20 * time.Millisecond)
			return nil
		}),
	})
	return f
}

func (f *syncFixture) recordIngest(t *testing.T, status models.RunStatus) {
	t.Helper()
	require.NoError(t, f.store.RecordRun(context.Background(), &models.RunRecord{
		JobKey: "ingest.Fetch", TaskName: "Fetch", Group: "ingest", Status: status,
	}))
}

func TestScenario_DependencyGroupFailedSkipsSync(t *testing.T) {
	for name, setup := range map[string]func(*testing.T, *syncFixture){
		"ingest failed":  func(t *testing.T, f *syncFixture) { f.recordIngest(t, models.RunFailed) },
		"ingest missing": func(*testing.T, *syncFixture) {},
	} {
		t.Run(name, func(t *testing.T) {
			f := newSyncFixture(t)
			setup(t, f)

			res := f.pipeline.Execute(context.Background(), f.def, nil)

			assert.False(t, res.Permitted)
			assert.Equal(t, execution.OutcomeSkipped, res.Outcome)
			assert.Zero(t, f.runs.Load(), "body never runs")
			assert.Equal(t, 1, f.tr.count("audit.after"))
			assert.Equal(t, 1, f.tr.count("audit.integration"))
			assert.Zero(t, f.store.ResourceCount(), "no resource record for a skipped body")
			assert.Nil(t, res.Resources)

			_, err := f.store.GetRun(context.Background(), f.def.Key())
			assert.ErrorIs(t, err, storage.ErrNotFound, "skip does not write a run record")
		})
	}
}

func TestScenario_DependencyGroupSucceededRunsSync(t *testing.T) {
	f := newSyncFixture(t)
	f.recordIngest(t, models.RunSuccess)
	ctx := context.Background()

	res := f.pipeline.Execute(ctx, f.def, nil)

	assert.True(t, res.Permitted)
	assert.Equal(t, execution.OutcomeSucceeded, res.Outcome)
	assert.EqualValues(t, 1, f.runs.Load())
	require.NotNil(t, res.Resources)
	assert.Equal(t, res.InvocationID, res.Resources.InvocationID)
	assert.GreaterOrEqual(t, res.Resources.ElapsedMillis, int64(20))

	infos, err := f.store.ListResourceInfo(ctx, f.def.Key(), 10)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "Sync", infos[0].TaskName)
	assert.NotEmpty(t, infos[0].Samples)

	rec, err := f.store.GetRun(ctx, f.def.Key())
	require.NoError(t, err)
	assert.True(t, rec.Successful())
	assert.Equal(t, res.InvocationID, rec.InvocationID)
}

func TestScenario_OwnFailureBlocksNextRun(t *testing.T) {
	f := newSyncFixture(t)
	f.recordIngest(t, models.RunSuccess)
	require.NoError(t, f.store.RecordRun(context.Background(), &models.RunRecord{
		JobKey: "etl.Sync", TaskName: "Sync", Group: "etl", Status: models.RunFailed,
	}))

	res := f.pipeline.Execute(context.Background(), f.def, nil)

	assert.False(t, res.Permitted)
	assert.Zero(t, f.runs.Load())
}

func TestScenario_DottedGroupProducerUnblocksConsumer(t *testing.T) {
	store := memory.NewStore()
	stack := Stack{
		Monitors:  monitor.NewRegistry(monitor.DefaultConfig(), nil),
		Resources: store,
		Success:   store,
		Runs:      store,
		Gate:      gate.DefaultConfig(),
	}
	reg := interceptor.NewRegistry(nil)
	p := New(reg)
	catalog := NewCatalog(reg, nil)

	producer := catalog.MustRegister(Definition{
		Descriptor:   models.NewJobDescriptor("load", "ingest.daily"),
		Interceptors: stack.Interceptors(),
		Job:          noop,
	})
	consumer := catalog.MustRegister(Definition{
		Descriptor:   models.NewJobDescriptor("Sync", "etl"),
		Dependencies: models.Dependencies{Groups: []string{"ingest.daily"}},
		Interceptors: stack.Interceptors(),
		Job:          noop,
	})
	ctx := context.Background()

	assert.Equal(t, execution.OutcomeSkipped, p.Execute(ctx, consumer, nil).Outcome)

	res := p.Execute(ctx, producer, nil)
	require.Equal(t, execution.OutcomeSucceeded, res.Outcome)
	require.NotNil(t, res.Resources)
	assert.Equal(t, 1, store.ResourceCount())

	res = p.Execute(ctx, consumer, nil)
	assert.True(t, res.Permitted)
	assert.Equal(t, execution.OutcomeSucceeded, res.Outcome)
}

func TestScenario_ExtraMonitorListenerDoesNotRestartMonitor(t *testing.T) {
	store := memory.NewStore()
	var heap atomic.Int64
	monitors := monitor.NewRegistry(monitor.Config{
		SampleInterval: time.Millisecond,
		Probes: monitor.Probes{
			HeapBytes: func() int64 { return heap.Add(1) },
			CPUNanos:  func(context.Context) (int64, error) { return 0, nil },
		},
	}, nil)
	stack := Stack{Monitors: monitors, Resources: store}
	reg := interceptor.NewRegistry(nil)
	p := New(reg, WithListeners(monitor.NewListener(monitors)))
	def := NewCatalog(reg, nil).MustRegister(Definition{
		Descriptor:   models.NewJobDescriptor("Sync", "etl"),
		Interceptors: stack.Interceptors(),
		Job: execution.JobFunc(func(context.Context, *execution.Context) error {
			time.Sleep(20 * time.Millisecond)
			return nil
		}),
	})

	res := p.Execute(context.Background(), def, nil)

	require.NotNil(t, res.Resources)
	assert.GreaterOrEqual(t, res.Resources.ElapsedMillis, int64(20))
	assert.Equal(t, 1, store.ResourceCount())
}
