package jobs_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "jobpipe/configs"
	"jobpipe/pkg/execution"
	"jobpipe/pkg/interceptor"
	. "jobpipe/pkg/jobs"
	"jobpipe/pkg/pipeline"
	"jobpipe/pkg/storage/memory"
)

func TestDefinition_FromSpec(t *testing.T) {
	spec := config.JobSpec{
		Name:          "Sync",
		Group:         "etl",
		Command:       "exit 4",
		Interval:      time.Minute,
		Timeout:       time.Second,
		Interruptible: true,
		DependsOn:     config.DependsOn{Jobs: []string{"etl.Extract", "Fetch"}, Groups: []string{"ingest"}},
		Capture:       []config.CaptureSpec{{Name: "exits", Kinds: []string{"exit"}}},
	}
	store := memory.NewStore()

	def, err := Definition(spec, pipeline.Stack{Success: store, Runs: store})

	require.NoError(t, err)
	assert.Equal(t, "etl.Sync", def.Key())
	assert.Equal(t, "DEFAULT.Fetch", def.Dependencies.Jobs[1].Key())
	assert.Equal(t, []string{"ingest"}, def.Dependencies.Groups)
	assert.NotNil(t, def.Interrupt)
	assert.Len(t, def.Interceptors, 2)
	require.Len(t, def.Capture, 1)
	assert.True(t, def.Capture[0].Matches(&ExitError{ExitCode: 1}))
	assert.False(t, def.Capture[0].Matches(context.Canceled))
}

func TestDefinition_UnknownKind(t *testing.T) {
	_, err := Definition(config.JobSpec{
		Name: "A", Command: "true",
		Capture: []config.CaptureSpec{{Name: "x", Kinds: []string{"sometimes"}}},
	}, pipeline.Stack{})

	assert.Error(t, err)
}

func TestRegisterFile_RunsShellJob(t *testing.T) {
	reg := interceptor.NewRegistry(nil)
	c := pipeline.NewCatalog(reg, nil)
	store := memory.NewStore()
	f := &config.JobFile{Jobs: []config.JobSpec{
		{Name: "Hello", Command: "echo hi", Capture: []config.CaptureSpec{{Name: "exits", Kinds: []string{"exit"}}}},
		{Name: "Broken", Command: "exit 1", Capture: []config.CaptureSpec{{Name: "exits", Kinds: []string{"exit"}}}},
	}}

	defs, err := RegisterFile(c, f, pipeline.Stack{Success: store, Runs: store})
	require.NoError(t, err)
	require.Len(t, defs, 2)

	p := pipeline.New(reg)
	ok := p.Execute(context.Background(), defs[0], nil)
	assert.Equal(t, execution.OutcomeSucceeded, ok.Outcome)

	bad := p.Execute(context.Background(), defs[1], nil)
	assert.Equal(t, execution.OutcomeFailed, bad.Outcome)
	assert.Equal(t, 1, bad.HandlersInvoked)

	rec, err := store.GetRun(context.Background(), "DEFAULT.Broken")
	require.NoError(t, err)
	assert.False(t, rec.Successful())
}
