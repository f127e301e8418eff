package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobpipe/pkg/models"
	"jobpipe/pkg/storage"
	. "jobpipe/pkg/storage/memory"
)

func TestStore_SuccessProtocol(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_, err := s.IsSuccessful(ctx, "ingest.A", "A")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GroupIsSuccessful(ctx, "ingest")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.RecordRun(ctx, &models.RunRecord{JobKey: "ingest.A", TaskName: "A", Group: "ingest", Status: models.RunSuccess}))
	require.NoError(t, s.RecordRun(ctx, &models.RunRecord{JobKey: "ingest.B", TaskName: "B", Group: "ingest", Status: models.RunFailed}))

	ok, err := s.IsSuccessful(ctx, "ingest.A", "A")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.GroupIsSuccessful(ctx, "ingest")
	require.NoError(t, err)
	assert.False(t, ok, "one failed member fails the group")

	require.NoError(t, s.RecordRun(ctx, &models.RunRecord{JobKey: "ingest.B", TaskName: "B", Group: "ingest", Status: models.RunSuccess}))
	ok, err = s.GroupIsSuccessful(ctx, "ingest")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, s.Runs(), 2)
}

func TestStore_Resources(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveResourceInfo(ctx, &models.TaskResourceInfo{JobKey: "etl.Sync", ElapsedMillis: int64(i)}))
	}
	require.NoError(t, s.SaveResourceInfo(ctx, &models.TaskResourceInfo{JobKey: "etl.Other"}))

	got, err := s.ListResourceInfo(ctx, "etl.Sync", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].ElapsedMillis, "newest first")
	assert.Equal(t, 4, s.ResourceCount())
}
