package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"jobpipe/pkg/models"
	"jobpipe/pkg/storage"
	"jobpipe/pkg/storage/postgres"
	"jobpipe/pkg/storage/redis"
)

// IntegrationTestSuite exercises the postgres and redis adapters against
// live services. It skips when they are unreachable.
type IntegrationTestSuite struct {
	suite.Suite
	store *postgres.PostgresStore
	queue *redis.RedisQueue
	runs  *redis.RunStore
	tag   string
}

// SetupSuite runs once before all tests
func (s *IntegrationTestSuite) SetupSuite() {
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		s.T().Skip("Skipping integration tests (SKIP_INTEGRATION_TESTS=true)")
	}

	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		getEnv("TEST_DB_HOST", "localhost"),
		getEnv("TEST_DB_PORT", "5432"),
		getEnv("TEST_DB_USER", "jobpipe"),
		getEnv("TEST_DB_PASS", "password"),
		getEnv("TEST_DB_NAME", "jobpipe_test"),
	)
	store, err := postgres.NewPostgresStore(connStr)
	if err != nil {
		s.T().Skipf("Skipping integration tests: %v", err)
	}
	s.store = store

	redisAddr := fmt.Sprintf("%s:%s",
		getEnv("TEST_REDIS_HOST", "localhost"),
		getEnv("TEST_REDIS_PORT", "6379"),
	)
	cfg := redis.DefaultRedisQueueConfig(redisAddr)
	cfg.Stream = "jobpipe:test:triggers"
	cfg.Block = 200 * time.Millisecond
	queue, err := redis.NewRedisQueueWithConfig(cfg)
	if err != nil {
		s.T().Skipf("Skipping integration tests: %v", err)
	}
	s.queue = queue
	s.runs = redis.NewRunStore(queue.Client())
}

// TearDownSuite runs once after all tests
func (s *IntegrationTestSuite) TearDownSuite() {
	if s.store != nil {
		s.store.Close()
	}
	if s.queue != nil {
		s.queue.Close()
	}
}

// SetupTest gives every test its own group so runs do not collide.
func (s *IntegrationTestSuite) SetupTest() {
	s.tag = uuid.NewString()[:8]
}

func (s *IntegrationTestSuite) group(name string) string {
	return name + "-" + s.tag
}

func (s *IntegrationTestSuite) runStores() map[string]storage.RunStore {
	return map[string]storage.RunStore{"postgres": s.store, "redis": s.runs}
}

func (s *IntegrationTestSuite) TestRunRecordsUpsert() {
	ctx := context.Background()
	for name, store := range s.runStores() {
		s.Run(name, func() {
			key := s.group("etl") + ".Sync"
			rec := &models.RunRecord{
				JobKey: key, TaskName: "Sync", Group: s.group("etl"),
				Status: models.RunFailed, InvocationID: "inv-1", FinishedAt: time.Now(),
			}
			require.NoError(s.T(), store.RecordRun(ctx, rec))

			ok, err := store.IsSuccessful(ctx, key, "Sync")
			require.NoError(s.T(), err)
			assert.False(s.T(), ok)

			rec.Status, rec.InvocationID = models.RunSuccess, "inv-2"
			require.NoError(s.T(), store.RecordRun(ctx, rec))

			got, err := store.GetRun(ctx, key)
			require.NoError(s.T(), err)
			assert.Equal(s.T(), "inv-2", got.InvocationID)
			assert.True(s.T(), got.Successful())

			_, err = store.IsSuccessful(ctx, s.group("etl")+".Never", "Never")
			assert.ErrorIs(s.T(), err, storage.ErrNotFound)
		})
	}
}

func (s *IntegrationTestSuite) TestGroupSuccess() {
	ctx := context.Background()
	for name, store := range s.runStores() {
		s.Run(name, func() {
			group := s.group("ingest-" + name)
			_, err := store.GroupIsSuccessful(ctx, group)
			assert.ErrorIs(s.T(), err, storage.ErrNotFound)

			for _, job := range []string{"A", "B"} {
				require.NoError(s.T(), store.RecordRun(ctx, &models.RunRecord{
					JobKey: group + "." + job, TaskName: job, Group: group, Status: models.RunSuccess,
				}))
			}
			ok, err := store.GroupIsSuccessful(ctx, group)
			require.NoError(s.T(), err)
			assert.True(s.T(), ok)

			require.NoError(s.T(), store.RecordRun(ctx, &models.RunRecord{
				JobKey: group + ".B", TaskName: "B", Group: group, Status: models.RunInterrupted,
			}))
			ok, err = store.GroupIsSuccessful(ctx, group)
			require.NoError(s.T(), err)
			assert.False(s.T(), ok)
		})
	}

	runs, err := s.store.ListRuns(ctx, s.group("ingest-postgres"))
	require.NoError(s.T(), err)
	require.Len(s.T(), runs, 2)
	assert.Equal(s.T(), models.RunInterrupted, runs[1].Status)
}

func (s *IntegrationTestSuite) TestResourceInfoHistory() {
	ctx := context.Background()
	key := s.group("etl") + ".Report"
	for i := 0; i < 3; i++ {
		require.NoError(s.T(), s.store.SaveResourceInfo(ctx, &models.TaskResourceInfo{
			JobKey: key, TaskName: "Report", InvocationID: fmt.Sprintf("inv-%d", i),
			ElapsedMillis: int64(i), Samples: models.Samples{1, 2, 3},
		}))
	}

	infos, err := s.store.ListResourceInfo(ctx, key, 2)
	require.NoError(s.T(), err)
	require.Len(s.T(), infos, 2)
	assert.Equal(s.T(), "inv-2", infos[0].InvocationID)
	assert.Equal(s.T(), models.Samples{1, 2, 3}, infos[0].Samples)
}

func (s *IntegrationTestSuite) TestTriggerQueue() {
	ctx := context.Background()
	group := s.group("executors")
	require.NoError(s.T(), s.queue.EnsureGroup(ctx, group))
	require.NoError(s.T(), s.queue.EnsureGroup(ctx, group), "EnsureGroup is idempotent")

	trigger := models.NewTrigger(models.NewJobDescriptor("Sync", "etl"), time.Now(), false)
	require.NoError(s.T(), s.queue.Push(ctx, trigger))

	msgID, popped, err := s.queue.Pop(ctx, group, "consumer-1")
	require.NoError(s.T(), err)
	require.NotNil(s.T(), popped)
	assert.Equal(s.T(), trigger.ID, popped.ID)
	assert.Equal(s.T(), "etl.Sync", popped.JobKey())
	require.NoError(s.T(), s.queue.Ack(ctx, group, msgID))

	_, none, err := s.queue.Pop(ctx, group, "consumer-1")
	require.NoError(s.T(), err)
	assert.Nil(s.T(), none)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// TestIntegration runs the integration test suite
func TestIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}
	suite.Run(t, new(IntegrationTestSuite))
}
