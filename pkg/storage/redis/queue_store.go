package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"jobpipe/pkg/models"
	"jobpipe/pkg/storage"
)

const (
	StreamKeyTriggers = "jobpipe:triggers"
	defaultBlock      = 2 * time.Second
)

// RedisQueue carries fired triggers from the scheduler to executors over a
// redis stream with consumer groups.
type RedisQueue struct {
	client *redis.Client
	stream string
	block  time.Duration
}

var _ storage.TriggerQueue = (*RedisQueue)(nil)

// RedisQueueConfig holds Redis connection configuration
type RedisQueueConfig struct {
	Addr         string
	Password     string
	DB           int
	Stream       string
	Block        time.Duration
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
}

// DefaultRedisQueueConfig returns connection pool defaults for addr.
func DefaultRedisQueueConfig(addr string) RedisQueueConfig {
	return RedisQueueConfig{
		Addr:         addr,
		Stream:       StreamKeyTriggers,
		Block:        defaultBlock,
		PoolSize:     100,
		MinIdleConns: 10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	}
}

// NewClient opens and pings a client for cfg.
func NewClient(cfg RedisQueueConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisQueueWithConfig initializes a new Redis client with custom config.
func NewRedisQueueWithConfig(cfg RedisQueueConfig) (*RedisQueue, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewQueueFromClient(client, cfg.Stream, cfg.Block), nil
}

// NewQueueFromClient wraps an existing client.
func NewQueueFromClient(client *redis.Client, stream string, block time.Duration) *RedisQueue {
	if stream == "" {
		stream = StreamKeyTriggers
	}
	if block <= 0 {
		block = defaultBlock
	}
	return &RedisQueue{client: client, stream: stream, block: block}
}

// Client exposes the underlying client so other stores can share the pool.
func (r *RedisQueue) Client() *redis.Client {
	return r.client
}

func (r *RedisQueue) Close() error {
	return r.client.Close()
}

// Push adds a trigger to the stream.
func (r *RedisQueue) Push(ctx context.Context, trigger *models.Trigger) error {
	payload, err := json.Marshal(trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}

	// XADD jobpipe:triggers * payload {json}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			"payload":    payload,
			"job_key":    trigger.JobKey(),
			"trigger_id": trigger.ID.String(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to push to queue: %w", err)
	}
	return nil
}

// EnsureGroup creates the consumer group if it doesn't exist.
func (r *RedisQueue) EnsureGroup(ctx context.Context, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, r.stream, group, "$").Err()
	if err != nil {
		if strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Pop retrieves one trigger for a consumer of group, blocking up to the
// configured poll time.
func (r *RedisQueue) Pop(ctx context.Context, group string, consumer string) (string, *models.Trigger, error) {
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{r.stream, ">"},
		Count:    1,
		Block:    r.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return "", nil, nil
	}

	msg := streams[0].Messages[0]
	payloadStr, ok := msg.Values["payload"].(string)
	if !ok {
		return msg.ID, nil, fmt.Errorf("invalid payload format")
	}

	var trigger models.Trigger
	if err := json.Unmarshal([]byte(payloadStr), &trigger); err != nil {
		return msg.ID, nil, fmt.Errorf("failed to unmarshal trigger: %w", err)
	}
	return msg.ID, &trigger, nil
}

// Ack acknowledges a trigger as processed.
func (r *RedisQueue) Ack(ctx context.Context, group string, msgID string) error {
	return r.client.XAck(ctx, r.stream, group, msgID).Err()
}
