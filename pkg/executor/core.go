// Package executor runs fired triggers through the pipeline with bounded
// concurrency, either handed over in-process or consumed from a queue.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"jobpipe/pkg/logger"
	"jobpipe/pkg/metrics"
	"jobpipe/pkg/models"
	"jobpipe/pkg/pipeline"
	"jobpipe/pkg/storage"
)

const (
	DefaultGroup   = "jobpipe-executors"
	DefaultHistory = 100
)

var ErrStopped = errors.New("executor stopped")

// Config sizes an executor.
type Config struct {
	ID          string
	Concurrency int    // defaults to the number of CPUs
	Group       string // queue consumer group
	History     int    // finished results kept for inspection
	Backoff     time.Duration
}

type Executor struct {
	ID       string
	Hostname string

	TotalCPU int
	TotalMem uint64 // In MB

	catalog  *pipeline.Catalog
	pipeline *pipeline.Pipeline
	queue    storage.TriggerQueue
	group    string
	backoff  time.Duration
	log      *zap.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	history []pipeline.Result
	limit   int
}

// NewExecutor creates an executor. queue may be nil when triggers are only
// dispatched in-process.
func NewExecutor(cfg Config, catalog *pipeline.Catalog, p *pipeline.Pipeline, queue storage.TriggerQueue, log *zap.Logger) *Executor {
	hostname, _ := os.Hostname()
	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.NumCPU()
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.History <= 0 {
		cfg.History = DefaultHistory
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	log = logger.OrNop(log).Named("executor").With(zap.String("executor_id", cfg.ID))

	e := &Executor{
		ID:       cfg.ID,
		Hostname: hostname,
		TotalCPU: cfg.Concurrency,
		catalog:  catalog,
		pipeline: p,
		queue:    queue,
		group:    cfg.Group,
		backoff:  cfg.Backoff,
		log:      log,
		sem:      make(chan struct{}, cfg.Concurrency),
		limit:    cfg.History,
	}
	e.TotalMem = e.detectTotalMemory()
	return e
}

func (e *Executor) detectTotalMemory() uint64 {
	v, err := mem.VirtualMemory()
	if err != nil {
		e.log.Warn("Failed to detect memory, defaulting to 1GB", zap.Error(err))
		return 1024
	}
	metrics.ExecutorMemoryBytes.Set(float64(v.Total))
	// Return in MB
	return v.Total / 1024 / 1024
}

// Pipeline returns the pipeline the executor runs invocations through.
func (e *Executor) Pipeline() *pipeline.Pipeline { return e.pipeline }

// Dispatch hands a trigger over for asynchronous execution. It blocks while
// every slot is busy, until ctx is done.
func (e *Executor) Dispatch(ctx context.Context, trigger *models.Trigger) error {
	def, err := e.catalog.Lookup(trigger.JobKey())
	if err != nil {
		return err
	}
	if err := e.acquire(ctx); err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release()
		e.run(context.WithoutCancel(ctx), def, trigger)
	}()
	return nil
}

// Execute runs a trigger synchronously, still within the concurrency limit.
func (e *Executor) Execute(ctx context.Context, trigger *models.Trigger) (pipeline.Result, error) {
	def, err := e.catalog.Lookup(trigger.JobKey())
	if err != nil {
		return pipeline.Result{}, err
	}
	if err := e.acquire(ctx); err != nil {
		return pipeline.Result{}, err
	}
	defer e.release()
	return e.run(ctx, def, trigger), nil
}

// Start consumes triggers from the queue until ctx is cancelled, then waits
// for running invocations.
func (e *Executor) Start(ctx context.Context) error {
	if e.queue == nil {
		return errors.New("executor has no queue")
	}
	e.log.Info("Starting up", zap.Int("concurrency", cap(e.sem)), zap.Uint64("memory_mb", e.TotalMem))

	if err := e.queue.EnsureGroup(ctx, e.group); err != nil {
		e.log.Warn("Failed to ensure consumer group", zap.Error(err))
	}

	for {
		if err := e.acquire(ctx); err != nil {
			break
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer e.release()
			e.consumeOne(ctx)
		}()
	}

	e.log.Info("Waiting for running invocations")
	e.Wait()
	return nil
}

// Wait blocks until every dispatched invocation finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) consumeOne(ctx context.Context) {
	// Pop blocks up to the queue's poll time.
	msgID, trigger, err := e.queue.Pop(ctx, e.group, e.ID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.ExecutorTriggersConsumed.WithLabelValues("error").Inc()
		e.log.Error("Error popping trigger", zap.Error(err))
		if msgID != "" {
			// Undecodable message; drop it rather than redeliver forever.
			_ = e.queue.Ack(ctx, e.group, msgID)
		}
		sleep(ctx, e.backoff)
		return
	}
	if trigger == nil {
		return
	}

	def, err := e.catalog.Lookup(trigger.JobKey())
	if err != nil {
		metrics.ExecutorTriggersConsumed.WithLabelValues("unknown").Inc()
		e.log.Warn("Trigger for unknown job", zap.String(logger.FieldJobKey, trigger.JobKey()), zap.Error(err))
		_ = e.queue.Ack(ctx, e.group, msgID)
		return
	}
	metrics.ExecutorTriggersConsumed.WithLabelValues("accepted").Inc()

	// Invocations are not torn down by shutdown; interrupts stop them.
	e.run(context.WithoutCancel(ctx), def, trigger)

	if err := e.queue.Ack(context.WithoutCancel(ctx), e.group, msgID); err != nil {
		e.log.Error("Failed to ack trigger", zap.String("msg_id", msgID), zap.Error(err))
	}
}

func (e *Executor) run(ctx context.Context, def *pipeline.Definition, trigger *models.Trigger) pipeline.Result {
	metrics.ExecutorJobsRunning.Inc()
	defer metrics.ExecutorJobsRunning.Dec()

	e.log.Debug("Received trigger",
		zap.String(logger.FieldJobKey, def.Key()),
		zap.String("trigger_id", trigger.ID.String()))

	res := e.pipeline.Execute(ctx, def, trigger)
	e.remember(res)
	return res
}

func (e *Executor) remember(res pipeline.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, res)
	if over := len(e.history) - e.limit; over > 0 {
		e.history = append(e.history[:0:0], e.history[over:]...)
	}
}

// Recent returns up to n finished results, newest first.
func (e *Executor) Recent(n int) []pipeline.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 || n > len(e.history) {
		n = len(e.history)
	}
	out := make([]pipeline.Result, 0, n)
	for i := len(e.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, e.history[i])
	}
	return out
}

func (e *Executor) acquire(ctx context.Context) error {
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrStopped, ctx.Err())
	}
}

func (e *Executor) release() { <-e.sem }

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
