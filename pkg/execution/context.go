// Package execution holds the per-invocation state shared by the pipeline
// and every interceptor, router and relay that acts on one job invocation.
package execution

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"jobpipe/pkg/logger"
	"jobpipe/pkg/models"
)

// Well-known attribute keys.
const (
	AttrJobName      = "jobpipe.job_name"
	AttrResourceInfo = "jobpipe.resource_info"
	AttrTriggerID    = "jobpipe.trigger_id"
)

// Outcome is the terminal state of an invocation.
type Outcome string

const (
	OutcomePending     Outcome = "PENDING"
	OutcomeSucceeded   Outcome = "SUCCEEDED"
	OutcomeFailed      Outcome = "FAILED"
	OutcomeSkipped     Outcome = "SKIPPED"
	OutcomeInterrupted Outcome = "INTERRUPTED"
)

// Job is a schedulable unit of work.
type Job interface {
	Execute(ctx context.Context, ec *Context) error
}

// JobFunc adapts a function to the Job interface.
type JobFunc func(ctx context.Context, ec *Context) error

func (f JobFunc) Execute(ctx context.Context, ec *Context) error {
	return f(ctx, ec)
}

// Context is the state of exactly one invocation. It is created when the
// pipeline starts and closed when it ends; it is never shared between
// invocations.
type Context struct {
	invocationID string
	job          models.JobDescriptor
	deps         models.Dependencies
	firedAt      time.Time
	startedAt    time.Time
	log          *zap.Logger

	mu      sync.RWMutex
	attrs   map[string]any
	outcome Outcome
	err     error

	interrupted atomic.Bool
	closed      atomic.Bool
}

// New creates a context for a fresh invocation of job.
func New(job models.JobDescriptor, deps models.Dependencies, firedAt time.Time, log *zap.Logger) *Context {
	id := uuid.NewString()
	if firedAt.IsZero() {
		firedAt = time.Now()
	}
	ec := &Context{
		invocationID: id,
		job:          job,
		deps:         deps,
		firedAt:      firedAt,
		startedAt:    time.Now(),
		attrs:        make(map[string]any),
		outcome:      OutcomePending,
	}
	ec.log = logger.OrNop(log).With(
		zap.String(logger.FieldJobName, job.Name),
		zap.String(logger.FieldJobKey, job.Key()),
		zap.String(logger.FieldInvocationID, id),
	)
	return ec
}

func (c *Context) InvocationID() string              { return c.invocationID }
func (c *Context) Job() models.JobDescriptor         { return c.job }
func (c *Context) JobKey() string                    { return c.job.Key() }
func (c *Context) Dependencies() models.Dependencies { return c.deps }
func (c *Context) FiredAt() time.Time                { return c.firedAt }
func (c *Context) StartedAt() time.Time              { return c.startedAt }

// Logger returns a logger carrying the invocation's correlation fields.
func (c *Context) Logger() *zap.Logger { return c.log }

// Set stores an attribute for downstream hooks.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	c.attrs[key] = value
	c.mu.Unlock()
}

// Get returns an attribute.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.attrs[key]
	return v, ok
}

// Delete removes an attribute.
func (c *Context) Delete(key string) {
	c.mu.Lock()
	delete(c.attrs, key)
	c.mu.Unlock()
}

// GetString returns a string attribute, or "" if absent or of another type.
func (c *Context) GetString(key string) string {
	v, _ := c.Get(key)
	s, _ := v.(string)
	return s
}

// Keys returns the attribute keys currently set.
func (c *Context) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}

// SetOutcome records how the invocation ended. An interrupt that arrived
// while the body was running turns a failure or success into Interrupted.
func (c *Context) SetOutcome(o Outcome, err error) {
	if c.interrupted.Load() && (o == OutcomeFailed || o == OutcomeSucceeded) {
		o = OutcomeInterrupted
	}
	c.mu.Lock()
	c.outcome = o
	c.err = err
	c.mu.Unlock()
}

// Outcome returns the recorded outcome.
func (c *Context) Outcome() Outcome {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.outcome
}

// Err returns the body error, if any.
func (c *Context) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// MarkInterrupted flags the invocation as interrupted. It reports false if
// the context was already closed or already interrupted.
func (c *Context) MarkInterrupted() bool {
	if c.closed.Load() {
		return false
	}
	return c.interrupted.CompareAndSwap(false, true)
}

// Interrupted reports whether an interrupt was delivered.
func (c *Context) Interrupted() bool { return c.interrupted.Load() }

// Close ends the invocation; attributes are released.
func (c *Context) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	c.attrs = make(map[string]any)
	c.mu.Unlock()
}

// Closed reports whether the invocation has finished.
func (c *Context) Closed() bool { return c.closed.Load() }

type ctxKey struct{}

// WithContext returns a copy of parent carrying ec.
func WithContext(parent context.Context, ec *Context) context.Context {
	return context.WithValue(parent, ctxKey{}, ec)
}

// FromContext returns the execution context carried by ctx.
func FromContext(ctx context.Context) (*Context, bool) {
	ec, ok := ctx.Value(ctxKey{}).(*Context)
	return ec, ok && ec != nil
}
