// Package interrupt delivers external cancellation to running invocations.
//
// The pipeline tracks every live execution context here under its
// invocation id. An interrupt arriving from outside the invocation's call
// stack (API request, shutdown) looks the context up, hands it to the job's
// declared handler and cancels the body.
package interrupt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"jobpipe/pkg/execution"
	"jobpipe/pkg/logger"
	"jobpipe/pkg/metrics"
)

var (
	// ErrInterrupted is the signal handed to interrupt handlers and set as
	// the cancellation cause of the body context.
	ErrInterrupted = errors.New("job interrupted")
	// ErrNotInterruptible is returned for jobs that declare no interrupt handler.
	ErrNotInterruptible = errors.New("job is not interruptible")
)

// Handler reacts to an interrupt of a running invocation.
type Handler interface {
	OnInterrupt(ctx context.Context, ec *execution.Context, cause error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ec *execution.Context, cause error)

func (f HandlerFunc) OnInterrupt(ctx context.Context, ec *execution.Context, cause error) {
	f(ctx, ec, cause)
}

// HandlerFactory constructs a handler for one interrupt.
type HandlerFactory func() (Handler, error)

// Config declares how a job type reacts to interruption. A nil *Config
// marks the job as not interruptible.
type Config struct {
	Handler HandlerFactory
}

// DefaultHandler logs the interrupt.
type DefaultHandler struct{}

func (DefaultHandler) OnInterrupt(_ context.Context, ec *execution.Context, cause error) {
	ec.Logger().Warn("Job interrupted", zap.Error(cause))
}

// Active describes a tracked invocation.
type Active struct {
	InvocationID  string `json:"invocation_id"`
	JobKey        string `json:"job_key"`
	Interruptible bool   `json:"interruptible"`
	Interrupted   bool   `json:"interrupted"`
}

type entry struct {
	ec     *execution.Context
	cancel context.CancelCauseFunc
	cfg    *Config
}

// Registry holds the execution contexts of running invocations.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Track registers ec until the returned func is called. cancel aborts the
// invocation's body; cfg may be nil.
func (r *Registry) Track(ec *execution.Context, cancel context.CancelCauseFunc, cfg *Config) (untrack func()) {
	id := ec.InvocationID()
	e := &entry{ec: ec, cancel: cancel, cfg: cfg}

	r.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if cur, ok := r.entries[id]; ok && cur == e {
				delete(r.entries, id)
			}
			r.mu.Unlock()
		})
	}
}

// Lookup returns the live context of an invocation.
func (r *Registry) Lookup(invocationID string) (*execution.Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[invocationID]
	if !ok {
		return nil, false
	}
	return e.ec, true
}

// Active lists tracked invocations ordered by job key then id.
func (r *Registry) Active() []Active {
	r.mu.RLock()
	out := make([]Active, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, Active{
			InvocationID:  id,
			JobKey:        e.ec.JobKey(),
			Interruptible: e.cfg != nil,
			Interrupted:   e.ec.Interrupted(),
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JobKey != out[j].JobKey {
			return out[i].JobKey < out[j].JobKey
		}
		return out[i].InvocationID < out[j].InvocationID
	})
	return out
}

// Len returns the number of tracked invocations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) get(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *Registry) byJob(jobKey string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, e := range r.entries {
		if e.ec.JobKey() == jobKey {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Relay delivers interrupts to tracked invocations.
type Relay struct {
	reg *Registry
	log *zap.Logger
}

// NewRelay creates a relay over reg.
func NewRelay(reg *Registry, log *zap.Logger) *Relay {
	return &Relay{reg: reg, log: logger.OrNop(log)}
}

// Interrupt interrupts one invocation. It reports false with a nil error
// when the invocation is no longer active, which races with normal
// completion and is not a failure.
func (r *Relay) Interrupt(ctx context.Context, invocationID string) (bool, error) {
	e, ok := r.reg.get(invocationID)
	if !ok {
		metrics.InterruptsDelivered.WithLabelValues("inactive").Inc()
		return false, nil
	}
	if e.cfg == nil {
		metrics.InterruptsDelivered.WithLabelValues("not_interruptible").Inc()
		return false, fmt.Errorf("%s: %w", e.ec.JobKey(), ErrNotInterruptible)
	}
	if !e.ec.MarkInterrupted() {
		// Finished or already interrupted.
		metrics.InterruptsDelivered.WithLabelValues("inactive").Inc()
		return false, nil
	}

	h, err := newHandler(e.cfg.Handler)
	if err != nil {
		r.log.Warn("Interrupt handler construction failed",
			zap.String(logger.FieldInvocationID, invocationID), zap.Error(err))
	} else if perr := safeInterrupt(ctx, h, e.ec); perr != nil {
		r.log.Warn("Interrupt handler panicked",
			zap.String(logger.FieldInvocationID, invocationID), zap.Error(perr))
	}

	if e.cancel != nil {
		e.cancel(ErrInterrupted)
	}
	metrics.InterruptsDelivered.WithLabelValues("delivered").Inc()
	return true, nil
}

// InterruptJob interrupts every active invocation of jobKey and returns how
// many were delivered. Errors from non-interruptible invocations are joined.
func (r *Relay) InterruptJob(ctx context.Context, jobKey string) (int, error) {
	var (
		delivered int
		errs      []error
	)
	for _, id := range r.reg.byJob(jobKey) {
		ok, err := r.Interrupt(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			delivered++
		}
	}
	return delivered, errors.Join(errs...)
}

func newHandler(f HandlerFactory) (h Handler, err error) {
	if f == nil {
		return DefaultHandler{}, nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			h, err = nil, fmt.Errorf("interrupt handler constructor panicked: %v", rec)
		}
	}()
	h, err = f()
	if err == nil && h == nil {
		err = errors.New("interrupt handler factory returned nil")
	}
	return h, err
}

func safeInterrupt(ctx context.Context, h Handler, ec *execution.Context) (perr error) {
	defer func() {
		if rec := recover(); rec != nil {
			perr = fmt.Errorf("%v", rec)
		}
	}()
	h.OnInterrupt(ctx, ec, ErrInterrupted)
	return nil
}
