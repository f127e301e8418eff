// Package pipeline runs one job invocation through its full lifecycle:
// before hooks (gating), body, exception routing, after hooks and
// integration hooks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"jobpipe/pkg/execution"
	"jobpipe/pkg/interceptor"
	"jobpipe/pkg/interrupt"
	"jobpipe/pkg/logger"
	"jobpipe/pkg/metrics"
	"jobpipe/pkg/models"
	tracing "jobpipe/pkg/observability"
)

// ErrJobPanic wraps a panic raised by a job body.
var ErrJobPanic = errors.New("job panicked")

// HookPolicy decides what a failing before or after hook means.
type HookPolicy int

const (
	// FailOpen treats a failing hook as permit=true.
	FailOpen HookPolicy = iota
	// FailClosed treats a failing hook as permit=false.
	FailClosed
)

func (p HookPolicy) String() string {
	if p == FailClosed {
		return "fail-closed"
	}
	return "fail-open"
}

// ParseHookPolicy maps "fail-open" and "fail-closed" to a policy.
func ParseHookPolicy(s string) (HookPolicy, error) {
	switch s {
	case "fail-open", "open", "":
		return FailOpen, nil
	case "fail-closed", "closed":
		return FailClosed, nil
	default:
		return FailOpen, fmt.Errorf("unknown hook policy %q", s)
	}
}

// Listener observes the body of every invocation. Interceptors that also
// implement Listener are notified for the invocations they take part in.
type Listener interface {
	JobToBeExecuted(ctx context.Context, ec *execution.Context)
	JobExecutionVetoed(ctx context.Context, ec *execution.Context)
	JobWasExecuted(ctx context.Context, ec *execution.Context, err error)
}

// Result summarizes one invocation.
type Result struct {
	InvocationID    string                   `json:"invocation_id"`
	JobKey          string                   `json:"job_key"`
	Outcome         execution.Outcome        `json:"outcome"`
	Permitted       bool                     `json:"permitted"`
	Err             error                    `json:"-"`
	HandlersInvoked int                      `json:"handlers_invoked"`
	HookFailures    int                      `json:"hook_failures"`
	Duration        time.Duration            `json:"duration"`
	Resources       *models.TaskResourceInfo `json:"resources,omitempty"`
}

// Pipeline executes definitions. It is safe for concurrent use; all
// per-invocation state lives in the execution context.
type Pipeline struct {
	registry   *interceptor.Registry
	interrupts *interrupt.Registry
	listeners  []Listener
	policy     HookPolicy
	tracer     trace.Tracer
	log        *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithHookPolicy sets how before and after hook failures are treated.
func WithHookPolicy(p HookPolicy) Option { return func(pl *Pipeline) { pl.policy = p } }

// WithListeners adds listeners notified for every invocation.
func WithListeners(ls ...Listener) Option {
	return func(pl *Pipeline) { pl.listeners = append(pl.listeners, ls...) }
}

// WithInterruptRegistry shares an existing registry of running invocations.
func WithInterruptRegistry(r *interrupt.Registry) Option {
	return func(pl *Pipeline) { pl.interrupts = r }
}

// WithTracer sets the tracer used for invocation spans.
func WithTracer(t trace.Tracer) Option { return func(pl *Pipeline) { pl.tracer = t } }

// WithLogger sets the base logger of every invocation.
func WithLogger(l *zap.Logger) Option { return func(pl *Pipeline) { pl.log = logger.OrNop(l) } }

// New creates a pipeline resolving interceptors from registry.
func New(registry *interceptor.Registry, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry: registry,
		policy:   FailOpen,
		tracer:   otel.Tracer("jobpipe/pipeline"),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry == nil {
		p.registry = interceptor.NewRegistry(p.log)
	}
	if p.interrupts == nil {
		p.interrupts = interrupt.NewRegistry()
	}
	return p
}

// Interrupts returns the registry of running invocations.
func (p *Pipeline) Interrupts() *interrupt.Registry { return p.interrupts }

// Policy returns the hook failure policy.
func (p *Pipeline) Policy() HookPolicy { return p.policy }

// Execute runs one invocation of def. trigger may be nil for direct calls.
// It never returns an error and never panics on behalf of hooks or the
// body; every failure is reported through the Result, logs and metrics.
func (p *Pipeline) Execute(ctx context.Context, def *Definition, trigger *models.Trigger) (res Result) {
	start := time.Now()

	// INIT
	firedAt := start
	if trigger != nil && !trigger.FiredAt.IsZero() {
		firedAt = trigger.FiredAt
	}
	ec := execution.New(def.Descriptor, def.Dependencies, firedAt, p.log)
	ec.Set(execution.AttrJobName, def.Descriptor.Name)
	if trigger != nil {
		ec.Set(execution.AttrTriggerID, trigger.ID.String())
	}
	log := ec.Logger()

	ctx, span := p.tracer.Start(ctx, "job.execute",
		trace.WithAttributes(
			attribute.String("job.key", def.Key()),
			attribute.String("job.invocation_id", ec.InvocationID()),
		))
	ctx = execution.WithContext(ctx, ec)
	if id := tracing.TraceID(ctx); id != "" {
		log = log.With(zap.String("trace_id", id))
	}

	bodyCtx, cancel := context.WithCancelCause(ctx)
	untrack := p.interrupts.Track(ec, cancel, def.Interrupt)
	metrics.ActiveInvocations.Inc()

	res = Result{InvocationID: ec.InvocationID(), JobKey: def.Key()}
	defer func() {
		// Always runs, whatever happened in the phases above.
		untrack()
		cancel(nil)
		if info, ok := ec.Get(execution.AttrResourceInfo); ok {
			if ri, ok := info.(models.TaskResourceInfo); ok {
				res.Resources = &ri
			}
		}
		ec.Close()
		metrics.ActiveInvocations.Dec()

		res.Outcome = ec.Outcome()
		res.Duration = time.Since(start)
		metrics.RecordInvocation(def.Key(), string(res.Outcome), res.Duration.Seconds())

		span.SetAttributes(attribute.String("job.outcome", string(res.Outcome)))
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
		span.End()
		log.Debug("Invocation finished",
			zap.String("outcome", string(res.Outcome)),
			zap.Duration("duration", res.Duration))
	}()

	chain := p.registry.Resolve(def.TypeName())
	listeners := p.listenersFor(chain)

	// GATE/BEFORE
	res.Permitted = p.runBefore(ctx, def, ec, chain.For(interceptor.PhaseBefore), &res)

	if res.Permitted {
		// RUNNING
		p.notify(ec, listeners, func(l Listener) { l.JobToBeExecuted(ctx, ec) })

		if def.Timeout > 0 {
			var cancelTimeout context.CancelFunc
			bodyCtx, cancelTimeout = context.WithTimeout(bodyCtx, def.Timeout)
			defer cancelTimeout()
		}
		err := p.runBody(bodyCtx, def, ec)
		if err != nil {
			ec.SetOutcome(execution.OutcomeFailed, err)
			res.Err = err
			res.HandlersInvoked = def.routerFor(p.log).OnException(ctx, err, ec)
			tracing.AddEvent(ctx, "job.failed", attribute.Int("handlers_invoked", res.HandlersInvoked))
		} else {
			ec.SetOutcome(execution.OutcomeSucceeded, nil)
		}

		p.notify(ec, listeners, func(l Listener) { l.JobWasExecuted(ctx, ec, err) })
	} else {
		// SKIPPED
		ec.SetOutcome(execution.OutcomeSkipped, nil)
		log.Info("Job skipped by before hook")
		tracing.AddEvent(ctx, "job.skipped")
		p.notify(ec, listeners, func(l Listener) { l.JobExecutionVetoed(ctx, ec) })
	}

	// AFTER
	p.runAfter(ctx, def, ec, chain.For(interceptor.PhaseAfter), &res)

	// INTEGRATION
	p.runIntegration(ctx, ec, chain.For(interceptor.PhaseIntegration))

	return res
}

// runBefore invokes every before hook and permits only if all permitted.
// Hooks after a veto still run so paired hooks see a consistent lifecycle.
func (p *Pipeline) runBefore(ctx context.Context, def *Definition, ec *execution.Context, chain interceptor.Chain, res *Result) bool {
	permitted := true
	for _, e := range chain {
		ok, err := guard(func() (bool, error) { return e.Interceptor.Before(ctx, ec) })
		if err != nil {
			ok = p.policy == FailOpen
			res.HookFailures++
			metrics.HookFailures.WithLabelValues(def.Key(), "before", e.Name).Inc()
			ec.Logger().Warn("Before hook failed",
				zap.String("interceptor", e.Name),
				zap.String("policy", p.policy.String()),
				zap.Error(err))
		}
		if !ok {
			ec.Logger().Debug("Before hook denied execution", zap.String("interceptor", e.Name))
			permitted = false
		}
	}
	return permitted
}

func (p *Pipeline) runAfter(ctx context.Context, def *Definition, ec *execution.Context, chain interceptor.Chain, res *Result) {
	for _, e := range chain {
		ok, err := guard(func() (bool, error) { return e.Interceptor.After(ctx, ec) })
		if err != nil {
			ok = p.policy == FailOpen
			res.HookFailures++
			metrics.HookFailures.WithLabelValues(def.Key(), "after", e.Name).Inc()
			ec.Logger().Warn("After hook failed",
				zap.String("interceptor", e.Name),
				zap.String("policy", p.policy.String()),
				zap.Error(err))
		}
		if !ok {
			ec.Logger().Debug("After hook reported failure", zap.String("interceptor", e.Name))
		}
	}
}

func (p *Pipeline) runIntegration(ctx context.Context, ec *execution.Context, chain interceptor.Chain) {
	for _, e := range chain {
		_, err := guard(func() (bool, error) { return true, e.Interceptor.Integration(ctx, ec) })
		if err != nil {
			ec.Logger().Debug("Integration hook failed", zap.String("interceptor", e.Name), zap.Error(err))
		}
	}
}

func (p *Pipeline) runBody(ctx context.Context, def *Definition, ec *execution.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ec.Logger().Error("Job body panicked",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			err = fmt.Errorf("%w: %s: %v", ErrJobPanic, def.Key(), r)
		}
	}()
	return def.Job.Execute(ctx, ec)
}

// listenersFor appends the resolved interceptors that listen to the body
// to the pipeline-wide listeners.
func (p *Pipeline) listenersFor(chain interceptor.Chain) []Listener {
	out := append([]Listener(nil), p.listeners...)
	for _, e := range chain {
		if l, ok := e.Interceptor.(Listener); ok {
			out = append(out, l)
		}
	}
	return out
}

func (p *Pipeline) notify(ec *execution.Context, listeners []Listener, fn func(Listener)) {
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					ec.Logger().Warn("Listener panicked", zap.Any("panic", r))
				}
			}()
			fn(l)
		}()
	}
}

// guard runs a hook, turning a panic into an error.
func guard(fn func() (bool, error)) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return fn()
}
