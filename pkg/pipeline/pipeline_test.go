package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobpipe/pkg/capture"
	"jobpipe/pkg/execution"
	"jobpipe/pkg/interceptor"
	"jobpipe/pkg/interrupt"
	"jobpipe/pkg/models"
	. "jobpipe/pkg/pipeline"
)

// tracker records lifecycle events across interceptors and the body.
type tracker struct {
	mu     sync.Mutex
	events []string
}

func (t *tracker) add(e string) {
	t.mu.Lock()
	t.events = append(t.events, e)
	t.mu.Unlock()
}

func (t *tracker) all() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

func (t *tracker) count(e string) int {
	n := 0
	for _, got := range t.all() {
		if got == e {
			n++
		}
	}
	return n
}

type hook struct {
	name        string
	t           *tracker
	deny        bool
	beforeErr   error
	beforePanic bool
	afterErr    error
	integErr    error
	integPanic  bool
}

func (h *hook) Before(context.Context, *execution.Context) (bool, error) {
	h.t.add(h.name + ".before")
	if h.beforePanic {
		panic("before exploded")
	}
	if h.beforeErr != nil {
		return false, h.beforeErr
	}
	return !h.deny, nil
}

func (h *hook) After(context.Context, *execution.Context) (bool, error) {
	h.t.add(h.name + ".after")
	return h.afterErr == nil, h.afterErr
}

func (h *hook) Integration(context.Context, *execution.Context) error {
	h.t.add(h.name + ".integration")
	if h.integPanic {
		panic("integration exploded")
	}
	return h.integErr
}

func declare(h *hook, opts ...interceptor.Option) interceptor.Descriptor {
	return interceptor.Declare(h.name, func() (interceptor.Interceptor, error) { return h, nil }, opts...)
}

func body(t *tracker, err error) execution.Job {
	return execution.JobFunc(func(context.Context, *execution.Context) error {
		t.add("body")
		return err
	})
}

func newPipeline(opts ...Option) (*Pipeline, *Catalog) {
	reg := interceptor.NewRegistry(nil)
	return New(reg, opts...), NewCatalog(reg, nil)
}

func TestExecute_AllPermitRunsBodyOnce(t *testing.T) {
	tr := &tracker{}
	p, c := newPipeline()
	def := c.MustRegister(Definition{
		Descriptor:   models.NewJobDescriptor("Sync", "etl"),
		Job:          body(tr, nil),
		Interceptors: []interceptor.Descriptor{declare(&hook{name: "a", t: tr}), declare(&hook{name: "b", t: tr})},
	})

	res := p.Execute(context.Background(), def, nil)

	assert.True(t, res.Permitted)
	assert.Equal(t, execution.OutcomeSucceeded, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{
		"a.before", "b.before", "body", "a.after", "b.after", "a.integration", "b.integration",
	}, tr.all())
}

func TestExecute_DenySkipsBodyButRunsAfterAndIntegration(t *testing.T) {
	tr := &tracker{}
	p, c := newPipeline()
	def := c.MustRegister(Definition{
		Descriptor: models.NewJobDescriptor("Sync", "etl"),
		Job:        body(tr, nil),
		Interceptors: []interceptor.Descriptor{
			declare(&hook{name: "gate", t: tr, deny: true}),
			declare(&hook{name: "other", t: tr}),
		},
	})

	res := p.Execute(context.Background(), def, nil)

	assert.False(t, res.Permitted)
	assert.Equal(t, execution.OutcomeSkipped, res.Outcome)
	assert.Zero(t, tr.count("body"))
	for _, name := range []string{"gate", "other"} {
		assert.Equal(t, 1, tr.count(name+".before"))
		assert.Equal(t, 1, tr.count(name+".after"))
		assert.Equal(t, 1, tr.count(name+".integration"))
	}
}

func TestExecute_FailingBeforeHookIsFailOpen(t *testing.T) {
	for name, h := range map[string]*hook{
		"error": {name: "h", beforeErr: errors.New("store down")},
		"panic": {name: "h", beforePanic: true},
	} {
		t.Run(name, func(t *testing.T) {
			tr := &tracker{}
			h.t = tr
			p, c := newPipeline()
			def := c.MustRegister(Definition{
				Descriptor:   models.NewJobDescriptor("Sync", "etl"),
				Job:          body(tr, nil),
				Interceptors: []interceptor.Descriptor{declare(h)},
			})

			res := p.Execute(context.Background(), def, nil)

			assert.Equal(t, FailOpen, p.Policy())
			assert.True(t, res.Permitted)
			assert.Equal(t, 1, tr.count("body"))
			assert.Equal(t, 1, res.HookFailures)
		})
	}
}

func TestExecute_FailClosedPolicy(t *testing.T) {
	tr := &tracker{}
	p, c := newPipeline(WithHookPolicy(FailClosed))
	def := c.MustRegister(Definition{
		Descriptor:   models.NewJobDescriptor("Sync", "etl"),
		Job:          body(tr, nil),
		Interceptors: []interceptor.Descriptor{declare(&hook{name: "h", t: tr, beforeErr: errors.New("down")})},
	})

	res := p.Execute(context.Background(), def, nil)

	assert.False(t, res.Permitted)
	assert.Zero(t, tr.count("body"))
	assert.Equal(t, 1, tr.count("h.after"))
	assert.Equal(t, 1, tr.count("h.integration"))
}

func TestExecute_HookOrderFollowsDeclaredPriority(t *testing.T) {
	tr := &tracker{}
	p, c := newPipeline()
	def := c.MustRegister(Definition{
		Descriptor: models.NewJobDescriptor("Sync", "etl"),
		Job:        body(tr, nil),
		Interceptors: []interceptor.Descriptor{
			declare(&hook{name: "late", t: tr}, interceptor.WithOrder(10)),
			declare(&hook{name: "mid", t: tr}),
			declare(&hook{name: "early", t: tr}, interceptor.WithOrder(-5)),
		},
	})

	p.Execute(context.Background(), def, nil)

	assert.Equal(t, []string{
		"early.before", "mid.before", "late.before",
		"body",
		"early.after", "mid.after", "late.after",
		"early.integration", "mid.integration", "late.integration",
	}, tr.all())
}

func TestExecute_DeclarationChangeAppliesToNextInvocation(t *testing.T) {
	tr := &tracker{}
	p, c := newPipeline()
	a, b := &hook{name: "a", t: tr}, &hook{name: "b", t: tr}
	def := c.MustRegister(Definition{
		Descriptor:   models.NewJobDescriptor("Sync", "etl"),
		Job:          body(tr, nil),
		Interceptors: []interceptor.Descriptor{declare(a), declare(b)},
	})
	p.Execute(context.Background(), def, nil)
	require.Equal(t, "a.before", tr.all()[0])

	require.NoError(t, c.SetInterceptors(def.Key(), declare(a, interceptor.WithOrder(5)), declare(b)))
	tr.events = nil
	p.Execute(context.Background(), def, nil)

	assert.Equal(t, "b.before", tr.all()[0])
}

func TestExecute_BodyFailureRoutedToCaptureRules(t *testing.T) {
	errTimeout := errors.New("timeout")
	var handled []string
	var mu sync.Mutex
	handler := func(name string) capture.HandlerFactory {
		return func() (capture.Handler, error) {
			return capture.HandlerFunc(func(_ context.Context, err error, ec *execution.Context) {
				mu.Lock()
				handled = append(handled, name)
				mu.Unlock()
			}), nil
		}
	}

	tr := &tracker{}
	p, c := newPipeline()
	def := c.MustRegister(Definition{
		Descriptor:   models.NewJobDescriptor("Sync", "etl"),
		Job:          body(tr, fmt.Errorf("fetch: %w", errTimeout)),
		Interceptors: []interceptor.Descriptor{declare(&hook{name: "h", t: tr})},
		Capture: []capture.Rule{
			{Name: "timeouts", Kinds: []capture.Kind{capture.Is(errTimeout)}, Handler: handler("timeouts")},
			{Name: "other", Kinds: []capture.Kind{capture.Is(context.Canceled)}, Handler: handler("other")},
		},
	})

	res := p.Execute(context.Background(), def, nil)

	assert.Equal(t, execution.OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, errTimeout)
	assert.Equal(t, 1, res.HandlersInvoked)
	assert.Equal(t, []string{"timeouts"}, handled)
	assert.Equal(t, 1, tr.count("h.after"))
	assert.Equal(t, 1, tr.count("h.integration"))
}

func TestExecute_UndeclaredFailureIsSwallowed(t *testing.T) {
	tr := &tracker{}
	p, c := newPipeline()
	def := c.MustRegister(Definition{
		Descriptor:   models.NewJobDescriptor("Sync", "etl"),
		Job:          body(tr, errors.New("boom")),
		Interceptors: []interceptor.Descriptor{declare(&hook{name: "h", t: tr})},
	})

	var res Result
	assert.NotPanics(t, func() { res = p.Execute(context.Background(), def, nil) })

	assert.Equal(t, execution.OutcomeFailed, res.Outcome)
	assert.Zero(t, res.HandlersInvoked)
	assert.Equal(t, 1, tr.count("h.integration"))
}

func TestExecute_BodyPanicIsRecovered(t *testing.T) {
	tr := &tracker{}
	p, c := newPipeline()
	def := c.MustRegister(Definition{
		Descriptor: models.NewJobDescriptor("Sync", "etl"),
		Job: execution.JobFunc(func(context.Context, *execution.Context) error {
			panic("nil map")
		}),
		Interceptors: []interceptor.Descriptor{declare(&hook{name: "h", t: tr})},
	})

	res := p.Execute(context.Background(), def, nil)

	assert.ErrorIs(t, res.Err, ErrJobPanic)
	assert.Equal(t, execution.OutcomeFailed, res.Outcome)
	assert.Equal(t, 1, tr.count("h.after"))
	assert.Equal(t, 1, tr.count("h.integration"))
}

func TestExecute_AfterAndIntegrationFailuresAreContained(t *testing.T) {
	tr := &tracker{}
	p, c := newPipeline()
	def := c.MustRegister(Definition{
		Descriptor: models.NewJobDescriptor("Sync", "etl"),
		Job:        body(tr, nil),
		Interceptors: []interceptor.Descriptor{
			declare(&hook{name: "a", t: tr, afterErr: errors.New("x"), integErr: errors.New("y")}),
			declare(&hook{name: "b", t: tr, integPanic: true}),
			declare(&hook{name: "c", t: tr}),
		},
	})

	var res Result
	assert.NotPanics(t, func() { res = p.Execute(context.Background(), def, nil) })

	assert.Equal(t, execution.OutcomeSucceeded, res.Outcome)
	assert.Equal(t, 1, res.HookFailures, "only the after error counts")
	assert.Equal(t, 1, tr.count("c.integration"), "later integration hooks still run")
}

func TestExecute_ContextAvailableToBodyAndReleasedAfter(t *testing.T) {
	p, c := newPipeline()
	var seen *execution.Context
	def := c.MustRegister(Definition{
		Descriptor: models.NewJobDescriptor("Sync", "etl"),
		Job: execution.JobFunc(func(ctx context.Context, ec *execution.Context) error {
			fromCtx, ok := execution.FromContext(ctx)
			require.True(t, ok)
			assert.Same(t, ec, fromCtx)
			assert.Equal(t, "Sync", ec.GetString(execution.AttrJobName))
			assert.Equal(t, 1, p.Interrupts().Len())
			seen = ec
			return nil
		}),
	})

	trigger := models.NewTrigger(def.Descriptor, time.Now(), true)
	res := p.Execute(context.Background(), def, trigger)

	require.NotNil(t, seen)
	assert.Equal(t, res.InvocationID, seen.InvocationID())
	assert.Equal(t, trigger.FiredAt, seen.FiredAt())
	assert.True(t, seen.Closed())
	assert.Zero(t, p.Interrupts().Len())
}

func TestExecute_InterruptDeliveredToRunningBody(t *testing.T) {
	p, c := newPipeline()
	relay := interrupt.NewRelay(p.Interrupts(), nil)
	started := make(chan string, 1)
	var handlerCalls int
	var mu sync.Mutex

	def := c.MustRegister(Definition{
		Descriptor: models.NewJobDescriptor("Sync", "etl"),
		Job: execution.JobFunc(func(ctx context.Context, ec *execution.Context) error {
			started <- ec.InvocationID()
			<-ctx.Done()
			return context.Cause(ctx)
		}),
		Interrupt: &interrupt.Config{Handler: func() (interrupt.Handler, error) {
			return interrupt.HandlerFunc(func(context.Context, *execution.Context, error) {
				mu.Lock()
				handlerCalls++
				mu.Unlock()
			}), nil
		}},
	})

	done := make(chan Result, 1)
	go func() { done <- p.Execute(context.Background(), def, nil) }()

	id := <-started
	ok, err := relay.Interrupt(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case res := <-done:
		assert.Equal(t, execution.OutcomeInterrupted, res.Outcome)
		assert.ErrorIs(t, res.Err, interrupt.ErrInterrupted)
	case <-time.After(2 * time.Second):
		t.Fatal("interrupted body did not return")
	}

	mu.Lock()
	assert.Equal(t, 1, handlerCalls)
	mu.Unlock()

	ok, err = relay.Interrupt(context.Background(), id)
	assert.False(t, ok, "finished invocation is a no-op")
	assert.NoError(t, err)
}

func TestExecute_Timeout(t *testing.T) {
	p, c := newPipeline()
	def := c.MustRegister(Definition{
		Descriptor: models.NewJobDescriptor("Slow", "etl"),
		Timeout:    20 * time.Millisecond,
		Job: execution.JobFunc(func(ctx context.Context, _ *execution.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	})

	res := p.Execute(context.Background(), def, nil)

	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Equal(t, execution.OutcomeFailed, res.Outcome)
}

type listenerSpy struct {
	tr *tracker
}

func (l listenerSpy) JobToBeExecuted(context.Context, *execution.Context) { l.tr.add("listener.start") }
func (l listenerSpy) JobExecutionVetoed(context.Context, *execution.Context) {
	l.tr.add("listener.veto")
}
func (l listenerSpy) JobWasExecuted(context.Context, *execution.Context, error) {
	l.tr.add("listener.done")
	panic("listener bug")
}

func TestExecute_ListenersWrapBody(t *testing.T) {
	tr := &tracker{}
	p, c := newPipeline(WithListeners(listenerSpy{tr: tr}))
	def := c.MustRegister(Definition{
		Descriptor:   models.NewJobDescriptor("Sync", "etl"),
		Job:          body(tr, nil),
		Interceptors: []interceptor.Descriptor{declare(&hook{name: "h", t: tr})},
	})

	p.Execute(context.Background(), def, nil)

	assert.Equal(t, []string{
		"h.before", "listener.start", "body", "listener.done", "h.after", "h.integration",
	}, tr.all())

	tr.events = nil
	require.NoError(t, c.SetInterceptors(def.Key(), declare(&hook{name: "h", t: tr, deny: true})))
	p.Execute(context.Background(), def, nil)

	assert.Equal(t, []string{"h.before", "listener.veto", "h.after", "h.integration"}, tr.all())
}

func TestParsePolicies(t *testing.T) {
	p, err := ParseHookPolicy("fail-closed")
	require.NoError(t, err)
	assert.Equal(t, FailClosed, p)

	p, err = ParseHookPolicy("")
	require.NoError(t, err)
	assert.Equal(t, FailOpen, p)

	_, err = ParseHookPolicy("sometimes")
	assert.Error(t, err)
}
