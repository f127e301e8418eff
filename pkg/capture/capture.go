// Package capture routes job body failures to declared handlers.
package capture

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"jobpipe/pkg/execution"
	"jobpipe/pkg/logger"
	"jobpipe/pkg/metrics"
)

// Kind reports whether an error belongs to an error kind.
type Kind func(error) bool

// Is matches errors for which errors.Is(err, target) holds.
func Is(target error) Kind {
	return func(err error) bool { return errors.Is(err, target) }
}

// As matches errors that have a T somewhere in their chain.
func As[T error]() Kind {
	return func(err error) bool {
		var t T
		return errors.As(err, &t)
	}
}

// Any matches every error.
func Any() Kind {
	return func(err error) bool { return err != nil }
}

// Func adapts a predicate.
func Func(fn func(error) bool) Kind { return Kind(fn) }

// Handler receives a routed failure.
type Handler interface {
	Handle(ctx context.Context, err error, ec *execution.Context)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, err error, ec *execution.Context)

func (f HandlerFunc) Handle(ctx context.Context, err error, ec *execution.Context) {
	f(ctx, err, ec)
}

// HandlerFactory constructs a handler instance for one failure.
type HandlerFactory func() (Handler, error)

// LogHandler logs the failure with the invocation's logger.
type LogHandler struct{}

func (LogHandler) Handle(_ context.Context, err error, ec *execution.Context) {
	log := logger.Get()
	if ec != nil {
		log = ec.Logger()
	}
	log.Error("Job failed", zap.Error(err))
}

// Rule maps a set of error kinds to a handler.
type Rule struct {
	Name    string
	Kinds   []Kind
	Handler HandlerFactory
}

// Matches reports whether any kind of the rule matches err.
func (r Rule) Matches(err error) bool {
	for _, k := range r.Kinds {
		if k != nil && k(err) {
			return true
		}
	}
	return false
}

// Router dispatches failures of one job type.
type Router struct {
	rules []Rule
	log   *zap.Logger
}

// NewRouter builds a router over rules, evaluated in declaration order.
func NewRouter(log *zap.Logger, rules ...Rule) *Router {
	return &Router{rules: append([]Rule(nil), rules...), log: logger.OrNop(log)}
}

// Rules returns the declared rules.
func (r *Router) Rules() []Rule { return append([]Rule(nil), r.rules...) }

// OnException invokes the handler of every rule whose kinds match err, once
// per matching rule, and returns how many handlers ran. An error that no
// rule matches is swallowed. Nothing here panics or returns an error.
func (r *Router) OnException(ctx context.Context, err error, ec *execution.Context) int {
	if err == nil || r == nil {
		return 0
	}
	invoked := 0
	for i, rule := range r.rules {
		if !rule.Matches(err) {
			continue
		}
		name := rule.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i)
		}
		h, cerr := newHandler(rule.Handler)
		if cerr != nil {
			r.log.Warn("Exception handler construction failed",
				zap.String("rule", name), zap.Error(cerr))
			continue
		}
		if herr := safeHandle(ctx, h, err, ec); herr != nil {
			r.log.Warn("Exception handler panicked",
				zap.String("rule", name), zap.Error(herr))
		}
		invoked++
		metrics.HandlersInvoked.WithLabelValues(name).Inc()
	}
	if invoked == 0 {
		r.log.Debug("No capture rule matched, failure swallowed", zap.Error(err))
	}
	return invoked
}

func newHandler(f HandlerFactory) (h Handler, err error) {
	if f == nil {
		return LogHandler{}, nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			h, err = nil, fmt.Errorf("handler constructor panicked: %v", rec)
		}
	}()
	h, err = f()
	if err == nil && h == nil {
		err = errors.New("handler factory returned nil")
	}
	return h, err
}

func safeHandle(ctx context.Context, h Handler, err error, ec *execution.Context) (perr error) {
	defer func() {
		if rec := recover(); rec != nil {
			perr = fmt.Errorf("%v", rec)
		}
	}()
	h.Handle(ctx, err, ec)
	return nil
}
