// Package interceptor resolves the ordered set of cross-cutting hooks that
// wrap a job invocation.
package interceptor

import (
	"context"
	"errors"

	"jobpipe/pkg/execution"
)

// ErrNilFactory is reported when a descriptor has no factory.
var ErrNilFactory = errors.New("interceptor factory is nil")

// Phase identifies a lifecycle phase an interceptor takes part in.
type Phase uint8

const (
	PhaseBefore Phase = 1 << iota
	PhaseAfter
	PhaseIntegration

	AllPhases = PhaseBefore | PhaseAfter | PhaseIntegration
)

func (p Phase) String() string {
	switch p {
	case PhaseBefore:
		return "before"
	case PhaseAfter:
		return "after"
	case PhaseIntegration:
		return "integration"
	case AllPhases:
		return "all"
	default:
		return "mixed"
	}
}

// Interceptor is a hook invoked around a job body.
//
// Before and After return a permit signal. The pipeline only runs the body
// if every Before returned true; the After permit is informational.
// Integration runs last and its errors are never surfaced.
type Interceptor interface {
	Before(ctx context.Context, ec *execution.Context) (bool, error)
	After(ctx context.Context, ec *execution.Context) (bool, error)
	Integration(ctx context.Context, ec *execution.Context) error
}

// Base implements Interceptor with permissive no-ops. Embed it and override
// the phases you need.
type Base struct{}

func (Base) Before(context.Context, *execution.Context) (bool, error) { return true, nil }
func (Base) After(context.Context, *execution.Context) (bool, error)  { return true, nil }
func (Base) Integration(context.Context, *execution.Context) error    { return nil }

// Factory constructs a fresh interceptor instance.
type Factory func() (Interceptor, error)

// Of wraps a constructor that cannot fail.
func Of[T Interceptor](fn func() T) Factory {
	return func() (Interceptor, error) { return fn(), nil }
}

// Descriptor declares one interceptor of a job type.
type Descriptor struct {
	Name    string
	Factory Factory
	Order   *int
	Phases  Phase
}

// Option customizes a Descriptor.
type Option func(*Descriptor)

// WithOrder sets an explicit priority. Lower runs first.
func WithOrder(order int) Option {
	return func(d *Descriptor) { d.Order = &order }
}

// ForPhases restricts the phases the interceptor is invoked in.
func ForPhases(p Phase) Option {
	return func(d *Descriptor) { d.Phases = p }
}

// Declare builds a Descriptor.
func Declare(name string, factory Factory, opts ...Option) Descriptor {
	d := Descriptor{Name: name, Factory: factory, Phases: AllPhases}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}
