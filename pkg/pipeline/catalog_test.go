package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobpipe/pkg/execution"
	"jobpipe/pkg/interceptor"
	"jobpipe/pkg/models"
	. "jobpipe/pkg/pipeline"
)

var noop = execution.JobFunc(func(context.Context, *execution.Context) error { return nil })

func TestCatalog_RegisterDefaults(t *testing.T) {
	c := NewCatalog(interceptor.NewRegistry(nil), nil)

	def, err := c.Register(Definition{Type: "ReportJob", Job: noop})

	require.NoError(t, err)
	assert.Equal(t, "ReportJob", def.Descriptor.Name)
	assert.Equal(t, models.DefaultGroup, def.Descriptor.Group)
	assert.Equal(t, "DEFAULT.ReportJob", def.Key())
}

func TestCatalog_RegisterValidation(t *testing.T) {
	c := NewCatalog(nil, nil)

	_, err := c.Register(Definition{Job: noop})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = c.Register(Definition{Descriptor: models.NewJobDescriptor("A", "")})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = c.Register(Definition{
		Descriptor: models.NewJobDescriptor("A", ""),
		Job:        noop,
		Schedule:   models.Schedule{Cron: "* * * * *", Interval: time.Second},
	})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = c.Register(Definition{Descriptor: models.NewJobDescriptor("A", ""), Job: noop})
	require.NoError(t, err)
	_, err = c.Register(Definition{Descriptor: models.NewJobDescriptor("A", ""), Job: noop})
	assert.ErrorIs(t, err, ErrDuplicateJob)
}

func TestCatalog_IntervalRepeatsForeverByDefault(t *testing.T) {
	c := NewCatalog(nil, nil)

	def, err := c.Register(Definition{
		Descriptor: models.NewJobDescriptor("Tick", ""),
		Job:        noop,
		Schedule:   models.Schedule{Interval: time.Minute},
	})

	require.NoError(t, err)
	assert.Equal(t, -1, def.Schedule.RepeatCount)
}

func TestCatalog_Lookup(t *testing.T) {
	c := NewCatalog(nil, nil)
	c.MustRegister(Definition{Descriptor: models.NewJobDescriptor("Sync", "etl"), Job: noop})
	c.MustRegister(Definition{Descriptor: models.NewJobDescriptor("Clean", "etl"), Job: noop})
	c.MustRegister(Definition{Descriptor: models.NewJobDescriptor("Clean", "ops"), Job: noop})

	d, err := c.Lookup("Sync")
	require.NoError(t, err)
	assert.Equal(t, "etl.Sync", d.Key())

	d, err = c.Lookup("ops.Clean")
	require.NoError(t, err)
	assert.Equal(t, "ops", d.Descriptor.Group)

	_, err = c.Lookup("Clean")
	assert.ErrorIs(t, err, ErrAmbiguousJob)

	_, err = c.Lookup("Nope")
	assert.ErrorIs(t, err, ErrUnknownJob)

	keys := []string{}
	for _, d := range c.List() {
		keys = append(keys, d.Key())
	}
	assert.Equal(t, []string{"etl.Clean", "etl.Sync", "ops.Clean"}, keys)
}

func TestCatalog_PublishesInterceptorsToRegistry(t *testing.T) {
	reg := interceptor.NewRegistry(nil)
	c := NewCatalog(reg, nil)
	desc := interceptor.Declare("noop", interceptor.Of(func() interceptor.Base { return interceptor.Base{} }))

	def := c.MustRegister(Definition{
		Descriptor:   models.NewJobDescriptor("Sync", "etl"),
		Job:          noop,
		Interceptors: []interceptor.Descriptor{desc},
	})
	assert.Equal(t, []string{"noop"}, reg.Resolve(def.TypeName()).Names())

	require.True(t, c.Unregister(def.Key()))
	assert.Empty(t, reg.Resolve(def.TypeName()))
	assert.False(t, c.Unregister(def.Key()))

	assert.ErrorIs(t, c.SetInterceptors("etl.Sync", desc), ErrUnknownJob)
}

func TestCatalog_SharedTypeSharesDeclaration(t *testing.T) {
	reg := interceptor.NewRegistry(nil)
	c := NewCatalog(reg, nil)

	a := c.MustRegister(Definition{
		Descriptor: models.NewJobDescriptor("A", ""),
		Type:       "Report",
		Job:        noop,
		Interceptors: []interceptor.Descriptor{
			interceptor.Declare("audit", interceptor.Of(func() interceptor.Base { return interceptor.Base{} })),
		},
	})

	assert.Equal(t, "Report", a.TypeName())
	assert.Equal(t, []string{"audit"}, reg.Resolve("Report").Names())

	// A second job of the same type inherits the declaration.
	b := c.MustRegister(Definition{Descriptor: models.NewJobDescriptor("B", "ops"), Type: "Report", Job: noop})
	names, err := c.InterceptorNames(b.Key())
	require.NoError(t, err)
	assert.Equal(t, []string{"audit"}, names)

	// A different declaration for the type is rejected and changes nothing.
	_, err = c.Register(Definition{
		Descriptor:   models.NewJobDescriptor("C", ""),
		Type:         "Report",
		Job:          noop,
		Interceptors: []interceptor.Descriptor{interceptor.Declare("other", interceptor.Of(func() interceptor.Base { return interceptor.Base{} }))},
	})
	assert.ErrorIs(t, err, ErrTypeConflict)
	assert.Equal(t, []string{"audit"}, reg.Resolve("Report").Names())

	// The declaration stays until the last job of the type is gone.
	assert.True(t, c.Unregister(a.Key()))
	assert.Equal(t, []string{"audit"}, reg.Resolve("Report").Names())
	assert.True(t, c.Unregister(b.Key()))
	assert.Empty(t, reg.Resolve("Report"))
}

type vetoHook struct{ interceptor.Base }

func (vetoHook) Before(context.Context, *execution.Context) (bool, error) { return false, nil }

func TestCatalog_SharedTypeKeepsGate(t *testing.T) {
	reg := interceptor.NewRegistry(nil)
	c := NewCatalog(reg, nil)
	p := New(reg)
	deny := interceptor.Declare("deny", interceptor.Of(func() vetoHook { return vetoHook{} }))

	a := c.MustRegister(Definition{
		Descriptor:   models.NewJobDescriptor("A", ""),
		Type:         "Report",
		Job:          noop,
		Interceptors: []interceptor.Descriptor{deny},
	})
	require.False(t, p.Execute(context.Background(), a, nil).Permitted)

	_, err := c.Register(Definition{Descriptor: models.NewJobDescriptor("B", ""), Type: "Report", Job: noop})
	require.NoError(t, err)
	assert.False(t, p.Execute(context.Background(), a, nil).Permitted, "A keeps its veto")

	b, err := c.Lookup("DEFAULT.B")
	require.NoError(t, err)
	assert.False(t, p.Execute(context.Background(), b, nil).Permitted)

	require.NoError(t, c.SetInterceptors(b.Key()))
	namesA, _ := c.InterceptorNames(a.Key())
	assert.Empty(t, namesA, "type-wide change is reported for every job of the type")
	assert.True(t, p.Execute(context.Background(), a, nil).Permitted)
}

func TestCatalog_InterceptorNames(t *testing.T) {
	c := NewCatalog(interceptor.NewRegistry(nil), nil)
	base := interceptor.Of(func() interceptor.Base { return interceptor.Base{} })
	_, err := c.Register(Definition{
		Descriptor:   models.NewJobDescriptor("A", ""),
		Job:          noop,
		Interceptors: []interceptor.Descriptor{interceptor.Declare("audit", base), interceptor.Declare("gate", base)},
	})
	require.NoError(t, err)

	names, err := c.InterceptorNames("DEFAULT.A")
	require.NoError(t, err)
	assert.Equal(t, []string{"audit", "gate"}, names)

	require.NoError(t, c.SetInterceptors("DEFAULT.A", interceptor.Declare("only", base)))
	names, _ = c.InterceptorNames("DEFAULT.A")
	assert.Equal(t, []string{"only"}, names)

	_, err = c.InterceptorNames("DEFAULT.B")
	assert.ErrorIs(t, err, ErrUnknownJob)
}
