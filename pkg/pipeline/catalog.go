package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"jobpipe/pkg/capture"
	"jobpipe/pkg/execution"
	"jobpipe/pkg/interceptor"
	"jobpipe/pkg/interrupt"
	"jobpipe/pkg/logger"
	"jobpipe/pkg/models"
)

var (
	ErrInvalidDefinition = errors.New("invalid job definition")
	ErrDuplicateJob      = errors.New("job already registered")
	ErrUnknownJob        = errors.New("unknown job")
	ErrAmbiguousJob      = errors.New("job name matches several groups")
	ErrTypeConflict      = errors.New("job type already declared with other interceptors")
)

// Definition is the typed registration of one job: its identity, body and
// the declarative metadata the pipeline resolves per invocation.
type Definition struct {
	Descriptor   models.JobDescriptor
	Type         string
	Job          execution.Job
	Interceptors []interceptor.Descriptor
	Dependencies models.Dependencies
	Capture      []capture.Rule
	Interrupt    *interrupt.Config
	Schedule     models.Schedule
	Timeout      time.Duration

	router *capture.Router
}

// Key returns the composite job key.
func (d *Definition) Key() string { return d.Descriptor.Key() }

// TypeName is the key under which the interceptor registry holds the
// definition's declaration.
func (d *Definition) TypeName() string {
	if d.Type != "" {
		return d.Type
	}
	return d.Descriptor.Key()
}

func (d *Definition) routerFor(log *zap.Logger) *capture.Router {
	if d.router != nil {
		return d.router
	}
	return capture.NewRouter(log, d.Capture...)
}

// Catalog is the registration table of jobs known to a process.
type Catalog struct {
	registry *interceptor.Registry
	log      *zap.Logger

	mu    sync.RWMutex
	defs  map[string]*Definition
	types map[string]int // definitions per type name
}

// NewCatalog creates a catalog that publishes interceptor declarations
// into registry.
func NewCatalog(registry *interceptor.Registry, log *zap.Logger) *Catalog {
	return &Catalog{
		registry: registry,
		log:      logger.OrNop(log),
		defs:     make(map[string]*Definition),
		types:    make(map[string]int),
	}
}

// Register validates def, applies defaults and stores it. The name
// defaults to the job type and the group to DEFAULT.
//
// Interceptors are declared per job type. A definition joining a type that
// is already registered inherits its declaration when it declares none, and
// fails with ErrTypeConflict when it declares a different one.
func (c *Catalog) Register(def Definition) (*Definition, error) {
	if def.Descriptor.Name == "" {
		def.Descriptor.Name = def.Type
	}
	if def.Descriptor.Name == "" {
		return nil, fmt.Errorf("%w: job name is required", ErrInvalidDefinition)
	}
	if def.Descriptor.Group == "" {
		def.Descriptor.Group = models.DefaultGroup
	}
	if def.Job == nil {
		return nil, fmt.Errorf("%w: %s has no job body", ErrInvalidDefinition, def.Key())
	}
	if def.Schedule.Cron != "" && def.Schedule.Interval > 0 {
		return nil, fmt.Errorf("%w: %s declares both cron and interval", ErrInvalidDefinition, def.Key())
	}
	if def.Schedule.RepeatCount == 0 && def.Schedule.Interval > 0 {
		def.Schedule.RepeatCount = -1
	}

	def.Interceptors = append([]interceptor.Descriptor(nil), def.Interceptors...)
	def.Capture = append([]capture.Rule(nil), def.Capture...)
	def.router = capture.NewRouter(c.log, def.Capture...)

	c.mu.Lock()
	defer c.mu.Unlock()
	key := def.Key()
	if _, exists := c.defs[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, key)
	}
	typ := def.TypeName()
	if shared, ok := c.declaration(typ); ok {
		switch {
		case len(def.Interceptors) == 0:
			def.Interceptors = append([]interceptor.Descriptor(nil), shared...)
		case !sameDeclaration(shared, def.Interceptors):
			return nil, fmt.Errorf("%w: %s (type %s)", ErrTypeConflict, key, typ)
		}
	}
	stored := def
	c.defs[key] = &stored
	c.types[typ]++
	if c.registry != nil && c.types[typ] == 1 {
		c.registry.Set(typ, stored.Interceptors...)
	}
	c.log.Info("Job registered",
		zap.String(logger.FieldJobKey, key),
		zap.Int("interceptors", len(stored.Interceptors)),
		zap.Int("capture_rules", len(stored.Capture)))
	return &stored, nil
}

// MustRegister is Register that panics on error. Use it for static wiring.
func (c *Catalog) MustRegister(def Definition) *Definition {
	d, err := c.Register(def)
	if err != nil {
		panic(err)
	}
	return d
}

// Unregister removes a job. The type declaration goes with the last job
// of that type.
func (c *Catalog) Unregister(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.defs[key]
	if !ok {
		return false
	}
	delete(c.defs, key)
	typ := d.TypeName()
	if c.types[typ]--; c.types[typ] > 0 {
		return true
	}
	delete(c.types, typ)
	if c.registry != nil {
		c.registry.Remove(typ)
	}
	return true
}

// Lookup finds a job by composite key, or by bare name when the name is
// unique across groups.
func (c *Catalog) Lookup(nameOrKey string) (*Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if d, ok := c.defs[nameOrKey]; ok {
		return d, nil
	}
	var found *Definition
	for _, d := range c.defs {
		if d.Descriptor.Name != nameOrKey {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: %s", ErrAmbiguousJob, nameOrKey)
		}
		found = d
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, nameOrKey)
	}
	return found, nil
}

// List returns every definition ordered by key.
func (c *Catalog) List() []*Definition {
	c.mu.RLock()
	out := make([]*Definition, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// SetInterceptors replaces the interceptor declaration of a registered job
// and of every other job sharing its type. Running invocations keep their
// resolved chain; the next one sees the change.
func (c *Catalog) SetInterceptors(key string, descs ...interceptor.Descriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.defs[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, key)
	}
	typ := d.TypeName()
	for _, other := range c.defs {
		if other.TypeName() == typ {
			other.Interceptors = append([]interceptor.Descriptor(nil), descs...)
		}
	}
	if c.registry != nil {
		c.registry.Set(typ, descs...)
	}
	return nil
}

// InterceptorNames returns the declared interceptor names of a job.
func (c *Catalog) InterceptorNames(key string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, key)
	}
	names := make([]string, len(d.Interceptors))
	for i, desc := range d.Interceptors {
		names[i] = desc.Name
	}
	return names, nil
}

// declaration returns the interceptors of a registered job of type typ.
// Callers hold c.mu.
func (c *Catalog) declaration(typ string) ([]interceptor.Descriptor, bool) {
	if c.types[typ] == 0 {
		return nil, false
	}
	for _, d := range c.defs {
		if d.TypeName() == typ {
			return d.Interceptors, true
		}
	}
	return nil, false
}

// sameDeclaration compares two declarations by name, order and phases.
func sameDeclaration(a, b []interceptor.Descriptor) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Phases != b[i].Phases {
			return false
		}
		if (a[i].Order == nil) != (b[i].Order == nil) {
			return false
		}
		if a[i].Order != nil && *a[i].Order != *b[i].Order {
			return false
		}
	}
	return true
}
