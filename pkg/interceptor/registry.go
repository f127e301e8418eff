package interceptor

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"jobpipe/pkg/logger"
)

// Entry is a resolved interceptor instance with its effective order.
type Entry struct {
	Name        string
	Order       int
	Phases      Phase
	Interceptor Interceptor
}

// Chain is the ordered interceptor list of one invocation. The same order is
// used for every phase.
type Chain []Entry

// For returns the entries taking part in phase p, preserving order.
func (c Chain) For(p Phase) Chain {
	out := make(Chain, 0, len(c))
	for _, e := range c {
		if e.Phases&p != 0 {
			out = append(out, e)
		}
	}
	return out
}

// Names returns the interceptor names in order.
func (c Chain) Names() []string {
	names := make([]string, len(c))
	for i, e := range c {
		names[i] = e.Name
	}
	return names
}

// Registry maps a job type to its declared interceptors.
type Registry struct {
	mu    sync.RWMutex
	table map[string][]Descriptor
	log   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		table: make(map[string][]Descriptor),
		log:   logger.OrNop(log),
	}
}

// Set replaces the declaration of a job type. Later invocations see the
// new declaration without restart.
func (r *Registry) Set(jobType string, descs ...Descriptor) {
	cp := append([]Descriptor(nil), descs...)
	r.mu.Lock()
	r.table[jobType] = cp
	r.mu.Unlock()
}

// Declared returns a copy of the declaration of a job type.
func (r *Registry) Declared(jobType string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Descriptor(nil), r.table[jobType]...)
}

// Remove drops a job type.
func (r *Registry) Remove(jobType string) {
	r.mu.Lock()
	delete(r.table, jobType)
	r.mu.Unlock()
}

// Resolve instantiates every declared interceptor and returns them sorted
// ascending by order, where the order defaults to the declaration index.
// Ties keep declaration order. Interceptors that fail to construct are
// logged and skipped.
func (r *Registry) Resolve(jobType string) Chain {
	descs := r.Declared(jobType)

	chain := make(Chain, 0, len(descs))
	for i, d := range descs {
		inst, err := construct(d)
		if err != nil {
			r.log.Warn("Skipping interceptor that failed to construct",
				zap.String("job_type", jobType),
				zap.String("interceptor", d.Name),
				zap.Error(err))
			continue
		}
		order := i
		if d.Order != nil {
			order = *d.Order
		}
		phases := d.Phases
		if phases == 0 {
			phases = AllPhases
		}
		chain = append(chain, Entry{Name: d.Name, Order: order, Phases: phases, Interceptor: inst})
	}

	sort.SliceStable(chain, func(a, b int) bool {
		return chain[a].Order < chain[b].Order
	})
	return chain
}

func construct(d Descriptor) (inst Interceptor, err error) {
	if d.Factory == nil {
		return nil, ErrNilFactory
	}
	defer func() {
		if rec := recover(); rec != nil {
			inst, err = nil, fmt.Errorf("interceptor constructor panicked: %v", rec)
		}
	}()
	inst, err = d.Factory()
	if err == nil && inst == nil {
		err = ErrNilFactory
	}
	return inst, err
}
