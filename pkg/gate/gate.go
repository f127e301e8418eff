// Package gate decides whether a job may run based on the recorded success
// of the job itself and of its declared dependencies.
package gate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"jobpipe/pkg/execution"
	"jobpipe/pkg/interceptor"
	"jobpipe/pkg/logger"
	"jobpipe/pkg/metrics"
	"jobpipe/pkg/resilience"
	"jobpipe/pkg/storage"
)

// Order runs the gate right after the resource surround.
const Order = 0

// MissingPolicy decides how a lookup with no recorded run is treated.
type MissingPolicy int

const (
	// MissingDeny treats an absent record as not successful.
	MissingDeny MissingPolicy = iota
	// MissingPermit treats an absent record as successful.
	MissingPermit
)

func (p MissingPolicy) String() string {
	if p == MissingPermit {
		return "permit"
	}
	return "deny"
}

// ParseMissingPolicy maps "permit" and "deny" to a policy.
func ParseMissingPolicy(s string) (MissingPolicy, error) {
	switch s {
	case "permit":
		return MissingPermit, nil
	case "deny", "":
		return MissingDeny, nil
	default:
		return MissingDeny, fmt.Errorf("unknown missing-record policy %q", s)
	}
}

// Config tunes the gate.
type Config struct {
	// Self applies to the job's own completion key. A job that never ran
	// has no record, so the default lets first runs through.
	Self MissingPolicy
	// Dependencies applies to declared dependency jobs and groups.
	Dependencies MissingPolicy
	// SkipSelf disables the check of the job's own completion key.
	SkipSelf bool
	// Breaker optionally guards store lookups.
	Breaker *resilience.CircuitBreaker
}

// DefaultConfig permits first runs and denies on missing dependencies.
func DefaultConfig() Config {
	return Config{Self: MissingPermit, Dependencies: MissingDeny}
}

// Gate is a before-hook that vetoes the body unless every check succeeds.
type Gate struct {
	interceptor.Base
	store storage.SuccessStore
	cfg   Config
	log   *zap.Logger
}

// New creates a gate reading from store.
func New(store storage.SuccessStore, cfg Config, log *zap.Logger) *Gate {
	return &Gate{store: store, cfg: cfg, log: logger.OrNop(log)}
}

// Declare returns the before-phase descriptor of the gate.
func Declare(store storage.SuccessStore, cfg Config, log *zap.Logger) interceptor.Descriptor {
	return interceptor.Declare("dependency-gate", func() (interceptor.Interceptor, error) {
		if store == nil {
			return nil, errors.New("dependency gate: nil success store")
		}
		return New(store, cfg, log), nil
	}, interceptor.WithOrder(Order), interceptor.ForPhases(interceptor.PhaseBefore))
}

// Before checks the job's own key, then every dependency group, then every
// dependency job. Store failures are returned; the pipeline's hook policy
// decides what they mean.
func (g *Gate) Before(ctx context.Context, ec *execution.Context) (bool, error) {
	job := ec.Job()
	log := ec.Logger()

	if !g.cfg.SkipSelf {
		ok, err := g.check(ctx, g.cfg.Self, func(ctx context.Context) (bool, error) {
			return g.store.IsSuccessful(ctx, job.Key(), job.Name)
		})
		if err != nil {
			return false, fmt.Errorf("lookup %s: %w", job.Key(), err)
		}
		if !ok {
			g.deny(ec, "self")
			log.Info("Gate closed: previous run not successful")
			return false, nil
		}
	}

	deps := ec.Dependencies()
	for _, group := range deps.Groups {
		ok, err := g.check(ctx, g.cfg.Dependencies, func(ctx context.Context) (bool, error) {
			return g.store.GroupIsSuccessful(ctx, group)
		})
		if err != nil {
			return false, fmt.Errorf("lookup group %s: %w", group, err)
		}
		if !ok {
			g.deny(ec, "group")
			log.Info("Gate closed: dependency group not successful", zap.String("group", group))
			return false, nil
		}
	}

	for _, dep := range deps.Jobs {
		ok, err := g.check(ctx, g.cfg.Dependencies, func(ctx context.Context) (bool, error) {
			return g.store.IsSuccessful(ctx, dep.Key(), dep.Name)
		})
		if err != nil {
			return false, fmt.Errorf("lookup %s: %w", dep.Key(), err)
		}
		if !ok {
			g.deny(ec, "job")
			log.Info("Gate closed: dependency not successful", zap.String("dependency", dep.Key()))
			return false, nil
		}
	}
	return true, nil
}

func (g *Gate) check(ctx context.Context, missing MissingPolicy, lookup func(context.Context) (bool, error)) (bool, error) {
	var ok bool
	call := func(ctx context.Context) error {
		var err error
		ok, err = lookup(ctx)
		return err
	}

	var err error
	if g.cfg.Breaker != nil {
		err = g.cfg.Breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}

	if errors.Is(err, storage.ErrNotFound) {
		return missing == MissingPermit, nil
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		g.log.Warn("Success store breaker open, lookup rejected")
	}
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (g *Gate) deny(ec *execution.Context, reason string) {
	metrics.GateDenials.WithLabelValues(ec.JobKey(), reason).Inc()
}

// NewBreaker builds a breaker for gate lookups that ignores ErrNotFound.
func NewBreaker(cfg resilience.CircuitBreakerConfig, log *zap.Logger) *resilience.CircuitBreaker {
	cfg.IsFailure = func(err error) bool {
		return err != nil && !errors.Is(err, storage.ErrNotFound)
	}
	return resilience.NewCircuitBreaker("success-store", cfg, log)
}
