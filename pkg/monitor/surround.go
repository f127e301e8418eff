package monitor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"jobpipe/pkg/execution"
	"jobpipe/pkg/interceptor"
	"jobpipe/pkg/logger"
	"jobpipe/pkg/metrics"
	"jobpipe/pkg/models"
	"jobpipe/pkg/storage"
)

const (
	// Order places the surround ahead of every interceptor declared
	// without an explicit order.
	Order = -1

	// DefaultArchiveThreshold is the sample count above which samples go
	// to the archive instead of the row.
	DefaultArchiveThreshold = 1000

	attrMonitor = "jobpipe.monitor"
)

// SurroundConfig wires the persistence side of the surround.
type SurroundConfig struct {
	Store            storage.ResourceStore
	Archive          storage.SampleArchive
	ArchiveThreshold int
}

// Surround registers a monitor before the body, collects its snapshot after
// and persists it during integration. Through the embedded Listener it also
// starts and stops the monitor right around the body.
type Surround struct {
	Listener

	reg *Registry
	cfg SurroundConfig
	log *zap.Logger
}

var _ interceptor.Interceptor = (*Surround)(nil)

// NewSurround creates a surround bound to reg.
func NewSurround(reg *Registry, cfg SurroundConfig, log *zap.Logger) *Surround {
	if cfg.ArchiveThreshold <= 0 {
		cfg.ArchiveThreshold = DefaultArchiveThreshold
	}
	return &Surround{Listener: Listener{reg: reg}, reg: reg, cfg: cfg, log: logger.OrNop(log)}
}

// Declare returns the interceptor descriptor of the surround.
func Declare(reg *Registry, cfg SurroundConfig, log *zap.Logger) interceptor.Descriptor {
	return interceptor.Declare("resources", func() (interceptor.Interceptor, error) {
		if reg == nil {
			return nil, fmt.Errorf("resource surround: nil registry")
		}
		return NewSurround(reg, cfg, log), nil
	}, interceptor.WithOrder(Order))
}

func (s *Surround) Before(_ context.Context, ec *execution.Context) (bool, error) {
	m := s.reg.New(ec.JobKey(), ec.Job().Name, ec.InvocationID())
	if prev := s.reg.Put(ec.JobKey(), m); prev != nil && prev.Running() {
		ec.Logger().Debug("Overlapping invocation, monitor replaced in registry",
			zap.String("previous_invocation", prev.InvocationID()))
	}
	ec.Set(attrMonitor, m)
	return true, nil
}

func (s *Surround) After(_ context.Context, ec *execution.Context) (bool, error) {
	m, ok := MonitorFrom(ec)
	if !ok {
		return true, nil
	}
	s.reg.CompareAndDelete(ec.JobKey(), m)
	ec.Delete(attrMonitor)

	if !m.Started() {
		// The body never ran.
		return true, nil
	}
	info := m.Stop()
	ec.Set(execution.AttrResourceInfo, info)
	return true, nil
}

func (s *Surround) Integration(ctx context.Context, ec *execution.Context) error {
	v, ok := ec.Get(execution.AttrResourceInfo)
	if !ok {
		return nil
	}
	info, ok := v.(models.TaskResourceInfo)
	if !ok {
		return fmt.Errorf("resource info attribute has type %T", v)
	}

	metrics.PeakMemory.WithLabelValues(info.JobKey).Set(float64(info.PeakMemoryBytes))
	metrics.CPUTime.WithLabelValues(info.JobKey).Observe(float64(info.CPUNanos) / 1e9)
	ec.Logger().Info("Resource usage",
		zap.Int64("elapsed_ms", info.ElapsedMillis),
		zap.Int64("cpu_ns", info.CPUNanos),
		zap.Int64("memory_delta_bytes", info.MemoryDeltaBytes),
		zap.Int64("peak_memory_bytes", info.PeakMemoryBytes),
		zap.Int("samples", info.SampleCount))

	if s.cfg.Store == nil {
		return nil
	}

	if s.cfg.Archive != nil && len(info.Samples) > s.cfg.ArchiveThreshold {
		uri, err := s.cfg.Archive.Store(ctx, info.InvocationID, info.Samples)
		if err != nil {
			ec.Logger().Warn("Failed to archive samples, keeping them inline", zap.Error(err))
		} else {
			info.SamplesURI = uri
			info.Samples = nil
		}
	}

	if err := s.cfg.Store.SaveResourceInfo(ctx, &info); err != nil {
		return fmt.Errorf("save resource info: %w", err)
	}
	return nil
}

// MonitorFrom returns the monitor the surround registered for ec.
func MonitorFrom(ec *execution.Context) (*Monitor, bool) {
	v, ok := ec.Get(attrMonitor)
	if !ok {
		return nil, false
	}
	m, ok := v.(*Monitor)
	return m, ok && m != nil
}

// ResourceInfoFrom returns the snapshot collected for ec, if any.
func ResourceInfoFrom(ec *execution.Context) (models.TaskResourceInfo, bool) {
	v, ok := ec.Get(execution.AttrResourceInfo)
	if !ok {
		return models.TaskResourceInfo{}, false
	}
	info, ok := v.(models.TaskResourceInfo)
	return info, ok
}
