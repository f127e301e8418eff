// Package monitor measures the resources consumed by one job invocation:
// wall time, CPU time and heap usage sampled in the background.
package monitor

import (
	"context"
	"fmt"
	"os"
	rtmetrics "runtime/metrics"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"jobpipe/pkg/logger"
	"jobpipe/pkg/metrics"
	"jobpipe/pkg/models"
)

const (
	DefaultSampleInterval = 10 * time.Millisecond
	DefaultJoinTimeout    = 100 * time.Millisecond

	heapMetric = "/memory/classes/heap/objects:bytes"
)

// Probes read the raw counters a monitor samples. Swap them in tests.
type Probes struct {
	// HeapBytes returns the live heap size.
	HeapBytes func() int64
	// CPUNanos returns the CPU time consumed so far. An error degrades the
	// reading to zero.
	CPUNanos func(ctx context.Context) (int64, error)
}

// DefaultProbes reads heap usage from the Go runtime and CPU time of the
// current process through gopsutil.
func DefaultProbes() Probes {
	return Probes{HeapBytes: runtimeHeapBytes, CPUNanos: processCPUNanos}
}

func runtimeHeapBytes() int64 {
	s := []rtmetrics.Sample{{Name: heapMetric}}
	rtmetrics.Read(s)
	if s[0].Value.Kind() != rtmetrics.KindUint64 {
		return 0
	}
	return int64(s[0].Value.Uint64())
}

var (
	selfOnce sync.Once
	self     *process.Process
	selfErr  error
)

func processCPUNanos(ctx context.Context) (int64, error) {
	selfOnce.Do(func() {
		self, selfErr = process.NewProcess(int32(os.Getpid()))
	})
	if selfErr != nil {
		return 0, selfErr
	}
	t, err := self.TimesWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return int64((t.User + t.System) * float64(time.Second)), nil
}

// Config tunes the sampler.
type Config struct {
	SampleInterval time.Duration
	JoinTimeout    time.Duration
	Probes         Probes
}

// DefaultConfig returns a 10ms sampler with a 100ms bounded join.
func DefaultConfig() Config {
	return Config{
		SampleInterval: DefaultSampleInterval,
		JoinTimeout:    DefaultJoinTimeout,
		Probes:         DefaultProbes(),
	}
}

func (c Config) withDefaults() Config {
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.Probes.HeapBytes == nil {
		c.Probes.HeapBytes = runtimeHeapBytes
	}
	if c.Probes.CPUNanos == nil {
		c.Probes.CPUNanos = processCPUNanos
	}
	return c
}

// Monitor measures one invocation. Start and Stop may be called repeatedly;
// each Start clears the previous samples.
type Monitor struct {
	jobKey       string
	taskName     string
	invocationID string
	cfg          Config
	log          *zap.Logger

	mu       sync.Mutex
	gen      uint64
	running  bool
	started  bool
	start    time.Time
	baseCPU  int64
	baseHeap int64
	peak     int64
	samples  []int64
	stopCh   chan struct{}
	done     chan struct{}
	snapshot *models.TaskResourceInfo
}

// New creates a stopped monitor.
func New(jobKey, taskName, invocationID string, cfg Config, log *zap.Logger) *Monitor {
	return &Monitor{
		jobKey:       jobKey,
		taskName:     taskName,
		invocationID: invocationID,
		cfg:          cfg.withDefaults(),
		log:          logger.OrNop(log),
	}
}

func (m *Monitor) JobKey() string       { return m.jobKey }
func (m *Monitor) TaskName() string     { return m.taskName }
func (m *Monitor) InvocationID() string { return m.invocationID }

// Start records the baselines and launches the sampler. Starting a running
// monitor restarts it. Start is safe to call concurrently; the last caller's
// sampler is the one left running.
func (m *Monitor) Start() {
	baseCPU := m.readCPU()
	baseHeap := m.readHeap()

	m.mu.Lock()
	var prevDone chan struct{}
	if m.running {
		close(m.stopCh)
		prevDone = m.done
	}
	m.gen++
	gen := m.gen
	m.running = true
	m.started = true
	m.start = time.Now()
	m.baseCPU = baseCPU
	m.baseHeap = baseHeap
	m.peak = baseHeap
	m.samples = nil
	m.snapshot = nil
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	stopCh, done := m.stopCh, m.done
	m.mu.Unlock()

	if prevDone != nil {
		m.join(prevDone)
	}
	go m.sample(gen, stopCh, done)
}

// join waits for a signalled sampler at most JoinTimeout.
func (m *Monitor) join(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(m.cfg.JoinTimeout):
		metrics.SamplerJoinTimeouts.Inc()
		m.log.Warn("Resource sampler did not exit in time",
			zap.String(logger.FieldJobKey, m.jobKey),
			zap.Duration("join_timeout", m.cfg.JoinTimeout))
	}
}

func (m *Monitor) sample(gen uint64, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if rec := recover(); rec != nil {
			m.log.Warn("Resource sampler panicked", zap.String(logger.FieldJobKey, m.jobKey), zap.Any("panic", rec))
		}
	}()

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			// Stop may have raced with the tick.
			select {
			case <-stopCh:
				return
			default:
			}
			m.record(gen, m.cfg.Probes.HeapBytes())
		}
	}
}

func (m *Monitor) record(gen uint64, heap int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || !m.running {
		return
	}
	m.samples = append(m.samples, heap)
	if heap > m.peak {
		m.peak = heap
	}
}

// Stop signals the sampler, waits for it at most JoinTimeout and returns the
// snapshot. Further calls return the same snapshot until the next Start.
// Stopping a monitor that never started returns a zero-valued snapshot.
func (m *Monitor) Stop() models.TaskResourceInfo {
	m.mu.Lock()
	if !m.running {
		defer m.mu.Unlock()
		if m.snapshot != nil {
			return m.snapshot.Clone()
		}
		return models.TaskResourceInfo{JobKey: m.jobKey, TaskName: m.taskName, InvocationID: m.invocationID}
	}
	m.running = false
	close(m.stopCh)
	done := m.done
	m.mu.Unlock()

	m.join(done)

	cpuNow := m.readCPU()
	heapNow := m.readHeap()

	m.mu.Lock()
	defer m.mu.Unlock()
	// Samples from a late sampler are dropped from here on.
	m.gen++

	cpu := cpuNow - m.baseCPU
	if cpu < 0 || cpuNow == 0 {
		cpu = 0
	}
	peak := m.peak
	if heapNow > peak {
		peak = heapNow
	}
	if peak < 0 {
		peak = 0
	}
	snap := models.TaskResourceInfo{
		JobKey:           m.jobKey,
		TaskName:         m.taskName,
		InvocationID:     m.invocationID,
		ElapsedMillis:    time.Since(m.start).Milliseconds(),
		CPUNanos:         cpu,
		MemoryDeltaBytes: heapNow - m.baseHeap,
		PeakMemoryBytes:  peak,
		Samples:          append(models.Samples(nil), m.samples...),
		SampleCount:      len(m.samples),
		CreatedAt:        time.Now(),
	}
	m.snapshot = &snap
	return snap.Clone()
}

// Running reports whether the sampler is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Started reports whether Start was called at least once.
func (m *Monitor) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// SampleCount returns the number of samples collected since the last Start.
func (m *Monitor) SampleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

func (m *Monitor) readCPU() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.JoinTimeout)
	defer cancel()
	n, err := m.safeCPU(ctx)
	if err != nil {
		m.log.Debug("CPU time unavailable", zap.Error(err))
		return 0
	}
	return n
}

func (m *Monitor) readHeap() (n int64) {
	defer func() {
		if rec := recover(); rec != nil {
			m.log.Debug("Heap probe panicked", zap.Any("panic", rec))
			n = 0
		}
	}()
	return m.cfg.Probes.HeapBytes()
}

func (m *Monitor) safeCPU(ctx context.Context) (n int64, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			n, err = 0, fmt.Errorf("cpu probe panicked: %v", rec)
		}
	}()
	return m.cfg.Probes.CPUNanos(ctx)
}
