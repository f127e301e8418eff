package monitor

import (
	"context"

	"jobpipe/pkg/execution"
)

// Listener starts the invocation's monitor right before the body and stops
// it right after, so hook time is excluded from the measurement. Being
// notified twice for the same invocation is harmless.
type Listener struct {
	reg *Registry
}

// NewListener creates a listener over reg.
func NewListener(reg *Registry) *Listener {
	return &Listener{reg: reg}
}

func (l *Listener) JobToBeExecuted(_ context.Context, ec *execution.Context) {
	if m := l.lookup(ec); m != nil && !m.Running() {
		m.Start()
	}
}

func (l *Listener) JobExecutionVetoed(_ context.Context, ec *execution.Context) {
	if m := l.lookup(ec); m != nil {
		l.reg.CompareAndDelete(ec.JobKey(), m)
	}
}

func (l *Listener) JobWasExecuted(_ context.Context, ec *execution.Context, _ error) {
	if m := l.lookup(ec); m != nil {
		m.Stop()
	}
}

// lookup prefers the registry entry and falls back to the instance stashed
// on ec when an overlapping invocation of the same job replaced it.
func (l *Listener) lookup(ec *execution.Context) *Monitor {
	if m, ok := l.reg.Get(ec.JobKey()); ok && m.InvocationID() == ec.InvocationID() {
		return m
	}
	m, _ := MonitorFrom(ec)
	return m
}
