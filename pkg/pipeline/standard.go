package pipeline

import (
	"go.uber.org/zap"

	"jobpipe/pkg/gate"
	"jobpipe/pkg/interceptor"
	"jobpipe/pkg/monitor"
	"jobpipe/pkg/storage"
)

// Stack bundles the collaborators of the built-in interceptors. Nil stores
// leave the matching interceptor out.
type Stack struct {
	Monitors         *monitor.Registry
	Resources        storage.ResourceStore
	Archive          storage.SampleArchive
	ArchiveThreshold int
	Success          storage.SuccessStore
	Runs             storage.RunRecorder
	Gate             gate.Config
	Log              *zap.Logger
}

// Interceptors returns the built-in declarations followed by extra. The
// resource surround runs first, the dependency gate next, and the run
// recorder only takes part in the integration phase.
func (s Stack) Interceptors(extra ...interceptor.Descriptor) []interceptor.Descriptor {
	var out []interceptor.Descriptor
	if s.Monitors != nil {
		out = append(out, monitor.Declare(s.Monitors, monitor.SurroundConfig{
			Store:            s.Resources,
			Archive:          s.Archive,
			ArchiveThreshold: s.ArchiveThreshold,
		}, s.Log))
	}
	if s.Success != nil {
		out = append(out, gate.Declare(s.Success, s.Gate, s.Log))
	}
	if s.Runs != nil {
		out = append(out, gate.DeclareRecorder(s.Runs, s.Log))
	}
	return append(out, extra...)
}

var _ Listener = (*monitor.Surround)(nil)
