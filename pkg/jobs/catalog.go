package jobs

import (
	"context"
	"fmt"

	config "jobpipe/configs"
	"jobpipe/pkg/capture"
	"jobpipe/pkg/interrupt"
	"jobpipe/pkg/models"
	"jobpipe/pkg/pipeline"
)

// kinds maps the error kind names accepted in job files to matchers.
var kinds = map[string]capture.Kind{
	"any":         capture.Any(),
	"exit":        capture.As[*ExitError](),
	"timeout":     capture.Is(context.DeadlineExceeded),
	"interrupted": capture.Is(interrupt.ErrInterrupted),
	"panic":       capture.Is(pipeline.ErrJobPanic),
}

// Definition converts a declared shell job into a pipeline definition
// carrying the built-in interceptor stack.
func Definition(spec config.JobSpec, stack pipeline.Stack) (pipeline.Definition, error) {
	def := pipeline.Definition{
		Descriptor: models.JobDescriptor{
			Name:        spec.Name,
			Group:       spec.Group,
			Description: spec.Description,
		},
		Job:          NewShell(spec.Command),
		Interceptors: stack.Interceptors(),
		Schedule: models.Schedule{
			Cron:        spec.Cron,
			Interval:    spec.Interval,
			RepeatCount: spec.RepeatCount,
			StartNow:    spec.StartNow,
		},
		Timeout: spec.Timeout,
	}
	if def.Descriptor.Group == "" {
		def.Descriptor.Group = models.DefaultGroup
	}

	for _, key := range spec.DependsOn.Jobs {
		def.Dependencies.Jobs = append(def.Dependencies.Jobs, models.ParseJobKey(key))
	}
	def.Dependencies.Groups = append(def.Dependencies.Groups, spec.DependsOn.Groups...)

	for _, c := range spec.Capture {
		rule := capture.Rule{Name: c.Name}
		for _, name := range c.Kinds {
			k, ok := kinds[name]
			if !ok {
				return pipeline.Definition{}, fmt.Errorf("job %s: unknown error kind %q", def.Descriptor.Key(), name)
			}
			rule.Kinds = append(rule.Kinds, k)
		}
		def.Capture = append(def.Capture, rule)
	}

	if spec.Interruptible {
		def.Interrupt = &interrupt.Config{}
	}
	return def, nil
}

// RegisterFile registers every job of f in c.
func RegisterFile(c *pipeline.Catalog, f *config.JobFile, stack pipeline.Stack) ([]*pipeline.Definition, error) {
	out := make([]*pipeline.Definition, 0, len(f.Jobs))
	for _, spec := range f.Jobs {
		def, err := Definition(spec, stack)
		if err != nil {
			return out, err
		}
		registered, err := c.Register(def)
		if err != nil {
			return out, err
		}
		out = append(out, registered)
	}
	return out, nil
}
