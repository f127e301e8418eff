// Package jobs holds ready-made job bodies.
package jobs

import (
	"context"
	"time"
)

// Result captures the outcome of a command run.
type Result struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
	Error    error         `json:"-"` // detailed go error if any
}

// JobRunner defines the interface for executing a single command.
type JobRunner interface {
	// Run executes the command with the given arguments within the context.
	// It returns a Result containing exit code and logs.
	Run(ctx context.Context, cmd string, args []string) Result
}
