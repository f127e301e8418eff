package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"

	"jobpipe/pkg/execution"
)

// Attributes the shell job leaves on the execution context.
const (
	AttrExitCode = "shell.exit_code"
	AttrStdout   = "shell.stdout"
	AttrStderr   = "shell.stderr"
)

// maxOutput bounds the captured stdout and stderr kept as attributes.
const maxOutput = 64 << 10

// ExitError reports a command that ran and exited non-zero, or never started.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
}

func (e *ExitError) Unwrap() error { return e.Err }

type ShellRunner struct{}

func NewShellRunner() *ShellRunner {
	return &ShellRunner{}
}

func (s *ShellRunner) Run(ctx context.Context, cmdStr string, args []string) Result {
	start := time.Now()

	cmd := exec.CommandContext(ctx, cmdStr, args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	// New process group so cancellation kills the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			// Failed to start, or caught a signal.
			exitCode = -1
		}
	}
	if ctx.Err() != nil && exitCode == 0 {
		exitCode = -1
	}

	return Result{
		ExitCode: exitCode,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: duration,
		Error:    err,
	}
}

// Shell is a job body running a command through sh -c.
type Shell struct {
	Command string
	Runner  JobRunner
}

// NewShell creates a shell job for command.
func NewShell(command string) *Shell {
	return &Shell{Command: command, Runner: NewShellRunner()}
}

// Execute runs the command. A non-zero exit becomes an *ExitError; a
// cancelled context is reported as its cause.
func (s *Shell) Execute(ctx context.Context, ec *execution.Context) error {
	runner := s.Runner
	if runner == nil {
		runner = NewShellRunner()
	}
	result := runner.Run(ctx, "sh", []string{"-c", s.Command})

	ec.Set(AttrExitCode, result.ExitCode)
	ec.Set(AttrStdout, truncate(result.Stdout))
	ec.Set(AttrStderr, truncate(result.Stderr))
	ec.Logger().Info("Shell command finished",
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", result.Duration))

	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if result.ExitCode != 0 {
		return &ExitError{
			Command:  s.Command,
			ExitCode: result.ExitCode,
			Stderr:   truncate(result.Stderr),
			Err:      result.Error,
		}
	}
	return nil
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[len(s)-maxOutput:]
}
