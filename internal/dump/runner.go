package dump

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// Command describes one external process invocation.
type Command struct {
	Path string
	Args []string
	// Env is appended to the parent environment for the child only.
	Env []string
}

// Result is the captured outcome of a command that was started.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes a command synchronously. A failure to start the process is
// returned as an error; a process that ran and exited non-zero is reported
// through Result.ExitCode with a nil error.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode == 0 {
			// Killed by a signal; ExitCode reports -1 only on some platforms.
			res.ExitCode = -1
		}
		return res, nil
	}
	return res, fmt.Errorf("start %s: %w", c.Path, err)
}
