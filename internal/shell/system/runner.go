// Package system executes external commands and touches the local filesystem.
// Everything the provisioner and the deployment runner do to the host goes
// through the Runner and Host interfaces so tests can substitute fakes.
package system

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// =============================================================================
// Command Runner
// =============================================================================

// Command is one external command invocation.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string // appended to the current environment
	Stdin io.Reader

	// Stream, when set, receives stdout and stderr as they are produced in
	// addition to the captured copy.
	Stream io.Writer
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the captured output of a finished command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner runs external commands. A non-zero exit yields a *CommandError.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands on the local host with os/exec.
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner creates a runner that logs each command at debug level.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{logger: logger.With("component", "exec")}
}

// Run executes cmd and waits for it. Cancelling ctx kills the process.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(c.Environ(), cmd.Env...)
	}
	if cmd.Stdin != nil {
		c.Stdin = cmd.Stdin
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if cmd.Stream != nil {
		c.Stdout = io.MultiWriter(&stdout, cmd.Stream)
		c.Stderr = io.MultiWriter(&stderr, cmd.Stream)
	}

	r.logger.Debug("running command", "cmd", cmd.String(), "dir", cmd.Dir)
	err := c.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}

	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, NewCommandError(cmd.Name, cmd.Args, res.ExitCode, res.Stderr, ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, NewCommandError(cmd.Name, cmd.Args, res.ExitCode, res.Stderr, ErrCommandFailed)
	}

	// Exit code 127 mirrors what a shell reports for a missing binary.
	res.ExitCode = 127
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return res, NewCommandError(cmd.Name, cmd.Args, res.ExitCode, []byte(err.Error()), ErrCommandNotFound)
	}
	res.ExitCode = 1
	return res, NewCommandError(cmd.Name, cmd.Args, res.ExitCode, []byte(err.Error()), errors.Join(ErrCommandFailed, err))
}
