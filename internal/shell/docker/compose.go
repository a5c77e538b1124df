package docker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/artpar/hostctl/internal/shell/system"
)

// DefaultComposeBinary is the standalone orchestration tool the provisioner installs.
const DefaultComposeBinary = "docker-compose"

// ComposeConfig locates a stack on disk.
type ComposeConfig struct {
	// Binary is the orchestration command. "docker compose" (plugin form)
	// is accepted as well as a path to the standalone binary.
	Binary  string
	Dir     string
	Files   []string // merge order, relative to Dir
	EnvFile string   // relative to Dir
}

// Compose drives the stack lifecycle through the orchestration tool.
type Compose struct {
	runner system.Runner
	config ComposeConfig
	output io.Writer
	logger *slog.Logger
}

// NewCompose creates a Compose for the stack in config.Dir. Command output is
// copied to output when it is non-nil.
func NewCompose(runner system.Runner, config ComposeConfig, output io.Writer, logger *slog.Logger) *Compose {
	if strings.TrimSpace(config.Binary) == "" {
		config.Binary = DefaultComposeBinary
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compose{
		runner: runner,
		config: config,
		output: output,
		logger: logger.With("component", "compose"),
	}
}

// Command builds the invocation for a subcommand, with every stack file
// and the env file passed explicitly.
func (c *Compose) Command(sub ...string) system.Command {
	parts := strings.Fields(c.config.Binary)
	args := append([]string{}, parts[1:]...)
	for _, f := range c.config.Files {
		args = append(args, "-f", filepath.Join(c.config.Dir, f))
	}
	if c.config.EnvFile != "" {
		args = append(args, "--env-file", filepath.Join(c.config.Dir, c.config.EnvFile))
	}
	args = append(args, sub...)
	return system.Command{Name: parts[0], Args: args, Dir: c.config.Dir}
}

func (c *Compose) run(ctx context.Context, op string, sub ...string) error {
	cmd := c.Command(sub...)
	cmd.Stream = c.output
	c.logger.Info("running orchestration command", "op", op, "cmd", cmd.String())
	if _, err := c.runner.Run(ctx, cmd); err != nil {
		return NewDockerError(op, "stack", c.config.Dir, err.Error(), errors.Join(ErrComposeFailed, err))
	}
	return nil
}

// Pull fetches every image the stack references.
func (c *Compose) Pull(ctx context.Context) error {
	return c.run(ctx, "pull", "pull")
}

// Down stops and removes the stack's containers.
func (c *Compose) Down(ctx context.Context) error {
	return c.run(ctx, "down", "down")
}

// Up starts the stack detached.
func (c *Compose) Up(ctx context.Context) error {
	return c.run(ctx, "up", "up", "-d")
}

// Logs writes the last tail lines of every service's logs to w.
func (c *Compose) Logs(ctx context.Context, tail int, w io.Writer) error {
	cmd := c.Command("logs", "--no-color", "--tail", strconv.Itoa(tail))
	res, err := c.runner.Run(ctx, cmd)
	if len(res.Stdout) > 0 {
		_, _ = w.Write(res.Stdout)
	}
	if len(res.Stderr) > 0 {
		_, _ = w.Write(res.Stderr)
	}
	if err != nil {
		return NewDockerError("logs", "stack", c.config.Dir, err.Error(), errors.Join(ErrComposeFailed, err))
	}
	return nil
}
