// Package runner executes one deployment of the application stack:
// preflight, pull, stop, start, prune, grace period, health probe and, on
// failure, a log dump for the operator.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/compose-spec/compose-go/v2/dotenv"
	"github.com/google/uuid"

	"github.com/artpar/hostctl/internal/core/compose"
	"github.com/artpar/hostctl/internal/core/deploy"
	"github.com/artpar/hostctl/internal/core/monitoring"
	"github.com/artpar/hostctl/internal/shell/docker"
)

// =============================================================================
// Collaborators
// =============================================================================

// Orchestrator runs stack lifecycle commands.
type Orchestrator interface {
	Pull(ctx context.Context) error
	Down(ctx context.Context) error
	Up(ctx context.Context) error
	Logs(ctx context.Context, tail int, w io.Writer) error
}

// Runtime inspects the container runtime directly.
type Runtime interface {
	StackContainers(ctx context.Context, project string) ([]deploy.Container, error)
	PruneDanglingImages(ctx context.Context) (docker.PruneResult, error)
	ContainerLogs(ctx context.Context, containerID string, tail int, w io.Writer) error
}

// Prober checks application health.
type Prober interface {
	Probe(ctx context.Context) (deploy.HealthResult, error)
}

// Recorder persists attempts.
type Recorder interface {
	RecordAttempt(ctx context.Context, attempt *deploy.Attempt) error
}

// =============================================================================
// Config
// =============================================================================

// Config describes the stack to deploy.
type Config struct {
	Dir         string
	BaseFile    string
	OverlayFile string
	EnvFile     string
	GracePeriod time.Duration
	LogTail     int
}

// DefaultConfig returns the deployment settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		BaseFile:    "docker-compose.yml",
		OverlayFile: "docker-compose.prod.yml",
		EnvFile:     ".env",
		GracePeriod: 5 * time.Second,
		LogTail:     50,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BaseFile == "" {
		c.BaseFile = def.BaseFile
	}
	if c.OverlayFile == "" {
		c.OverlayFile = def.OverlayFile
	}
	if c.EnvFile == "" {
		c.EnvFile = def.EnvFile
	}
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	}
	if c.LogTail <= 0 {
		c.LogTail = def.LogTail
	}
	return c
}

// RequiredFiles lists the artifacts preflight insists on, in check order.
func (c Config) RequiredFiles() []string {
	c = c.withDefaults()
	return []string{c.BaseFile, c.OverlayFile, c.EnvFile}
}

// StackFiles lists the stack definitions in merge order.
func (c Config) StackFiles() []string {
	c = c.withDefaults()
	return []string{c.BaseFile, c.OverlayFile}
}

// =============================================================================
// Runner
// =============================================================================

// Runner is the Deployment Runner.
type Runner struct {
	config       Config
	orchestrator Orchestrator
	runtime      Runtime // optional
	prober       Prober
	recorder     Recorder // optional
	out          io.Writer
	logger       *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

// Option customizes a Runner.
type Option func(*Runner)

// WithRuntime enables direct runtime access for pruning and log dumps.
func WithRuntime(rt Runtime) Option {
	return func(r *Runner) { r.runtime = rt }
}

// WithRecorder journals every attempt.
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// WithClock replaces time.Now and the grace-period sleep.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) {
		r.now = now
		r.sleep = sleep
	}
}

// New creates a Runner. out receives the failure report.
func New(config Config, orchestrator Orchestrator, prober Prober, out io.Writer, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if out == nil {
		out = io.Discard
	}
	r := &Runner{
		config:       config.withDefaults(),
		orchestrator: orchestrator,
		prober:       prober,
		out:          out,
		logger:       logger.With("component", "runner"),
		now:          time.Now,
		sleep:        sleepContext,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run performs one deployment. The returned attempt is never nil; it is in a
// terminal state unless ctx was cancelled mid-run.
func (r *Runner) Run(ctx context.Context) (*deploy.Attempt, error) {
	attempt := deploy.NewAttempt(r.newID(), r.config.Dir, r.now())
	log := r.logger.With("attempt_id", attempt.ID, "dir", r.config.Dir)
	log.Info("deployment started")

	stack, err := r.preflight()
	if err != nil {
		return r.fail(ctx, log, attempt, deploy.StateFailedPreflight, "preflight", err)
	}
	attempt.Project = stack.Name
	attempt.Images = stack.Images()
	if err := r.advance(log, attempt, deploy.StatePreflightChecked); err != nil {
		return attempt, err
	}
	log.Info("preflight passed", "project", stack.Name, "services", stack.ServiceNames())

	if r.runtime != nil {
		prior, err := r.runtime.StackContainers(ctx, stack.Name)
		if err != nil {
			log.Warn("could not list current containers", "error", err)
		}
		attempt.PriorContainers = prior
	}

	steps := []struct {
		name string
		run  func(context.Context) error
		next deploy.State
	}{
		{"pull", r.orchestrator.Pull, deploy.StateImagesPulled},
		{"stop", r.orchestrator.Down, deploy.StateOldStackStopped},
		{"start", r.orchestrator.Up, deploy.StateNewStackStarted},
	}
	for _, step := range steps {
		log.Info("deployment step", "step", step.name)
		if err := step.run(ctx); err != nil {
			if ctx.Err() != nil {
				return r.interrupted(ctx, log, attempt)
			}
			return r.fail(ctx, log, attempt, deploy.StateFailedCommand, step.name, err)
		}
		if err := r.advance(log, attempt, step.next); err != nil {
			return attempt, err
		}
	}

	r.prune(ctx, log)

	if r.config.GracePeriod > 0 {
		log.Info("waiting for services to settle", "grace_period", r.config.GracePeriod)
		if err := r.sleep(ctx, r.config.GracePeriod); err != nil {
			return r.interrupted(ctx, log, attempt)
		}
	}

	result, probeErr := r.prober.Probe(ctx)
	attempt.Health = &result
	if err := r.advance(log, attempt, deploy.StateProbed); err != nil {
		return attempt, err
	}
	if probeErr != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return r.interrupted(ctx, log, attempt)
		}
		r.dumpFailure(ctx, log, attempt, probeErr)
		return r.fail(ctx, log, attempt, deploy.StateFailedUnhealthy, "health", probeErr)
	}

	if err := r.advance(log, attempt, deploy.StateSucceeded); err != nil {
		return attempt, err
	}
	attempt.Finish(r.now())
	r.record(ctx, log, attempt)
	log.Info("deployment succeeded", "duration", attempt.Duration(), "images", len(attempt.Images))
	return attempt, nil
}

// preflight checks the required files and loads the merged stack.
func (r *Runner) preflight() (*compose.Stack, error) {
	missing := deploy.MissingArtifacts(r.config.RequiredFiles(), func(name string) bool {
		info, err := os.Stat(filepath.Join(r.config.Dir, name))
		return err == nil && !info.IsDir()
	})
	if len(missing) > 0 {
		return nil, &deploy.MissingArtifactError{Dir: r.config.Dir, Missing: missing}
	}

	env, err := readEnvFile(filepath.Join(r.config.Dir, r.config.EnvFile))
	if err != nil {
		return nil, &deploy.InvalidStackError{Err: err}
	}

	in := compose.Input{WorkingDir: r.config.Dir, Environment: stackEnvironment(env, os.Environ())}
	for _, name := range r.config.StackFiles() {
		content, err := os.ReadFile(filepath.Join(r.config.Dir, name))
		if err != nil {
			return nil, &deploy.InvalidStackError{Err: err}
		}
		in.Files = append(in.Files, compose.File{Name: name, Content: content})
	}

	stack, err := compose.LoadStack(in)
	if err != nil {
		return nil, &deploy.InvalidStackError{Err: err}
	}
	return stack, nil
}

func readEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	env, err := dotenv.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return env, nil
}

// stackEnvironment layers the process environment over the env file, the
// same precedence the orchestration tool applies when interpolating.
func stackEnvironment(envFile map[string]string, environ []string) map[string]string {
	merged := make(map[string]string, len(envFile)+len(environ))
	for k, v := range envFile {
		merged[k] = v
	}
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			merged[k] = v
		}
	}
	return merged
}

func (r *Runner) advance(log *slog.Logger, attempt *deploy.Attempt, to deploy.State) error {
	if err := attempt.Transition(to); err != nil {
		log.Error("illegal state transition", "from", attempt.State, "to", to, "error", err)
		return err
	}
	log.Debug("state changed", "state", to)
	return nil
}

func (r *Runner) fail(ctx context.Context, log *slog.Logger, attempt *deploy.Attempt, to deploy.State, step string, cause error) (*deploy.Attempt, error) {
	if err := attempt.Fail(to, step, cause, r.now()); err != nil {
		log.Error("illegal state transition", "from", attempt.State, "to", to, "error", err)
		return attempt, errors.Join(cause, err)
	}
	log.Error("deployment failed", "state", to, "step", step, "error", cause)
	r.record(ctx, log, attempt)
	return attempt, cause
}

// interrupted records a cancelled run. The stack is left as it is.
func (r *Runner) interrupted(ctx context.Context, log *slog.Logger, attempt *deploy.Attempt) (*deploy.Attempt, error) {
	log.Warn("deployment interrupted", "state", attempt.State)
	attempt.Error = ctx.Err().Error()
	r.record(context.WithoutCancel(ctx), log, attempt)
	return attempt, ctx.Err()
}

func (r *Runner) prune(ctx context.Context, log *slog.Logger) {
	if r.runtime == nil {
		log.Debug("no runtime client, skipping image prune")
		return
	}
	res, err := r.runtime.PruneDanglingImages(ctx)
	if err != nil {
		log.Warn("image prune failed", "error", err)
		return
	}
	log.Info("pruned unused images", "images_deleted", res.ImagesDeleted, "space_reclaimed", res.SpaceReclaimed)
}

func (r *Runner) record(ctx context.Context, log *slog.Logger, attempt *deploy.Attempt) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordAttempt(ctx, attempt); err != nil {
		log.Warn("could not record attempt in journal", "error", err)
	}
}

// dumpFailure writes the stack status and recent logs of every stack
// container to the operator.
func (r *Runner) dumpFailure(ctx context.Context, log *slog.Logger, attempt *deploy.Attempt, cause error) {
	fmt.Fprintf(r.out, "==> deployment %s failed: %v\n", attempt.ID, cause)

	if r.runtime != nil {
		containers, err := r.runtime.StackContainers(ctx, attempt.Project)
		if err == nil && len(containers) > 0 {
			fmt.Fprint(r.out, monitoring.Summarize(containers).String())
			for _, c := range containers {
				fmt.Fprintf(r.out, "==> %s: last %d log lines\n", c.Name, r.config.LogTail)
				if err := r.runtime.ContainerLogs(ctx, c.ID, r.config.LogTail, r.out); err != nil {
					fmt.Fprintf(r.out, "(logs unavailable: %v)\n", err)
				}
			}
			return
		}
		if err != nil {
			log.Warn("could not list stack containers, falling back to orchestrator logs", "error", err)
		}
	}

	fmt.Fprintf(r.out, "==> stack logs: last %d lines per service\n", r.config.LogTail)
	if err := r.orchestrator.Logs(ctx, r.config.LogTail, r.out); err != nil {
		log.Warn("could not collect stack logs", "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
