// Package provisioner converges a host onto the state described by a
// provisioning plan.
package provisioner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/artpar/hostctl/internal/core/provision"
	"github.com/artpar/hostctl/internal/shell/system"
)

// Fetcher downloads a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Report summarizes one reconciliation.
type Report struct {
	Applied            []string
	Skipped            []string
	BestEffortFailures []*provision.BestEffortError
	FollowUps          []string
}

// Reconciler walks a plan, applying every step whose check does not hold.
type Reconciler struct {
	runner  system.Runner
	host    system.Host
	fetcher Fetcher
	logger  *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(runner system.Runner, host system.Host, fetcher Fetcher, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		runner:  runner,
		host:    host,
		fetcher: fetcher,
		logger:  logger.With("component", "reconciler"),
	}
}

// Reconcile applies steps in order. The first fatal failure stops the run and
// is returned as a *provision.StepError alongside the partial report.
func (r *Reconciler) Reconcile(ctx context.Context, steps []provision.Step) (*Report, error) {
	report := &Report{}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if r.satisfied(step) {
			r.logger.Info("step already satisfied", "step", step.Name)
			report.Skipped = append(report.Skipped, step.Name)
			continue
		}

		r.logger.Info("applying step", "step", step.Name, "policy", step.Policy.String())
		if err := r.apply(ctx, step); err != nil {
			if step.Policy == provision.PolicyBestEffort && ctx.Err() == nil {
				bee := &provision.BestEffortError{Step: step.Name, Err: err}
				r.logger.Warn("best-effort step failed", "step", step.Name, "error", err)
				report.BestEffortFailures = append(report.BestEffortFailures, bee)
				continue
			}
			r.logger.Error("step failed", "step", step.Name, "error", err)
			return report, &provision.StepError{Step: step.Name, Err: err}
		}

		report.Applied = append(report.Applied, step.Name)
		if step.FollowUp != "" {
			report.FollowUps = append(report.FollowUps, step.FollowUp)
		}
	}
	return report, nil
}

// satisfied evaluates a step's guard. A guard that cannot be evaluated
// counts as not satisfied and the step runs.
func (r *Reconciler) satisfied(step provision.Step) bool {
	switch c := step.Check.(type) {
	case nil:
		return false
	case provision.BinaryPresent:
		_, err := r.host.LookPath(c.Name)
		return err == nil
	case provision.FilePresent:
		info, err := r.host.Stat(c.Path)
		return err == nil && info.Mode().IsRegular()
	case provision.DirPresent:
		info, err := r.host.Stat(c.Path)
		return err == nil && info.IsDir()
	case provision.GroupMember:
		ok, err := r.host.InGroup(c.User, c.Group)
		if err != nil {
			r.logger.Debug("group membership check failed", "step", step.Name, "error", err)
			return false
		}
		return ok
	default:
		r.logger.Warn("unknown check type", "step", step.Name, "check", fmt.Sprintf("%T", c))
		return false
	}
}

func (r *Reconciler) apply(ctx context.Context, step provision.Step) error {
	for _, action := range step.Actions {
		if err := r.applyAction(ctx, action); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) applyAction(ctx context.Context, action provision.Action) error {
	switch a := action.(type) {
	case provision.RunCommand:
		if len(a.Argv) == 0 {
			return errors.New("empty command")
		}
		_, err := r.runner.Run(ctx, system.Command{
			Name: a.Argv[0],
			Args: a.Argv[1:],
			Env:  []string{"DEBIAN_FRONTEND=noninteractive"},
		})
		return err

	case provision.RunScript:
		script, err := r.fetcher.Fetch(ctx, a.URL)
		if err != nil {
			return err
		}
		_, err = r.runner.Run(ctx, system.Command{
			Name:  "sh",
			Stdin: bytes.NewReader(script),
			Env:   []string{"DEBIAN_FRONTEND=noninteractive"},
		})
		return err

	case provision.DownloadFile:
		data, err := r.fetcher.Fetch(ctx, a.URL)
		if err != nil {
			return err
		}
		return r.host.WriteFile(a.Dest, data, a.Mode)

	case provision.WriteFile:
		if err := r.host.WriteFile(a.Path, a.Data, a.Mode); err != nil {
			return fmt.Errorf("write %s: %w", a.Path, err)
		}
		return r.host.Chown(a.Path, a.Owner)

	case provision.MakeDir:
		if err := r.host.MkdirAll(a.Path, a.Mode); err != nil {
			return fmt.Errorf("create %s: %w", a.Path, err)
		}
		return r.host.Chown(a.Path, a.Owner)

	case provision.InstallSelf:
		data, err := r.host.SelfBinary()
		if err != nil {
			return fmt.Errorf("read own executable: %w", err)
		}
		if err := r.host.WriteFile(a.Dest, data, a.Mode); err != nil {
			return fmt.Errorf("write %s: %w", a.Dest, err)
		}
		return r.host.Chown(a.Dest, a.Owner)

	default:
		return fmt.Errorf("unknown action type %T", a)
	}
}
