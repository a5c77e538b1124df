package provisioner

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/artpar/hostctl/internal/core/hostprofile"
	"github.com/artpar/hostctl/internal/core/provision"
	"github.com/artpar/hostctl/internal/shell/system"
)

// DefaultOSReleasePath is where the host's distribution is described.
const DefaultOSReleasePath = "/etc/os-release"

// Config configures a provisioning run.
type Config struct {
	OSReleasePath string
	ServiceUser   string // overrides the family default
	HomeDir       string // overrides the family default
	Plan          provision.Options
}

// Result is the outcome of a provisioning run.
type Result struct {
	Profile hostprofile.Profile
	Release hostprofile.Release
	AppDir  string
	Report  *Report
}

// Provisioner detects the host and reconciles it.
type Provisioner struct {
	host       system.Host
	reconciler *Reconciler
	config     Config
	logger     *slog.Logger
}

// New creates a Provisioner.
func New(runner system.Runner, host system.Host, fetcher Fetcher, config Config, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	if config.OSReleasePath == "" {
		config.OSReleasePath = DefaultOSReleasePath
	}
	if config.Plan.Arch == "" {
		config.Plan.Arch = runtime.GOARCH
	}
	return &Provisioner{
		host:       host,
		reconciler: NewReconciler(runner, host, fetcher, logger),
		config:     config,
		logger:     logger.With("component", "provisioner"),
	}
}

// Detect resolves the host profile without touching the host.
func (p *Provisioner) Detect() (hostprofile.Profile, hostprofile.Release, error) {
	content, err := p.host.ReadFile(p.config.OSReleasePath)
	if err != nil {
		return hostprofile.Profile{}, hostprofile.Release{}, fmt.Errorf("read %s: %w", p.config.OSReleasePath, err)
	}
	profile, release, err := hostprofile.Detect(string(content))
	if err != nil {
		return hostprofile.Profile{}, release, err
	}
	return profile.WithOverrides(p.config.ServiceUser, p.config.HomeDir), release, nil
}

// Plan detects the host and returns the steps a run would evaluate.
func (p *Provisioner) Plan() (hostprofile.Profile, []provision.Step, error) {
	profile, _, err := p.Detect()
	if err != nil {
		return profile, nil, err
	}
	steps, err := provision.Plan(profile, p.config.Plan)
	return profile, steps, err
}

// Run provisions the host. Detection happens before any mutation; an
// unsupported host returns a *hostprofile.UnsupportedHostError and the host is
// left untouched.
func (p *Provisioner) Run(ctx context.Context) (*Result, error) {
	profile, release, err := p.Detect()
	if err != nil {
		return nil, err
	}
	p.logger.Info("host detected",
		"family", profile.Family.String(),
		"distribution", release.PrettyName,
		"service_user", profile.ServiceUser,
		"home", profile.HomeDir,
	)

	steps, err := provision.Plan(profile, p.config.Plan)
	if err != nil {
		return nil, err
	}

	report, err := p.reconciler.Reconcile(ctx, steps)
	result := &Result{
		Profile: profile,
		Release: release,
		AppDir:  provision.AppDir(profile, p.config.Plan),
		Report:  report,
	}
	if err != nil {
		return result, err
	}

	p.logger.Info("provisioning complete",
		"applied", len(report.Applied),
		"skipped", len(report.Skipped),
		"best_effort_failures", len(report.BestEffortFailures),
	)
	return result, nil
}
