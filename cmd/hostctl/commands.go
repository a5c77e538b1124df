package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/artpar/hostctl/internal/core/provision"
	"github.com/artpar/hostctl/internal/shell/docker"
	"github.com/artpar/hostctl/internal/shell/fetch"
	"github.com/artpar/hostctl/internal/shell/health"
	"github.com/artpar/hostctl/internal/shell/provider"
	"github.com/artpar/hostctl/internal/shell/provisioner"
	"github.com/artpar/hostctl/internal/shell/remote"
	"github.com/artpar/hostctl/internal/shell/runner"
	"github.com/artpar/hostctl/internal/shell/store"
	"github.com/artpar/hostctl/internal/shell/system"
	"github.com/artpar/hostctl/internal/shell/webhook"
)

// =============================================================================
// provision
// =============================================================================

type provisionCommand struct {
	app    *app
	DryRun bool `long:"dry-run" description:"print the plan without changing the host"`
}

func (c *provisionCommand) Execute([]string) error {
	a := c.app
	cfg := a.cfg.Provision

	if cfg.Root == "/" && !c.DryRun && os.Geteuid() != 0 {
		return errors.New("provisioning modifies system files and must run as root (try sudo)")
	}

	p := provisioner.New(
		system.NewExecRunner(a.logger),
		system.NewLocalHost(cfg.Root),
		fetch.New(fetch.DefaultConfig(), a.logger),
		provisioner.Config{
			OSReleasePath: cfg.OSReleasePath,
			ServiceUser:   cfg.ServiceUser,
			HomeDir:       cfg.HomeDir,
			Plan: provision.Options{
				AppDirName:     cfg.AppDirName,
				UnitName:       cfg.UnitName,
				ComposeVersion: cfg.ComposeVersion,
				ComposePath:    cfg.ComposePath,
				AuxTools:       cfg.AuxTools,
				InvokingUser:   invokingUser(),
				StackFiles:     []string{a.cfg.Deploy.BaseFile, a.cfg.Deploy.OverlayFile},
			},
		},
		a.logger,
	)

	if c.DryRun {
		profile, steps, err := p.Plan()
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "family %s, service user %s, home %s\n", profile.Family, profile.ServiceUser, profile.HomeDir)
		for i, step := range steps {
			fmt.Fprintf(a.stdout, "%2d. %s (%s)\n", i+1, step.Name, step.Policy)
		}
		return nil
	}

	result, err := p.Run(a.ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.stdout, "host provisioned (%s): %d step(s) applied, %d already in place\n",
		result.Release.PrettyName, len(result.Report.Applied), len(result.Report.Skipped))
	fmt.Fprintf(a.stdout, "application directory: %s\n", result.AppDir)
	for _, failure := range result.Report.BestEffortFailures {
		fmt.Fprintf(a.stdout, "warning: %v\n", failure)
	}
	for _, note := range result.Report.FollowUps {
		fmt.Fprintf(a.stdout, "note: %s\n", note)
	}
	return nil
}

// invokingUser returns the login that ran the command, looking through sudo.
func invokingUser() string {
	if u := os.Getenv("SUDO_USER"); u != "" && u != "root" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

// =============================================================================
// deploy
// =============================================================================

type deployCommand struct {
	app *app
	Dir string `short:"d" long:"dir" value-name:"DIR" description:"application directory (default: deploy.dir)"`
}

func (c *deployCommand) Execute([]string) error {
	a := c.app
	r, _, cleanup, err := a.newRunner(c.Dir)
	if err != nil {
		return err
	}
	defer cleanup()

	attempt, err := r.Run(a.ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "deployment %s succeeded in %s (%d image(s))\n",
		attempt.ID, attempt.Duration().Round(time.Millisecond), len(attempt.Images))
	return nil
}

// newRunner wires a Deployment Runner for dir. The journal is nil when
// journaling is unavailable. The returned cleanup closes the journal and the
// runtime client.
func (a *app) newRunner(dir string) (*runner.Runner, store.Journal, func(), error) {
	cfg := a.cfg.Deploy
	if dir == "" {
		dir = cfg.Dir
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, nil, nil, usageErrorf("invalid deployment directory %q: %v", dir, err)
	}
	dir = abs

	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				a.logger.Warn("cleanup failed", "error", err)
			}
		}
	}

	runCfg := runner.Config{
		Dir:         dir,
		BaseFile:    cfg.BaseFile,
		OverlayFile: cfg.OverlayFile,
		EnvFile:     cfg.EnvFile,
		GracePeriod: cfg.GracePeriod,
		LogTail:     cfg.LogTail,
	}
	compose := docker.NewCompose(system.NewExecRunner(a.logger), docker.ComposeConfig{
		Binary:  cfg.ComposeBinary,
		Dir:     dir,
		Files:   runCfg.StackFiles(),
		EnvFile: cfg.EnvFile,
	}, a.stderr, a.logger)

	prober := health.NewProber(health.Config{
		URL:            a.cfg.Health.URL,
		Timeout:        a.cfg.Health.Timeout,
		Interval:       a.cfg.Health.Interval,
		MaxInterval:    a.cfg.Health.MaxInterval,
		RequestTimeout: a.cfg.Health.RequestTimeout,
	}, a.logger)

	var opts []runner.Option
	if cli := a.dockerRuntime(cfg.DockerHost); cli != nil {
		closers = append(closers, cli.Close)
		opts = append(opts, runner.WithRuntime(cli))
	}

	journal := a.openJournal(dir)
	if journal != nil {
		closers = append(closers, journal.Close)
		opts = append(opts, runner.WithRecorder(journal))
	}

	return runner.New(runCfg, compose, prober, a.stderr, a.logger, opts...), journal, cleanup, nil
}

// dockerRuntime connects to the Docker API. It returns nil when the daemon
// cannot be reached, in which case the runner skips image pruning and reads
// logs through the orchestration tool instead.
func (a *app) dockerRuntime(host string) *docker.Client {
	cli, err := docker.NewClient(host)
	if err != nil {
		a.logger.Warn("docker client unavailable, image prune and per-container logs disabled", "error", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(ctx); err != nil {
		a.logger.Warn("docker daemon unreachable, image prune and per-container logs disabled", "error", err)
		cli.Close()
		return nil
	}
	return cli
}

// openJournal opens the deployment journal when enabled. It returns nil when
// the journal is disabled, the directory does not exist or the database
// cannot be opened; journaling never blocks a deployment.
func (a *app) openJournal(dir string) store.Journal {
	if !a.cfg.Journal.Enabled {
		return nil
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil
	}
	path := a.cfg.JournalPath(dir)
	journal, err := store.NewSQLiteStore(path)
	if err != nil {
		a.logger.Warn("deployment journal unavailable", "path", path, "error", err)
		return nil
	}
	return journal
}

// =============================================================================
// history
// =============================================================================

type historyCommand struct {
	app    *app
	Dir    string `short:"d" long:"dir" value-name:"DIR" description:"application directory (default: deploy.dir)"`
	ID     string `long:"id" value-name:"ID" description:"show one attempt in detail"`
	Limit  int    `short:"n" long:"limit" default:"20" description:"number of attempts to show"`
	Offset int    `long:"offset" default:"0" description:"number of attempts to skip"`
}

func (c *historyCommand) Execute([]string) error {
	a := c.app
	if !a.cfg.Journal.Enabled {
		return usageErrorf("the deployment journal is disabled (journal.enabled=false)")
	}
	dir := c.Dir
	if dir == "" {
		dir = a.cfg.Deploy.Dir
	}

	journal, err := store.NewSQLiteStore(a.cfg.JournalPath(dir))
	if err != nil {
		return err
	}
	defer journal.Close()

	if c.ID != "" {
		return c.showAttempt(journal)
	}

	attempts, err := journal.ListAttempts(a.ctx, store.ListOptions{Limit: c.Limit, Offset: c.Offset})
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		fmt.Fprintln(a.stdout, "no deployments recorded")
		return nil
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tSTATE\tSTEP\tERROR")
	for _, at := range attempts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			at.ID,
			at.StartedAt.Local().Format("2006-01-02 15:04:05"),
			at.Duration().Round(time.Millisecond),
			at.State,
			orDash(at.FailedStep),
			orDash(firstLine(at.Error)),
		)
	}
	return tw.Flush()
}

func (c *historyCommand) showAttempt(journal store.Journal) error {
	a := c.app
	at, err := journal.GetAttempt(a.ctx, c.ID)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\t%s\n", at.ID)
	fmt.Fprintf(tw, "PROJECT\t%s\n", orDash(at.Project))
	fmt.Fprintf(tw, "DIR\t%s\n", at.Dir)
	fmt.Fprintf(tw, "STARTED\t%s\n", at.StartedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(tw, "DURATION\t%s\n", at.Duration().Round(time.Millisecond))
	fmt.Fprintf(tw, "STATE\t%s\n", at.State)
	fmt.Fprintf(tw, "IMAGES\t%s\n", orDash(strings.Join(at.Images, ", ")))
	if at.Health != nil {
		fmt.Fprintf(tw, "HEALTH\t%s status=%d attempts=%d\n", at.Health.URL, at.Health.StatusCode, at.Health.Attempts)
	}
	if at.State.IsFailure() {
		fmt.Fprintf(tw, "FAILED STEP\t%s\n", orDash(at.FailedStep))
		fmt.Fprintf(tw, "ERROR\t%s\n", orDash(firstLine(at.Error)))
	}
	for _, prior := range at.PriorContainers {
		fmt.Fprintf(tw, "PRIOR\t%s %s (%s)\n", prior.Name, prior.Image, prior.State)
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// =============================================================================
// serve
// =============================================================================

type serveCommand struct {
	app    *app
	Dir    string `short:"d" long:"dir" value-name:"DIR" description:"application directory (default: deploy.dir)"`
	Listen string `short:"l" long:"listen" value-name:"ADDR" description:"listen address (default: webhook.listen)"`
}

func (c *serveCommand) Execute([]string) error {
	a := c.app
	if a.cfg.Webhook.Secret == "" {
		return usageErrorf("webhook.secret must be set before the webhook server can start")
	}

	r, journal, cleanup, err := a.newRunner(c.Dir)
	if err != nil {
		return err
	}
	defer cleanup()

	var history webhook.History
	if journal != nil {
		history = journal
	}

	handler, err := webhook.NewHandler(r, history, a.cfg.Webhook.Secret, a.logger)
	if err != nil {
		return &usageError{err: err}
	}

	listen := c.Listen
	if listen == "" {
		listen = a.cfg.Webhook.Listen
	}
	return webhook.Serve(a.ctx, webhook.ServerConfig{
		Listen:          listen,
		ShutdownTimeout: a.cfg.Webhook.ShutdownTimeout,
	}, handler.Routes(), a.logger)
}

// =============================================================================
// ship
// =============================================================================

type shipCommand struct {
	app      *app
	Host     string `long:"host" value-name:"HOST" description:"address of the VM"`
	Instance string `long:"instance" value-name:"NAME_OR_ID" description:"cloud instance to resolve via cloud.provider"`
	Dir      string `short:"d" long:"dir" default:"." value-name:"DIR" description:"local directory holding the stack files"`
}

func (c *shipCommand) Execute([]string) error {
	a := c.app
	if (c.Host == "") == (c.Instance == "") {
		return usageErrorf("exactly one of --host or --instance is required")
	}
	if a.cfg.Remote.KeyFile == "" {
		return usageErrorf("remote.key_file must be set to ship over SSH")
	}

	key, err := os.ReadFile(a.cfg.Remote.KeyFile)
	if err != nil {
		return usageErrorf("read SSH key: %v", err)
	}

	files := []string{a.cfg.Deploy.BaseFile, a.cfg.Deploy.OverlayFile, a.cfg.Deploy.EnvFile}
	artifacts := make([]remote.Artifact, 0, len(files))
	var missing []string
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(c.Dir, name))
		if err != nil {
			missing = append(missing, name)
			continue
		}
		artifacts = append(artifacts, remote.Artifact{Name: name, Content: content})
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required files in %s: %s", c.Dir, strings.Join(missing, ", "))
	}

	host := c.Host
	if c.Instance != "" {
		cloud := a.cfg.Cloud
		locator, err := provider.NewLocator(provider.Config{
			Provider:           cloud.Provider,
			Region:             cloud.Region,
			AWSAccessKeyID:     cloud.AWSAccessKeyID,
			AWSSecretAccessKey: cloud.AWSSecretAccessKey,
			DigitalOceanToken:  cloud.DigitalOceanToken,
			HetznerToken:       cloud.HetznerToken,
			Endpoint:           cloud.Endpoint,
		}, a.logger)
		if err != nil {
			return &usageError{err: err}
		}
		host, err = locator.Address(a.ctx, c.Instance)
		if err != nil {
			return err
		}
		a.logger.Info("resolved instance", "instance", c.Instance, "address", host)
	}

	shipper, err := remote.NewShipper(remote.Config{
		User:           a.cfg.Remote.User,
		Port:           a.cfg.Remote.Port,
		AppDir:         a.cfg.Remote.AppDir,
		KnownHostsFile: a.cfg.Remote.KnownHostsFile,
		ConnectTimeout: a.cfg.Remote.ConnectTimeout,
	}, key, a.logger)
	if err != nil {
		return &usageError{err: err}
	}
	return shipper.Ship(a.ctx, host, artifacts, a.stdout)
}
