package provisioner

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/hostctl/internal/core/hostprofile"
	"github.com/artpar/hostctl/internal/core/provision"
	"github.com/artpar/hostctl/internal/shell/system"
)

// =============================================================================
// Test Fixtures
// =============================================================================

const ubuntuRelease = `NAME="Ubuntu"
VERSION="22.04.4 LTS (Jammy Jellyfish)"
ID=ubuntu
ID_LIKE=debian
PRETTY_NAME="Ubuntu 22.04.4 LTS"
VERSION_ID="22.04"
`

const amazonRelease = `NAME="Amazon Linux"
VERSION="2023"
ID="amzn"
ID_LIKE="fedora"
PRETTY_NAME="Amazon Linux 2023"
`

const archRelease = `NAME="Arch Linux"
ID=arch
PRETTY_NAME="Arch Linux"
`

// fakeRunner records commands. The vendor script and the native runtime
// package "install" docker into the staging root so later checks see it.
type fakeRunner struct {
	mu     sync.Mutex
	root   string
	calls  []string
	failOn string
}

func (f *fakeRunner) Run(_ context.Context, cmd system.Command) (system.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	line := cmd.String()
	if cmd.Stdin != nil {
		script, _ := io.ReadAll(cmd.Stdin)
		line += " <" + strings.TrimSpace(string(script))
	}
	f.calls = append(f.calls, line)

	if f.failOn != "" && strings.Contains(line, f.failOn) {
		return system.Result{ExitCode: 1}, system.NewCommandError(cmd.Name, cmd.Args, 1, []byte("boom"), system.ErrCommandFailed)
	}
	if cmd.Name == "sh" || strings.Contains(line, "install -y docker") {
		bin := filepath.Join(f.root, "usr/bin/docker")
		_ = os.MkdirAll(filepath.Dir(bin), 0o755)
		_ = os.WriteFile(bin, []byte("docker"), 0o755)
	}
	return system.Result{}, nil
}

func (f *fakeRunner) count(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

type fakeFetcher struct {
	urls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.urls = append(f.urls, url)
	if strings.HasSuffix(url, "get.docker.com") {
		return []byte("echo install-docker"), nil
	}
	return []byte("compose-binary"), nil
}

// stagingHost is a LocalHost whose own executable is a fixed blob and whose
// accounts belong to no groups.
type stagingHost struct {
	*system.LocalHost
}

func (stagingHost) SelfBinary() ([]byte, error) {
	return []byte("hostctl-binary"), nil
}

func (stagingHost) InGroup(string, string) (bool, error) {
	return false, nil
}

type fixture struct {
	root    string
	runner  *fakeRunner
	fetcher *fakeFetcher
	prov    *Provisioner
}

func newFixture(t *testing.T, osRelease string) *fixture {
	t.Helper()
	root := t.TempDir()
	host := stagingHost{system.NewLocalHost(root)}
	require.NoError(t, host.WriteFile("/etc/os-release", []byte(osRelease), 0o644))

	runner := &fakeRunner{root: root}
	fetcher := &fakeFetcher{}
	prov := New(runner, host, fetcher, Config{
		Plan: provision.Options{Arch: "amd64"},
	}, nil)
	return &fixture{root: root, runner: runner, fetcher: fetcher, prov: prov}
}

func (f *fixture) read(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.root, path))
	require.NoError(t, err)
	return data
}

var artifacts = []string{
	"/etc/systemd/system/app-stack.service",
	"/etc/logrotate.d/docker-containers",
	"/home/ubuntu/app/deploy.sh",
	"/home/ubuntu/app/bin/hostctl",
	"/usr/local/bin/docker-compose",
}

// =============================================================================
// Provisioner Tests
// =============================================================================

func TestRun_FreshUbuntuHost(t *testing.T) {
	f := newFixture(t, ubuntuRelease)

	res, err := f.prov.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, hostprofile.FamilyDebian, res.Profile.Family)
	assert.Equal(t, "/home/ubuntu/app", res.AppDir)
	assert.Contains(t, res.Report.Applied, "container-runtime")
	assert.Contains(t, res.Report.Applied, "orchestration-tool")
	assert.Empty(t, res.Report.BestEffortFailures)

	assert.Equal(t, 1, f.runner.count("apt-get update -y"))
	assert.Equal(t, 1, f.runner.count("sh <echo install-docker"))
	assert.Equal(t, 1, f.runner.count("systemctl enable --now docker"))
	assert.Equal(t, 1, f.runner.count("systemctl daemon-reload"))
	assert.Equal(t, 1, f.runner.count("systemctl enable app-stack.service"))
	assert.Equal(t, 0, f.runner.count("systemctl start"))
	assert.Equal(t, []string{
		"https://get.docker.com",
		"https://github.com/docker/compose/releases/latest/download/docker-compose-linux-x86_64",
	}, f.fetcher.urls)

	unit := string(f.read(t, "/etc/systemd/system/app-stack.service"))
	assert.Contains(t, unit, "User=ubuntu")
	assert.Contains(t, unit, "WorkingDirectory=/home/ubuntu/app")

	info, err := os.Stat(filepath.Join(f.root, "usr/local/bin/docker-compose"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	script := string(f.read(t, "/home/ubuntu/app/deploy.sh"))
	assert.Contains(t, script, `exec "/home/ubuntu/app/bin/hostctl" deploy --dir "/home/ubuntu/app"`)
	assert.Equal(t, "hostctl-binary", string(f.read(t, "/home/ubuntu/app/bin/hostctl")))
}

func TestRun_TwiceIsIdempotent(t *testing.T) {
	f := newFixture(t, ubuntuRelease)

	_, err := f.prov.Run(context.Background())
	require.NoError(t, err)
	first := map[string][]byte{}
	for _, p := range artifacts {
		first[p] = f.read(t, p)
	}

	res, err := f.prov.Run(context.Background())
	require.NoError(t, err)

	for _, p := range artifacts {
		assert.Equal(t, first[p], f.read(t, p), "artifact %s changed between runs", p)
	}
	assert.Contains(t, res.Report.Skipped, "container-runtime")
	assert.Contains(t, res.Report.Skipped, "orchestration-tool")
	assert.Contains(t, res.Report.Skipped, "app-directory")
	assert.Equal(t, 1, f.runner.count("sh <echo install-docker"), "runtime installed once")
	assert.Len(t, f.fetcher.urls, 2, "nothing downloaded on the second run")
}

func TestRun_ComposeElsewhereOnPathStillInstalled(t *testing.T) {
	f := newFixture(t, ubuntuRelease)
	distro := filepath.Join(f.root, "usr/bin/docker-compose")
	require.NoError(t, os.MkdirAll(filepath.Dir(distro), 0o755))
	require.NoError(t, os.WriteFile(distro, []byte("distro-compose"), 0o755))

	res, err := f.prov.Run(context.Background())
	require.NoError(t, err)

	assert.Contains(t, res.Report.Applied, "orchestration-tool")
	assert.NotContains(t, res.Report.Skipped, "orchestration-tool")
	assert.Equal(t, "compose-binary", string(f.read(t, "/usr/local/bin/docker-compose")))
	assert.Equal(t, "distro-compose", string(f.read(t, "/usr/bin/docker-compose")), "existing copy left alone")

	unit := string(f.read(t, "/etc/systemd/system/app-stack.service"))
	assert.Contains(t, unit, "ExecStart=/usr/local/bin/docker-compose ")
}

func TestRun_AmazonUsesNativePackage(t *testing.T) {
	f := newFixture(t, amazonRelease)

	res, err := f.prov.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, hostprofile.FamilyAmazon, res.Profile.Family)
	assert.Equal(t, 1, f.runner.count("yum install -y docker"))
	assert.Equal(t, 0, f.runner.count("sh <"))
	assert.Contains(t, string(f.read(t, "/etc/systemd/system/app-stack.service")), "User=ec2-user")
}

func TestRun_UnsupportedHostMutatesNothing(t *testing.T) {
	f := newFixture(t, archRelease)

	_, err := f.prov.Run(context.Background())
	require.Error(t, err)

	var unsupported *hostprofile.UnsupportedHostError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "arch", unsupported.ID)
	assert.Empty(t, f.runner.calls)
	assert.Empty(t, f.fetcher.urls)

	entries, err := os.ReadDir(f.root)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only etc/ from the fixture exists")
}

func TestRun_MissingOSRelease(t *testing.T) {
	root := t.TempDir()
	runner := &fakeRunner{root: root}
	prov := New(runner, stagingHost{system.NewLocalHost(root)}, &fakeFetcher{}, Config{}, nil)

	_, err := prov.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/etc/os-release")
	assert.Empty(t, runner.calls)
}

func TestRun_BestEffortFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, ubuntuRelease)
	f.runner.failOn = "htop"

	res, err := f.prov.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Report.BestEffortFailures, 1)
	assert.Equal(t, "aux-tools", res.Report.BestEffortFailures[0].Step)
	assert.Contains(t, res.Report.Applied, "log-rotation")
	assert.Contains(t, res.Report.Applied, "deploy-script")
}

func TestRun_FatalFailureHaltsPlan(t *testing.T) {
	f := newFixture(t, ubuntuRelease)
	f.runner.failOn = "daemon-reload"

	res, err := f.prov.Run(context.Background())
	require.Error(t, err)

	var stepErr *provision.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "service-unit", stepErr.Step)
	assert.ErrorIs(t, err, system.ErrCommandFailed)

	assert.NotContains(t, res.Report.Applied, "log-rotation")
	_, statErr := os.Stat(filepath.Join(f.root, "etc/logrotate.d/docker-containers"))
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, 0, f.runner.count("systemctl enable app-stack.service"))
}

func TestRun_ServiceUserOverride(t *testing.T) {
	root := t.TempDir()
	host := stagingHost{system.NewLocalHost(root)}
	require.NoError(t, host.WriteFile("/etc/os-release", []byte(ubuntuRelease), 0o644))

	prov := New(&fakeRunner{root: root}, host, &fakeFetcher{}, Config{
		ServiceUser: "deploy",
		Plan:        provision.Options{Arch: "amd64", AppDirName: "shop"},
	}, nil)

	res, err := prov.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/home/deploy/shop", res.AppDir)

	unit, err := os.ReadFile(filepath.Join(root, "etc/systemd/system/app-stack.service"))
	require.NoError(t, err)
	assert.Contains(t, string(unit), "User=deploy")
}

func TestRun_GroupFollowUps(t *testing.T) {
	f := newFixture(t, ubuntuRelease)
	f.prov.config.Plan.InvokingUser = "alice"

	res, err := f.prov.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, f.runner.count("usermod -aG docker alice"))
	assert.Equal(t, 1, f.runner.count("usermod -aG docker ubuntu"))
	assert.Len(t, res.Report.FollowUps, 2)
}

// =============================================================================
// Reconciler Tests
// =============================================================================

func TestReconcile_CancelledContext(t *testing.T) {
	root := t.TempDir()
	runner := &fakeRunner{root: root}
	r := NewReconciler(runner, stagingHost{system.NewLocalHost(root)}, &fakeFetcher{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Reconcile(ctx, []provision.Step{
		{Name: "one", Actions: []provision.Action{provision.RunCommand{Argv: []string{"true"}}}},
	})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, runner.calls)
}

func TestReconcile_EmptyCommand(t *testing.T) {
	root := t.TempDir()
	r := NewReconciler(&fakeRunner{root: root}, stagingHost{system.NewLocalHost(root)}, &fakeFetcher{}, nil)

	_, err := r.Reconcile(context.Background(), []provision.Step{
		{Name: "bad", Actions: []provision.Action{provision.RunCommand{}}},
	})
	var stepErr *provision.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "bad", stepErr.Step)
}

func TestReconcile_DirPresentSkips(t *testing.T) {
	root := t.TempDir()
	host := stagingHost{system.NewLocalHost(root)}
	require.NoError(t, host.MkdirAll("/srv/app", 0o755))
	runner := &fakeRunner{root: root}

	report, err := NewReconciler(runner, host, &fakeFetcher{}, nil).Reconcile(context.Background(), []provision.Step{
		{
			Name:    "dir",
			Check:   provision.DirPresent{Path: "/srv/app"},
			Actions: []provision.Action{provision.RunCommand{Argv: []string{"mkdir", "/srv/app"}}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"dir"}, report.Skipped)
	assert.Empty(t, runner.calls)
}
