package provision

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/hostctl/internal/core/hostprofile"
)

// =============================================================================
// Test Helpers
// =============================================================================

func mustProfile(t *testing.T, f hostprofile.Family) hostprofile.Profile {
	t.Helper()
	p, err := hostprofile.Resolve(f)
	require.NoError(t, err)
	return p
}

func stepNames(steps []Step) []string {
	names := make([]string, 0, len(steps))
	for _, s := range steps {
		names = append(names, s.Name)
	}
	return names
}

func findStep(t *testing.T, steps []Step, name string) Step {
	t.Helper()
	for _, s := range steps {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("step %q not in plan %v", name, stepNames(steps))
	return Step{}
}

// =============================================================================
// Plan Tests
// =============================================================================

func TestPlan_StepOrder(t *testing.T) {
	steps, err := Plan(mustProfile(t, hostprofile.FamilyDebian), Options{
		Arch:         "amd64",
		InvokingUser: "alice",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"package-index",
		"container-runtime",
		"runtime-group:alice",
		"runtime-group:ubuntu",
		"orchestration-tool",
		"app-directory",
		"service-unit",
		"aux-tools",
		"log-rotation",
		"deploy-script",
	}, stepNames(steps))
}

func TestPlan_Deterministic(t *testing.T) {
	p := mustProfile(t, hostprofile.FamilyAmazon)
	opts := Options{Arch: "arm64", InvokingUser: "ec2-user"}

	first, err := Plan(p, opts)
	require.NoError(t, err)
	second, err := Plan(p, opts)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestPlan_RequiresResolvedProfile(t *testing.T) {
	_, err := Plan(hostprofile.Profile{}, Options{Arch: "amd64"})
	assert.ErrorIs(t, err, ErrProfileUnresolved)
}

func TestPlan_UnsupportedArch(t *testing.T) {
	_, err := Plan(mustProfile(t, hostprofile.FamilyDebian), Options{Arch: "mips"})
	assert.ErrorIs(t, err, ErrUnsupportedArch)
}

func TestPlan_RuntimeInstallByFamily(t *testing.T) {
	t.Run("amazon installs native package", func(t *testing.T) {
		steps, err := Plan(mustProfile(t, hostprofile.FamilyAmazon), Options{Arch: "amd64"})
		require.NoError(t, err)

		step := findStep(t, steps, "container-runtime")
		assert.Equal(t, BinaryPresent{Name: "docker"}, step.Check)
		assert.Equal(t, RunCommand{Argv: []string{"yum", "install", "-y", "docker"}}, step.Actions[0])
	})

	t.Run("debian runs vendor script", func(t *testing.T) {
		steps, err := Plan(mustProfile(t, hostprofile.FamilyDebian), Options{Arch: "amd64"})
		require.NoError(t, err)

		step := findStep(t, steps, "container-runtime")
		assert.Equal(t, RunScript{URL: DefaultVendorScript}, step.Actions[0])
	})
}

func TestPlan_GroupStepsSkipRootAndDuplicates(t *testing.T) {
	p := mustProfile(t, hostprofile.FamilyDebian)

	steps, err := Plan(p, Options{Arch: "amd64", InvokingUser: "root"})
	require.NoError(t, err)
	assert.NotContains(t, stepNames(steps), "runtime-group:root")
	assert.Contains(t, stepNames(steps), "runtime-group:ubuntu")

	steps, err = Plan(p, Options{Arch: "amd64", InvokingUser: "ubuntu"})
	require.NoError(t, err)
	count := 0
	for _, s := range steps {
		if strings.HasPrefix(s.Name, "runtime-group:") {
			count++
			assert.NotEmpty(t, s.FollowUp)
		}
	}
	assert.Equal(t, 1, count)
}

func TestPlan_AuxToolsBestEffort(t *testing.T) {
	steps, err := Plan(mustProfile(t, hostprofile.FamilyRHEL), Options{Arch: "amd64"})
	require.NoError(t, err)

	step := findStep(t, steps, "aux-tools")
	assert.Equal(t, PolicyBestEffort, step.Policy)
	assert.Equal(t, RunCommand{Argv: []string{"yum", "install", "-y", "htop", "curl", "git"}}, step.Actions[0])
}

func TestPlan_NoAuxTools(t *testing.T) {
	steps, err := Plan(mustProfile(t, hostprofile.FamilyRHEL), Options{Arch: "amd64", AuxTools: []string{}})
	require.NoError(t, err)
	assert.NotContains(t, stepNames(steps), "aux-tools")
}

func TestPlan_OverwriteStepsHaveNoCheck(t *testing.T) {
	steps, err := Plan(mustProfile(t, hostprofile.FamilyDebian), Options{Arch: "amd64"})
	require.NoError(t, err)

	for _, name := range []string{"service-unit", "log-rotation", "deploy-script"} {
		assert.Nil(t, findStep(t, steps, name).Check, name)
	}
}

func TestPlan_OrchestrationToolChecksUnitBinary(t *testing.T) {
	steps, err := Plan(mustProfile(t, hostprofile.FamilyDebian), Options{Arch: "amd64", ComposePath: "/opt/bin/docker-compose"})
	require.NoError(t, err)

	step := findStep(t, steps, "orchestration-tool")
	assert.Equal(t, FilePresent{Path: "/opt/bin/docker-compose"}, step.Check)
	require.Len(t, step.Actions, 1)
	assert.Equal(t, "/opt/bin/docker-compose", step.Actions[0].(DownloadFile).Dest)

	unit := findStep(t, steps, "service-unit").Actions[0].(WriteFile)
	assert.Contains(t, string(unit.Data), "ExecStart=/opt/bin/docker-compose ")
}

func TestPlan_ServiceUnitContent(t *testing.T) {
	steps, err := Plan(mustProfile(t, hostprofile.FamilyDebian), Options{Arch: "amd64"})
	require.NoError(t, err)

	step := findStep(t, steps, "service-unit")
	write, ok := step.Actions[0].(WriteFile)
	require.True(t, ok)
	assert.Equal(t, "/etc/systemd/system/app-stack.service", write.Path)

	unit := string(write.Data)
	assert.Contains(t, unit, "User=ubuntu\n")
	assert.Contains(t, unit, "WorkingDirectory=/home/ubuntu/app\n")
	assert.Contains(t, unit, "ExecStart=/usr/local/bin/docker-compose -f docker-compose.yml -f docker-compose.prod.yml up -d")
	assert.Contains(t, unit, "ExecStop=/usr/local/bin/docker-compose -f docker-compose.yml -f docker-compose.prod.yml down\n")

	assert.Equal(t, RunCommand{Argv: []string{"systemctl", "daemon-reload"}}, step.Actions[1])
	assert.Equal(t, RunCommand{Argv: []string{"systemctl", "enable", "app-stack.service"}}, step.Actions[2])
	for _, a := range step.Actions {
		if cmd, ok := a.(RunCommand); ok {
			assert.NotContains(t, cmd.Argv, "start", "unit must be enabled, not started")
		}
	}
}

func TestPlan_DeployScriptStep(t *testing.T) {
	steps, err := Plan(mustProfile(t, hostprofile.FamilyAmazon), Options{Arch: "amd64", AppDirName: "users-api"})
	require.NoError(t, err)

	step := findStep(t, steps, "deploy-script")
	require.Len(t, step.Actions, 3)
	assert.Equal(t, InstallSelf{Dest: "/home/ec2-user/users-api/bin/hostctl", Mode: 0o755, Owner: "ec2-user"}, step.Actions[1])

	write, ok := step.Actions[2].(WriteFile)
	require.True(t, ok)
	assert.Equal(t, "/home/ec2-user/users-api/deploy.sh", write.Path)
	assert.Contains(t, string(write.Data), `exec "/home/ec2-user/users-api/bin/hostctl" deploy --dir "/home/ec2-user/users-api"`)
}

// =============================================================================
// ComposeDownloadURL Tests
// =============================================================================

func TestComposeDownloadURL(t *testing.T) {
	tests := []struct {
		version string
		arch    string
		want    string
	}{
		{"latest", "amd64", "https://github.com/docker/compose/releases/latest/download/docker-compose-linux-x86_64"},
		{"", "arm64", "https://github.com/docker/compose/releases/latest/download/docker-compose-linux-aarch64"},
		{"v2.24.5", "amd64", "https://github.com/docker/compose/releases/download/v2.24.5/docker-compose-linux-x86_64"},
	}
	for _, tt := range tests {
		got, err := ComposeDownloadURL(tt.version, tt.arch)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestPolicy_String(t *testing.T) {
	assert.Equal(t, "fatal", PolicyFatal.String())
	assert.Equal(t, "best-effort", PolicyBestEffort.String())
}
