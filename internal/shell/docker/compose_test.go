package docker

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/hostctl/internal/shell/system"
)

// =============================================================================
// Test Helpers
// =============================================================================

type recordingRunner struct {
	cmds   []system.Command
	result system.Result
	err    error
}

func (r *recordingRunner) Run(_ context.Context, cmd system.Command) (system.Result, error) {
	r.cmds = append(r.cmds, cmd)
	return r.result, r.err
}

func testComposeConfig() ComposeConfig {
	return ComposeConfig{
		Dir:     "/home/ubuntu/app",
		Files:   []string{"docker-compose.yml", "docker-compose.prod.yml"},
		EnvFile: ".env",
	}
}

// =============================================================================
// Compose Tests
// =============================================================================

func TestCompose_CommandLine(t *testing.T) {
	c := NewCompose(&recordingRunner{}, testComposeConfig(), nil, nil)

	cmd := c.Command("up", "-d")
	assert.Equal(t, "docker-compose", cmd.Name)
	assert.Equal(t, "/home/ubuntu/app", cmd.Dir)
	assert.Equal(t, []string{
		"-f", "/home/ubuntu/app/docker-compose.yml",
		"-f", "/home/ubuntu/app/docker-compose.prod.yml",
		"--env-file", "/home/ubuntu/app/.env",
		"up", "-d",
	}, cmd.Args)
}

func TestCompose_PluginBinary(t *testing.T) {
	cfg := testComposeConfig()
	cfg.Binary = "docker compose"
	c := NewCompose(&recordingRunner{}, cfg, nil, nil)

	cmd := c.Command("pull")
	assert.Equal(t, "docker", cmd.Name)
	assert.Equal(t, "compose", cmd.Args[0])
	assert.Equal(t, "pull", cmd.Args[len(cmd.Args)-1])
}

func TestCompose_LifecycleCommands(t *testing.T) {
	runner := &recordingRunner{}
	var out bytes.Buffer
	c := NewCompose(runner, testComposeConfig(), &out, nil)
	ctx := context.Background()

	require.NoError(t, c.Pull(ctx))
	require.NoError(t, c.Down(ctx))
	require.NoError(t, c.Up(ctx))

	require.Len(t, runner.cmds, 3)
	var tails []string
	for _, cmd := range runner.cmds {
		tails = append(tails, strings.Join(cmd.Args[6:], " "))
		assert.Equal(t, &out, cmd.Stream)
	}
	assert.Equal(t, []string{"pull", "down", "up -d"}, tails)
}

func TestCompose_FailureWrapsCommandError(t *testing.T) {
	runner := &recordingRunner{
		err: system.NewCommandError("docker-compose", []string{"pull"}, 1, []byte("manifest unknown"), system.ErrCommandFailed),
	}
	c := NewCompose(runner, testComposeConfig(), nil, nil)

	err := c.Pull(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrComposeFailed)
	assert.ErrorIs(t, err, system.ErrCommandFailed)

	var cmdErr *system.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "manifest unknown", cmdErr.Stderr)

	var dockerErr *DockerError
	require.ErrorAs(t, err, &dockerErr)
	assert.Equal(t, "pull", dockerErr.Op)
}

func TestCompose_Logs(t *testing.T) {
	runner := &recordingRunner{result: system.Result{Stdout: []byte("web-1  | started\n")}}
	c := NewCompose(runner, testComposeConfig(), nil, nil)

	var out bytes.Buffer
	require.NoError(t, c.Logs(context.Background(), 50, &out))
	assert.Equal(t, "web-1  | started\n", out.String())
	assert.Equal(t, []string{"logs", "--no-color", "--tail", "50"}, runner.cmds[0].Args[6:])
}
