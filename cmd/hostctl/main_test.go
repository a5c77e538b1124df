package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/hostctl/internal/shell/store"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Version(t *testing.T) {
	code, stdout, _ := runCLI(t, "version")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "hostctl dev")
}

func TestRun_Help(t *testing.T) {
	code, stdout, _ := runCLI(t, "--help")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "provision")
	assert.Contains(t, stdout, "deploy")
}

func TestRun_UsageErrors(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"rollout"}},
		{"unknown flag", []string{"deploy", "--force"}},
		{"ship without target", []string{"ship"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := runCLI(t, tt.args...)
			assert.Equal(t, ExitUsage, code)
		})
	}
}

func TestRun_ConfigErrorIsUsage(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOSTCTL_HEALTH_URL", "not a url")

	code, _, stderr := runCLI(t, "history")
	assert.Equal(t, ExitUsage, code)
	assert.Contains(t, stderr, "configuration error")
}

func TestRun_MissingConfigFileIsUsage(t *testing.T) {
	clearEnv(t)

	code, _, stderr := runCLI(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "history")
	assert.Equal(t, ExitUsage, code)
	assert.Contains(t, stderr, "configuration error")
	assert.Contains(t, stderr, "nope.yaml")
}

func TestRun_ServeRequiresSecret(t *testing.T) {
	clearEnv(t)

	code, _, stderr := runCLI(t, "serve", "--dir", t.TempDir())
	assert.Equal(t, ExitUsage, code)
	assert.Contains(t, stderr, "webhook.secret")
}

func TestRun_DeployMissingArtifacts(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docker-compose.yml"), []byte("services: {}\n"), 0o644))

	code, stdout, stderr := runCLI(t, "deploy", "--dir", dir)
	assert.Equal(t, ExitFailure, code)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "missing required files")
	assert.Contains(t, stderr, "docker-compose.prod.yml, .env")
}

func TestRun_HistoryEmptyJournal(t *testing.T) {
	clearEnv(t)

	code, stdout, _ := runCLI(t, "history", "--dir", t.TempDir())
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "no deployments recorded")
}

func TestRun_DeployThenHistory(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	code, _, _ := runCLI(t, "deploy", "--dir", dir)
	require.Equal(t, ExitFailure, code)

	code, stdout, _ := runCLI(t, "history", "--dir", dir)
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "failed_preflight")
	assert.Contains(t, stdout, "preflight")
}

func TestRun_HistoryShowsOneAttempt(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	code, _, _ := runCLI(t, "deploy", "--dir", dir)
	require.Equal(t, ExitFailure, code)

	journal, err := store.NewSQLiteStore(filepath.Join(dir, ".hostctl", "journal.db"))
	require.NoError(t, err)
	attempts, err := journal.ListAttempts(context.Background(), store.DefaultListOptions())
	require.NoError(t, err)
	require.NoError(t, journal.Close())
	require.Len(t, attempts, 1)
	id := attempts[0].ID

	code, stdout, _ := runCLI(t, "history", "--dir", dir, "--id", id)
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, id)
	assert.Contains(t, stdout, "failed_preflight")
	assert.Contains(t, stdout, "FAILED STEP")
	assert.Contains(t, stdout, "missing required files")

	code, _, stderr := runCLI(t, "history", "--dir", dir, "--id", "no-such-attempt")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr, "not found")
}

func TestInvokingUser(t *testing.T) {
	t.Setenv("SUDO_USER", "alice")
	t.Setenv("USER", "root")
	assert.Equal(t, "alice", invokingUser())

	t.Setenv("SUDO_USER", "")
	assert.Equal(t, "root", invokingUser())
}
