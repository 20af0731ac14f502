package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 1000, cfg.PollIntervalMs)
	assert.Equal(t, 30000, cfg.SteeringIntervalMs)
	assert.Equal(t, DefaultMaxWorkers, cfg.MaxWorkers)
	assert.Equal(t, DefaultEventBufferSize, cfg.EventBufferSize)
	assert.True(t, cfg.AutoProcessReadyTasks)
	assert.Equal(t, "claude-agent", cfg.Agent.Binary)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestPollInterval_Clamps(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval())

	cfg.PollIntervalMs = 0
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval())

	cfg.PollIntervalMs = 50
	assert.Equal(t, MinPollInterval, cfg.PollInterval())

	cfg.PollIntervalMs = 2000
	assert.Equal(t, 2*time.Second, cfg.PollInterval())
}

func TestSteeringInterval(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DefaultSteeringInterval, cfg.SteeringInterval())

	cfg.SteeringIntervalMs = 5000
	assert.Equal(t, 5*time.Second, cfg.SteeringInterval())

	cfg.SteeringIntervalMs = -1
	assert.Equal(t, DefaultSteeringInterval, cfg.SteeringInterval())
}

// isolateEnv points HOME at an empty dir so the global config file on the
// host cannot leak into Load.
func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
}

func TestLoad_DefaultsWithoutFiles(t *testing.T) {
	isolateEnv(t)
	project := t.TempDir()

	cfg, err := Load(project)
	require.NoError(t, err)
	assert.Equal(t, project, cfg.Path)
	assert.Equal(t, DefaultMaxWorkers, cfg.MaxWorkers)
	assert.True(t, cfg.AutoProcessReadyTasks)
}

func TestLoad_ProjectFileOverridesDefaults(t *testing.T) {
	isolateEnv(t)
	project := t.TempDir()
	dir := filepath.Join(project, ".foreman")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(
		"max_workers: 5\n"+
			"auto_process_ready_tasks: false\n"+
			"agent:\n  binary: my-agent\n"+
			"roles:\n  verifier:\n    model: opus\n",
	), 0o644))

	cfg, err := Load(project)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxWorkers)
	assert.False(t, cfg.AutoProcessReadyTasks)
	assert.Equal(t, "my-agent", cfg.Agent.Binary)
	assert.Equal(t, "opus", cfg.Roles["verifier"].Model)
}

func TestLoad_EnvOverridesWinOverFiles(t *testing.T) {
	isolateEnv(t)
	project := t.TempDir()
	dir := filepath.Join(project, ".foreman")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("max_workers: 5\n"), 0o644))

	t.Setenv("FOREMAN_MAX_WORKERS", "7")
	t.Setenv("FOREMAN_AUTO_PROCESS", "0")
	t.Setenv("FOREMAN_AGENT_BINARY", "env-agent")
	t.Setenv("FOREMAN_TRACE", "true")
	t.Setenv("FOREMAN_TRACE_EXPORTER", "file")

	cfg, err := Load(project)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxWorkers)
	assert.False(t, cfg.AutoProcessReadyTasks)
	assert.Equal(t, "env-agent", cfg.Agent.Binary)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "file", cfg.Tracing.Exporter)
}

func TestLoad_RoleEnvOverrides(t *testing.T) {
	isolateEnv(t)
	t.Setenv("FOREMAN_ROLE_VERIFIER_MODEL", "opus")
	t.Setenv("FOREMAN_ROLE_SCOUT_TOOLS", "read, grep ,,glob")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "opus", cfg.Roles["verifier"].Model)
	assert.Equal(t, []string{"read", "grep", "glob"}, cfg.Roles["scout"].Tools)
}

func TestEnvOverrides_MalformedValuesIgnored(t *testing.T) {
	isolateEnv(t)
	t.Setenv("FOREMAN_MAX_WORKERS", "lots")
	t.Setenv("FOREMAN_AUTO_PROCESS", "maybe")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxWorkers, cfg.MaxWorkers)
	assert.True(t, cfg.AutoProcessReadyTasks)
}
