package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/conductor/task"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if cfg.Ledger.Driver != LedgerMemory {
		t.Errorf("Ledger.Driver = %q, want %q", cfg.Ledger.Driver, LedgerMemory)
	}
	if len(cfg.Agents) != 2 {
		t.Fatalf("len(Agents) = %d, want 2", len(cfg.Agents))
	}
	require.NoError(t, cfg.Validate())
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	data := `
server:
  addr: ":8088"
dispatch:
  max_retries: 3
  task_timeout: 90s
ledger:
  driver: sqlite
  sqlite_path: /tmp/ledger.db
agents:
  - id: remote-1
    capabilities: [code]
    max_concurrent_tasks: 2
    executor: remote
  - id: helper
    capabilities: [research, analysis]
    max_concurrent_tasks: 1
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8088", cfg.Server.Addr)
	assert.Equal(t, 20.0, cfg.Server.RateLimit, "unset keys keep defaults")
	assert.Equal(t, 3, cfg.Dispatch.MaxRetries)
	assert.True(t, cfg.Dispatch.DistinctAgentRetry)
	assert.Equal(t, 90*time.Second, cfg.Dispatch.TaskTimeout)
	assert.Equal(t, LedgerSQLite, cfg.Ledger.Driver)
	assert.Equal(t, "/tmp/ledger.db", cfg.Ledger.SQLitePath)

	require.Len(t, cfg.Agents, 2)
	assert.Equal(t, ExecutorRemote, cfg.Agents[0].Executor)
	assert.Equal(t, ExecutorMock, cfg.Agents[1].Executor)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONDUCTOR_SERVER_ADDR", ":7000")
	t.Setenv("CONDUCTOR_LEDGER_DRIVER", "redis")
	t.Setenv("CONDUCTOR_DISPATCH_TASK_TIMEOUT", "2m")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, LedgerRedis, cfg.Ledger.Driver)
	assert.Equal(t, 2*time.Minute, cfg.Dispatch.TaskTimeout)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestWriteThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "conductor.yaml")
	cfg := DefaultConfig()
	cfg.Auth.JWTSecret = "s3cret"
	cfg.Dispatch.TaskTimeout = 5 * time.Minute
	cfg.StateFile = "/var/lib/conductor/state.json"
	require.NoError(t, Write(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad driver", func(c *Config) { c.Ledger.Driver = "mongo" }, "ledger.driver"},
		{"sqlite without path", func(c *Config) { c.Ledger.Driver = LedgerSQLite; c.Ledger.SQLitePath = "" }, "sqlite_path"},
		{"negative retries", func(c *Config) { c.Dispatch.MaxRetries = -1 }, "max_retries"},
		{"duplicate agent", func(c *Config) { c.Agents[1].ID = c.Agents[0].ID }, "duplicate id"},
		{"unknown capability", func(c *Config) { c.Agents[0].Capabilities = []string{"juggling"} }, "juggling"},
		{"unknown executor", func(c *Config) { c.Agents[0].Executor = "openai" }, "executor"},
		{"zero capacity", func(c *Config) { c.Agents[0].MaxConcurrentTasks = 0 }, "max_concurrent_tasks"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestAgentConfigSpec(t *testing.T) {
	spec, err := AgentConfig{ID: "w", Capabilities: []string{"Code"}, MaxConcurrentTasks: 3, Executor: ExecutorRemote}.Spec()
	require.NoError(t, err)
	assert.Equal(t, []task.Capability{task.CapabilityCode}, spec.Capabilities)
	assert.Nil(t, spec.Executor)
	assert.Equal(t, 1, spec.Priority)

	spec, err = AgentConfig{ID: "m", Capabilities: []string{"research"}, MaxConcurrentTasks: 1, Executor: ExecutorMock}.Spec()
	require.NoError(t, err)
	assert.NotNil(t, spec.Executor)
}
