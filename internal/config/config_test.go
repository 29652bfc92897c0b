// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and defaults

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

auth:
  jwt_secret: "test-secret"

database:
  path: "./test.db"

sessions:
  idle_timeout: "10m"
  sweep_interval: "15s"

runs:
  max_concurrent: 8
  max_queue_depth: 32
  retry_attempts: 2
  cancel_grace_period: "3s"
  retry_initial_delay: "500ms"
  retry_max_delay: "10s"

events:
  buffer_capacity: 128
  heartbeat_interval: "20s"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "test-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "./test.db", cfg.Database.Path)
	assert.Equal(t, 10*time.Minute, cfg.Sessions.IdleTimeout)
	assert.Equal(t, 15*time.Second, cfg.Sessions.SweepInterval)
	assert.Equal(t, 8, cfg.Runs.MaxConcurrent)
	assert.Equal(t, 32, cfg.Runs.MaxQueueDepth)
	assert.Equal(t, 2, cfg.Runs.RetryAttempts)
	assert.Equal(t, 3*time.Second, cfg.Runs.CancelGracePeriod)
	assert.Equal(t, 500*time.Millisecond, cfg.Runs.RetryInitialDelay)
	assert.Equal(t, 10*time.Second, cfg.Runs.RetryMaxDelay)
	assert.Equal(t, 128, cfg.Events.BufferCapacity)
	assert.Equal(t, 20*time.Second, cfg.Events.HeartbeatInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
auth:
  jwt_secret: "test-secret"
database:
  path: "./test.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxConcurrent, cfg.Runs.MaxConcurrent)
	assert.Equal(t, DefaultMaxQueueDepth, cfg.Runs.MaxQueueDepth)
	assert.Equal(t, DefaultRetryAttempts, cfg.Runs.RetryAttempts)
	assert.Equal(t, DefaultCancelGrace, cfg.Runs.CancelGracePeriod)
	assert.Equal(t, DefaultBufferCapacity, cfg.Events.BufferCapacity)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.Events.HeartbeatInterval)
	assert.Equal(t, DefaultIdleTimeout, cfg.Sessions.IdleTimeout)
	assert.Equal(t, DefaultSweepInterval, cfg.Sessions.SweepInterval)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("ATLAS_TEST_SECRET", "secret-from-env")

	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
auth:
  jwt_secret: "${ATLAS_TEST_SECRET}"
database:
  path: "./test.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-from-env", cfg.Auth.JWTSecret)
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing http_addr",
			content: `
auth:
  jwt_secret: "s"
database:
  path: "./test.db"
`,
			wantErr: "http_addr",
		},
		{
			name: "missing jwt_secret",
			content: `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./test.db"
`,
			wantErr: "jwt_secret",
		},
		{
			name: "missing database path",
			content: `
server:
  http_addr: "127.0.0.1:8080"
auth:
  jwt_secret: "s"
`,
			wantErr: "database.path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
auth:
  jwt_secret: "s"
database:
  path: "./test.db"
sessions:
  idle_timeout: "not-a-duration"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idle_timeout")
}

func TestLoad_QueueDepthBelowConcurrency(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
auth:
  jwt_secret: "s"
database:
  path: "./test.db"
runs:
  max_concurrent: 10
  max_queue_depth: 5
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_queue_depth")
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
