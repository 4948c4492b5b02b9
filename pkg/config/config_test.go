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
	path := filepath.Join(t.TempDir(), "test-config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		configContent := `
server:
  listen: ":9090"
  timeout: 45s

database:
  dsn: "file:test.db?mode=rwc"
  max_open_conns: 20

schedule:
  update_interval: 10m
  max_workers: 8
  batch_size: 50
  max_backoff: 12h
  not_modified_keeps_fetched: true

fetch:
  timeout: 15s
  user_agent: "custom-agent/2.0"

search:
  disabled: true

retention:
  fetch_log: 720h
`
		cfg, err := Load(writeConfig(t, configContent))
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, ":9090", cfg.Server.Listen)
		assert.Equal(t, 45*time.Second, cfg.Server.Timeout)
		assert.Equal(t, "file:test.db?mode=rwc", cfg.Database.DSN)
		assert.Equal(t, 20, cfg.Database.MaxOpenConns)
		assert.Equal(t, 10*time.Minute, cfg.Schedule.UpdateInterval)
		assert.Equal(t, 8, cfg.Schedule.MaxWorkers)
		assert.Equal(t, 50, cfg.Schedule.BatchSize)
		assert.Equal(t, 12*time.Hour, cfg.Schedule.MaxBackoff)
		assert.True(t, cfg.Schedule.NotModifiedKeepsFetched)
		assert.Equal(t, 15*time.Second, cfg.Fetch.Timeout)
		assert.Equal(t, "custom-agent/2.0", cfg.Fetch.UserAgent)
		assert.True(t, cfg.Search.Disabled)
		assert.False(t, cfg.SearchEnabled())
		assert.Equal(t, 720*time.Hour, cfg.Retention.FetchLog)
	})

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "server:\n  listen: \":8080\"\n"))
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, ":8080", cfg.Server.Listen)
		assert.Equal(t, 30*time.Second, cfg.Server.Timeout)
		assert.Equal(t, "file:feedvault.db?cache=shared&mode=rwc&_txlock=immediate", cfg.Database.DSN)
		assert.Equal(t, 10, cfg.Database.MaxOpenConns)
		assert.Equal(t, 5, cfg.Database.MaxIdleConns)
		assert.Equal(t, 3600, cfg.Database.ConnMaxLifetime)
		assert.Equal(t, 5*time.Minute, cfg.Schedule.UpdateInterval)
		assert.Equal(t, 5, cfg.Schedule.MaxWorkers)
		assert.Equal(t, 100, cfg.Schedule.BatchSize)
		assert.Equal(t, 24*time.Hour, cfg.Schedule.MaxBackoff)
		assert.False(t, cfg.Schedule.NotModifiedKeepsFetched)
		assert.Equal(t, 30*time.Second, cfg.Fetch.Timeout)
		assert.Equal(t, "Feedvault/1.0", cfg.Fetch.UserAgent)
		assert.True(t, cfg.SearchEnabled())
		assert.Zero(t, cfg.Retention.FetchLog)
	})

	t.Run("environment variable expansion", func(t *testing.T) {
		t.Setenv("TEST_DB_DSN", "file:from-env.db?mode=rwc")

		cfg, err := Load(writeConfig(t, "database:\n  dsn: \"${TEST_DB_DSN}\"\n"))
		require.NoError(t, err)
		assert.Equal(t, "file:from-env.db?mode=rwc", cfg.Database.DSN)
	})

	t.Run("file not found", func(t *testing.T) {
		cfg, err := Load("/non/existent/file.yml")
		require.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "read config file")
	})

	t.Run("invalid yaml", func(t *testing.T) {
		configContent := `
invalid yaml content
  with bad indentation
    and no structure
`
		cfg, err := Load(writeConfig(t, configContent))
		require.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "parse config")
	})

	t.Run("validation failures", func(t *testing.T) {
		tests := []struct {
			name    string
			content string
			errMsg  string
		}{
			{"short server timeout", "server:\n  timeout: 10ms\n", "server timeout"},
			{"short update interval", "schedule:\n  update_interval: 100ms\n", "update_interval"},
			{"negative workers", "schedule:\n  max_workers: -1\n", "max_workers"},
			{"negative batch size", "schedule:\n  batch_size: -5\n", "batch_size"},
			{"backoff below interval", "schedule:\n  update_interval: 1h\n  max_backoff: 10m\n", "max_backoff"},
			{"short fetch timeout", "fetch:\n  timeout: 5ms\n", "fetch timeout"},
			{"negative retention", "retention:\n  fetch_log: -1h\n", "fetch_log"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				cfg, err := Load(writeConfig(t, tt.content))
				require.Error(t, err)
				assert.Nil(t, cfg)
				assert.Contains(t, err.Error(), tt.errMsg)
			})
		}
	})
}

func TestConfig_GetServerConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  listen: \":9090\"\n  timeout: 45s\n"))
	require.NoError(t, err)

	listen, timeout := cfg.GetServerConfig()
	assert.Equal(t, ":9090", listen)
	assert.Equal(t, 45*time.Second, timeout)
}
