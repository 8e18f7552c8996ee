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
	path := filepath.Join(t.TempDir(), "svcgraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ".svcgraph.db", cfg.DB)
	assert.Equal(t, 9998, cfg.Server.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.Watch.Debounce())
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
source: graph.yaml
log:
  level: debug
  format: json
server:
  port: 8080
watch:
  enabled: true
  debounce_ms: 100
cache:
  redis_url: redis://localhost:6379/0
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "graph.yaml", cfg.Source)
	assert.Equal(t, ".svcgraph.db", cfg.DB)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Watch.Enabled)
	assert.Equal(t, 100*time.Millisecond, cfg.Watch.Debounce())
	assert.Equal(t, "redis://localhost:6379/0", cfg.Cache.RedisURL)
	assert.Equal(t, 300, cfg.Cache.TTLSeconds)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8080\n")
	t.Setenv("SVCGRAPH_PORT", "7070")
	t.Setenv("SVCGRAPH_DB", "/tmp/other.db")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "/tmp/other.db", cfg.DB)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"level":  "log:\n  level: loud\n",
		"port":   "server:\n  port: 70000\n",
		"ttl":    "cache:\n  ttl_seconds: 0\n",
		"db":     "db: \"\"\n",
		"format": "log:\n  format: xml\n",
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_BadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [port"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidConfig)
}
