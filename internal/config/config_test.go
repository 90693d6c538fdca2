package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/opkit/internal/action"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := writeConfig(t, `
service:
  log_level: DEBUG
engine:
  workers: 8
  default_timeout: 90s
log:
  path: /tmp/opkit-test/eventlog.db
  retention: 168h
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Service.LogLevel)
	assert.Equal(t, "json", cfg.Service.LogFormat)
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, action.Duration(90*time.Second), cfg.Engine.DefaultTimeout)
	assert.Equal(t, action.Duration(5*time.Second), cfg.Engine.GracePeriod)
	assert.Equal(t, "gbk", cfg.Engine.ConsoleEncoding)
	assert.Equal(t, "/tmp/opkit-test/eventlog.db", cfg.Log.Path)
	assert.Equal(t, action.Duration(168*time.Hour), cfg.Log.Retention)
	assert.Equal(t, "actions.yaml", cfg.ActionsFile)
	assert.True(t, cfg.API.Enabled)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("OPKIT_TEST_KEY", "sekrit")
	path := writeConfig(t, `
api:
  enabled: true
  listen: 127.0.0.1:9999
  api_key: ${OPKIT_TEST_KEY}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sekrit", cfg.API.APIKey)
}

func TestLoadUnsetEnvVarExpandsEmpty(t *testing.T) {
	path := writeConfig(t, `
service:
  name: ${OPKIT_DEFINITELY_UNSET_VAR}opkit
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "opkit", cfg.Service.Name)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := writeConfig(t, "engine: [\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Engine.Workers = 0 }},
		{"negative grace", func(c *Config) { c.Engine.GracePeriod = action.Duration(-time.Second) }},
		{"empty log path", func(c *Config) { c.Log.Path = "" }},
		{"api enabled without listen", func(c *Config) { c.API.Listen = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDefaultsAreValid(t *testing.T) {
	assert.NoError(t, Defaults().Validate())
}
