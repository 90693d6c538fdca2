// Package config loads the engine's own configuration. The action catalog
// is a separate document handled by internal/action.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/opkit/internal/action"
)

// Config is the complete opkit configuration.
type Config struct {
	Service     ServiceConfig `yaml:"service"`
	Engine      EngineConfig  `yaml:"engine"`
	Log         LogConfig     `yaml:"log"`
	API         APIConfig     `yaml:"api,omitempty"`
	ActionsFile string        `yaml:"actions_file"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// EngineConfig tunes the dispatcher and runner.
type EngineConfig struct {
	// Workers bounds parallel task execution.
	Workers int `yaml:"workers"`

	// DefaultTimeout applies to actions with no timeout of their own.
	// Zero disables the default.
	DefaultTimeout action.Duration `yaml:"default_timeout"`

	// GracePeriod is the SIGTERM-to-SIGKILL wait.
	GracePeriod action.Duration `yaml:"grace_period"`

	// HandleRetention is how long terminal task handles stay queryable.
	HandleRetention action.Duration `yaml:"handle_retention"`

	// ConsoleEncoding names the legacy code page for output that is not
	// valid UTF-8 (gbk, gb18030, big5, shiftjis, euckr, cp1250-cp1258,
	// latin1).
	ConsoleEncoding string `yaml:"console_encoding"`
}

// LogConfig defines the durable event log.
type LogConfig struct {
	Path string `yaml:"path"`

	// Retention prunes whole task histories older than this. Zero keeps
	// everything.
	Retention action.Duration `yaml:"retention"`

	// PruneInterval is how often retention runs.
	PruneInterval action.Duration `yaml:"prune_interval"`
}

// APIConfig defines the HTTP control server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key,omitempty"`
}

// Defaults returns the baseline configuration.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "opkit",
			LogLevel:  "INFO",
			LogFormat: "json",
		},
		Engine: EngineConfig{
			Workers:         4,
			GracePeriod:     action.Duration(5 * time.Second),
			HandleRetention: action.Duration(10 * time.Minute),
			ConsoleEncoding: "gbk",
		},
		Log: LogConfig{
			Path:          "data/eventlog.db",
			PruneInterval: action.Duration(time.Hour),
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8710",
		},
		ActionsFile: "actions.yaml",
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, env-expands, and parses configuration, layered over Defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := envVarPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envVarPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})

	cfg := Defaults()
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot honor.
func (c *Config) Validate() error {
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers)
	}
	if c.Engine.GracePeriod < 0 {
		return fmt.Errorf("engine.grace_period must not be negative")
	}
	if c.Log.Path == "" {
		return fmt.Errorf("log.path is empty")
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen is empty with api enabled")
	}
	return nil
}
