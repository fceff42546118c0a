// Package config handles loading, validating, and writing the opaudit
// configuration from <config-dir>/config.yaml.
//
// The config defines:
//   - Server bind address (host:port)
//   - Audit log location, query index and preview budget
//   - Dashboard and metrics toggles
//   - Log level and format
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level opaudit configuration. Fields that are not set
// in the file keep their defaults.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audit     AuditConfig     `yaml:"audit"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig defines where the HTTP API listens.
// Default: 127.0.0.1:3200 (loopback only).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AuditConfig controls the audit log.
//
// Dir is relative to the config directory unless absolute. Index enables
// the SQLite projection used by queries; the JSONL file stays the source
// of truth either way.
type AuditConfig struct {
	Dir          string `yaml:"dir"`
	Index        bool   `yaml:"index"`
	PreviewChars int    `yaml:"previewChars"`
}

// DashboardConfig controls the web dashboard served at /dashboard.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// AuditDir resolves the audit directory against the config directory.
func (c *Config) AuditDir(configDir string) string {
	if filepath.IsAbs(c.Audit.Dir) {
		return c.Audit.Dir
	}
	return filepath.Join(configDir, c.Audit.Dir)
}

// Addr returns the host:port the server listens on.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Load reads config.yaml at path. A missing file yields the defaults;
// malformed YAML or a value that fails validation is an error.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes the defaults to path behind a commented key
// reference. `opaudit config init` calls it.
func WriteDefault(path string) error {
	cfg := defaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# opaudit configuration
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3200)
#
# audit:
#   dir: Audit log directory, relative to the config dir unless absolute
#   index: Maintain a SQLite index for fast queries (index.db)
#   previewChars: Character budget for input/output previews
#
# dashboard:
#   enabled: Serve web UI at /dashboard on the same port
#
# metrics:
#   enabled: Expose Prometheus metrics
#   path: Metrics endpoint path
#
# log:
#   level: debug, info, warn or error
#   format: text or json

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3200,
		},
		Audit: AuditConfig{
			Dir:          "audit",
			Index:        true,
			PreviewChars: 200,
		},
		Dashboard: DashboardConfig{
			Enabled: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	if cfg.Audit.Dir == "" {
		return fmt.Errorf("audit.dir must not be empty")
	}
	if cfg.Audit.PreviewChars < 1 {
		return fmt.Errorf("audit.previewChars must be positive")
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path %q must start with /", cfg.Metrics.Path)
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q must be debug, info, warn or error", cfg.Log.Level)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", cfg.Log.Format)
	}

	return nil
}
