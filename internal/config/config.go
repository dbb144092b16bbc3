// Package config provides configuration parsing and validation for clipmeshd.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete agent configuration.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Sync      SyncConfig      `yaml:"sync"`
	Overlay   OverlayConfig   `yaml:"overlay"`
	Transport TransportConfig `yaml:"transport"`
}

// AgentConfig holds general agent settings.
type AgentConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// SyncConfig tunes the sync engine's timing and dedup behavior.
type SyncConfig struct {
	// PollInterval is how often the clipboard is polled for local changes.
	PollInterval time.Duration `yaml:"poll_interval"`

	// CleanupInterval is how often the peer lifecycle task runs evict_stale.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// StaleThreshold is the max age of a peer's last_seen before eviction.
	// Must be at least 2x CleanupInterval so a single missed tick does not
	// evict a live peer.
	StaleThreshold time.Duration `yaml:"stale_threshold"`

	// SupervisorPeriod is the connectivity supervisor's poll period.
	SupervisorPeriod time.Duration `yaml:"supervisor_period"`
}

// OverlayConfig configures how clipmeshd locates and queries the mesh
// VPN backend's status API.
type OverlayConfig struct {
	// SocketPath is the Unix domain socket candidate, tried first.
	SocketPath string `yaml:"socket_path"`

	// LoopbackURL is the fallback loopback HTTP endpoint.
	LoopbackURL string `yaml:"loopback_url"`

	// AuthTokenFile holds a bearer token read before each loopback request.
	AuthTokenFile string `yaml:"auth_token_file"`
}

// TransportConfig configures the newline-framed TCP transport.
type TransportConfig struct {
	// Port is the well-known TCP port peers dial and this node listens on.
	Port int `yaml:"port"`
}

// Default returns the default agent configuration.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Sync: SyncConfig{
			PollInterval:     500 * time.Millisecond,
			CleanupInterval:  30 * time.Second,
			StaleThreshold:   60 * time.Second,
			SupervisorPeriod: 2 * time.Second,
		},
		Overlay: OverlayConfig{
			SocketPath: "/var/run/clipmeshd/overlay.sock",
		},
		Transport: TransportConfig{
			Port: 19827,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, starting from Default and
// overlaying whatever the document sets.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if !isValidLogLevel(c.Agent.LogLevel) {
		return fmt.Errorf("invalid log level: %s", c.Agent.LogLevel)
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		return fmt.Errorf("invalid log format: %s", c.Agent.LogFormat)
	}

	if c.Sync.PollInterval <= 0 {
		return fmt.Errorf("sync.poll_interval must be positive")
	}
	if c.Sync.CleanupInterval <= 0 {
		return fmt.Errorf("sync.cleanup_interval must be positive")
	}
	if c.Sync.StaleThreshold < 2*c.Sync.CleanupInterval {
		return fmt.Errorf("sync.stale_threshold must be at least 2x cleanup_interval, got %s < 2x%s", c.Sync.StaleThreshold, c.Sync.CleanupInterval)
	}
	if c.Sync.SupervisorPeriod <= 0 {
		return fmt.Errorf("sync.supervisor_period must be positive")
	}

	if c.Transport.Port <= 0 || c.Transport.Port > 65535 {
		return fmt.Errorf("transport.port out of range: %d", c.Transport.Port)
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	default:
		return false
	}
}
