// Package config loads the YAML configuration for the spop-agent
// reference binary: the HELLO terms it offers, its listener, pool
// sizing, the admin surface, and logging.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete spop-agent process configuration.
type Config struct {
	Listen  ListenConfig `yaml:"listen"`
	Hello   HelloConfig  `yaml:"hello"`
	Pool    PoolConfig   `yaml:"pool"`
	Admin   AdminConfig  `yaml:"admin"`
	Trace   TraceConfig  `yaml:"trace"`
	Logging LogConfig    `yaml:"logging"`
}

// ListenConfig describes where the agent accepts HAProxy connections.
// Exactly one of Address or SocketPath should be set; Address wins if
// both are.
type ListenConfig struct {
	Address    string `yaml:"address"`     // e.g. "0.0.0.0:12345"
	SocketPath string `yaml:"socket_path"` // e.g. "/run/spop-agent.sock"
}

// HelloConfig is the local side's HELLO negotiation terms.
type HelloConfig struct {
	SupportedVersions []string `yaml:"supported_versions"`
	MaxFrameSize      uint32   `yaml:"max_frame_size"`
	Capabilities      []string `yaml:"capabilities"`
}

// PoolConfig sizes per-connection session bookkeeping and handler
// dispatch behavior.
type PoolConfig struct {
	MaxConnections int      `yaml:"max_connections"`
	OutboundQueue  int      `yaml:"outbound_queue"`
	HandlerTimeout Duration `yaml:"handler_timeout"`
	IdleSessionTTL Duration `yaml:"idle_session_ttl"`
}

// AdminConfig is the admin/observability HTTP+WS surface: health,
// metrics, and the live frame-tap dashboard.
type AdminConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Address     string `yaml:"address"`
	HTTP2       bool   `yaml:"http2"`
	MetricsPath string `yaml:"metrics_path"`
	HealthPath  string `yaml:"health_path"`
	TapPath     string `yaml:"tap_path"`
}

// TraceConfig controls the msgpack frame trace recorder.
type TraceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Duration is a time.Duration that supports YAML string unmarshaling,
// e.g. `handler_timeout: 5s`.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads config from a YAML file, applying defaults for any value
// the file omits.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid or contradictory values.
func (c *Config) Validate() error {
	if c.Listen.Address == "" && c.Listen.SocketPath == "" {
		return fmt.Errorf("listen.address or listen.socket_path is required")
	}
	if len(c.Hello.SupportedVersions) == 0 {
		return fmt.Errorf("hello.supported_versions must not be empty")
	}
	if c.Hello.MaxFrameSize < 256 {
		return fmt.Errorf("hello.max_frame_size must be >= 256, got %d", c.Hello.MaxFrameSize)
	}
	if c.Pool.MaxConnections < 1 {
		return fmt.Errorf("pool.max_connections must be >= 1, got %d", c.Pool.MaxConnections)
	}
	if c.Pool.OutboundQueue < 1 {
		return fmt.Errorf("pool.outbound_queue must be >= 1, got %d", c.Pool.OutboundQueue)
	}
	if c.Admin.Enabled && c.Admin.Address == "" {
		return fmt.Errorf("admin.address is required when admin.enabled is true")
	}
	if c.Trace.Enabled && c.Trace.Dir == "" {
		return fmt.Errorf("trace.dir is required when trace.enabled is true")
	}
	return nil
}
