// Package config defines the Convoy application configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Convoy configuration.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Auth       AuthConfig       `json:"auth" yaml:"auth"`
	Store      StoreConfig      `json:"store" yaml:"store"`
	Supervisor SupervisorConfig `json:"supervisor" yaml:"supervisor"`
	Workers    []WorkerConfig   `json:"workers" yaml:"workers"`
	DataDir    string           `json:"data_dir" yaml:"data_dir"`
	LogLevel   string           `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9070"
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string `json:"admin_user" yaml:"admin_user"`
	AdminPass string `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
}

// StoreConfig selects and configures the Registry backend.
type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "memory" or "sqlite"
	Path   string `json:"path,omitempty" yaml:"path"`
}

// SupervisorConfig controls the monitoring loop.
type SupervisorConfig struct {
	MonitorInterval Duration `json:"monitor_interval" yaml:"monitor_interval"`
	HeartbeatTTL    Duration `json:"heartbeat_ttl" yaml:"heartbeat_ttl"`
}

// WorkerConfig defines a single worker agent.
type WorkerConfig struct {
	ID             string              `json:"id" yaml:"id"`
	Capabilities   []string            `json:"capabilities" yaml:"capabilities"`
	HeartbeatEvery Duration            `json:"heartbeat_every,omitempty" yaml:"heartbeat_every"`
	ExecTimeout    Duration            `json:"exec_timeout,omitempty" yaml:"exec_timeout"`
	Commands       map[string][]string `json:"commands,omitempty" yaml:"commands"` // task type -> argv
}

// Duration accepts "30s"-style strings (or integer nanoseconds) in YAML.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9070",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "convoy.db",
		},
		Supervisor: SupervisorConfig{
			MonitorInterval: Duration(5 * time.Second),
			HeartbeatTTL:    Duration(30 * time.Second),
		},
		Workers: []WorkerConfig{
			{
				ID:           "worker-1",
				Capabilities: []string{"development"},
			},
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads a YAML config file and returns the parsed configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
