// Package config provides configuration structures and loading logic for the server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the server.
type Config struct {
	Server ServerConfig `yaml:"server"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
	Policy    PolicyConfig    `yaml:"policy"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Modules   []ModuleConfig  `yaml:"modules"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds configuration for the HTTP servers.
type ServerConfig struct {
	Address      string `yaml:"address"`
	AdminAddress string `yaml:"admin_address"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	Environment  string `yaml:"environment"`
}

// PolicyConfig holds configuration for policy loading.
type PolicyConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// SchedulerConfig holds configuration for the request scheduler.
type SchedulerConfig struct {
	Workers     int           `yaml:"workers"`
	QueueDepth  int           `yaml:"queue_depth"`
	ParkTimeout time.Duration `yaml:"park_timeout"`
}

// ModuleConfig declares one named module instance. Type selects the
// implementation; the remaining fields apply per type.
type ModuleConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// static
	Rcode string            `yaml:"rcode,omitempty"`
	Reply map[string]string `yaml:"reply,omitempty"`

	// files
	Path string `yaml:"path,omitempty"`

	// rego
	Source string `yaml:"source,omitempty"`
	Query  string `yaml:"query,omitempty"`

	// delay
	Delay time.Duration `yaml:"delay,omitempty"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		// Defaults
		Server: ServerConfig{
			Address:      ":8420",
			AdminAddress: ":19420",
		},
		Scheduler: SchedulerConfig{
			Workers:     8,
			QueueDepth:  256,
			ParkTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("GATEKEEP_ADDR"); val != "" {
		cfg.Server.Address = val
	}
	if val := os.Getenv("GATEKEEP_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}

	if val := os.Getenv("GATEKEEP_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("GATEKEEP_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("GATEKEEP_POLICY_FILE"); val != "" {
		cfg.Policy.File = val
	}
	if val := os.Getenv("GATEKEEP_POLICY_WATCH"); val == "true" {
		cfg.Policy.Watch = true
	}

	if val := os.Getenv("GATEKEEP_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be positive, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.QueueDepth <= 0 {
		return fmt.Errorf("scheduler.queue_depth must be positive, got %d", c.Scheduler.QueueDepth)
	}
	if c.Scheduler.ParkTimeout < 0 {
		return fmt.Errorf("scheduler.park_timeout must not be negative")
	}

	seen := make(map[string]struct{}, len(c.Modules))
	for i, m := range c.Modules {
		if m.Name == "" {
			return fmt.Errorf("modules[%d]: name must not be empty", i)
		}
		if _, dup := seen[m.Name]; dup {
			return fmt.Errorf("modules[%d]: duplicate module name %q", i, m.Name)
		}
		seen[m.Name] = struct{}{}
		switch m.Type {
		case "static", "files", "rego", "delay":
		default:
			return fmt.Errorf("modules[%d]: unknown module type %q", i, m.Type)
		}
	}
	return nil
}
