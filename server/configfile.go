package server

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/blockserve/nbdserver/nbd"
)

// Config is the top-level configuration document: one process, any number
// of listeners, each with its own export set.
type Config struct {
	Servers []nbd.ServerConfig `yaml:"servers"`
	Logging LoggingConfig      `yaml:"logging"`
	Metrics MetricsConfig      `yaml:"metrics"`
}

// MetricsConfig controls whether Prometheus metrics are exposed over HTTP.
// Leaving Address empty disables the metrics listener entirely; collection
// itself (server/metrics.go) always happens regardless.
type MetricsConfig struct {
	Address string `yaml:"address"` // e.g. "127.0.0.1:9419"; empty disables the /metrics listener
}

// LoadConfig reads and parses the YAML configuration file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server: cannot read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("server: cannot parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the structural invariants a listener needs before it
// can serve: every export must have a non-empty name, unique within its
// listener, and a non-empty driver name (whether that driver is registered
// is only checked when NewListener opens the export), and an oldstyle
// listener must either set defaultExport or have exactly one export.
func (c *Config) Validate() error {
	for i, s := range c.Servers {
		if s.Protocol == "" {
			return fmt.Errorf("server: servers[%d]: protocol is required", i)
		}
		if len(s.Exports) == 0 {
			return fmt.Errorf("server: servers[%d]: at least one export is required", i)
		}
		seen := make(map[string]bool, len(s.Exports))
		for j, ec := range s.Exports {
			if ec.Name == "" {
				return fmt.Errorf("server: servers[%d].exports[%d]: name is required", i, j)
			}
			if seen[ec.Name] {
				return fmt.Errorf("server: servers[%d].exports[%d]: duplicate export name %q", i, j, ec.Name)
			}
			seen[ec.Name] = true
			if ec.Driver == "" {
				return fmt.Errorf("server: servers[%d].exports[%d]: driver is required", i, j)
			}
		}
		if s.Oldstyle && s.DefaultExport == "" {
			if len(s.Exports) != 1 {
				return fmt.Errorf("server: servers[%d]: oldstyle listener needs defaultExport set, or exactly one export", i)
			}
		}
	}
	return nil
}
