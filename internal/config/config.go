// Package config loads the broker configuration files.
package config

import (
	"context"
	"fmt"
	"io/fs"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/omrkit/omr/internal/model"
)

// BrokerYAMLRepository loads broker configuration from YAML files.
type BrokerYAMLRepository struct {
	fs fs.FS
}

// NewBrokerYAMLRepository creates a new YAML broker config repository.
func NewBrokerYAMLRepository(filesystem fs.FS) *BrokerYAMLRepository {
	return &BrokerYAMLRepository{fs: filesystem}
}

// GetBrokerConfig loads a broker configuration from a YAML file. Unset values
// get the defaults and the result is validated.
func (r *BrokerYAMLRepository) GetBrokerConfig(ctx context.Context, path string) (model.BrokerConfig, error) {
	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return model.BrokerConfig{}, fmt.Errorf("reading broker config file: %w", err)
	}

	if ctx.Err() != nil {
		return model.BrokerConfig{}, ctx.Err()
	}

	var cfg BrokerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.BrokerConfig{}, fmt.Errorf("parsing YAML: %w", err)
	}

	m := cfg.toModel()
	m.Defaults()
	if err := m.Validate(); err != nil {
		return model.BrokerConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return m, nil
}

// BrokerConfig represents the YAML structure for the broker configuration.
// Durations use the Go format (e.g. `20s`).
type BrokerConfig struct {
	ListenAddr      string          `yaml:"listen_addr"`
	Heartbeat       HeartbeatConfig `yaml:"heartbeat"`
	ChunkSize       int             `yaml:"chunk_size"`
	Selection       string          `yaml:"selection"`
	DispatchTimeout time.Duration   `yaml:"dispatch_timeout"`
	Journal         JournalConfig   `yaml:"journal"`
}

// HeartbeatConfig represents the YAML structure for the worker liveness probes.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// JournalConfig represents the YAML structure for the job journal.
type JournalConfig struct {
	Kind   string `yaml:"kind"`
	DBPath string `yaml:"db_path"`
}

func (c BrokerConfig) toModel() model.BrokerConfig {
	return model.BrokerConfig{
		ListenAddr:        c.ListenAddr,
		HeartbeatInterval: c.Heartbeat.Interval,
		HeartbeatTimeout:  c.Heartbeat.Timeout,
		ChunkSize:         c.ChunkSize,
		Selection:         model.SelectionPolicy(c.Selection),
		DispatchTimeout:   c.DispatchTimeout,
		Journal:           model.JournalKind(c.Journal.Kind),
		DBPath:            c.Journal.DBPath,
	}
}
