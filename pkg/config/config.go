// Package config loads and validates server configuration from YAML, with
// defaults suitable for a single relay node.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config is the top-level server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Device   DeviceConfig   `yaml:"device"`
	Cache    CacheConfig    `yaml:"cache"`
	Topology TopologyConfig `yaml:"topology"`
	Store    StoreConfig    `yaml:"store"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"min=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"min=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`
}

// DeviceConfig points at the relay node's REST API.
type DeviceConfig struct {
	BaseURL      string        `yaml:"base_url" validate:"required,url"`
	Timeout      time.Duration `yaml:"timeout" validate:"min=0"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"min=0"`
}

// CacheConfig holds packet cache tunables.
type CacheConfig struct {
	BootstrapWindow    time.Duration `yaml:"bootstrap_window" validate:"min=0"`
	StalenessThreshold time.Duration `yaml:"staleness_threshold" validate:"min=0"`
	BootstrapLimit     int           `yaml:"bootstrap_limit" validate:"min=0"`
	DeepLoadBatchSize  int           `yaml:"deep_load_batch_size" validate:"min=0"`
	DeepLoadDelay      time.Duration `yaml:"deep_load_delay" validate:"min=0"`
	DeepLoadMaxBatches int           `yaml:"deep_load_max_batches" validate:"min=0"`
	PollBatchSize      int           `yaml:"poll_batch_size" validate:"min=0"`
	DeepLoadEnabled    bool          `yaml:"deep_load_enabled"`
}

// TopologyConfig holds inference tunables.
type TopologyConfig struct {
	ConfidenceThreshold    float64       `yaml:"confidence_threshold" validate:"min=0,max=1"`
	HubCentralityThreshold float64       `yaml:"hub_centrality_threshold" validate:"min=0,max=1"`
	HubMinPaths            int           `yaml:"hub_min_paths" validate:"min=0"`
	HubMinPathFraction     float64       `yaml:"hub_min_path_fraction" validate:"min=0,max=1"`
	Debounce               time.Duration `yaml:"debounce" validate:"min=0"`
}

// StoreConfig configures packet persistence.
type StoreConfig struct {
	Path       string `yaml:"path"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8090",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Device: DeviceConfig{
			BaseURL:      "http://localhost:8080",
			Timeout:      10 * time.Second,
			PollInterval: 30 * time.Second,
		},
		Cache: CacheConfig{
			BootstrapWindow:    24 * time.Hour,
			StalenessThreshold: time.Hour,
			BootstrapLimit:     5000,
			DeepLoadBatchSize:  500,
			DeepLoadDelay:      500 * time.Millisecond,
			DeepLoadMaxBatches: 500,
			PollBatchSize:      200,
			DeepLoadEnabled:    true,
		},
		Topology: TopologyConfig{
			ConfidenceThreshold:    0.5,
			HubCentralityThreshold: 0.5,
			HubMinPaths:            3,
			HubMinPathFraction:     0.05,
			Debounce:               2 * time.Second,
		},
		Store: StoreConfig{
			Path:       "./data/packets",
			SyncWrites: true,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML config file, fills in defaults for omitted fields, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration against its struct tags.
func (c *Config) Validate() error {
	return validate.Struct(c)
}
