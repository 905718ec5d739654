// Package config provides configuration loading and management for ctstream.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Brick cache parameters
	Cache struct {
		// MemoryLimitMB is the budget converted into the cache capacity
		MemoryLimitMB int64 `yaml:"memoryLimitMB"`
	} `yaml:"cache"`

	// Bulk loader parameters
	Loader struct {
		// Workers bounds concurrent brick imports; 0 leaves two cores free
		Workers int `yaml:"workers"`

		// IOLimitBytesPerSec caps chunk reads; 0 means unlimited
		IOLimitBytesPerSec int64 `yaml:"ioLimitBytesPerSec"`
	} `yaml:"loader"`

	// Upload pipeline parameters
	Upload struct {
		// MaxBricksPerFrame bounds uploads per frame; 0 drains the queue
		MaxBricksPerFrame int `yaml:"maxBricksPerFrame"`

		// ReadyQueueCapacity bounds the ready queue; 0 means unbounded
		ReadyQueueCapacity int `yaml:"readyQueueCapacity"`
	} `yaml:"upload"`

	// Render loop parameters
	Render struct {
		// FrameInterval is the time between two frames
		FrameInterval time.Duration `yaml:"frameInterval"`
	} `yaml:"render"`

	// Output parameters
	Output struct {
		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`

		// JSONLogs switches from console to JSON log lines
		JSONLogs bool `yaml:"jsonLogs"`

		// MetricsAddr serves Prometheus metrics when set, e.g. ":9090"
		MetricsAddr string `yaml:"metricsAddr"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Cache.MemoryLimitMB = 2048

	cfg.Loader.Workers = 0
	cfg.Loader.IOLimitBytesPerSec = 0

	cfg.Upload.MaxBricksPerFrame = 0
	cfg.Upload.ReadyQueueCapacity = 0

	cfg.Render.FrameInterval = 16 * time.Millisecond

	cfg.Output.Verbose = false
	cfg.Output.JSONLogs = false
	cfg.Output.MetricsAddr = ""

	return cfg
}

// Validate rejects values no component can work with
func (c *Config) Validate() error {
	switch {
	case c.Cache.MemoryLimitMB <= 0:
		return fmt.Errorf("cache.memoryLimitMB must be positive, got %d", c.Cache.MemoryLimitMB)
	case c.Loader.Workers < 0:
		return fmt.Errorf("loader.workers must not be negative, got %d", c.Loader.Workers)
	case c.Loader.IOLimitBytesPerSec < 0:
		return fmt.Errorf("loader.ioLimitBytesPerSec must not be negative")
	case c.Upload.MaxBricksPerFrame < 0:
		return fmt.Errorf("upload.maxBricksPerFrame must not be negative")
	case c.Upload.ReadyQueueCapacity < 0:
		return fmt.Errorf("upload.readyQueueCapacity must not be negative")
	case c.Render.FrameInterval <= 0:
		return fmt.Errorf("render.frameInterval must be positive, got %s", c.Render.FrameInterval)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("error in config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
