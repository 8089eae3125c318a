// Package config loads the YAML configuration shared by the
// master and worker commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Pool configures the master's task pool.
type Pool struct {
	TaskTimeout   time.Duration `yaml:"task_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Master configures the master node.
type Master struct {
	Listen   string `yaml:"listen"`
	Password string `yaml:"password"`

	// Admin is the address of the HTTP status endpoint.
	// It is disabled when empty.
	Admin     string `yaml:"admin"`
	AdminPass string `yaml:"admin_password"`

	MaxWorkers     int           `yaml:"max_workers"`
	ChunkSize      int           `yaml:"chunk_size"`
	WorkerTimeout  time.Duration `yaml:"worker_timeout"`
	HealthInterval time.Duration `yaml:"health_interval"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

// Worker configures a worker node.
type Worker struct {
	Master            string        `yaml:"master"`
	Password          string        `yaml:"password"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	IdleDelay         time.Duration `yaml:"idle_delay"`
	StopGrace         time.Duration `yaml:"stop_grace"`
}

// Config is the root of a configuration file.
type Config struct {
	Pool     Pool   `yaml:"pool"`
	Master   Master `yaml:"master"`
	Worker   Worker `yaml:"worker"`
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file is
// given.
func Default() *Config {
	return &Config{
		Pool: Pool{
			TaskTimeout:   30 * time.Second,
			SweepInterval: 5 * time.Second,
		},
		Master: Master{
			Listen:         ":8000",
			MaxWorkers:     64,
			ChunkSize:      1000,
			WorkerTimeout:  30 * time.Second,
			HealthInterval: 5 * time.Second,
			ShutdownGrace:  5 * time.Second,
		},
		Worker: Worker{
			Master:            "localhost:8000",
			ReconnectAttempts: 5,
			ReconnectDelay:    5 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			IdleDelay:         time.Second,
			StopGrace:         5 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads a configuration file on top of the defaults.
// Keys missing from the file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates
// the result.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that every duration and count is usable.
func (c *Config) Validate() error {
	if c.Pool.TaskTimeout <= 0 {
		return fmt.Errorf("%w: invalid task timeout: %v", ErrInvalidConfig, c.Pool.TaskTimeout)
	}
	if c.Pool.SweepInterval <= 0 {
		return fmt.Errorf("%w: invalid sweep interval: %v", ErrInvalidConfig,
			c.Pool.SweepInterval)
	}
	if c.Master.Listen == "" {
		return fmt.Errorf("%w: master listen address required", ErrInvalidConfig)
	}
	if c.Master.MaxWorkers < 1 {
		return fmt.Errorf("%w: invalid max workers: %d", ErrInvalidConfig, c.Master.MaxWorkers)
	}
	if c.Master.ChunkSize < 1 {
		return fmt.Errorf("%w: invalid chunk size: %d", ErrInvalidConfig, c.Master.ChunkSize)
	}
	if c.Master.WorkerTimeout <= 0 || c.Master.HealthInterval <= 0 {
		return fmt.Errorf("%w: invalid worker health settings", ErrInvalidConfig)
	}
	if c.Master.ShutdownGrace < 0 {
		return fmt.Errorf("%w: invalid shutdown grace: %v", ErrInvalidConfig,
			c.Master.ShutdownGrace)
	}
	if c.Worker.Master == "" {
		return fmt.Errorf("%w: worker master address required", ErrInvalidConfig)
	}
	if c.Worker.ReconnectAttempts < 1 {
		return fmt.Errorf("%w: invalid reconnect attempts: %d", ErrInvalidConfig,
			c.Worker.ReconnectAttempts)
	}
	if c.Worker.ReconnectDelay < 0 || c.Worker.IdleDelay < 0 || c.Worker.StopGrace < 0 {
		return fmt.Errorf("%w: negative worker delay", ErrInvalidConfig)
	}
	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: invalid heartbeat interval: %v", ErrInvalidConfig,
			c.Worker.HeartbeatInterval)
	}
	return nil
}
