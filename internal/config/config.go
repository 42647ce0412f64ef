// Package config handles TOML configuration for stackline.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/yairfalse/stackline/bootstrap"
	"github.com/yairfalse/stackline/retry"
)

// Config is the root configuration structure.
type Config struct {
	AWS       AWSConfig       `toml:"aws"`
	OTEL      OTELConfig      `toml:"otel"`
	Retry     RetryConfig     `toml:"retry"`
	State     StateConfig     `toml:"state"`
	Provision ProvisionConfig `toml:"provision"`
	Log       LogConfig       `toml:"log"`
}

// AWSConfig holds AWS provider settings.
type AWSConfig struct {
	Region  string `toml:"region"`
	Profile string `toml:"profile"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint"`
	Insecure    bool          `toml:"insecure"`
	ServiceName string        `toml:"service_name"`
	Traces      TracesConfig  `toml:"traces"`
	Metrics     MetricsConfig `toml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// RetryConfig bounds provider call retries and the guest retry helper.
type RetryConfig struct {
	Attempts    int    `toml:"attempts"`
	Backoff     string `toml:"backoff"`
	DelayStr    string `toml:"delay"`
	MaxDelayStr string `toml:"max_delay"`
	Delay       time.Duration
	MaxDelay    time.Duration
}

// StateConfig locates manifests, the journal and the history database.
type StateConfig struct {
	Dir string `toml:"dir"`
}

// ProvisionConfig holds topology defaults for provision.
type ProvisionConfig struct {
	NetworkCIDR  string               `toml:"network_cidr"`
	SubnetCIDR   string               `toml:"subnet_cidr"`
	InstanceType string               `toml:"instance_type"`
	ImageID      string               `toml:"image_id"`
	Template     string               `toml:"template"`
	Steps        []string             `toml:"steps"`
	Artifacts    []bootstrap.Artifact `toml:"artifacts"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	_ = parseDurations(cfg)
	return cfg
}

// Load reads and parses a TOML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "stackline"
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry.Attempts = 5
	}
	if cfg.Retry.Backoff == "" {
		cfg.Retry.Backoff = "linear"
	}
	if cfg.Retry.DelayStr == "" {
		cfg.Retry.DelayStr = "2s"
	}
	if cfg.Retry.MaxDelayStr == "" {
		cfg.Retry.MaxDelayStr = "30s"
	}
	if cfg.State.Dir == "" {
		cfg.State.Dir = ".stackline"
	}
	if cfg.Provision.NetworkCIDR == "" {
		cfg.Provision.NetworkCIDR = "10.0.0.0/16"
	}
	if cfg.Provision.SubnetCIDR == "" {
		cfg.Provision.SubnetCIDR = "10.0.1.0/24"
	}
	if cfg.Provision.InstanceType == "" {
		cfg.Provision.InstanceType = "t3.micro"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

func parseDurations(cfg *Config) error {
	d, err := time.ParseDuration(cfg.Retry.DelayStr)
	if err != nil {
		return fmt.Errorf("parse retry delay %q: %w", cfg.Retry.DelayStr, err)
	}
	cfg.Retry.Delay = d

	d, err = time.ParseDuration(cfg.Retry.MaxDelayStr)
	if err != nil {
		return fmt.Errorf("parse retry max_delay %q: %w", cfg.Retry.MaxDelayStr, err)
	}
	cfg.Retry.MaxDelay = d
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if c.AWS.Region == "" {
		return fmt.Errorf("aws: region required")
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry: attempts must be at least 1 (got %d)", c.Retry.Attempts)
	}
	if c.Retry.Backoff != "linear" && c.Retry.Backoff != "exponential" {
		return fmt.Errorf("retry: backoff must be linear or exponential (got %q)", c.Retry.Backoff)
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log: format must be console or json (got %q)", c.Log.Format)
	}
	return nil
}

// RetryPolicy builds the retry policy described by the [retry] section.
func (c *Config) RetryPolicy() retry.Policy {
	if c.Retry.Backoff == "exponential" {
		return retry.Exponential(c.Retry.Attempts, c.Retry.Delay, c.Retry.MaxDelay)
	}
	return retry.Linear(c.Retry.Attempts, c.Retry.Delay)
}
