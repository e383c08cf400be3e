package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kanengo/healthd/health"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes the environment variables that override the file,
// for example HEALTHD_SERVER_ADDRESS or HEALTHD_WATCH_QUEUE_SIZE.
const EnvPrefix = "HEALTHD"

type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Watch     WatchConfig       `yaml:"watch"`
	RateLimit RateLimitConfig   `yaml:"rate_limit" split_words:"true"`
	Services  map[string]string `yaml:"services"`
	Admin     AdminConfig       `yaml:"admin"`
	Log       LogConfig         `yaml:"log"`
	Registry  RegistryConfig    `yaml:"registry"`
}

type ServerConfig struct {
	Address string   `yaml:"address"`
	Timeout Duration `yaml:"timeout"`
	TLSCert string   `yaml:"tls_cert" split_words:"true"`
	TLSKey  string   `yaml:"tls_key" split_words:"true"`
}

type WatchConfig struct {
	QueueSize         int    `yaml:"queue_size" split_words:"true"`
	MaxLag            uint64 `yaml:"max_lag" split_words:"true"`
	RequireRegistered bool   `yaml:"require_registered" split_words:"true"`
	InitialStatus     bool   `yaml:"initial_status" split_words:"true"`
}

// RateLimitConfig limits Check calls. A zero capacity disables the limit.
type RateLimitConfig struct {
	Capacity     int64    `yaml:"capacity"`
	FillInterval Duration `yaml:"fill_interval" split_words:"true"`
}

type AdminConfig struct {
	Address string `yaml:"address"`
}

// LogConfig writes to stderr unless File is set, in which case the file is
// rotated by size.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size" split_words:"true"`
	MaxBackups int    `yaml:"max_backups" split_words:"true"`
	MaxAge     int    `yaml:"max_age" split_words:"true"`
}

// RegistryConfig announces the process in etcd. Nothing is registered when
// Endpoints is empty.
type RegistryConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Namespace string   `yaml:"namespace"`
	Name      string   `yaml:"name"`
	Instance  string   `yaml:"instance"`
	TTL       Duration `yaml:"ttl"`
}

type Duration struct{ time.Duration }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.Decode(s)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(s string) error {
	dd, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dd
	return nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address: ":9000",
			Timeout: Duration{3 * time.Second},
		},
		Watch: WatchConfig{
			QueueSize:     health.DefaultQueueSize,
			MaxLag:        health.DefaultMaxLag,
			InitialStatus: true,
		},
		Admin: AdminConfig{
			Address: ":9090",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
		Registry: RegistryConfig{
			Namespace: "/healthd",
			Name:      "healthd",
			TTL:       Duration{15 * time.Second},
		},
	}
}

// Load reads path on top of the defaults and then applies the environment.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Watch.QueueSize <= 0 {
		return fmt.Errorf("watch.queue_size must be positive, got %d", c.Watch.QueueSize)
	}
	if c.RateLimit.Capacity < 0 {
		return fmt.Errorf("rate_limit.capacity must not be negative, got %d", c.RateLimit.Capacity)
	}
	if c.RateLimit.Capacity > 0 && c.RateLimit.FillInterval.Duration <= 0 {
		return fmt.Errorf("rate_limit.fill_interval must be positive when capacity is set")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	if _, err := c.Statuses(); err != nil {
		return err
	}
	return nil
}

// Statuses parses the initial service statuses.
func (c *Config) Statuses() (map[string]health.Status, error) {
	statuses := make(map[string]health.Status, len(c.Services))
	for name, s := range c.Services {
		st, err := health.ParseStatus(s)
		if err != nil {
			return nil, fmt.Errorf("services.%s: %w", name, err)
		}
		statuses[name] = st
	}
	return statuses, nil
}

// HealthOptions translates the watch settings into health options.
func (c *Config) HealthOptions() []health.Option {
	return []health.Option{
		health.WithQueueSize(c.Watch.QueueSize),
		health.WithMaxLag(c.Watch.MaxLag),
		health.WithRequireRegistered(c.Watch.RequireRegistered),
		health.WithInitialStatus(c.Watch.InitialStatus),
	}
}
