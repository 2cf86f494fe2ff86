// Package config loads somnia configuration.
//
// Values come from hardcoded defaults, then an optional YAML or TOML file,
// then SOMNIA_* environment variables (highest precedence).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds the complete somnia configuration.
type Config struct {
	Backend   BackendConfig   `koanf:"backend"`
	Poller    PollerConfig    `koanf:"poller"`
	Monitor   MonitorConfig   `koanf:"monitor"`
	Events    EventsConfig    `koanf:"events"`
	Server    ServerConfig    `koanf:"server"`
	Cache     CacheConfig     `koanf:"cache"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// BackendConfig points at the Analysis Status Service.
type BackendConfig struct {
	BaseURL string `koanf:"base_url"`
	// Resource is the collection path segment: {base_url}/{resource}/{id}/analysis.
	Resource  string   `koanf:"resource"`
	Token     Secret   `koanf:"token"`
	Timeout   Duration `koanf:"timeout"`
	RateLimit float64  `koanf:"rate_limit"` // requests per second, 0 disables
	Burst     int      `koanf:"burst"`
}

// PollerConfig configures the per-dream analysis poller.
type PollerConfig struct {
	Interval Duration `koanf:"interval"`
}

// MonitorConfig configures the global pending-set monitor.
type MonitorConfig struct {
	BaseInterval Duration `koanf:"base_interval"`
	MaxInterval  Duration `koanf:"max_interval"`
	Factor       float64  `koanf:"factor"`
	RefreshDelay Duration `koanf:"refresh_delay"`
}

// EventsConfig configures the entity event bus.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	Embedded      bool   `koanf:"embedded"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ServerConfig holds the local HTTP API configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// CacheConfig sizes the proxy listing cache.
type CacheConfig struct {
	ListingTTL Duration `koanf:"listing_ttl"`
	Size       int      `koanf:"size"`
}

// LoggingConfig is the file/env facing subset of logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig is the file/env facing subset of telemetry.Config.
type TelemetryConfig struct {
	Enabled       bool    `koanf:"enabled"`
	Endpoint      string  `koanf:"endpoint"`
	Protocol      string  `koanf:"protocol"`
	Insecure      bool    `koanf:"insecure"`
	TLSSkipVerify bool    `koanf:"tls_skip_verify"`
	SampleRate    float64 `koanf:"sample_rate"`
	ServiceName   string  `koanf:"service_name"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:   "http://localhost:8000/api",
			Resource:  "dreams",
			Timeout:   Duration(10 * time.Second),
			RateLimit: 10,
			Burst:     5,
		},
		Poller: PollerConfig{
			Interval: Duration(3 * time.Second),
		},
		Monitor: MonitorConfig{
			BaseInterval: Duration(5 * time.Second),
			MaxInterval:  Duration(60 * time.Second),
			Factor:       1.5,
			RefreshDelay: Duration(2 * time.Second),
		},
		Events: EventsConfig{
			NATSURL:       "nats://localhost:4222",
			SubjectPrefix: "somnia",
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Cache: CacheConfig{
			ListingTTL: Duration(30 * time.Second),
			Size:       64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			SampleRate:  1.0,
			ServiceName: "somnia",
		},
	}
}

// Validate checks the configuration for values the pollers cannot run with.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return errors.New("backend.base_url is required")
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend.base_url must be an absolute URL, got %q", c.Backend.BaseURL)
	}
	if c.Backend.Resource == "" || strings.Contains(c.Backend.Resource, "/") {
		return fmt.Errorf("backend.resource must be a single path segment, got %q", c.Backend.Resource)
	}
	if c.Backend.Timeout.Duration() <= 0 {
		return errors.New("backend.timeout must be positive")
	}
	if c.Backend.RateLimit < 0 {
		return fmt.Errorf("backend.rate_limit cannot be negative, got %v", c.Backend.RateLimit)
	}
	if c.Poller.Interval.Duration() <= 0 {
		return errors.New("poller.interval must be positive")
	}
	if c.Monitor.BaseInterval.Duration() <= 0 {
		return errors.New("monitor.base_interval must be positive")
	}
	if c.Monitor.MaxInterval < c.Monitor.BaseInterval {
		return fmt.Errorf("monitor.max_interval (%s) must be >= base_interval (%s)",
			c.Monitor.MaxInterval.Duration(), c.Monitor.BaseInterval.Duration())
	}
	if c.Monitor.Factor < 1 {
		return fmt.Errorf("monitor.factor must be >= 1, got %v", c.Monitor.Factor)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}
	if c.Cache.Size < 0 {
		return fmt.Errorf("cache.size cannot be negative, got %d", c.Cache.Size)
	}
	if !c.Events.Embedded && c.Events.NATSURL == "" {
		return errors.New("events.nats_url is required unless events.embedded is set")
	}
	if c.Events.SubjectPrefix == "" {
		return errors.New("events.subject_prefix is required")
	}
	return nil
}
