// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/nanobus/bus"
	"github.com/absmach/nanobus/ratelimit"
	"github.com/absmach/nanobus/serializer"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration of a bus process.
type Config struct {
	Bus        BusConfig        `yaml:"bus"`
	Connection ConnectionConfig `yaml:"connection"`
	Log        LogConfig        `yaml:"log"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Stats      StatsConfig      `yaml:"stats"`
	RateLimit  ratelimit.Config `yaml:"ratelimit"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Health     HealthConfig     `yaml:"health"`
}

// BusConfig holds sender and receiver settings.
type BusConfig struct {
	Identification   string `yaml:"identification"`
	MaxShardingSize  int    `yaml:"max_sharding_size"`
	ListenedServices string `yaml:"listened_services"` // comma separated, default: identification
	ListenedShards   string `yaml:"listened_shards"`   // e.g. "0-3,6", default: all shards
	PrefetchSize     int    `yaml:"prefetch_size"`
	AutoAck          bool   `yaml:"auto_ack"`
	FailurePolicy    string `yaml:"failure_policy"` // ack, requeue, reject
	Workers          int    `yaml:"workers"`        // per queue
	Strict           bool   `yaml:"strict"`         // handler conflicts are fatal
	PublishChannels  int    `yaml:"publish_channels"`
	Serializer       string `yaml:"serializer"` // default engine: json, deflate-json, protobuf, msgpack

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds publish circuit breaker configuration.
// A zero FailureThreshold disables the breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// ConnectionConfig holds broker connection settings.
type ConnectionConfig struct {
	URL            string        `yaml:"url"`      // overrides hostname, credentials and vhost
	Hostname       string        `yaml:"hostname"` // comma separated host:port list
	VirtualHost    string        `yaml:"virtual_host"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	ConnectionName string        `yaml:"connection_name"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	TLSEnabled     bool          `yaml:"tls_enabled"`
	TLSCAFile      string        `yaml:"tls_ca_file"`
	TLSCertFile    string        `yaml:"tls_cert_file"`
	TLSKeyFile     string        `yaml:"tls_key_file"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// StatsConfig holds the latency sample store configuration.
type StatsConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Dir        string        `yaml:"dir"`
	InMemory   bool          `yaml:"in_memory"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

// HealthConfig holds the probe server configuration.
type HealthConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WebhookConfig holds bus event webhook configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"`      // "oldest" or "newest"
	Workers         int               `yaml:"workers"`          // Number of worker goroutines
	IncludeMessage  bool              `yaml:"include_message"`  // Include sent messages in message.sent events
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"` // Graceful shutdown timeout
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// WebhookEndpoint defines a single webhook endpoint configuration.
type WebhookEndpoint struct {
	Name         string            `yaml:"name"`
	URL          string            `yaml:"url"`
	Events       []string          `yaml:"events"`        // Event type filter (empty = all)
	MessageTypes []string          `yaml:"message_types"` // AMQP style patterns, e.g. "orders.#" (empty = all)
	Headers      map[string]string `yaml:"headers"`
	Timeout      time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry        *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			MaxShardingSize: 10,
			PrefetchSize:    bus.DefaultPrefetchSize,
			FailurePolicy:   string(bus.FailureAck),
			Workers:         1,
			PublishChannels: bus.DefaultPublishChannels,
			Serializer:      serializer.EngineJSON.String(),
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 0,
				ResetTimeout:     30 * time.Second,
			},
		},
		Connection: ConnectionConfig{
			Hostname:    "localhost:5672",
			VirtualHost: "/",
			Username:    "guest",
			Password:    "guest",
			DialTimeout: 10 * time.Second,
			Heartbeat:   10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "nanobus",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  false,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
		Stats: StatsConfig{
			Enabled:    false,
			Dir:        "/tmp/nanobus/stats",
			GCInterval: 5 * time.Minute,
		},
		RateLimit: ratelimit.DefaultConfig(),
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         2,
			IncludeMessage:  false,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
		Health: HealthConfig{
			Enabled:         false,
			Address:         ":8081",
			ShutdownTimeout: 5 * time.Second,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
// The result is not validated, since environment variables and flags may
// still complete it.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Names of the environment variables and flags overriding the file.
const (
	KeyIdentification   = "brokerIdentification"
	KeyMaxShardingSize  = "brokerMaxShardingSize"
	KeyListenedServices = "brokerListenedServices"
	KeyListenedShards   = "brokerListenedShards"
	KeyHostname         = "brokerHostname"
	KeyVirtualHost      = "brokerVirtualHost"
	KeyUsername         = "brokerUsername"
	KeyPassword         = "brokerPassword"
	KeyPrefetchSize     = "brokerPrefetchSize"
	KeyAutoAck          = "autoAck"
	KeyFailurePolicy    = "brokerFailurePolicy"
	KeyPublishChannels  = "brokerPublishChannels"
)

var usage = map[string]string{
	KeyIdentification:   "Service identification (required)",
	KeyMaxShardingSize:  "Number of shards",
	KeyListenedServices: "Comma separated services to consume, default: own identification",
	KeyListenedShards:   "Shards to consume, e.g. 0-3,6, default: all",
	KeyHostname:         "Comma separated broker addresses",
	KeyVirtualHost:      "Broker virtual host",
	KeyUsername:         "Broker username",
	KeyPassword:         "Broker password",
	KeyPrefetchSize:     "Unacknowledged deliveries per queue",
	KeyAutoAck:          "Let the broker acknowledge deliveries on send",
	KeyFailurePolicy:    "Settlement of failed deliveries: ack, requeue, reject",
	KeyPublishChannels:  "Channels used by concurrent sends",
}

// ApplyEnv overrides the configuration with the values lookup finds, e.g.
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", key, err)
		}
		*dst = n
		return nil
	}

	str(KeyIdentification, &c.Bus.Identification)
	str(KeyListenedServices, &c.Bus.ListenedServices)
	str(KeyListenedShards, &c.Bus.ListenedShards)
	str(KeyFailurePolicy, &c.Bus.FailurePolicy)
	str(KeyHostname, &c.Connection.Hostname)
	str(KeyVirtualHost, &c.Connection.VirtualHost)
	str(KeyUsername, &c.Connection.Username)
	str(KeyPassword, &c.Connection.Password)

	if err := num(KeyMaxShardingSize, &c.Bus.MaxShardingSize); err != nil {
		return err
	}
	if err := num(KeyPrefetchSize, &c.Bus.PrefetchSize); err != nil {
		return err
	}
	if err := num(KeyPublishChannels, &c.Bus.PublishChannels); err != nil {
		return err
	}

	if v, ok := lookup(KeyAutoAck); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s must be a boolean: %w", KeyAutoAck, err)
		}
		c.Bus.AutoAck = b
	}

	return nil
}

// RegisterFlags defines one flag per override key on fs.
func RegisterFlags(fs *flag.FlagSet) {
	for key, help := range usage {
		if key == KeyAutoAck {
			fs.Bool(key, false, help)
			continue
		}
		fs.String(key, "", help)
	}
}

// FlagLookup returns a lookup over the flags set on the command line, for
// use with ApplyEnv.
func FlagLookup(fs *flag.FlagSet) func(string) (string, bool) {
	set := make(map[string]string)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = f.Value.String()
	})
	return func(key string) (string, bool) {
		v, ok := set[key]
		return v, ok
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bus.Identification) == "" {
		return fmt.Errorf("bus.identification cannot be empty")
	}
	if c.Bus.PrefetchSize < 0 || c.Bus.PrefetchSize > bus.MaxPrefetchSize {
		return fmt.Errorf("bus.prefetch_size must be between 0 and %d", bus.MaxPrefetchSize)
	}
	if _, err := bus.ParseFailurePolicy(c.Bus.FailurePolicy); err != nil {
		return fmt.Errorf("bus.failure_policy must be one of: ack, requeue, reject")
	}
	if c.Bus.Workers < 0 {
		return fmt.Errorf("bus.workers cannot be negative")
	}
	if c.Bus.PublishChannels < 0 {
		return fmt.Errorf("bus.publish_channels cannot be negative")
	}
	if _, err := serializer.ParseEngine(c.Bus.Serializer); err != nil {
		return fmt.Errorf("bus.serializer must be one of: json, deflate-json, protobuf, msgpack")
	}
	if c.Bus.CircuitBreaker.FailureThreshold < 0 {
		return fmt.Errorf("bus.circuit_breaker.failure_threshold cannot be negative")
	}
	if c.Bus.CircuitBreaker.FailureThreshold > 0 && c.Bus.CircuitBreaker.ResetTimeout < time.Second {
		return fmt.Errorf("bus.circuit_breaker.reset_timeout must be at least 1 second")
	}

	if c.Connection.URL == "" && strings.Trim(c.Connection.Hostname, ", ") == "" {
		return fmt.Errorf("connection.hostname cannot be empty")
	}
	if c.Connection.TLSEnabled && (c.Connection.TLSCertFile == "") != (c.Connection.TLSKeyFile == "") {
		return fmt.Errorf("connection.tls_cert_file and connection.tls_key_file must be set together")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Telemetry.MetricsEnabled || c.Telemetry.TracesEnabled {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry enabled")
		}
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	if c.Stats.Enabled && !c.Stats.InMemory && c.Stats.Dir == "" {
		return fmt.Errorf("stats.dir required when stats are enabled")
	}

	if c.RateLimit.Enabled && c.RateLimit.Rate <= 0 {
		return fmt.Errorf("ratelimit.rate must be positive when enabled")
	}

	if c.Webhook.Enabled {
		if err := c.Webhook.validate(); err != nil {
			return err
		}
	}

	if c.Health.Enabled && c.Health.Address == "" {
		return fmt.Errorf("health.address required when the health server is enabled")
	}

	return nil
}

func (w WebhookConfig) validate() error {
	if w.QueueSize < 100 {
		return fmt.Errorf("webhook.queue_size must be at least 100")
	}
	if w.DropPolicy != "oldest" && w.DropPolicy != "newest" {
		return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
	}
	if w.Workers < 1 {
		return fmt.Errorf("webhook.workers must be at least 1")
	}
	if w.ShutdownTimeout < time.Second {
		return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
	}
	if w.Defaults.Timeout < time.Second {
		return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
	}
	if w.Defaults.Retry.MaxAttempts < 1 {
		return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
	}
	if w.Defaults.Retry.Multiplier < 1.0 {
		return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
	}
	if w.Defaults.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
	}
	if len(w.Endpoints) == 0 {
		return fmt.Errorf("webhook.endpoints cannot be empty when webhooks are enabled")
	}

	names := make(map[string]bool, len(w.Endpoints))
	for i, endpoint := range w.Endpoints {
		if endpoint.Name == "" {
			return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
		}
		if names[endpoint.Name] {
			return fmt.Errorf("webhook.endpoints[%d].name %q is duplicated", i, endpoint.Name)
		}
		names[endpoint.Name] = true
		if endpoint.URL == "" {
			return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
		}
		if endpoint.Retry != nil && endpoint.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.endpoints[%d].retry.max_attempts must be at least 1", i)
		}
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
