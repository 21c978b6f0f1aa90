// Package config handles process configuration: the environment variables
// read at start, and the YAML document describing per-API transport
// bindings, schema transport selection, and plugin settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Process holds the handful of environment variables the core reads at
// start. Everything else (flag parsing, bus-module import, .env discovery)
// is a CLI collaborator concern.
type Process struct {
	BusModule     string // BUS_MODULE
	BusConfig     string // BUS_CONFIG: path to the YAML document below
	ServiceName   string // BUS_SERVICE_NAME
	ProcessName   string // BUS_PROCESS_NAME
	LogLevel      string // LOG_LEVEL; the YAML document's bus.log_level is not applied here
	LogFormat     string // LOG_FORMAT (json|console)
	LogFile       string // LOG_FILE: path to write logs to; empty means stdout
	LogMaxSizeMB  int64  // LOG_MAX_SIZE_MB: rotate LogFile once it exceeds this size
	LogMaxBackups int    // LOG_MAX_BACKUPS: number of rotated files to keep

	AuditForwardURL    string // AUDIT_FORWARD_URL: endpoint audit events are mirrored to; empty disables forwarding
	AuditForwardAPIKey string // AUDIT_FORWARD_API_KEY: bearer token for AuditForwardURL
}

// ProcessFromEnv reads the four core environment variables, applying
// sensible defaults for local development.
func ProcessFromEnv() Process {
	return Process{
		BusModule:     EnvOrDefault("BUS_MODULE", ""),
		BusConfig:     EnvOrDefault("BUS_CONFIG", "./bus.yaml"),
		ServiceName:   EnvOrDefault("BUS_SERVICE_NAME", "default"),
		ProcessName:   EnvOrDefault("BUS_PROCESS_NAME", randomProcessName()),
		LogLevel:      EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:     EnvOrDefault("LOG_FORMAT", "json"),
		LogFile:       EnvOrDefault("LOG_FILE", ""),
		LogMaxSizeMB:  int64(EnvIntOrDefault("LOG_MAX_SIZE_MB", 10)),
		LogMaxBackups: EnvIntOrDefault("LOG_MAX_BACKUPS", 5),

		AuditForwardURL:    EnvOrDefault("AUDIT_FORWARD_URL", ""),
		AuditForwardAPIKey: EnvOrDefault("AUDIT_FORWARD_API_KEY", ""),
	}
}

// TransportSelector names, at most, one backend per transport capability.
// Exactly one field should be populated; it is a tagged union over backend
// kind the same way lightbus's config structures are (one NamedTuple field
// per supported backend name).
type TransportSelector struct {
	Redis *RedisTransportConfig `yaml:"redis,omitempty"`
}

// Name returns the backend name set on the selector, or "" if none is set.
func (s *TransportSelector) Name() string {
	if s == nil {
		return ""
	}
	if s.Redis != nil {
		return "redis"
	}
	return ""
}

// RedisTransportConfig is the Redis backend's parameter set, covering the
// RPC/result/event/schema transports. Not every field applies to every
// capability; irrelevant fields are ignored by the transport that doesn't
// need them.
type RedisTransportConfig struct {
	URL                      string        `yaml:"url"`
	BatchSize                int64         `yaml:"batch_size"`
	StreamUse                string        `yaml:"stream_use"` // PER_EVENT | PER_API
	ServiceName              string        `yaml:"service_name"`
	ConsumerName             string        `yaml:"consumer_name"`
	AcknowledgementTimeout   time.Duration `yaml:"acknowledgement_timeout"`
	MaxStreamLength          int64         `yaml:"max_stream_length"`
	ConsumptionRestartDelay  time.Duration `yaml:"consumption_restart_delay"`
	Serializer               string        `yaml:"serializer"`   // by_field | blob
	Deserializer             string        `yaml:"deserializer"` // by_field | blob
	MaxAgeSeconds            int           `yaml:"max_age_seconds"`
}

// ValidateConfig toggles parameter/response validation for an API.
type ValidateConfig struct {
	Incoming *bool `yaml:"incoming"`
	Outgoing *bool `yaml:"outgoing"`
}

func (v ValidateConfig) incomingOrDefault() bool {
	if v.Incoming == nil {
		return true
	}
	return *v.Incoming
}

func (v ValidateConfig) outgoingOrDefault() bool {
	if v.Outgoing == nil {
		return true
	}
	return *v.Outgoing
}

// IncomingEnabled reports whether incoming validation is enabled (default true).
func (v ValidateConfig) IncomingEnabled() bool { return v.incomingOrDefault() }

// OutgoingEnabled reports whether outgoing validation is enabled (default true).
func (v ValidateConfig) OutgoingEnabled() bool { return v.outgoingOrDefault() }

// APIConfig is one `apis.<name>` entry: transport overrides plus timeouts.
type APIConfig struct {
	RPCTransport              *TransportSelector `yaml:"rpc_transport"`
	ResultTransport           *TransportSelector `yaml:"result_transport"`
	EventTransport            *TransportSelector `yaml:"event_transport"`
	RPCTimeout                time.Duration      `yaml:"rpc_timeout"`
	EventListenerSetupTimeout time.Duration      `yaml:"event_listener_setup_timeout"`
	EventFireTimeout          time.Duration      `yaml:"event_fire_timeout"`
	Validate                  ValidateConfig     `yaml:"validate"`
}

// PluginConfig is one `plugins.<id>` entry.
type PluginConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Options map[string]interface{} `yaml:",inline"`
}

// SchemaConfig is `bus.schema`.
type SchemaConfig struct {
	Transport *TransportSelector `yaml:"transport"`
}

// BusConfig is the `bus` top-level section.
type BusConfig struct {
	LogLevel string       `yaml:"log_level"`
	Schema   SchemaConfig `yaml:"schema"`
}

// Config is the root of the YAML document read from BUS_CONFIG.
type Config struct {
	Bus     BusConfig               `yaml:"bus"`
	APIs    map[string]APIConfig    `yaml:"apis"`
	Plugins map[string]PluginConfig `yaml:"plugins"`
}

// Load reads and parses the YAML configuration document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if cfg.APIs == nil {
		cfg.APIs = map[string]APIConfig{}
	}

	return &cfg, nil
}

// APIConfigFor returns the configuration for an API. An API without an
// explicit entry gets the `default` entry, mirroring TransportRegistry's
// own default-fallback behavior at the config layer; when there is no
// `default` entry either, it gets an APIConfig with 5s timeouts and
// validation left at its defaults.
func (c *Config) APIConfigFor(apiName string) APIConfig {
	if cfg, ok := c.APIs[apiName]; ok {
		return cfg
	}
	if cfg, ok := c.APIs["default"]; ok {
		return cfg
	}
	return APIConfig{
		RPCTimeout:                5 * time.Second,
		EventListenerSetupTimeout: 5 * time.Second,
		EventFireTimeout:          5 * time.Second,
	}
}

func randomProcessName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "busrelay"
	}
	return hostname
}
