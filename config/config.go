// Package config defines the bus configuration: broker connection,
// deployment partition, stream retention, and per-topic reader defaults.
// Configuration is loaded from YAML and may be overridden by environment
// variables for deployment-specific settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/controlbus/errors"
)

// Stream storage mode constants.
const (
	StorageFile   = "file"
	StorageMemory = "memory"
)

// Queue sizing bounds. Readers below MinQueueLen cannot keep a useful
// backlog; DefaultQueueLen is used when a handle does not choose its own.
const (
	MinQueueLen     = 10
	DefaultQueueLen = 100
)

// MaxHistoryRead caps how many records an indexed reader scans while
// reconstructing per-index history at startup.
const MaxHistoryRead = 10000

// Config is the complete bus configuration.
type Config struct {
	Namespace string          `yaml:"namespace"`
	Subname   string          `yaml:"subname"`
	Broker    BrokerConfig    `yaml:"broker"`
	Stream    StreamConfig    `yaml:"stream"`
	Reader    ReaderConfig    `yaml:"reader"`
	Command   CommandConfig   `yaml:"command"`
	Auth      AuthConfig      `yaml:"auth"`
	Schema    SchemaConfig    `yaml:"schema"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// BrokerConfig defines the NATS connection settings.
type BrokerConfig struct {
	URLs           []string      `yaml:"urls"`
	Name           string        `yaml:"name,omitempty"`
	Username       string        `yaml:"username,omitempty"`
	Password       string        `yaml:"password,omitempty"`
	Token          string        `yaml:"token,omitempty"`
	MaxReconnects  int           `yaml:"max_reconnects,omitempty"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
	TLS            TLSConfig     `yaml:"tls,omitempty"`
}

// TLSConfig for secure broker connections.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`
	CAFile   string `yaml:"ca_file,omitempty"`
}

// StreamConfig defines retention for the per-topic streams created on
// demand by writers and readers.
type StreamConfig struct {
	Storage  string        `yaml:"storage,omitempty"`
	MaxMsgs  int64         `yaml:"max_msgs,omitempty"`
	MaxAge   time.Duration `yaml:"max_age,omitempty"`
	Replicas int           `yaml:"replicas,omitempty"`
}

// ReaderConfig holds the defaults applied to read handles that do not
// configure themselves explicitly.
type ReaderConfig struct {
	QueueLen     int `yaml:"queue_len,omitempty"`
	HistoryDepth int `yaml:"history_depth,omitempty"`
}

// CommandConfig holds command engine defaults.
type CommandConfig struct {
	// DefaultTimeout bounds a command acknowledgement wait when the
	// caller does not pass its own deadline.
	DefaultTimeout time.Duration `yaml:"default_timeout,omitempty"`
}

// AuthConfig controls command authorization on the receiving side.
// Empty lists with Enabled true reject every non-local issuer.
type AuthConfig struct {
	Enabled       bool     `yaml:"enabled"`
	AuthorizedIDs []string `yaml:"authorized_ids,omitempty"`
	NonAuthorized []string `yaml:"non_authorized,omitempty"`
}

// SchemaConfig controls wire record validation.
type SchemaConfig struct {
	// Validate rejects outgoing records that do not satisfy the
	// topic's generated JSON schema. Costs one validation per write.
	Validate bool `yaml:"validate"`
}

// TelemetryConfig controls the metrics endpoint.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr,omitempty"`
}

// Default returns a Config with production defaults applied. Namespace
// and Subname remain empty and must be set before Validate passes.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			URLs:           []string{"nats://127.0.0.1:4222"},
			MaxReconnects:  60,
			ReconnectWait:  2 * time.Second,
			ConnectTimeout: 5 * time.Second,
		},
		Stream: StreamConfig{
			Storage:  StorageFile,
			MaxMsgs:  100_000,
			MaxAge:   24 * time.Hour,
			Replicas: 1,
		},
		Reader: ReaderConfig{
			QueueLen:     DefaultQueueLen,
			HistoryDepth: 1,
		},
		Command: CommandConfig{
			DefaultTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Addr: ":9090",
		},
	}
}

// Load reads a YAML config file, merges it over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Load", "read file")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Load", "parse yaml")
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Environment variable names recognised by applyEnv. They override the
// file so one image can serve several deployments.
const (
	EnvBrokerURLs = "CONTROLBUS_BROKER_URLS"
	EnvNamespace  = "CONTROLBUS_NAMESPACE"
	EnvSubname    = "CONTROLBUS_SUBNAME"
	EnvQueueLen   = "CONTROLBUS_QUEUE_LEN"
)

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvBrokerURLs); v != "" {
		c.Broker.URLs = strings.Split(v, ",")
	}
	if v := os.Getenv(EnvNamespace); v != "" {
		c.Namespace = v
	}
	if v := os.Getenv(EnvSubname); v != "" {
		c.Subname = v
	}
	if v := os.Getenv(EnvQueueLen); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Reader.QueueLen = n
		}
	}
}

// Validate checks the config and normalizes partition names.
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return validationError("namespace is required")
	}
	if c.Subname == "" {
		return validationError("subname is required")
	}
	c.Namespace = strings.ToLower(c.Namespace)
	c.Subname = strings.ToLower(c.Subname)
	if !isSubjectPart(c.Namespace) {
		return validationError(fmt.Sprintf("namespace %q is not subject-safe (alphanumeric, dash, underscore)", c.Namespace))
	}
	if !isSubjectPart(c.Subname) {
		return validationError(fmt.Sprintf("subname %q is not subject-safe (alphanumeric, dash, underscore)", c.Subname))
	}
	if len(c.Broker.URLs) == 0 {
		return validationError("broker.urls must list at least one server")
	}
	switch c.Stream.Storage {
	case StorageFile, StorageMemory:
	default:
		return validationError(fmt.Sprintf("stream.storage %q must be %q or %q", c.Stream.Storage, StorageFile, StorageMemory))
	}
	if c.Stream.Replicas < 1 {
		return validationError("stream.replicas must be at least 1")
	}
	if c.Reader.QueueLen < MinQueueLen {
		return validationError(fmt.Sprintf("reader.queue_len %d is below the minimum %d", c.Reader.QueueLen, MinQueueLen))
	}
	if c.Reader.HistoryDepth < 0 {
		return validationError("reader.history_depth must not be negative")
	}
	if c.Reader.HistoryDepth > MaxHistoryRead {
		return validationError(fmt.Sprintf("reader.history_depth %d exceeds the maximum %d", c.Reader.HistoryDepth, MaxHistoryRead))
	}
	if c.Command.DefaultTimeout <= 0 {
		return validationError("command.default_timeout must be positive")
	}
	if c.Broker.TLS.Enabled {
		if c.Broker.TLS.CertFile == "" || c.Broker.TLS.KeyFile == "" {
			return validationError("broker.tls requires cert_file and key_file when enabled")
		}
	}
	return nil
}

func validationError(msg string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", msg)
}

// subject-safe: tokens usable inside a NATS subject without quoting.
func isSubjectPart(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return s != ""
}
