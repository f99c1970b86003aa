// Package config provides configuration management for the stage condition service.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/flowflex/stagecondition/internal/actions"
	"github.com/flowflex/stagecondition/internal/core/events"
)

// Config is the complete service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Events   EventsConfig   `mapstructure:"events"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig holds configuration for the gRPC evaluation API.
type ServerConfig struct {
	Host           string        `mapstructure:"host" validate:"required"`
	Port           int           `mapstructure:"port" validate:"min=1,max=65535"`
	MaxConnections int           `mapstructure:"max_connections" validate:"gt=0"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
}

// DatabaseConfig selects the store.
// Supported URL schemes: sqlite://, postgres://
type DatabaseConfig struct {
	URL         string `mapstructure:"url" validate:"required"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// EngineConfig tunes action execution.
type EngineConfig struct {
	Timeouts TimeoutConfig `mapstructure:"timeouts"`
	Retry    RetryConfig   `mapstructure:"retry"`

	// PredicateCacheSize bounds compiled rule sets kept per process. Zero
	// disables the cache.
	PredicateCacheSize int `mapstructure:"predicate_cache_size" validate:"min=0"`
}

// TimeoutConfig bounds handler calls.
type TimeoutConfig struct {
	Action           time.Duration `mapstructure:"action" validate:"gt=0"`
	SendNotification time.Duration `mapstructure:"send_notification" validate:"gt=0"`
	TriggerAction    time.Duration `mapstructure:"trigger_action" validate:"gt=0"`
}

// RetryConfig is the email retry policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"min=1,max=10"`
	BaseDelay   time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	MaxDelay    time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
}

// EventsConfig selects the broker that carries action triggers and
// notification mails.
type EventsConfig struct {
	Driver        string   `mapstructure:"driver" validate:"oneof=gochannel kafka"`
	Brokers       []string `mapstructure:"brokers" validate:"required_if=Driver kafka"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
}

// Bus converts the section for events.Open.
func (e EventsConfig) Bus() events.Config {
	return events.Config{Driver: e.Driver, Brokers: e.Brokers, ConsumerGroup: e.ConsumerGroup}
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true"`
}

// TracingConfig controls the OTLP exporter. Endpoint settings come from the
// standard OTEL_EXPORTER_OTLP_* variables.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name" validate:"required_if=Enabled true"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// ActionTimeouts converts the timeout section for the dispatcher.
func (e EngineConfig) ActionTimeouts() actions.Timeouts {
	return actions.Timeouts{
		Default:          e.Timeouts.Action,
		SendNotification: e.Timeouts.SendNotification,
		TriggerAction:    e.Timeouts.TriggerAction,
	}
}

// RetryPolicy converts the retry section for the dispatcher.
func (e EngineConfig) RetryPolicy() actions.RetryPolicy {
	p := actions.DefaultRetryPolicy()
	p.Attempts = e.Retry.MaxAttempts
	p.BaseDelay = e.Retry.BaseDelay
	p.MaxDelay = e.Retry.MaxDelay
	return p
}

// HMACSecrets extracts HMAC secrets from environment variables.
// Supports SC_HMAC_SECRET (single) and SC_HMAC_SECRET_N (rotation).
// Returns map of secret_id -> decoded secret bytes.
// Secret IDs are UUIDv7 (32 hex chars without hyphens) matching API key format.
func HMACSecrets() (map[string][]byte, error) {
	secrets := make(map[string][]byte)

	// Format: <secret_id>:<base64_secret>
	if val := os.Getenv("SC_HMAC_SECRET"); val != "" {
		secretID, decoded, err := ParseHMACSecretWithID(val)
		if err != nil {
			return nil, fmt.Errorf("SC_HMAC_SECRET: %w", err)
		}
		secrets[secretID] = decoded
	}

	// Numbered secrets keep old and new keys valid during rotation.
	for i := 1; ; i++ {
		key := fmt.Sprintf("SC_HMAC_SECRET_%d", i)
		val := os.Getenv(key)
		if val == "" {
			break
		}
		secretID, decoded, err := ParseHMACSecretWithID(val)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if _, exists := secrets[secretID]; exists {
			return nil, fmt.Errorf("duplicate secret_id '%s' found in environment variables (check SC_HMAC_SECRET and SC_HMAC_SECRET_* for conflicts)", secretID)
		}
		secrets[secretID] = decoded
	}

	return secrets, nil
}

// ParseHMACSecret decodes a base64-encoded HMAC secret.
func ParseHMACSecret(envValue string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(envValue))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	if len(decoded) < 32 {
		return nil, fmt.Errorf("secret must be at least 32 bytes, got %d", len(decoded))
	}
	return decoded, nil
}

// ParseHMACSecretWithID parses secret_id:base64_secret format.
// Secret ID must be 32 hex chars (UUIDv7 without hyphens).
func ParseHMACSecretWithID(envValue string) (secretID string, secret []byte, err error) {
	parts := strings.SplitN(strings.TrimSpace(envValue), ":", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("format must be <secret_id>:<base64_secret>")
	}

	secretID = parts[0]
	if len(secretID) != 32 {
		return "", nil, fmt.Errorf("secret_id must be 32 hex chars (UUIDv7 without hyphens)")
	}
	for _, c := range secretID {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", nil, fmt.Errorf("secret_id must be hex chars only")
		}
	}

	secret, err = ParseHMACSecret(parts[1])
	if err != nil {
		return "", nil, err
	}
	return secretID, secret, nil
}
