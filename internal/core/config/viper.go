package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/flowflex/stagecondition/internal/rules"
	"github.com/flowflex/stagecondition/internal/types"
)

// EnvPrefix prefixes every environment override, e.g. SC_SERVER_PORT.
const EnvPrefix = "SC"

var validate = validator.New(validator.WithRequiredStructEnabled())

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 50061)
	v.SetDefault("server.max_connections", 1000)
	v.SetDefault("server.request_timeout", "30s")

	v.SetDefault("database.url", "sqlite://./data/stagecondition.db")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("engine.timeouts.action", types.DefaultActionTimeout.String())
	v.SetDefault("engine.timeouts.send_notification", types.SendNotificationTimeout.String())
	v.SetDefault("engine.timeouts.trigger_action", types.TriggerActionTimeout.String())
	v.SetDefault("engine.retry.max_attempts", types.DefaultMaxRetryAttempts)
	v.SetDefault("engine.retry.base_delay", types.DefaultRetryBaseDelay.String())
	v.SetDefault("engine.retry.max_delay", types.DefaultRetryMaxDelay.String())
	v.SetDefault("engine.predicate_cache_size", rules.DefaultPredicateCacheSize)

	v.SetDefault("events.driver", "gochannel")
	v.SetDefault("events.consumer_group", "stagecondition")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "stagecondition")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadConfig loads configuration using viper.
// CLI flags > environment > config file > defaults precedence. flags maps
// config keys to command flags and may be nil.
func LoadConfig(configPath string, flags map[string]*pflag.Flag) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// No default exists for brokers, so AutomaticEnv alone would not surface it.
	if err := v.BindEnv("events.brokers"); err != nil {
		return nil, fmt.Errorf("bind events.brokers: %w", err)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets must be environment-only per 12-factor principles
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	for key, flag := range flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag.Name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateConfig runs the struct tag checks and reports the first failure by
// its config key.
func validateConfig(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	fe := verrs[0]
	return fmt.Errorf("invalid configuration: %s fails %q (got %v)", configKey(fe.Namespace()), fe.Tag(), fe.Value())
}

// configKey turns a validator namespace like Config.Engine.Retry.MaxAttempts
// into engine.retry.maxattempts.
func configKey(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	return strings.ToLower(strings.Join(parts, "."))
}

func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.InConfig("hmac_secret") || v.InConfig("server.hmac_secret") {
		return fmt.Errorf("HMAC secrets not allowed in config files (use SC_HMAC_SECRET environment variable)")
	}
	return nil
}
