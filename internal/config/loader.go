package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "RELAY"

// Load reads configFile (YAML) when given, applies RELAY_* environment overrides
// and defaults, and validates the result.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigType("yaml")
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration Load produces with no file and no environment
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.service_name", "relay")
	v.SetDefault("node.node_id", "")

	v.SetDefault("listener.enabled", true)
	v.SetDefault("listener.host", "0.0.0.0")
	v.SetDefault("listener.port", 2201)
	v.SetDefault("listener.queues", []string{})
	v.SetDefault("listener.accept_rate", 500.0)
	v.SetDefault("listener.accept_burst", 100)

	v.SetDefault("worker.max_concurrency", 64)
	v.SetDefault("worker.admission_timeout", time.Second)

	v.SetDefault("retries.max_attempts", 3)
	v.SetDefault("retries.initial_interval", time.Second)
	v.SetDefault("retries.max_interval", 30*time.Second)
	v.SetDefault("retries.multiplier", 2.0)

	v.SetDefault("durability.scheduled_jobs_polling", 5*time.Second)
	v.SetDefault("durability.node_reassignment_polling", time.Minute)
	v.SetDefault("durability.first_delay", time.Second)
	v.SetDefault("durability.recovery_batch_size", 100)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.schema", "relay")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.heartbeat_interval", 5*time.Second)
	v.SetDefault("redis.node_ttl", 30*time.Second)

	v.SetDefault("sender.connect_timeout", 5*time.Second)
	v.SetDefault("sender.protocol_timeout", 5*time.Second)
	v.SetDefault("sender.breaker_threshold", 5)
	v.SetDefault("sender.breaker_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.address", "")
}
