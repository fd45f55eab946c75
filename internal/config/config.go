package config

import (
	"time"
)

type Config struct {
	Node       NodeConfig       `mapstructure:"node"`
	Listener   ListenerConfig   `mapstructure:"listener"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Retries    RetryConfig      `mapstructure:"retries"`
	Durability DurabilityConfig `mapstructure:"durability"`
	Store      StoreConfig      `mapstructure:"store"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Sender     SenderConfig     `mapstructure:"sender"`
	Publishing []PublishingRule `mapstructure:"publishing"`
	Validation ValidationConfig `mapstructure:"validation"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type NodeConfig struct {
	ServiceName string `mapstructure:"service_name"`
	// NodeID defaults to hostname:port when empty
	NodeID string `mapstructure:"node_id"`
}

type ListenerConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	Queues      []string `mapstructure:"queues"`
	AcceptRate  float64  `mapstructure:"accept_rate"`
	AcceptBurst int      `mapstructure:"accept_burst"`
}

type WorkerConfig struct {
	MaxConcurrency   int           `mapstructure:"max_concurrency"`
	AdmissionTimeout time.Duration `mapstructure:"admission_timeout"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

type DurabilityConfig struct {
	ScheduledJobsPolling    time.Duration `mapstructure:"scheduled_jobs_polling"`
	NodeReassignmentPolling time.Duration `mapstructure:"node_reassignment_polling"`
	FirstDelay              time.Duration `mapstructure:"first_delay"`
	RecoveryBatchSize       int           `mapstructure:"recovery_batch_size"`
}

type StoreConfig struct {
	// Driver is one of memory, sqlite or postgres
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	Schema string `mapstructure:"schema"`
}

type RedisConfig struct {
	Addr              string        `mapstructure:"addr"`
	Password          string        `mapstructure:"password"`
	DB                int           `mapstructure:"db"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	NodeTTL           time.Duration `mapstructure:"node_ttl"`
}

type SenderConfig struct {
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	ProtocolTimeout  time.Duration `mapstructure:"protocol_timeout"`
	BreakerThreshold uint32        `mapstructure:"breaker_threshold"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
}

type PublishingRule struct {
	MessageType string `mapstructure:"message_type"`
	Destination string `mapstructure:"destination"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	// Address serves /metrics when set, e.g. ":9102"
	Address string `mapstructure:"address"`
}

type ValidationConfig struct {
	// Schemas maps a message type to the JSON schema file its bodies must match
	Schemas map[string]string `mapstructure:"schemas"`
}
