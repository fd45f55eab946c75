package persistence

import (
	"time"

	"go.uber.org/zap"
)

// DefaultSchema names the schema (postgres) or table prefix (sqlite) envelopes live in
const DefaultSchema = "relay"

// DefaultLeaseDuration bounds how long a crashed node can hold the sqlite scheduled-jobs lease
const DefaultLeaseDuration = 30 * time.Second

type storeOptions struct {
	logger *zap.Logger
	schema string
	lease  time.Duration
}

// Option configures a SQL-backed store
type Option func(*storeOptions)

// WithLogger sets the logger used for claim and reassignment events
func WithLogger(logger *zap.Logger) Option {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

// WithSchema overrides DefaultSchema
func WithSchema(schema string) Option {
	return func(o *storeOptions) {
		o.schema = schema
	}
}

// WithLeaseDuration overrides DefaultLeaseDuration
func WithLeaseDuration(d time.Duration) Option {
	return func(o *storeOptions) {
		o.lease = d
	}
}

func buildOptions(opts []Option) storeOptions {
	o := storeOptions{
		logger: zap.NewNop(),
		schema: DefaultSchema,
		lease:  DefaultLeaseDuration,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}
