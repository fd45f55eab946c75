package config

import (
	"errors"
	"fmt"
	"net/url"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// Validate checks static constraints and reports every violation at once
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Node.ServiceName == "" {
		errs = append(errs, &ValidationError{Field: "node.service_name", Message: "must not be empty"})
	}

	if cfg.Listener.Enabled && (cfg.Listener.Port < 1 || cfg.Listener.Port > 65535) {
		errs = append(errs, &ValidationError{
			Field:   "listener.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Listener.Port),
		})
	}

	if cfg.Worker.MaxConcurrency < 1 {
		errs = append(errs, &ValidationError{Field: "worker.max_concurrency", Message: "must be at least 1"})
	}

	if cfg.Retries.MaxAttempts < 1 {
		errs = append(errs, &ValidationError{Field: "retries.max_attempts", Message: "must be at least 1"})
	}
	if cfg.Retries.Multiplier < 1 {
		errs = append(errs, &ValidationError{Field: "retries.multiplier", Message: "must be at least 1"})
	}

	for field, d := range map[string]int64{
		"durability.scheduled_jobs_polling":    int64(cfg.Durability.ScheduledJobsPolling),
		"durability.node_reassignment_polling": int64(cfg.Durability.NodeReassignmentPolling),
		"sender.connect_timeout":               int64(cfg.Sender.ConnectTimeout),
		"sender.protocol_timeout":              int64(cfg.Sender.ProtocolTimeout),
	} {
		if d <= 0 {
			errs = append(errs, &ValidationError{Field: field, Message: "must be positive"})
		}
	}

	switch cfg.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if cfg.Store.DSN == "" {
			errs = append(errs, &ValidationError{Field: "store.dsn", Message: "required for driver " + cfg.Store.Driver})
		}
	default:
		errs = append(errs, &ValidationError{Field: "store.driver", Message: fmt.Sprintf("unknown driver %q", cfg.Store.Driver)})
	}

	for i, rule := range cfg.Publishing {
		field := fmt.Sprintf("publishing[%d]", i)
		if rule.MessageType == "" {
			errs = append(errs, &ValidationError{Field: field + ".message_type", Message: "must not be empty"})
		}
		if u, err := url.Parse(rule.Destination); err != nil || u.Scheme == "" {
			errs = append(errs, &ValidationError{Field: field + ".destination", Message: fmt.Sprintf("invalid uri %q", rule.Destination)})
		}
	}

	for messageType, file := range cfg.Validation.Schemas {
		if file == "" {
			errs = append(errs, &ValidationError{Field: "validation.schemas." + messageType, Message: "must name a schema file"})
		}
	}

	return errors.Join(errs...)
}
