package interceptors

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/internal/metrics"
	"github.com/glimte/relay/internal/reliability"
)

// Handler executes one envelope
type Handler interface {
	Handle(ctx context.Context, env *contracts.Envelope) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, env *contracts.Envelope) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}

// Interceptor wraps envelope execution
type Interceptor interface {
	// Intercept processes an envelope and calls the next handler in the chain
	Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, env *contracts.Envelope, next Handler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, env *contracts.Envelope, next Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	return i.fn(ctx, env, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors. The first one added runs outermost.
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain from interceptors
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: append([]Interceptor{}, interceptors...)}
}

// Add appends an interceptor
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names lists the interceptors in execution order
func (c *Chain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Wrap returns final wrapped by every interceptor of the chain. The result is
// built once and can be invoked concurrently.
func (c *Chain) Wrap(final Handler) Handler {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = HandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
			return interceptor.Intercept(ctx, env, next)
		})
	}
	return handler
}

// Execute runs env through the chain and then final
func (c *Chain) Execute(ctx context.Context, env *contracts.Envelope, final Handler) error {
	return c.Wrap(final).Handle(ctx, env)
}

// LoggingInterceptor logs envelope execution
type LoggingInterceptor struct {
	logger *zap.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *zap.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	start := time.Now()
	err := next.Handle(ctx, env)

	fields := []zap.Field{
		zap.String("envelopeId", env.ID),
		zap.String("messageType", env.MessageType),
		zap.Int("attempts", env.Attempts),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		i.logger.Warn("envelope execution failed", append(fields, zap.Error(err))...)
	} else {
		i.logger.Debug("envelope executed", fields...)
	}
	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsInterceptor records handler outcomes and durations
type MetricsInterceptor struct {
	collector *metrics.Collector
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(collector *metrics.Collector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	start := time.Now()
	err := next.Handle(ctx, env)

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	i.collector.EnvelopeHandled(env.MessageType, outcome, time.Since(start))
	return err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

// RecoveryInterceptor turns handler panics into errors
type RecoveryInterceptor struct {
	logger *zap.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor
func NewRecoveryInterceptor(logger *zap.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("handler panicked",
				zap.String("envelopeId", env.ID),
				zap.String("messageType", env.MessageType),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return next.Handle(ctx, env)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}

// TimeoutInterceptor bounds handler execution
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor. A handler that ignores its context keeps
// running after the timeout, but its result is discarded.
func (i *TimeoutInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- next.Handle(timeoutCtx, env)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		return fmt.Errorf("envelope %s timed out after %v: %w", env.ID, i.timeout, timeoutCtx.Err())
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// Validator checks an envelope before its handler runs
type Validator interface {
	Validate(ctx context.Context, env *contracts.Envelope) error
}

// ValidatorFunc is a function adapter for Validator
type ValidatorFunc func(ctx context.Context, env *contracts.Envelope) error

// Validate implements Validator
func (f ValidatorFunc) Validate(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}

// ValidationInterceptor rejects invalid envelopes. Validation failures are
// permanent: an invalid envelope stays invalid however often it is retried.
type ValidationInterceptor struct {
	validator Validator
}

// NewValidationInterceptor creates a new validation interceptor
func NewValidationInterceptor(validator Validator) *ValidationInterceptor {
	return &ValidationInterceptor{validator: validator}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	if err := i.validator.Validate(ctx, env); err != nil {
		return reliability.Permanent(fmt.Errorf("envelope validation failed: %w", err))
	}
	return next.Handle(ctx, env)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

// RateLimitingInterceptor throttles execution per message type
type RateLimitingInterceptor struct {
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimitingInterceptor allows perSecond executions of each message type
func NewRateLimitingInterceptor(perSecond float64, burst int) *RateLimitingInterceptor {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitingInterceptor{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Intercept implements Interceptor. It waits for a token until ctx is done.
func (i *RateLimitingInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	if err := i.limiter(env.MessageType).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit for message type %s: %w", env.MessageType, err)
	}
	return next.Handle(ctx, env)
}

func (i *RateLimitingInterceptor) limiter(messageType string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	l, ok := i.limiters[messageType]
	if !ok {
		l = rate.NewLimiter(i.limit, i.burst)
		i.limiters[messageType] = l
	}
	return l
}

// Name implements Interceptor
func (i *RateLimitingInterceptor) Name() string {
	return "RateLimitingInterceptor"
}
