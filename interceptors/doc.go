// Package interceptors wraps envelope handlers with cross-cutting behaviour.
//
// Built-in interceptors:
//   - LoggingInterceptor: logs each execution with its duration
//   - MetricsInterceptor: records outcomes on the prometheus collector
//   - RecoveryInterceptor: turns handler panics into errors
//   - TimeoutInterceptor: bounds handler execution
//   - ValidationInterceptor: rejects invalid envelopes permanently
//   - RateLimitingInterceptor: throttles each message type
//
// Interceptors run in the order they are added, the final handler last:
//
//	chain := interceptors.NewChain(
//		interceptors.NewRecoveryInterceptor(logger),
//		interceptors.NewLoggingInterceptor(logger),
//		interceptors.NewTimeoutInterceptor(30*time.Second),
//	)
//	err := chain.Execute(ctx, env, handler)
package interceptors
