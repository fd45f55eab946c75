// Package reliability provides the failure-handling policies used by the engine.
//
//   - BackoffRetries: exponential, jittered retry delays with error classification
//   - Breakers: one circuit breaker per remote destination
//   - DeadLetters: an in-memory record of envelopes that gave up, for inspection
//
// Example:
//
//	retries := NewBackoffRetries(5, 500*time.Millisecond, 30*time.Second, 2)
//	if delay, ok := retries.Next(env, err); ok {
//	    time.AfterFunc(delay, resubmit)
//	}
package reliability
