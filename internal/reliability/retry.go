package reliability

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/glimte/relay/contracts"
)

// BackoffRetries decides whether a failed envelope gets another attempt and how long
// to wait before it. Delays grow exponentially with the envelope's Attempts.
type BackoffRetries struct {
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// NewBackoffRetries creates a policy with jittered exponential delays
func NewBackoffRetries(maxAttempts int, initial, max time.Duration, multiplier float64) *BackoffRetries {
	return &BackoffRetries{
		MaxAttempts:         maxAttempts,
		InitialInterval:     initial,
		MaxInterval:         max,
		Multiplier:          multiplier,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
	}
}

// DefaultRetries allows three attempts starting at one second
func DefaultRetries() *BackoffRetries {
	return NewBackoffRetries(3, time.Second, 30*time.Second, 2.0)
}

// Next returns the delay before the next attempt, or false when the envelope is done retrying.
// env.Attempts already counts the attempt that just failed.
func (p *BackoffRetries) Next(env *contracts.Envelope, err error) (time.Duration, bool) {
	if !IsRetryable(err) {
		return 0, false
	}
	if env.Attempts >= p.MaxAttempts {
		return 0, false
	}
	return p.Delay(env.Attempts), true
}

// Delay returns the wait before retrying after attempt failures
func (p *BackoffRetries) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Permanent marks err so that no retry policy retries it
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsRetryable classifies failures. Codec, routing and ownership failures never heal by retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var permanent *backoff.PermanentError
	switch {
	case errors.As(err, &permanent):
		return false
	case errors.Is(err, contracts.ErrIndeterminateOwnership):
		return false
	case errors.Is(err, contracts.ErrSerializationFailure):
		return false
	case errors.Is(err, contracts.ErrQueueDoesNotExist):
		return false
	case errors.Is(err, contracts.ErrNoHandler):
		return false
	}
	return true
}
