package reliability

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings configures every per-destination breaker
type BreakerSettings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// DefaultBreakerSettings trips after five consecutive failures and probes again after 30s
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// StateListener is notified when a destination's breaker changes state
type StateListener func(destination string, from, to gobreaker.State)

// Breakers keeps one circuit breaker per destination so a dead peer does not
// slow down sends to healthy ones.
type Breakers struct {
	settings BreakerSettings
	listener StateListener
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.Mutex
}

// NewBreakers creates an empty breaker set
func NewBreakers(settings BreakerSettings, listener StateListener) *Breakers {
	return &Breakers{
		settings: settings,
		listener: listener,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Execute runs fn through the breaker for destination. An open breaker returns
// ErrCircuitOpen without calling fn.
func (b *Breakers) Execute(destination string, fn func() error) error {
	cb := b.get(destination)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, destination)
	}
	return err
}

// State returns the breaker state for destination; unknown destinations are closed
func (b *Breakers) State(destination string) gobreaker.State {
	b.mu.Lock()
	cb, ok := b.breakers[destination]
	b.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

func (b *Breakers) get(destination string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[destination]; ok {
		return cb
	}

	threshold := b.settings.FailureThreshold
	if threshold == 0 {
		threshold = 1
	}
	settings := gobreaker.Settings{
		Name:        destination,
		MaxRequests: b.settings.MaxRequests,
		Interval:    b.settings.Interval,
		Timeout:     b.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	if b.listener != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			b.listener(name, from, to)
		}
	}

	cb := gobreaker.NewCircuitBreaker(settings)
	b.breakers[destination] = cb
	return cb
}
