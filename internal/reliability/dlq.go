package reliability

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/glimte/relay/contracts"
)

// FailedEnvelope is what is kept about an envelope that ran out of attempts
type FailedEnvelope struct {
	EnvelopeID    string
	MessageType   string
	Destination   string
	CorrelationID string
	Attempts      int
	Error         string
	FailedAt      time.Time
	Envelope      *contracts.Envelope
}

// DeadLetterFilter narrows List results
type DeadLetterFilter struct {
	MessageType string
	Since       time.Time
	MaxResults  int
}

// DeadLetters records dead-lettered envelopes in memory and logs each one.
// It is safe for concurrent use.
type DeadLetters struct {
	logger   *zap.Logger
	capacity int
	entries  map[string]FailedEnvelope
	order    []string
	mu       sync.RWMutex
}

// DeadLettersOption configures DeadLetters
type DeadLettersOption func(*DeadLetters)

// WithDeadLettersLogger sets the logger
func WithDeadLettersLogger(logger *zap.Logger) DeadLettersOption {
	return func(d *DeadLetters) {
		d.logger = logger
	}
}

// WithDeadLettersCapacity bounds how many entries are kept; the oldest are evicted first
func WithDeadLettersCapacity(capacity int) DeadLettersOption {
	return func(d *DeadLetters) {
		d.capacity = capacity
	}
}

// NewDeadLetters creates an empty record
func NewDeadLetters(options ...DeadLettersOption) *DeadLetters {
	d := &DeadLetters{
		logger:   zap.NewNop(),
		capacity: 1000,
		entries:  make(map[string]FailedEnvelope),
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// DeadLetter records env as permanently failed
func (d *DeadLetters) DeadLetter(ctx context.Context, env *contracts.Envelope, cause error) error {
	entry := FailedEnvelope{
		EnvelopeID:    env.ID,
		MessageType:   env.MessageType,
		Destination:   env.Destination,
		CorrelationID: env.CorrelationID,
		Attempts:      env.Attempts,
		FailedAt:      time.Now().UTC(),
		Envelope:      env.Clone(),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	entry.Envelope.Callback = nil

	d.mu.Lock()
	if _, exists := d.entries[env.ID]; !exists {
		d.order = append(d.order, env.ID)
	}
	d.entries[env.ID] = entry
	for d.capacity > 0 && len(d.order) > d.capacity {
		delete(d.entries, d.order[0])
		d.order = d.order[1:]
	}
	d.mu.Unlock()

	d.logger.Warn("envelope dead-lettered",
		zap.String("envelopeId", env.ID),
		zap.String("messageType", env.MessageType),
		zap.Int("attempts", env.Attempts),
		zap.Error(cause),
	)
	return nil
}

// Get returns the entry for an envelope id
func (d *DeadLetters) Get(id string) (*FailedEnvelope, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, ok := d.entries[id]
	if !ok {
		return nil, ErrDeadLetterNotFound
	}
	return &entry, nil
}

// List returns entries matching filter, oldest first
func (d *DeadLetters) List(filter DeadLetterFilter) []FailedEnvelope {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var results []FailedEnvelope
	for _, id := range d.order {
		entry := d.entries[id]
		if filter.MessageType != "" && entry.MessageType != filter.MessageType {
			continue
		}
		if !filter.Since.IsZero() && entry.FailedAt.Before(filter.Since) {
			continue
		}
		results = append(results, entry)
		if filter.MaxResults > 0 && len(results) >= filter.MaxResults {
			break
		}
	}
	return results
}

// Remove forgets an entry, typically after it was replayed
func (d *DeadLetters) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.entries[id]; !ok {
		return
	}
	delete(d.entries, id)
	for i, existing := range d.order {
		if existing == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of recorded entries
func (d *DeadLetters) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}
