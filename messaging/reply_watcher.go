package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/glimte/relay/contracts"
)

// DefaultReplyTimeout is used when a watch is started without a timeout
const DefaultReplyTimeout = 10 * time.Second

// PendingReply is one watch on a correlation id. It completes exactly once,
// with the reply envelope, ErrFailureAcknowledged or ErrReplyTimeout.
type PendingReply struct {
	CorrelationID string
	StartedAt     time.Time

	done    chan struct{}
	once    sync.Once
	reply   *contracts.Envelope
	err     error
	timer   *time.Timer
	watcher *ReplyWatcher
}

// Done is closed once the reply arrived or the watch timed out
func (p *PendingReply) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the watch completes or ctx is done
func (p *PendingReply) Wait(ctx context.Context) (*contracts.Envelope, error) {
	select {
	case <-p.done:
		return p.reply, p.err
	case <-ctx.Done():
		p.watcher.cancel(p.CorrelationID)
		return nil, ctx.Err()
	}
}

func (p *PendingReply) complete(reply *contracts.Envelope, err error) bool {
	completed := false
	p.once.Do(func() {
		p.reply = reply
		p.err = err
		if p.timer != nil {
			p.timer.Stop()
		}
		close(p.done)
		completed = true
	})
	return completed
}

// ReplyWatcher matches replies and acknowledgements to the requests waiting
// for them by correlation id
type ReplyWatcher struct {
	pending map[string]*PendingReply
	mu      sync.Mutex
	logger  *zap.Logger
}

// WatcherOption configures the ReplyWatcher
type WatcherOption func(*ReplyWatcher)

// WithWatcherLogger sets the logger
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *ReplyWatcher) {
		w.logger = logger
	}
}

// NewReplyWatcher creates a watcher without pending watches
func NewReplyWatcher(options ...WatcherOption) *ReplyWatcher {
	w := &ReplyWatcher{
		pending: make(map[string]*PendingReply),
		logger:  zap.NewNop(),
	}
	for _, opt := range options {
		opt(w)
	}
	return w
}

// StartWatch begins waiting for a reply correlated to correlationID.
// The watch is removed when it completes or times out.
func (w *ReplyWatcher) StartWatch(correlationID string, timeout time.Duration) (*PendingReply, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("correlation ID is required")
	}
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.pending[correlationID]; exists {
		return nil, fmt.Errorf("already watching correlation ID %s", correlationID)
	}

	p := &PendingReply{
		CorrelationID: correlationID,
		StartedAt:     time.Now().UTC(),
		done:          make(chan struct{}),
		watcher:       w,
	}
	p.timer = time.AfterFunc(timeout, func() {
		w.remove(correlationID, p)
		if p.complete(nil, fmt.Errorf("%w after %s", contracts.ErrReplyTimeout, timeout)) {
			w.logger.Debug("reply watch timed out", zap.String("envelopeId", correlationID))
		}
	})
	w.pending[correlationID] = p
	return p, nil
}

// Handle completes the watch env is correlated to and reports whether there
// was one. A failure acknowledgement completes the watch with an error.
func (w *ReplyWatcher) Handle(env *contracts.Envelope) bool {
	if env.CorrelationID == "" {
		return false
	}

	w.mu.Lock()
	p, ok := w.pending[env.CorrelationID]
	if ok {
		delete(w.pending, env.CorrelationID)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}

	if env.MessageType == contracts.FailureAcknowledgementType {
		return p.complete(env, fmt.Errorf("%w: %s", contracts.ErrFailureAcknowledged, string(env.Data)))
	}
	return p.complete(env, nil)
}

// IsWatching reports whether a watch on correlationID is pending
func (w *ReplyWatcher) IsWatching(correlationID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.pending[correlationID]
	return ok
}

// Pending returns the number of open watches
func (w *ReplyWatcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Close fails every open watch with ErrReplyTimeout
func (w *ReplyWatcher) Close() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]*PendingReply)
	w.mu.Unlock()

	for _, p := range pending {
		p.complete(nil, fmt.Errorf("%w: watcher closed", contracts.ErrReplyTimeout))
	}
}

func (w *ReplyWatcher) cancel(correlationID string) {
	w.mu.Lock()
	p, ok := w.pending[correlationID]
	if ok {
		delete(w.pending, correlationID)
	}
	w.mu.Unlock()
	if ok {
		p.complete(nil, context.Canceled)
	}
}

func (w *ReplyWatcher) remove(correlationID string, p *PendingReply) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending[correlationID] == p {
		delete(w.pending, correlationID)
	}
}
