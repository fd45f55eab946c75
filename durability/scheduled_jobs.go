package durability

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/glimte/relay/messaging"
	"github.com/glimte/relay/persistence"
)

// ScheduledJobs promotes due Scheduled envelopes to the worker queue. Only the
// node holding the service-wide advisory lock gets anything on a given tick.
type ScheduledJobs struct {
	store    persistence.Store
	queue    Enqueuer
	nodeID   string
	callback *messaging.DurableCallback
	options
}

// NewScheduledJobs creates the sweep for nodeID
func NewScheduledJobs(store persistence.Store, queue Enqueuer, nodeID string, opts ...Option) *ScheduledJobs {
	return &ScheduledJobs{
		store:    store,
		queue:    queue,
		nodeID:   nodeID,
		callback: messaging.NewDurableCallback(store),
		options:  newOptions(opts),
	}
}

// Execute sweeps at the current time
func (s *ScheduledJobs) Execute(ctx context.Context) (int, error) {
	return s.ExecuteAt(ctx, s.now())
}

// ExecuteAt claims every Scheduled envelope due at now and enqueues it with a
// durable callback. Losing the lock to another node is not an error; it
// returns zero.
func (s *ScheduledJobs) ExecuteAt(ctx context.Context, now time.Time) (int, error) {
	claimed, err := s.store.ClaimScheduled(ctx, s.nodeID, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("claim scheduled envelopes: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	s.metrics.ScheduledClaimed(len(claimed))
	s.logger.Debug("claimed scheduled envelopes",
		zap.String("nodeId", s.nodeID),
		zap.Int("count", len(claimed)))

	for _, env := range claimed {
		env.Callback = s.callback
		enqueue(ctx, s.queue, env, s.logger)
	}
	return len(claimed), nil
}

// Run sweeps until ctx is done. A failed sweep is logged and the next tick runs as usual.
func (s *ScheduledJobs) Run(ctx context.Context) error {
	poll(ctx, s.firstDelay, s.interval, func(ctx context.Context) {
		if _, err := s.Execute(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduled job sweep failed", zap.String("nodeId", s.nodeID), zap.Error(err))
		}
	})
	return nil
}
