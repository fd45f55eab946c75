package durability

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Agent owns the periodic durability loops of one node
type Agent struct {
	scheduled    *ScheduledJobs
	reassignment *NodeReassignment
	logger       *zap.Logger
}

// NewAgent runs whichever loops are given. Either may be nil.
func NewAgent(scheduled *ScheduledJobs, reassignment *NodeReassignment, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{scheduled: scheduled, reassignment: reassignment, logger: logger}
}

// Run recovers what this node owned before a restart, then runs the loops
// until ctx is done
func (a *Agent) Run(ctx context.Context) error {
	if a.reassignment != nil {
		recovery, err := a.reassignment.RecoverSelf(ctx)
		if err != nil {
			a.logger.Error("startup recovery failed", zap.Error(err))
		} else if recovery.Incoming+recovery.Outgoing > 0 {
			a.logger.Info("recovered envelopes from a previous run",
				zap.Int("incoming", recovery.Incoming),
				zap.Int("outgoing", recovery.Outgoing))
		}
	}

	g, gCtx := errgroup.WithContext(ctx)
	if a.scheduled != nil {
		g.Go(func() error {
			return a.scheduled.Run(gCtx)
		})
	}
	if a.reassignment != nil {
		g.Go(func() error {
			return a.reassignment.Run(gCtx)
		})
	}
	return g.Wait()
}
