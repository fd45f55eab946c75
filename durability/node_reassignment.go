package durability

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/glimte/relay/cluster"
	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/messaging"
	"github.com/glimte/relay/persistence"
)

// forgetter is implemented by liveness sources that can drop nodes once their
// envelopes have been released
type forgetter interface {
	Forget(ctx context.Context, nodes ...string) error
}

// Recovery summarises one reassignment sweep
type Recovery struct {
	DeadNodes  []string
	Reassigned int
	Incoming   int
	Outgoing   int
}

// NodeReassignment releases the envelopes of dead nodes and takes its share of
// whatever is unowned
type NodeReassignment struct {
	store    persistence.Store
	liveness cluster.LivenessSource
	queue    Enqueuer
	resender Resender
	nodeID   string
	callback *messaging.DurableCallback
	options
}

// NewNodeReassignment creates the sweep for nodeID. resender may be nil on
// nodes that never send; their orphaned outgoing envelopes are left for others.
func NewNodeReassignment(store persistence.Store, liveness cluster.LivenessSource, queue Enqueuer, resender Resender, nodeID string, opts ...Option) *NodeReassignment {
	if liveness == nil {
		liveness = cluster.NewStaticLiveness()
	}
	return &NodeReassignment{
		store:    store,
		liveness: liveness,
		queue:    queue,
		resender: resender,
		nodeID:   nodeID,
		callback: messaging.NewDurableCallback(store),
		options:  newOptions(opts),
	}
}

// Execute asks the liveness source for dead nodes, clears their ownership and
// claims one batch of unowned incoming and outgoing envelopes for this node.
// Attempts are never touched by the reassignment itself.
func (r *NodeReassignment) Execute(ctx context.Context) (Recovery, error) {
	dead, err := r.liveness.DeadNodes(ctx)
	if err != nil {
		return Recovery{}, fmt.Errorf("list dead nodes: %w", err)
	}
	dead = r.others(dead)

	recovery := Recovery{DeadNodes: dead}
	if len(dead) > 0 {
		orphans, err := r.store.ReassignOrphans(ctx, dead)
		if err != nil {
			return recovery, fmt.Errorf("reassign orphans of %v: %w", dead, err)
		}
		recovery.Reassigned = len(orphans)
		r.metrics.OrphansReassigned(len(orphans))
		r.logger.Info("released envelopes of dead nodes",
			zap.Strings("deadNodes", dead),
			zap.Int("count", len(orphans)))

		if f, ok := r.liveness.(forgetter); ok {
			if err := f.Forget(ctx, dead...); err != nil {
				r.logger.Warn("dead nodes could not be forgotten", zap.Strings("deadNodes", dead), zap.Error(err))
			}
		}
	}

	incoming, outgoing, err := r.claim(ctx)
	recovery.Incoming = incoming
	recovery.Outgoing = outgoing
	return recovery, err
}

// RecoverSelf releases and reclaims what this node owned before a restart.
// Nothing of it can be in flight yet, so it is safe to run once at startup.
func (r *NodeReassignment) RecoverSelf(ctx context.Context) (Recovery, error) {
	orphans, err := r.store.ReassignOrphans(ctx, []string{r.nodeID})
	if err != nil {
		return Recovery{}, fmt.Errorf("release own envelopes: %w", err)
	}

	recovery := Recovery{Reassigned: len(orphans)}
	incoming, outgoing, err := r.claim(ctx)
	recovery.Incoming = incoming
	recovery.Outgoing = outgoing
	return recovery, err
}

// Run sweeps until ctx is done
func (r *NodeReassignment) Run(ctx context.Context) error {
	poll(ctx, r.firstDelay, r.interval, func(ctx context.Context) {
		if _, err := r.Execute(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("node reassignment sweep failed", zap.String("nodeId", r.nodeID), zap.Error(err))
		}
	})
	return nil
}

func (r *NodeReassignment) claim(ctx context.Context) (int, int, error) {
	var errs []error

	incoming, err := r.store.ClaimIncoming(ctx, r.nodeID, r.batchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("claim incoming: %w", err))
	}
	for _, env := range incoming {
		env.Callback = r.callback
		enqueue(ctx, r.queue, env, r.logger)
	}

	var outgoing []*contracts.Envelope
	if r.resender != nil {
		outgoing, err = r.store.ClaimOutgoing(ctx, r.nodeID, r.batchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("claim outgoing: %w", err))
		}
		if len(outgoing) > 0 {
			r.resender.Resend(outgoing...)
		}
	}

	if len(incoming)+len(outgoing) > 0 {
		r.logger.Debug("claimed unowned envelopes",
			zap.String("nodeId", r.nodeID),
			zap.Int("incoming", len(incoming)),
			zap.Int("outgoing", len(outgoing)))
	}
	return len(incoming), len(outgoing), errors.Join(errs...)
}

func (r *NodeReassignment) others(nodes []string) []string {
	out := make([]string, 0, len(nodes))
	for _, node := range nodes {
		if node != "" && node != r.nodeID {
			out = append(out, node)
		}
	}
	return out
}
