// Package cluster tells nodes of one service which of their peers are gone.
package cluster

import (
	"context"
	"sync"
)

// LivenessSource reports nodes whose envelopes may be taken over
type LivenessSource interface {
	DeadNodes(ctx context.Context) ([]string, error)
}

// StaticLiveness reports a fixed set of dead nodes, for single node
// deployments and tests
type StaticLiveness struct {
	mu   sync.RWMutex
	dead []string
}

var _ LivenessSource = (*StaticLiveness)(nil)

// NewStaticLiveness creates a source reporting dead as dead
func NewStaticLiveness(dead ...string) *StaticLiveness {
	return &StaticLiveness{dead: append([]string(nil), dead...)}
}

// SetDead replaces the reported nodes
func (s *StaticLiveness) SetDead(dead ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = append([]string(nil), dead...)
}

// DeadNodes implements LivenessSource
func (s *StaticLiveness) DeadNodes(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.dead...), nil
}
