package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/glimte/relay/contracts"
)

// MemoryStore keeps envelopes in process. It is shared by nodes running in the
// same process, which is how tests simulate a cluster.
type MemoryStore struct {
	lockID      int64
	scheduled   sync.Mutex
	mu          sync.Mutex
	incoming    map[string]*contracts.Envelope
	outgoing    map[string]*contracts.Envelope
	deadLetters map[string]DeadLetter
	closed      bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store for serviceName
func NewMemoryStore(serviceName string) *MemoryStore {
	return &MemoryStore{
		lockID:      AdvisoryLockID(serviceName),
		incoming:    make(map[string]*contracts.Envelope),
		outgoing:    make(map[string]*contracts.Envelope),
		deadLetters: make(map[string]DeadLetter),
	}
}

// LockID reports the advisory lock key this store guards ClaimScheduled with
func (s *MemoryStore) LockID() int64 {
	return s.lockID
}

// TryAdvisoryLock takes the scheduled-jobs lock without waiting. The returned
// release func must be called when ok is true.
func (s *MemoryStore) TryAdvisoryLock(ctx context.Context) (release func(), ok bool, err error) {
	if !s.scheduled.TryLock() {
		return nil, false, nil
	}
	return s.scheduled.Unlock, true, nil
}

func (s *MemoryStore) PersistOutgoing(ctx context.Context, envelopes ...*contracts.Envelope) error {
	if err := validateOutgoing(envelopes); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}

	for _, env := range envelopes {
		if _, exists := s.outgoing[env.ID]; exists {
			continue
		}
		stored := env.Clone()
		stored.Status = contracts.StatusOutgoing
		stored.Callback = nil
		s.outgoing[env.ID] = stored
	}
	return nil
}

func (s *MemoryStore) PersistIncoming(ctx context.Context, envelopes ...*contracts.Envelope) error {
	_, err := s.InsertIncoming(ctx, envelopes...)
	return err
}

func (s *MemoryStore) InsertIncoming(ctx context.Context, envelopes ...*contracts.Envelope) ([]string, error) {
	if err := validateIncoming(envelopes); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}

	var inserted []string
	for _, env := range envelopes {
		if _, exists := s.incoming[env.ID]; exists {
			continue
		}
		stored := env.Clone()
		stored.Status = incomingStatus(env)
		stored.Callback = nil
		s.incoming[env.ID] = stored
		inserted = append(inserted, env.ID)
	}
	return inserted, nil
}

func (s *MemoryStore) DeleteOutgoing(ctx context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.outgoing, id)
	}
	return nil
}

func (s *MemoryStore) DeleteIncoming(ctx context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.incoming, id)
	}
	return nil
}

func (s *MemoryStore) IncrementIncomingAttempts(ctx context.Context, id string) (int, error) {
	return s.increment(s.incoming, "increment incoming attempts", id)
}

func (s *MemoryStore) IncrementOutgoingAttempts(ctx context.Context, id string) (int, error) {
	return s.increment(s.outgoing, "increment outgoing attempts", id)
}

func (s *MemoryStore) increment(set map[string]*contracts.Envelope, op, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, ok := set[id]
	if !ok {
		return 0, &contracts.StoreError{Op: op, EnvelopeID: id, Err: contracts.ErrEnvelopeNotFound}
	}
	env.Attempts++
	return env.Attempts, nil
}

func (s *MemoryStore) MoveToDeadLetter(ctx context.Context, env *contracts.Envelope, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}

	delete(s.incoming, env.ID)
	delete(s.outgoing, env.ID)

	stored := env.Clone()
	stored.Callback = nil
	s.deadLetters[env.ID] = DeadLetter{Envelope: stored, Error: errorText(cause), FailedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) ClaimScheduled(ctx context.Context, nodeID string, now time.Time) ([]*contracts.Envelope, error) {
	release, ok, _ := s.TryAdvisoryLock(ctx)
	if !ok {
		return nil, nil
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}

	var claimed []*contracts.Envelope
	for _, env := range s.sortedIncoming() {
		if env.Status != contracts.StatusScheduled || env.ExecutionTime == nil || env.ExecutionTime.After(now) {
			continue
		}
		env.Status = contracts.StatusIncoming
		env.OwnerID = nodeID
		env.ExecutionTime = nil
		claimed = append(claimed, env.Clone())
	}
	return claimed, nil
}

func (s *MemoryStore) ReassignOrphans(ctx context.Context, deadNodes []string) ([]*contracts.Envelope, error) {
	if len(deadNodes) == 0 {
		return nil, nil
	}
	dead := make(map[string]bool, len(deadNodes))
	for _, node := range deadNodes {
		dead[node] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}

	var orphans []*contracts.Envelope
	release := func(set map[string]*contracts.Envelope) {
		for _, env := range sortedByID(set) {
			if env.OwnerID != "" && dead[env.OwnerID] {
				env.OwnerID = ""
				orphans = append(orphans, env.Clone())
			}
		}
	}
	release(s.incoming)
	release(s.outgoing)
	return orphans, nil
}

func (s *MemoryStore) ClaimIncoming(ctx context.Context, nodeID string, limit int) ([]*contracts.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	return claimUnowned(s.sortedIncoming(), nodeID, claimLimit(limit), contracts.StatusIncoming), nil
}

func (s *MemoryStore) ClaimOutgoing(ctx context.Context, nodeID string, limit int) ([]*contracts.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	return claimUnowned(sortedByID(s.outgoing), nodeID, claimLimit(limit), contracts.StatusOutgoing), nil
}

func claimUnowned(candidates []*contracts.Envelope, nodeID string, limit int, status contracts.EnvelopeStatus) []*contracts.Envelope {
	var claimed []*contracts.Envelope
	for _, env := range candidates {
		if len(claimed) == limit {
			break
		}
		if env.OwnerID != "" || env.Status != status {
			continue
		}
		env.OwnerID = nodeID
		claimed = append(claimed, env.Clone())
	}
	return claimed
}

func (s *MemoryStore) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	letters := make([]DeadLetter, 0, len(s.deadLetters))
	for _, dl := range s.deadLetters {
		letters = append(letters, DeadLetter{Envelope: dl.Envelope.Clone(), Error: dl.Error, FailedAt: dl.FailedAt})
	}
	sort.Slice(letters, func(i, j int) bool {
		if letters[i].FailedAt.Equal(letters[j].FailedAt) {
			return letters[i].Envelope.ID < letters[j].Envelope.ID
		}
		return letters[i].FailedAt.Before(letters[j].FailedAt)
	})
	if limit > 0 && len(letters) > limit {
		letters = letters[:limit]
	}
	return letters, nil
}

func (s *MemoryStore) Counts(ctx context.Context) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return Counts{}, err
	}

	var counts Counts
	for _, env := range s.incoming {
		if env.Status == contracts.StatusScheduled {
			counts.Scheduled++
		} else {
			counts.Incoming++
		}
	}
	counts.Outgoing = len(s.outgoing)
	counts.DeadLetters = len(s.deadLetters)
	return counts, nil
}

// Close marks the store unusable. Deletes still succeed so shutdown paths stay quiet.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) usable() error {
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	return nil
}

func (s *MemoryStore) sortedIncoming() []*contracts.Envelope {
	return sortedByID(s.incoming)
}

func sortedByID(set map[string]*contracts.Envelope) []*contracts.Envelope {
	envelopes := make([]*contracts.Envelope, 0, len(set))
	for _, env := range set {
		envelopes = append(envelopes, env)
	}
	sort.Slice(envelopes, func(i, j int) bool { return envelopes[i].ID < envelopes[j].ID })
	return envelopes
}
