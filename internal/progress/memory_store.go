package progress

import (
	"context"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/api"
)

// MemoryStore is a goroutine-safe Store backed by maps. It is non-durable
// and intended for tests and single-process development runs.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string][]byte // run documents, JSON-encoded like the durable stores
	leases map[string]lease
	events map[string][]api.Event
}

type lease struct {
	owner   string
	expires time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string][]byte),
		leases: make(map[string]lease),
		events: make(map[string][]api.Event),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateRun(ctx context.Context, run *api.Run) error {
	data, err := EncodeRun(run)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = data
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	s.mu.RLock()
	data, ok := s.runs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, api.ErrRunNotFound
	}
	return DecodeRun(data)
}

func (s *MemoryStore) UpdateRun(ctx context.Context, run *api.Run) error {
	data, err := EncodeRun(run)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return api.ErrRunNotFound
	}
	s.runs[run.ID] = data
	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Run
	for _, data := range s.runs {
		run, err := DecodeRun(data)
		if err != nil {
			return nil, err
		}
		if filter.Workflow != "" && run.Workflow != filter.Workflow {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		result = append(result, run)
	}
	return result, nil
}

func (s *MemoryStore) TryAcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cur, held := s.leases[runID]
	if held && cur.owner != owner && cur.expires.After(now) {
		return false, nil
	}

	s.leases[runID] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, held := s.leases[runID]
	if !held || cur.owner != owner {
		return ErrLeaseNotHeld
	}
	s.leases[runID] = lease{owner: owner, expires: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, runID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, held := s.leases[runID]; held && cur.owner == owner {
		delete(s.leases, runID)
	}
	return nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, ev api.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.RunID] = append(s.events[ev.RunID], ev)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, runID string) ([]api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]api.Event, len(s.events[runID]))
	copy(out, s.events[runID])
	return out, nil
}
