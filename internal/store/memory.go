package store

import (
	"context"
	"sync"
	"time"

	"github.com/carelinkhq/eventgate/internal/model"
)

// MemoryStore implements Store in memory, for tests and single-node dev mode.
type MemoryStore struct {
	mu         sync.Mutex
	dedup      map[string]time.Time
	buffer     []BufferedEvent
	nextCursor int64
	decisions  []*model.AuthDecision
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		dedup:      make(map[string]time.Time),
		nextCursor: 1,
	}
}

func (s *MemoryStore) MarkSeen(_ context.Context, eventID string, seenAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.dedup[eventID]; seen {
		return false, nil
	}
	s.dedup[eventID] = seenAt
	return true, nil
}

func (s *MemoryStore) ForgetSeen(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dedup, eventID)
	return nil
}

func (s *MemoryStore) PruneDedup(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, seen := range s.dedup {
		if seen.Before(before) {
			delete(s.dedup, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, ev *model.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor := s.nextCursor
	s.nextCursor++
	s.buffer = append(s.buffer, BufferedEvent{Cursor: cursor, Event: ev})
	return cursor, nil
}

func (s *MemoryStore) EventsSince(_ context.Context, cursor int64, limit int) ([]BufferedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []BufferedEvent
	for _, be := range s.buffer {
		if be.Cursor <= cursor {
			continue
		}
		out = append(out, be)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) PruneEvents(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []BufferedEvent
	var removed int64
	for _, be := range s.buffer {
		if be.Event.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, be)
	}
	s.buffer = kept
	return removed, nil
}

func (s *MemoryStore) RecordDecision(_ context.Context, d *model.AuthDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *MemoryStore) DecisionsSince(_ context.Context, since time.Time, limit int) ([]*model.AuthDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.AuthDecision
	for _, d := range s.decisions {
		if d.At.Before(since) {
			continue
		}
		out = append(out, d)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
