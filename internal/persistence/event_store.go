package persistence

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/petrijr/boardflow/pkg/api"
)

// EventStore is an append-only history of run events.
type EventStore interface {
	AppendEvent(ctx context.Context, ev api.RunEvent) error
	ListEvents(ctx context.Context, runID string) ([]api.RunEvent, error)
}

// NoopEventStore discards all events.
type NoopEventStore struct{}

func (NoopEventStore) AppendEvent(context.Context, api.RunEvent) error { return nil }

func (NoopEventStore) ListEvents(context.Context, string) ([]api.RunEvent, error) {
	return nil, nil
}

// InMemoryEventStore keeps events in process memory.
type InMemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]api.RunEvent
}

var _ EventStore = (*InMemoryEventStore)(nil)

func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{events: make(map[string][]api.RunEvent)}
}

func (s *InMemoryEventStore) AppendEvent(_ context.Context, ev api.RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.At = eventTime(ev)
	s.events[ev.RunID] = append(s.events[ev.RunID], ev)
	return nil
}

func (s *InMemoryEventStore) ListEvents(_ context.Context, runID string) ([]api.RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events[runID]), nil
}

func eventTime(ev api.RunEvent) time.Time {
	if ev.At.IsZero() {
		return time.Now()
	}
	return ev.At
}
