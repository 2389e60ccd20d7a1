package persistence

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/petrijr/boardflow/pkg/api"
)

// InMemoryStore is a goroutine-safe BoardStore and RunStore backed by maps.
// Records are copied in and out.
type InMemoryStore struct {
	mu     sync.RWMutex
	boards map[string]api.GraphDescriptor
	runs   map[string][]byte
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		boards: make(map[string]api.GraphDescriptor),
		runs:   make(map[string][]byte),
	}
}

var (
	_ BoardStore = (*InMemoryStore)(nil)
	_ RunStore   = (*InMemoryStore)(nil)
)

func (s *InMemoryStore) SaveBoard(_ context.Context, name string, graph api.GraphDescriptor) error {
	data, err := EncodeBoard(graph)
	if err != nil {
		return err
	}
	g, err := DecodeBoard(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boards[name] = g
	return nil
}

func (s *InMemoryStore) GetBoard(_ context.Context, name string) (api.GraphDescriptor, error) {
	s.mu.RLock()
	g, ok := s.boards[name]
	s.mu.RUnlock()
	if !ok {
		return api.GraphDescriptor{}, ErrBoardNotFound
	}
	data, err := EncodeBoard(g)
	if err != nil {
		return api.GraphDescriptor{}, err
	}
	return DecodeBoard(data)
}

func (s *InMemoryStore) ListBoards(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.boards)), nil
}

func (s *InMemoryStore) SaveRun(_ context.Context, rec *api.RunRecord) error {
	data, err := EncodeRun(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[rec.ID]; ok {
		return ErrRunExists
	}
	s.runs[rec.ID] = data
	return nil
}

func (s *InMemoryStore) UpdateRun(_ context.Context, rec *api.RunRecord) error {
	data, err := EncodeRun(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[rec.ID]; !ok {
		return ErrRunNotFound
	}
	s.runs[rec.ID] = data
	return nil
}

func (s *InMemoryStore) GetRun(_ context.Context, id string) (*api.RunRecord, error) {
	s.mu.RLock()
	data, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return DecodeRun(data)
}

func (s *InMemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*api.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.RunRecord
	for _, data := range s.runs {
		rec, err := DecodeRun(data)
		if err != nil {
			return nil, err
		}
		if filter.Matches(rec) {
			result = append(result, rec)
		}
	}
	sortRuns(result)
	return result, nil
}

func sortRuns(runs []*api.RunRecord) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
}
