package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/core/ports"
)

// Store is an in-memory implementation of ports.RunStore
type Store struct {
	mu     sync.RWMutex
	runs   map[string]*domain.Run
	events map[string][]*domain.RunEvent
}

// New creates a new in-memory store
func New() *Store {
	return &Store{
		runs:   make(map[string]*domain.Run),
		events: make(map[string][]*domain.RunEvent),
	}
}

var _ ports.RunStore = (*Store)(nil)

func (s *Store) SaveRun(ctx context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s: %w", run.ID, domain.ErrRunExists)
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[id]
	if !exists {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrRunNotFound)
	}
	cp := *run
	return &cp, nil
}

func (s *Store) ListRuns(ctx context.Context, opts ports.ListOptions) ([]*domain.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.RunSummary
	for _, run := range s.runs {
		if opts.Status != "" && run.Status != opts.Status {
			continue
		}
		result = append(result, run.Summary())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	// Simple pagination
	start := opts.Offset
	if start >= len(result) {
		return []*domain.RunSummary{}, nil
	}

	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}

	return result[start:end], nil
}

func (s *Store) AppendEvent(ctx context.Context, event *domain.RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *event
	s.events[event.RunID] = append(s.events[event.RunID], &cp)
	return nil
}

func (s *Store) ListEvents(ctx context.Context, runID string) ([]*domain.RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]*domain.RunEvent, 0, len(s.events[runID]))
	for _, ev := range s.events[runID] {
		cp := *ev
		events = append(events, &cp)
	}
	return events, nil
}

func (s *Store) Close() error {
	return nil
}
