package ports

import (
	"context"

	"github.com/graphide/graphide/internal/core/domain"
)

// ListOptions pages through stored runs.
type ListOptions struct {
	Status domain.RunStatus
	Limit  int
	Offset int
}

// RunStore persists finished runs and their event trail. Records are
// append-only: a run id is written once.
// Implementations: memory (default), SQLite, PostgreSQL, Redis.
type RunStore interface {
	SaveRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	ListRuns(ctx context.Context, opts ListOptions) ([]*domain.RunSummary, error)

	AppendEvent(ctx context.Context, event *domain.RunEvent) error
	ListEvents(ctx context.Context, runID string) ([]*domain.RunEvent, error)

	Close() error
}

// EventPublisher publishes run lifecycle events.
// Implementations: direct storage (default).
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.RunEvent) error
	Close() error
}
