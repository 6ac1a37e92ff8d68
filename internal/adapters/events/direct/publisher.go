// Package direct provides a direct event publisher that writes to storage.
package direct

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/core/ports"
)

// Publisher implements ports.EventPublisher by writing directly to storage.
// This is the default implementation for single-instance deployments.
type Publisher struct {
	store  ports.RunStore
	logger *slog.Logger
}

// NewPublisher creates a new direct event publisher.
func NewPublisher(store ports.RunStore, logger *slog.Logger) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("run store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{store: store, logger: logger}, nil
}

// Publish appends the event to the run's trail.
func (p *Publisher) Publish(ctx context.Context, event *domain.RunEvent) error {
	p.logger.Debug("run event",
		slog.String("run_id", event.RunID),
		slog.String("type", string(event.Type)),
		slog.String("stage", string(event.Stage)),
		slog.String("outcome", string(event.Outcome)))

	return p.store.AppendEvent(ctx, event)
}

// Close is a no-op for direct publisher.
func (p *Publisher) Close() error {
	return nil
}

var _ ports.EventPublisher = (*Publisher)(nil)
