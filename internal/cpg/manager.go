// Package cpg manages code-property-graph sessions for analysis runs.
//
// A session is one freshly imported engine project. Sessions are never
// shared between runs and are released exactly once, on every exit path.
package cpg

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/core/ports"
)

// closeTimeout bounds project deletion, which runs even after the run's
// context is cancelled.
const closeTimeout = 30 * time.Second

// Observer is notified when sessions open and close.
type Observer interface {
	SessionOpened()
	SessionClosed()
}

// Manager owns the lifecycle of CPG sessions against one graph engine.
type Manager struct {
	engine   ports.GraphEngine
	logger   *slog.Logger
	observer Observer
	newName  func() string

	sessions sync.Map // session id -> *domain.CPGSession
	open     atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithObserver reports session counts, e.g. to metrics.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithProjectNamer overrides project name generation.
func WithProjectNamer(fn func() string) Option {
	return func(m *Manager) { m.newName = fn }
}

// NewManager creates a session manager for engine.
func NewManager(engine ports.GraphEngine, opts ...Option) *Manager {
	m := &Manager{
		engine: engine,
		logger: slog.Default(),
		newName: func() string {
			return "graphide_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OpenOption configures one Open call.
type OpenOption func(*ports.ImportSpec)

// WithContent imports content instead of reading the file at the path.
func WithContent(content string) OpenOption {
	return func(s *ports.ImportSpec) { s.Content = content }
}

// Open imports sourcePath into a new project. It is not idempotent: every
// call creates an independent session so no run sees another's graph.
func (m *Manager) Open(ctx context.Context, sourcePath string, opts ...OpenOption) (*domain.CPGSession, error) {
	spec := ports.ImportSpec{Path: sourcePath, Project: m.newName()}
	for _, opt := range opts {
		opt(&spec)
	}

	handle, err := m.engine.ImportProject(ctx, spec)
	if err != nil {
		// A timed out or dropped import may still have created the project.
		if domain.KindOf(err) != domain.ErrorFatal {
			m.discard(ctx, spec.Project)
		}
		return nil, fmt.Errorf("open cpg session: %w", domain.AsStageError(err))
	}

	s := &domain.CPGSession{
		ID:         uuid.NewString(),
		Project:    handle,
		SourcePath: sourcePath,
		OpenedAt:   time.Now(),
		Source:     spec.Content,
	}
	m.sessions.Store(s.ID, s)
	m.open.Add(1)
	if m.observer != nil {
		m.observer.SessionOpened()
	}

	m.logger.Info("cpg session opened",
		slog.String("session_id", s.ID),
		slog.String("project", s.Project),
		slog.String("path", sourcePath))
	return s, nil
}

// discard deletes a project whose import did not complete.
func (m *Manager) discard(ctx context.Context, project string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()

	if err := m.engine.DeleteProject(ctx, project); err != nil {
		m.logger.Warn("failed to discard partially imported cpg project",
			slog.String("project", project),
			slog.String("error", err.Error()))
		return
	}
	m.logger.Info("discarded partially imported cpg project", slog.String("project", project))
}

// Close deletes the session's project. Only the first call for a session
// reaches the engine; later calls are no-ops.
func (m *Manager) Close(ctx context.Context, s *domain.CPGSession) error {
	if s == nil {
		return nil
	}
	if _, loaded := m.sessions.LoadAndDelete(s.ID); !loaded {
		return nil
	}
	m.open.Add(-1)
	if m.observer != nil {
		m.observer.SessionClosed()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()

	if err := m.engine.DeleteProject(ctx, s.Project); err != nil {
		m.logger.Error("failed to delete cpg project",
			slog.String("session_id", s.ID),
			slog.String("project", s.Project),
			slog.String("error", err.Error()))
		return fmt.Errorf("close cpg session: %w", err)
	}

	m.logger.Info("cpg session closed",
		slog.String("session_id", s.ID),
		slog.String("project", s.Project),
		slog.Duration("lifetime", time.Since(s.OpenedAt)))
	return nil
}

// WithSession opens a session, passes it to fn and closes it on every exit
// path, including a panic in fn, which is re-raised after the close.
func (m *Manager) WithSession(ctx context.Context, sourcePath string, fn func(*domain.CPGSession) error, opts ...OpenOption) (err error) {
	s, err := m.Open(ctx, sourcePath, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := m.Close(ctx, s); closeErr != nil && err == nil {
			// A leaked project is logged by Close; the run's result stands.
			m.logger.Warn("session close failed after success", slog.String("error", closeErr.Error()))
		}
	}()
	return fn(s)
}

// OpenSessions returns the number of sessions not yet closed.
func (m *Manager) OpenSessions() int {
	return int(m.open.Load())
}

// CloseAll releases every open session, used at shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.sessions.Range(func(_, v any) bool {
		m.Close(ctx, v.(*domain.CPGSession))
		return true
	})
}
