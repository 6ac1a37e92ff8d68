// Package orchestrator drives analysis runs through the stage pipeline:
//
//	QueryGen -> Slicing -> {Detect || Enrich} -> Aggregate -> Visualize ->
//	Verify -> Apply -> Report
//
// Each run executes on its own goroutine. QueryGen, Slicing, Detect and
// Aggregate are required: a failure there ends the run Failed. Every other
// stage is optional and its failure degrades the run to PartiallyFailed.
// Transient stage errors are retried with exponential backoff; the rest
// fail on the first attempt.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/core/ports"
	"github.com/graphide/graphide/internal/cpg"
	"github.com/graphide/graphide/internal/pipeline"
	"github.com/graphide/graphide/internal/registry"
	"github.com/graphide/graphide/internal/telemetry"
)

// RetryPolicy bounds retries of transient stage errors.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Settings are the tunables read at the start of each run. A change only
// affects runs submitted after it.
type Settings struct {
	// RunDeadline bounds a whole run; zero means no deadline.
	RunDeadline time.Duration
	// EnrichWait bounds how long enrichment waits for detection findings
	// before it proceeds on the slice alone.
	EnrichWait time.Duration
	// SliceTimeout bounds each CPG import and query attempt.
	SliceTimeout time.Duration
	ApplyEnabled bool
	Retry        RetryPolicy
}

// DefaultSettings returns the settings used when none are given.
func DefaultSettings() Settings {
	return Settings{
		RunDeadline:  10 * time.Minute,
		EnrichWait:   5 * time.Second,
		SliceTimeout: 2 * time.Minute,
		ApplyEnabled: true,
		Retry: RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
	}
}

// Orchestrator runs analyses.
type Orchestrator struct {
	clients  *pipeline.Clients
	sessions *cpg.Manager
	applier  ports.PatchApplier
	registry *registry.Registry
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	readFile func(string) ([]byte, error)
	now      func() time.Time

	settings atomic.Pointer[Settings]

	base     context.Context
	stopRuns context.CancelFunc
	wg       sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSettings sets the initial settings.
func WithSettings(s Settings) Option {
	return func(o *Orchestrator) { o.settings.Store(&s) }
}

// WithApplier sets the patch applier. Without one the apply stage is
// always skipped.
func WithApplier(a ports.PatchApplier) Option {
	return func(o *Orchestrator) { o.applier = a }
}

// WithMetrics records stage and run metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithFileReader overrides how source files are read.
func WithFileReader(fn func(string) ([]byte, error)) Option {
	return func(o *Orchestrator) { o.readFile = fn }
}

// New creates an orchestrator over the given stage clients, CPG sessions
// and run registry.
func New(clients *pipeline.Clients, sessions *cpg.Manager, reg *registry.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		clients:  clients,
		sessions: sessions,
		registry: reg,
		logger:   slog.Default(),
		readFile: os.ReadFile,
		now:      time.Now,
	}
	defaults := DefaultSettings()
	o.settings.Store(&defaults)
	o.base, o.stopRuns = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Settings returns the current settings.
func (o *Orchestrator) Settings() Settings {
	return *o.settings.Load()
}

// UpdateSettings replaces the settings for subsequently submitted runs.
func (o *Orchestrator) UpdateSettings(s Settings) {
	o.settings.Store(&s)
	o.logger.Info("pipeline settings updated",
		slog.Duration("run_deadline", s.RunDeadline),
		slog.Bool("apply_enabled", s.ApplyEnabled),
		slog.Int("max_attempts", s.Retry.MaxAttempts))
}

// Registry returns the run registry.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.registry
}

// Clients returns the stage client set.
func (o *Orchestrator) Clients() *pipeline.Clients {
	return o.clients
}

// Submit validates req, registers a new run and starts it in the
// background. It returns the run id immediately.
func (o *Orchestrator) Submit(ctx context.Context, req domain.AnalysisRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", domain.ErrInvalidRequest(err.Error())
	}
	if o.base.Err() != nil {
		return "", domain.ErrUnavailable("orchestrator is shutting down")
	}

	run := domain.NewRun(uuid.NewString(), req, o.now())
	runCtx, cancel := context.WithCancel(o.base)
	if err := o.registry.Register(ctx, run, cancel); err != nil {
		cancel()
		return "", fmt.Errorf("register run: %w", err)
	}

	settings := o.Settings()
	o.wg.Add(1)
	go o.execute(runCtx, cancel, run, settings)

	o.logger.Info("analysis submitted",
		slog.String("run_id", run.ID),
		slog.String("file_path", req.FilePath),
		slog.String("language", req.Language))
	return run.ID, nil
}

// Analyze submits req and waits for the run to finish. If ctx ends first
// the run is cancelled and its final state is still returned.
func (o *Orchestrator) Analyze(ctx context.Context, req domain.AnalysisRequest) (*domain.Run, error) {
	id, err := o.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	run, err := o.registry.Wait(ctx, id)
	if err == nil {
		return run, nil
	}
	_ = o.registry.Cancel(context.WithoutCancel(ctx), id)
	return o.registry.Wait(context.WithoutCancel(ctx), id)
}

// Cancel aborts a run.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	return o.registry.Cancel(ctx, id)
}

// Shutdown cancels every in-flight run and waits for them to finalize or
// for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stopRuns()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
