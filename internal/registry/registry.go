// Package registry is the process-wide table of analysis runs.
//
// Every write is a single-key update under that run's own lock; runs never
// contend with each other. A run is frozen when it reaches a terminal
// status: its JSON snapshot is computed once and every later status read
// returns those exact bytes.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/core/ports"
)

// Registry tracks in-flight and finished runs.
type Registry struct {
	runs      sync.Map // run id -> *entry
	store     ports.RunStore
	publisher ports.EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

type entry struct {
	mu       sync.Mutex
	run      *domain.Run
	cancel   context.CancelFunc
	frozen   []byte
	finished time.Time
	done     chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore persists finished runs and serves runs no longer in memory.
func WithStore(s ports.RunStore) Option {
	return func(r *Registry) { r.store = s }
}

// WithPublisher publishes run lifecycle events.
func WithPublisher(p ports.EventPublisher) Option {
	return func(r *Registry) { r.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a new run. cancel aborts the run's execution.
func (r *Registry) Register(ctx context.Context, run *domain.Run, cancel context.CancelFunc) error {
	e := &entry{run: run, cancel: cancel, done: make(chan struct{})}
	if _, loaded := r.runs.LoadOrStore(run.ID, e); loaded {
		return fmt.Errorf("register %s: %w", run.ID, domain.ErrRunExists)
	}
	r.publish(ctx, &domain.RunEvent{RunID: run.ID, Type: domain.RunEventSubmitted, Status: run.Status,
		Detail: run.Request.FilePath})
	return nil
}

func (r *Registry) entry(id string) (*entry, error) {
	v, ok := r.runs.Load(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrRunNotFound)
	}
	return v.(*entry), nil
}

// Update applies fn to a live run.
func (r *Registry) Update(id string, fn func(*domain.Run) error) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.frozen != nil {
		return fmt.Errorf("update %s: %w", id, domain.ErrRunFinalized)
	}
	return fn(e.run)
}

// Record appends a stage result to a live run.
func (r *Registry) Record(ctx context.Context, id string, res domain.StageResult) error {
	if err := r.Update(id, func(run *domain.Run) error { return run.Record(res) }); err != nil {
		return err
	}
	ev := &domain.RunEvent{RunID: id, Type: domain.RunEventStageCompleted, Stage: res.Stage, Outcome: res.Outcome}
	if res.Error != nil {
		ev.Detail = res.Error.Error()
	}
	r.publish(ctx, ev)
	return nil
}

// Finalize applies fn, which must leave the run in a terminal status, then
// freezes the run and persists it. No further updates are accepted.
func (r *Registry) Finalize(ctx context.Context, id string, fn func(*domain.Run)) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.frozen != nil {
		e.mu.Unlock()
		return fmt.Errorf("finalize %s: %w", id, domain.ErrRunFinalized)
	}
	fn(e.run)
	if !e.run.Status.Terminal() {
		e.mu.Unlock()
		return fmt.Errorf("finalize %s: status %q is not terminal", id, e.run.Status)
	}
	now := r.now()
	if e.run.FinishedAt == nil {
		e.run.FinishedAt = &now
	}
	frozen, err := json.Marshal(e.run)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("freeze %s: %w", id, err)
	}
	e.frozen = frozen
	e.finished = now
	e.cancel = nil
	snapshot := cloneRun(frozen)
	close(e.done)
	e.mu.Unlock()

	if r.store != nil && snapshot != nil {
		if err := r.store.SaveRun(context.WithoutCancel(ctx), snapshot); err != nil && !errors.Is(err, domain.ErrRunExists) {
			r.logger.Error("failed to persist run",
				slog.String("run_id", id),
				slog.String("error", err.Error()))
		}
	}
	detail := ""
	if snapshot != nil && snapshot.Error != nil {
		detail = snapshot.Error.Error()
	}
	r.publish(ctx, &domain.RunEvent{RunID: id, Type: domain.RunEventFinished, Status: snapshotStatus(snapshot), Detail: detail})
	return nil
}

// Status returns the JSON form of a run. After finalization every call
// returns byte-identical output.
func (r *Registry) Status(ctx context.Context, id string) ([]byte, error) {
	e, err := r.entry(id)
	if err != nil {
		return r.statusFromStore(ctx, id, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.frozen != nil {
		return e.frozen, nil
	}
	return json.Marshal(e.run)
}

func (r *Registry) statusFromStore(ctx context.Context, id string, notFound error) ([]byte, error) {
	run, err := r.fromStore(ctx, id, notFound)
	if err != nil {
		return nil, err
	}
	return json.Marshal(run)
}

// Get returns a copy of a run.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Run, error) {
	b, err := r.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	run := cloneRun(b)
	if run == nil {
		return nil, fmt.Errorf("decode run %s", id)
	}
	return run, nil
}

func (r *Registry) fromStore(ctx context.Context, id string, notFound error) (*domain.Run, error) {
	if r.store == nil {
		return nil, notFound
	}
	run, err := r.store.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			return nil, notFound
		}
		return nil, err
	}
	return run, nil
}

// Wait blocks until the run is terminal and returns it.
func (r *Registry) Wait(ctx context.Context, id string) (*domain.Run, error) {
	e, err := r.entry(id)
	if err != nil {
		return r.fromStore(ctx, id, err)
	}
	select {
	case <-e.done:
		return r.Get(ctx, id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel aborts a live run. Cancelling a finished run is an error.
func (r *Registry) Cancel(ctx context.Context, id string) error {
	e, err := r.entry(id)
	if err != nil {
		if _, storeErr := r.fromStore(ctx, id, err); storeErr == nil {
			return fmt.Errorf("cancel %s: %w", id, domain.ErrRunFinalized)
		}
		return err
	}
	e.mu.Lock()
	if e.frozen != nil {
		e.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", id, domain.ErrRunFinalized)
	}
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.publish(ctx, &domain.RunEvent{RunID: id, Type: domain.RunEventCancelled})
	r.logger.Info("run cancelled", slog.String("run_id", id))
	return nil
}

// List returns summaries of in-memory runs merged with stored runs, newest
// first.
func (r *Registry) List(ctx context.Context, opts ports.ListOptions) ([]*domain.RunSummary, error) {
	seen := make(map[string]*domain.RunSummary)
	r.runs.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		s := e.run.Summary()
		e.mu.Unlock()
		if opts.Status == "" || s.Status == opts.Status {
			seen[s.ID] = s
		}
		return true
	})

	if r.store != nil {
		stored, err := r.store.ListRuns(ctx, ports.ListOptions{Status: opts.Status})
		if err != nil {
			return nil, err
		}
		for _, s := range stored {
			if _, ok := seen[s.ID]; !ok {
				seen[s.ID] = s
			}
		}
	}

	out := make([]*domain.RunSummary, 0, len(seen))
	for _, s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []*domain.RunSummary{}, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Events returns a run's event trail from the store.
func (r *Registry) Events(ctx context.Context, id string) ([]*domain.RunEvent, error) {
	if r.store == nil {
		return []*domain.RunEvent{}, nil
	}
	return r.store.ListEvents(ctx, id)
}

// Prune drops finished runs older than age from memory. They remain
// available from the store.
func (r *Registry) Prune(age time.Duration) int {
	cutoff := r.now().Add(-age)
	pruned := 0
	r.runs.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		expired := e.frozen != nil && e.finished.Before(cutoff)
		e.mu.Unlock()
		if expired {
			r.runs.Delete(k)
			pruned++
		}
		return true
	})
	return pruned
}

// Active returns the number of runs not yet finalized.
func (r *Registry) Active() int {
	n := 0
	r.runs.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if e.frozen == nil {
			n++
		}
		e.mu.Unlock()
		return true
	})
	return n
}

func (r *Registry) publish(ctx context.Context, ev *domain.RunEvent) {
	if r.publisher == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.At = r.now()
	if err := r.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		r.logger.Warn("failed to publish run event",
			slog.String("run_id", ev.RunID),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()))
	}
}

func cloneRun(b []byte) *domain.Run {
	var run domain.Run
	if err := json.Unmarshal(b, &run); err != nil {
		return nil
	}
	return &run
}

func snapshotStatus(run *domain.Run) domain.RunStatus {
	if run == nil {
		return ""
	}
	return run.Status
}
