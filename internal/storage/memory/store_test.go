package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/core/ports"
)

func finishedRun(id string, status domain.RunStatus, created time.Time) *domain.Run {
	run := domain.NewRun(id, domain.AnalysisRequest{FilePath: "vuln.c", Language: "c"}, created)
	run.Status = status
	return run
}

func TestMemoryStore_SaveRun(t *testing.T) {
	store := New()
	ctx := context.Background()

	run := finishedRun("run-1", domain.RunCompleted, time.Now())
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	retrieved, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if retrieved.ID != run.ID {
		t.Errorf("ID = %v, want %v", retrieved.ID, run.ID)
	}
	if retrieved.Status != domain.RunCompleted {
		t.Errorf("Status = %v, want completed", retrieved.Status)
	}

	// Records are append-only.
	if err := store.SaveRun(ctx, run); !errors.Is(err, domain.ErrRunExists) {
		t.Errorf("SaveRun() duplicate error = %v, want ErrRunExists", err)
	}
}

func TestMemoryStore_GetRunNotFound(t *testing.T) {
	store := New()
	_, err := store.GetRun(context.Background(), "missing")
	if !errors.Is(err, domain.ErrRunNotFound) {
		t.Errorf("GetRun() error = %v, want ErrRunNotFound", err)
	}
}

func TestMemoryStore_ListRuns(t *testing.T) {
	store := New()
	ctx := context.Background()
	base := time.Now()

	store.SaveRun(ctx, finishedRun("a", domain.RunCompleted, base))
	store.SaveRun(ctx, finishedRun("b", domain.RunFailed, base.Add(time.Second)))
	store.SaveRun(ctx, finishedRun("c", domain.RunCompleted, base.Add(2*time.Second)))

	all, err := store.ListRuns(ctx, ports.ListOptions{})
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Errorf("ListRuns() order = %v, want newest first", ids(all))
	}

	completed, _ := store.ListRuns(ctx, ports.ListOptions{Status: domain.RunCompleted})
	if len(completed) != 2 {
		t.Errorf("ListRuns(completed) = %d runs, want 2", len(completed))
	}

	page, _ := store.ListRuns(ctx, ports.ListOptions{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ID != "b" {
		t.Errorf("ListRuns(page) = %v, want [b]", ids(page))
	}

	past, _ := store.ListRuns(ctx, ports.ListOptions{Offset: 10})
	if len(past) != 0 {
		t.Errorf("ListRuns(offset past end) = %v, want empty", ids(past))
	}
}

func TestMemoryStore_Events(t *testing.T) {
	store := New()
	ctx := context.Background()

	store.AppendEvent(ctx, &domain.RunEvent{ID: "e1", RunID: "run-1", Type: domain.RunEventSubmitted})
	store.AppendEvent(ctx, &domain.RunEvent{ID: "e2", RunID: "run-1", Type: domain.RunEventStageCompleted, Stage: domain.StageQueryGen})
	store.AppendEvent(ctx, &domain.RunEvent{ID: "e3", RunID: "run-2", Type: domain.RunEventSubmitted})

	events, err := store.ListEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("ListEvents() = %d events, want 2", len(events))
	}
	if events[1].Stage != domain.StageQueryGen {
		t.Errorf("events[1].Stage = %q, want querygen", events[1].Stage)
	}

	none, _ := store.ListEvents(ctx, "unknown")
	if none == nil || len(none) != 0 {
		t.Errorf("ListEvents(unknown) = %v, want empty slice", none)
	}
}

func ids(runs []*domain.RunSummary) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.ID
	}
	return out
}
