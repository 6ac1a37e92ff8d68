package pipeline

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/core/ports"
)

// Binding pairs a stage client with the timeout the orchestrator grants it.
type Binding struct {
	Client  ports.StageClient
	Timeout time.Duration
}

// Clients maps stage names to their clients. New agents are added by
// binding another client, never by branching orchestrator logic.
type Clients struct {
	mu       sync.RWMutex
	bindings map[domain.StageName]Binding
}

// NewClients creates an empty client set.
func NewClients() *Clients {
	return &Clients{bindings: make(map[domain.StageName]Binding)}
}

// Bind registers client for stage, replacing any previous binding.
func (c *Clients) Bind(stage domain.StageName, client ports.StageClient, timeout time.Duration) *Clients {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings[stage] = Binding{Client: client, Timeout: timeout}
	return c
}

// Lookup returns the binding for stage.
func (c *Clients) Lookup(stage domain.StageName) (Binding, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.bindings[stage]
	return b, ok
}

// Stages lists the bound stage names in sorted order.
func (c *Clients) Stages() []domain.StageName {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]domain.StageName, 0, len(c.bindings))
	for name := range c.bindings {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Invoke marshals input and calls the client bound to stage once.
func (c *Clients) Invoke(ctx context.Context, stage domain.StageName, runID string, input any) domain.StageResult {
	now := time.Now()
	b, ok := c.Lookup(stage)
	if !ok || b.Client == nil {
		return domain.ErrorResult(stage, domain.NewStageError(domain.ErrorFatal, "no client bound for stage %s", stage), now, now)
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return domain.ErrorResult(stage, domain.NewStageError(domain.ErrorFatal, "marshal %s input: %v", stage, err), now, now)
	}

	res := invokeGuarded(ctx, b, &ports.StageRequest{Stage: stage, RunID: runID, Payload: payload})
	// Clients may not know their own stage name (StageClientFunc).
	res.Stage = stage
	return res
}

// invokeGuarded turns a panicking client into a fatal result, whichever
// goroutine the call runs on.
func invokeGuarded(ctx context.Context, b Binding, req *ports.StageRequest) (res domain.StageResult) {
	started := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res = domain.ErrorResult(req.Stage, domain.NewStageError(domain.ErrorFatal, "%s client panicked: %v", req.Stage, p), started, time.Now())
		}
	}()
	return b.Client.Invoke(ctx, req, b.Timeout)
}
