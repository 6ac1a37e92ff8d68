// Package ports defines the core interfaces of the analysis pipeline.
// This file contains the stage client contract shared by every external agent or tool.
package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/graphide/graphide/internal/core/domain"
)

// StageRequest is the single structured call made to any stage collaborator.
type StageRequest struct {
	// Stage names the capability being invoked.
	Stage domain.StageName `json:"stage"`
	// RunID correlates the call with its run.
	RunID string `json:"run_id,omitempty"`
	// Payload is the stage-specific input. Clients never inspect it beyond
	// decoding their own input type.
	Payload json.RawMessage `json:"payload"`
}

// StageClient adapts one external agent or tool behind a uniform shape.
// Invoke never mutates run state and never retries; failures come back as
// an error outcome with a classified ErrorKind.
type StageClient interface {
	Invoke(ctx context.Context, req *StageRequest, timeout time.Duration) domain.StageResult
}

// StageClientFunc adapts a function to the StageClient interface.
type StageClientFunc func(ctx context.Context, req *StageRequest, timeout time.Duration) domain.StageResult

// Invoke calls f.
func (f StageClientFunc) Invoke(ctx context.Context, req *StageRequest, timeout time.Duration) domain.StageResult {
	return f(ctx, req, timeout)
}
