package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/core/ports"
)

// Handler serves one stage in process.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Typed adapts a typed function to a Handler. Payloads that do not decode
// into In fail the stage as fatal: the orchestrator built them.
func Typed[In, Out any](fn func(ctx context.Context, in In) (Out, error)) Handler {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var in In
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, domain.NewStageError(domain.ErrorFatal, "decode stage input: %v", err)
		}
		return fn(ctx, in)
	}
}

// LocalClient runs a Handler behind the StageClient contract so in-process
// stages get the same timeout, pacing and classification as remote ones.
type LocalClient struct {
	stage    domain.StageName
	handler  Handler
	limiter  *rate.Limiter
	fallback domain.ErrorKind
}

// LocalOption configures a LocalClient.
type LocalOption func(*LocalClient)

// WithLimiter paces calls to the handler.
func WithLimiter(l *rate.Limiter) LocalOption {
	return func(c *LocalClient) { c.limiter = l }
}

// WithFallbackKind sets the kind given to unclassified handler errors.
// The default is fatal.
func WithFallbackKind(k domain.ErrorKind) LocalOption {
	return func(c *LocalClient) { c.fallback = k }
}

// NewLocalClient wraps handler as the client for stage.
func NewLocalClient(stage domain.StageName, handler Handler, opts ...LocalOption) *LocalClient {
	c := &LocalClient{stage: stage, handler: handler, fallback: domain.ErrorFatal}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke runs the handler under the stage timeout.
func (c *LocalClient) Invoke(ctx context.Context, req *ports.StageRequest, timeout time.Duration) domain.StageResult {
	started := time.Now()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := waitLimiter(ctx, c.limiter); err != nil {
		return domain.ErrorResult(c.stage, err, started, time.Now())
	}

	type answer struct {
		out any
		err error
	}
	done := make(chan answer, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- answer{err: domain.NewStageError(domain.ErrorFatal, "stage %s panicked: %v", c.stage, r)}
			}
		}()
		out, err := c.handler(ctx, req.Payload)
		done <- answer{out: out, err: err}
	}()

	var a answer
	select {
	case a = <-done:
	case <-ctx.Done():
		// Handlers that ignore ctx are abandoned; their answer is discarded.
		return domain.ErrorResult(c.stage, ClassifyError(ctx, ctx.Err(), domain.ErrorTimeout), started, time.Now())
	}

	if a.err != nil {
		return domain.ErrorResult(c.stage, ClassifyError(ctx, a.err, c.fallback), started, time.Now())
	}
	payload, err := json.Marshal(a.out)
	if err != nil {
		return domain.ErrorResult(c.stage,
			domain.NewStageError(domain.ErrorFatal, "marshal %s output: %v", c.stage, err), started, time.Now())
	}
	return domain.OKResult(c.stage, payload, started, time.Now())
}

// String names the client in logs.
func (c *LocalClient) String() string {
	return fmt.Sprintf("local(%s)", c.stage)
}

var _ ports.StageClient = (*LocalClient)(nil)
