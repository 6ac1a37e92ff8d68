package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/graphide/graphide/internal/core/domain"
)

// retry runs op until it succeeds, fails with a non-transient error, the
// attempt budget is spent or ctx ends. It returns the number of attempts
// and op's last error.
func (r *runner) retry(ctx context.Context, stage domain.StageName, op func(context.Context) error) (int, error) {
	policy := r.settings.Retry
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		b.MaxInterval = policy.MaxInterval
	}

	var (
		attempts int
		last     error
	)
	_, _ = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		last = op(ctx)
		kind := domain.KindOf(last)
		r.o.metrics.ObserveAttempt(stage, kind)

		switch {
		case last == nil:
			return struct{}{}, nil
		case kind.IsTransient() && ctx.Err() == nil:
			return struct{}{}, last
		default:
			return struct{}{}, backoff.Permanent(last)
		}
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("stage attempt failed, retrying",
				slog.String("stage", string(stage)),
				slog.Int("attempt", attempts),
				slog.Duration("backoff", next),
				slog.String("error", err.Error()))
		}),
	)
	return attempts, last
}
