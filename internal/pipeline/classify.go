package pipeline

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/graphide/graphide/internal/core/domain"
)

// ClassifyStatus maps a non-2xx HTTP status to an ErrorKind.
func ClassifyStatus(code int) domain.ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return domain.ErrorRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return domain.ErrorTimeout
	case code >= 500:
		return domain.ErrorUnavailable
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.ErrorFatal
	default:
		return domain.ErrorInvalidResponse
	}
}

// ClassifyError turns err into a StageError. Existing classifications are
// kept; context and network failures are recognised; anything else gets
// fallback.
func ClassifyError(ctx context.Context, err error, fallback domain.ErrorKind) *domain.StageError {
	if err == nil {
		return nil
	}

	var se *domain.StageError
	if errors.As(err, &se) {
		return se
	}

	// The parent context decides between cancellation and timeout.
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.Canceled) {
			return &domain.StageError{Kind: domain.ErrorCancelled, Message: err.Error()}
		}
		return &domain.StageError{Kind: domain.ErrorTimeout, Message: err.Error()}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &domain.StageError{Kind: domain.ErrorTimeout, Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return &domain.StageError{Kind: domain.ErrorCancelled, Message: err.Error()}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &domain.StageError{Kind: domain.ErrorTimeout, Message: err.Error()}
		}
		return &domain.StageError{Kind: domain.ErrorUnavailable, Message: err.Error()}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &domain.StageError{Kind: domain.ErrorUnavailable, Message: err.Error()}
	}

	return &domain.StageError{Kind: fallback, Message: err.Error()}
}

func knownKind(k domain.ErrorKind) bool {
	switch k {
	case domain.ErrorTimeout, domain.ErrorRateLimited, domain.ErrorUnavailable,
		domain.ErrorInvalidResponse, domain.ErrorRejected, domain.ErrorFatal, domain.ErrorCancelled:
		return true
	default:
		return false
	}
}
