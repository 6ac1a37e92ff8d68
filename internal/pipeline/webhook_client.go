package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/core/ports"
)

// maxReplyBytes bounds how much of a webhook reply is read.
const maxReplyBytes = 16 << 20

// WebhookClient calls an external HTTP endpoint for one stage.
type WebhookClient struct {
	stage   domain.StageName
	url     string
	headers map[string]string
	limiter *rate.Limiter
	client  *http.Client
}

// WebhookClientConfig configures a webhook client.
type WebhookClientConfig struct {
	Stage   domain.StageName
	URL     string
	Headers map[string]string
	// Limiter paces outbound calls. Nil means unpaced.
	Limiter *rate.Limiter
	// HTTPClient overrides the transport; the per-call timeout is applied
	// through the request context, not the client.
	HTTPClient *http.Client
}

// NewWebhookClient creates a new webhook stage client.
func NewWebhookClient(cfg WebhookClientConfig) *WebhookClient {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookClient{
		stage:   cfg.Stage,
		url:     cfg.URL,
		headers: cfg.Headers,
		limiter: cfg.Limiter,
		client:  client,
	}
}

// webhookReply is the body a stage webhook answers with.
type webhookReply struct {
	Outcome domain.Outcome     `json:"outcome"`
	Payload json.RawMessage    `json:"payload"`
	Error   *domain.StageError `json:"error"`
	Reason  string             `json:"reason"`
}

// Invoke executes one webhook call. It never retries.
func (c *WebhookClient) Invoke(ctx context.Context, req *ports.StageRequest, timeout time.Duration) domain.StageResult {
	started := time.Now()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	fail := func(err *domain.StageError) domain.StageResult {
		return domain.ErrorResult(c.stage, err, started, time.Now())
	}

	if err := waitLimiter(ctx, c.limiter); err != nil {
		return fail(err)
	}

	reply, err := c.doRequest(ctx, req)
	if err != nil {
		return fail(ClassifyError(ctx, err, domain.ErrorUnavailable))
	}

	finished := time.Now()
	switch reply.Outcome {
	case domain.OutcomeOK, "":
		if len(reply.Payload) == 0 || string(reply.Payload) == "null" {
			return fail(domain.NewStageError(domain.ErrorInvalidResponse, "webhook returned no payload"))
		}
		return domain.OKResult(c.stage, reply.Payload, started, finished)
	case domain.OutcomeSkipped:
		res := domain.SkippedResult(c.stage, reply.Reason, finished)
		res.StartedAt = started
		return res
	case domain.OutcomeError:
		if reply.Error == nil || !knownKind(reply.Error.Kind) {
			return fail(domain.NewStageError(domain.ErrorInvalidResponse, "webhook reported an unclassified error"))
		}
		return fail(reply.Error)
	default:
		return fail(domain.NewStageError(domain.ErrorInvalidResponse, "invalid outcome from webhook: %s", reply.Outcome))
	}
}

func (c *WebhookClient) doRequest(ctx context.Context, in *ports.StageRequest) (*webhookReply, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, domain.NewStageError(domain.ErrorFatal, "marshal stage request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewStageError(domain.ErrorFatal, "create request: %v", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, domain.NewStageError(ClassifyStatus(resp.StatusCode),
			"webhook returned status %d: %s", resp.StatusCode, truncate(string(respBody), 512))
	}

	var reply webhookReply
	if err := json.Unmarshal(respBody, &reply); err != nil {
		return nil, domain.NewStageError(domain.ErrorInvalidResponse, "unmarshal stage reply: %v", err)
	}
	return &reply, nil
}

func waitLimiter(ctx context.Context, l *rate.Limiter) *domain.StageError {
	if l == nil {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ClassifyError(ctx, err, domain.ErrorRateLimited)
		}
		// Wait refuses when the deadline would pass before a token frees up.
		return domain.NewStageError(domain.ErrorRateLimited, "outbound pacing: %v", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// NewLimiter builds a limiter from a per-second rate; zero disables pacing.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Ensure WebhookClient implements the interface.
var _ ports.StageClient = (*WebhookClient)(nil)
