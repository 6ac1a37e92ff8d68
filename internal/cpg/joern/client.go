// Package joern implements ports.GraphEngine against a Joern server.
//
// Sources are staged into a host exchange directory that the Joern container
// mounts; the engine imports them by their container-side path. Every call
// goes through the server's /query-sync endpoint.
package joern

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/core/ports"
	"github.com/graphide/graphide/internal/pipeline"
)

// Config configures the Joern client.
type Config struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
	// HostExchangeDir is the host side of the shared volume.
	HostExchangeDir string
	// ContainerExchangeDir is where the engine sees HostExchangeDir.
	ContainerExchangeDir string
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

// Client talks to one Joern server. The server evaluates scripts in a
// single REPL, so calls are serialised; waiting for a turn honours ctx.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	turn   *semaphore.Weighted
}

// New creates a Joern client.
func New(cfg Config) *Client {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Client{cfg: cfg, client: client, logger: logger, turn: semaphore.NewWeighted(1)}
}

type queryRequest struct {
	Query string `json:"query"`
}

type queryResponse struct {
	Success bool   `json:"success"`
	UUID    string `json:"uuid,omitempty"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr,omitempty"`
	Err     string `json:"err,omitempty"`
}

// ImportProject stages the source and imports it as project.
func (c *Client) ImportProject(ctx context.Context, spec ports.ImportSpec) (string, error) {
	hostDir := filepath.Join(c.cfg.HostExchangeDir, spec.Project)
	if err := c.stage(spec, hostDir); err != nil {
		return "", err
	}

	containerDir := filepath.ToSlash(filepath.Join(c.cfg.ContainerExchangeDir, spec.Project))
	script := fmt.Sprintf("importCode(inputPath=%s, projectName=%s)", strconv.Quote(containerDir), strconv.Quote(spec.Project))
	if _, err := c.execute(ctx, script); err != nil {
		os.RemoveAll(hostDir)
		if domain.KindOf(err) == domain.ErrorInvalidResponse {
			return "", domain.NewStageError(domain.ErrorFatal, "import %s: %v", spec.Path, err)
		}
		return "", err
	}

	c.logger.Debug("joern project imported",
		slog.String("project", spec.Project),
		slog.String("path", spec.Path))
	return spec.Project, nil
}

func (c *Client) stage(spec ports.ImportSpec, hostDir string) error {
	content := []byte(spec.Content)
	if spec.Content == "" {
		info, err := os.Stat(spec.Path)
		if err != nil {
			return domain.NewStageError(domain.ErrorFatal, "source %s: %v", spec.Path, err)
		}
		if info.IsDir() {
			return domain.NewStageError(domain.ErrorFatal, "source %s is a directory", spec.Path)
		}
		content, err = os.ReadFile(spec.Path)
		if err != nil {
			return domain.NewStageError(domain.ErrorFatal, "read %s: %v", spec.Path, err)
		}
	}

	if err := os.MkdirAll(hostDir, 0o777); err != nil {
		return domain.NewStageError(domain.ErrorFatal, "create exchange dir: %v", err)
	}
	// The engine container may run as another user.
	os.Chmod(hostDir, 0o777)

	dst := filepath.Join(hostDir, filepath.Base(spec.Path))
	if err := os.WriteFile(dst, content, 0o644); err != nil {
		return domain.NewStageError(domain.ErrorFatal, "stage source: %v", err)
	}
	return nil
}

// RunQuery activates project and evaluates script, returning the JSON the
// script's final expression printed, or nil when it printed none.
func (c *Client) RunQuery(ctx context.Context, project, script string) (json.RawMessage, error) {
	full := fmt.Sprintf("open(%s)\n%s", strconv.Quote(project), script)
	stdout, err := c.execute(ctx, full)
	if err != nil {
		return nil, err
	}
	return extractJSON(stdout), nil
}

// DeleteProject removes the project from the workspace and its staged source.
func (c *Client) DeleteProject(ctx context.Context, project string) error {
	_, err := c.execute(ctx, fmt.Sprintf("delete(%s)", strconv.Quote(project)))
	if rmErr := os.RemoveAll(filepath.Join(c.cfg.HostExchangeDir, project)); rmErr != nil {
		c.logger.Warn("failed to remove staged source",
			slog.String("project", project),
			slog.String("error", rmErr.Error()))
	}
	return err
}

func (c *Client) execute(ctx context.Context, script string) (string, error) {
	if err := c.turn.Acquire(ctx, 1); err != nil {
		return "", pipeline.ClassifyError(ctx, fmt.Errorf("wait for joern: %w", err), domain.ErrorUnavailable)
	}
	defer c.turn.Release(1)

	body, err := json.Marshal(queryRequest{Query: script})
	if err != nil {
		return "", domain.NewStageError(domain.ErrorFatal, "marshal query: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/query-sync", bytes.NewReader(body))
	if err != nil {
		return "", domain.NewStageError(domain.ErrorFatal, "create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", pipeline.ClassifyError(ctx, fmt.Errorf("joern request: %w", err), domain.ErrorUnavailable)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", pipeline.ClassifyError(ctx, fmt.Errorf("read joern response: %w", err), domain.ErrorUnavailable)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", domain.NewStageError(pipeline.ClassifyStatus(resp.StatusCode),
			"joern returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var qr queryResponse
	if err := json.Unmarshal(raw, &qr); err != nil {
		return "", domain.NewStageError(domain.ErrorInvalidResponse, "decode joern response: %v", err)
	}
	if !qr.Success {
		return "", domain.NewStageError(domain.ErrorInvalidResponse, "joern query failed: %s", firstNonEmpty(qr.Err, qr.Stderr, qr.Stdout))
	}
	if qr.Stderr != "" {
		return "", domain.NewStageError(domain.ErrorInvalidResponse, "joern stderr: %s", qr.Stderr)
	}
	if strings.Contains(qr.Stdout, "ConsoleException") || strings.Contains(qr.Stdout, "-- [E") || strings.HasPrefix(strings.TrimSpace(qr.Stdout), "Error") {
		return "", domain.NewStageError(domain.ErrorInvalidResponse, "joern rejected query: %s", strings.TrimSpace(qr.Stdout))
	}
	return qr.Stdout, nil
}

// extractJSON returns the last triple-quoted string in REPL output, which is
// how the REPL prints a String result such as toJsonPretty.
func extractJSON(stdout string) json.RawMessage {
	parts := strings.Split(stdout, `"""`)
	if len(parts) < 3 {
		trimmed := strings.TrimSpace(stdout)
		if json.Valid([]byte(trimmed)) && (strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{")) {
			return json.RawMessage(trimmed)
		}
		return nil
	}
	candidate := strings.TrimSpace(parts[len(parts)-2])
	if candidate == "" {
		return nil
	}
	return json.RawMessage(candidate)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return "no output"
}

var _ ports.GraphEngine = (*Client)(nil)
