// Package mcp exposes analysis runs as MCP tools for editor agents.
package mcp

import (
	"context"
	"fmt"
	"log/slog"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/orchestrator"
)

// Server wraps the MCP SDK server around an orchestrator.
type Server struct {
	MCPServer *sdkmcp.Server

	orch   *orchestrator.Orchestrator
	logger *slog.Logger
}

// NewServer creates an MCP server with the analysis tools registered.
func NewServer(orch *orchestrator.Orchestrator, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{orch: orch, logger: logger}
	s.MCPServer = sdkmcp.NewServer(
		&sdkmcp.Implementation{Name: "graphide", Version: version},
		nil,
	)
	s.registerTools()
	return s
}

// Run serves the tools over stdio until ctx ends or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.MCPServer.Run(ctx, &sdkmcp.StdioTransport{})
}

func (s *Server) registerTools() {
	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "submit_analysis",
		Description: "Analyze a source file for vulnerabilities. Returns a run ID, or the finished run when wait is set.",
	}, s.handleSubmit)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "get_run_status",
		Description: "Get the status, findings, patches and report of an analysis run.",
	}, s.handleStatus)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "cancel_run",
		Description: "Cancel a running analysis. Finished runs cannot be cancelled.",
	}, s.handleCancel)
}

// --- Tool input/output types ---

type submitInput struct {
	FilePath string `json:"file_path" jsonschema:"absolute path of the source file"`
	Language string `json:"language" jsonschema:"source language (c, cpp, java, python, go, javascript)"`
	Intent   string `json:"intent,omitempty" jsonschema:"what to look for, e.g. buffer overflows in parse()"`
	Content  string `json:"content,omitempty" jsonschema:"unsaved editor buffer; the file is read from disk when empty"`
	Wait     bool   `json:"wait,omitempty" jsonschema:"block until the run finishes and return its status"`
}

type submitOutput struct {
	RunID string        `json:"run_id"`
	Run   *statusOutput `json:"run,omitempty"`
}

type runInput struct {
	RunID string `json:"run_id" jsonschema:"run ID from submit_analysis"`
}

type findingView struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line"`
	Severity string `json:"severity,omitempty"`
	CWE      string `json:"cwe,omitempty"`
	Message  string `json:"message,omitempty"`
}

type patchView struct {
	FindingID    string   `json:"finding_id,omitempty"`
	ProposedCode string   `json:"proposed_code"`
	State        string   `json:"state"`
	Errors       []string `json:"errors,omitempty"`
	Applied      bool     `json:"applied"`
}

type statusOutput struct {
	RunID       string        `json:"run_id"`
	Status      string        `json:"status"`
	FailedStage string        `json:"failed_stage,omitempty"`
	Error       string        `json:"error,omitempty"`
	Partial     bool          `json:"partial,omitempty"`
	Cancelled   bool          `json:"cancelled,omitempty"`
	Findings    []findingView `json:"findings,omitempty"`
	Patches     []patchView   `json:"patches,omitempty"`
	Report      string        `json:"report,omitempty"`
}

type cancelOutput struct {
	RunID     string `json:"run_id"`
	Cancelled bool   `json:"cancelled"`
}

// --- Handlers ---

func (s *Server) handleSubmit(ctx context.Context, _ *sdkmcp.CallToolRequest, input submitInput) (*sdkmcp.CallToolResult, submitOutput, error) {
	req := domain.AnalysisRequest{
		FilePath: input.FilePath,
		Language: input.Language,
		Intent:   input.Intent,
		Content:  input.Content,
	}
	if !input.Wait {
		id, err := s.orch.Submit(ctx, req)
		if err != nil {
			return nil, submitOutput{}, err
		}
		return nil, submitOutput{RunID: id}, nil
	}

	run, err := s.orch.Analyze(ctx, req)
	if err != nil {
		return nil, submitOutput{}, err
	}
	return nil, submitOutput{RunID: run.ID, Run: statusOf(run)}, nil
}

func (s *Server) handleStatus(ctx context.Context, _ *sdkmcp.CallToolRequest, input runInput) (*sdkmcp.CallToolResult, statusOutput, error) {
	if input.RunID == "" {
		return nil, statusOutput{}, fmt.Errorf("run_id is required")
	}
	run, err := s.orch.Registry().Get(ctx, input.RunID)
	if err != nil {
		return nil, statusOutput{}, err
	}
	return nil, *statusOf(run), nil
}

func (s *Server) handleCancel(ctx context.Context, _ *sdkmcp.CallToolRequest, input runInput) (*sdkmcp.CallToolResult, cancelOutput, error) {
	if input.RunID == "" {
		return nil, cancelOutput{}, fmt.Errorf("run_id is required")
	}
	if err := s.orch.Cancel(ctx, input.RunID); err != nil {
		return nil, cancelOutput{}, err
	}
	s.logger.Info("run cancelled over mcp", slog.String("run_id", input.RunID))
	return nil, cancelOutput{RunID: input.RunID, Cancelled: true}, nil
}

func statusOf(run *domain.Run) *statusOutput {
	out := &statusOutput{
		RunID:       run.ID,
		Status:      string(run.Status),
		FailedStage: string(run.FailedStage),
		Partial:     run.Partial,
		Cancelled:   run.Cancelled,
		Report:      run.Report,
	}
	if run.Error != nil {
		out.Error = run.Error.Error()
	}
	for _, f := range run.Findings {
		v := findingView{
			ID:      f.ID,
			Kind:    f.Kind,
			File:    f.Location.File,
			Line:    f.Location.Line,
			Message: f.Message,
		}
		if f.Enrichment != nil {
			v.Severity = f.Enrichment.Severity
			v.CWE = f.Enrichment.CWE
		}
		out.Findings = append(out.Findings, v)
	}
	for _, p := range run.Patches {
		out.Patches = append(out.Patches, patchView{
			FindingID:    p.FindingID,
			ProposedCode: p.ProposedCode,
			State:        string(p.Verification.State),
			Errors:       p.Verification.Errors,
			Applied:      p.Applied,
		})
	}
	return out
}
