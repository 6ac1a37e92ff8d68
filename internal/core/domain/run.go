package domain

import (
	"errors"
	"fmt"
	"time"
)

// AnalysisRequest is the caller's request to analyze one source file.
// It is immutable once accepted by the orchestrator.
type AnalysisRequest struct {
	FilePath string `json:"file_path"`
	Language string `json:"language"`
	Intent   string `json:"intent,omitempty"`

	// Content optionally carries an unsaved editor buffer. When empty the
	// orchestrator reads FilePath from disk.
	Content string `json:"content,omitempty"`
}

// Validate reports whether the request can be accepted.
func (r *AnalysisRequest) Validate() error {
	if r == nil {
		return errors.New("analysis request is nil")
	}
	if r.FilePath == "" {
		return errors.New("file_path is required")
	}
	if r.Language == "" {
		return errors.New("language is required")
	}
	return nil
}

// RunStatus is the overall state of a Run.
type RunStatus string

const (
	RunPending         RunStatus = "pending"
	RunRunning         RunStatus = "running"
	RunPartiallyFailed RunStatus = "partially_failed"
	RunFailed          RunStatus = "failed"
	RunCompleted       RunStatus = "completed"
)

// Terminal reports whether no further transitions are permitted.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunPartiallyFailed, RunFailed, RunCompleted:
		return true
	default:
		return false
	}
}

// Run is one end-to-end execution of the pipeline for a single request.
type Run struct {
	ID      string          `json:"id"`
	Request AnalysisRequest `json:"request"`
	Status  RunStatus       `json:"status"`

	// Stages holds one result per stage in the order the stages completed.
	Stages []StageResult `json:"stages"`

	// FailedStage names the required stage that aborted the run.
	FailedStage StageName   `json:"failed_stage,omitempty"`
	Error       *StageError `json:"error,omitempty"`

	// Partial is set when findings are reported without enrichment.
	Partial   bool `json:"partial"`
	Cancelled bool `json:"cancelled,omitempty"`

	Slice         *Slice           `json:"slice,omitempty"`
	Findings      []Finding        `json:"findings"`
	Patches       []PatchCandidate `json:"patches"`
	Explanation   string           `json:"explanation,omitempty"`
	Visualization *Visualization   `json:"visualization,omitempty"`
	Report        string           `json:"report,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewRun creates a pending run for the request.
func NewRun(id string, req AnalysisRequest, now time.Time) *Run {
	return &Run{
		ID:        id,
		Request:   req,
		Status:    RunPending,
		Stages:    []StageResult{},
		Findings:  []Finding{},
		Patches:   []PatchCandidate{},
		CreatedAt: now,
	}
}

// Stage returns the recorded result for a stage.
func (r *Run) Stage(name StageName) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// Record appends a stage result. A stage is recorded at most once.
func (r *Run) Record(res StageResult) error {
	if r.Status.Terminal() {
		return fmt.Errorf("record %s: %w", res.Stage, ErrRunFinalized)
	}
	if _, ok := r.Stage(res.Stage); ok {
		return fmt.Errorf("record %s: %w", res.Stage, ErrStageRecorded)
	}
	r.Stages = append(r.Stages, res)
	return nil
}

// RunSummary is the listing view of a run.
type RunSummary struct {
	ID          string    `json:"id" db:"id"`
	FilePath    string    `json:"file_path" db:"file_path"`
	Language    string    `json:"language" db:"language"`
	Status      RunStatus `json:"status" db:"status"`
	FailedStage StageName `json:"failed_stage,omitempty" db:"failed_stage"`
	Findings    int       `json:"findings" db:"findings"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Summary returns the listing view of the run.
func (r *Run) Summary() *RunSummary {
	return &RunSummary{
		ID:          r.ID,
		FilePath:    r.Request.FilePath,
		Language:    r.Request.Language,
		Status:      r.Status,
		FailedStage: r.FailedStage,
		Findings:    len(r.Findings),
		CreatedAt:   r.CreatedAt,
	}
}

// Visualization references the flow diagram produced for a run.
type Visualization struct {
	Format   string `json:"format"`
	Diagram  string `json:"diagram"`
	GraphRef string `json:"graph_ref,omitempty"`
}
