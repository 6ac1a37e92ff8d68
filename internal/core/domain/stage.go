package domain

import (
	"encoding/json"
	"time"
)

// StageName identifies one discrete unit of pipeline work.
type StageName string

const (
	StageQueryGen  StageName = "querygen"
	StageSlicing   StageName = "slicing"
	StageDetect    StageName = "detect"
	StageEnrich    StageName = "enrich"
	StageAggregate StageName = "aggregate"
	StageVisualize StageName = "visualize"
	StageVerify    StageName = "verify"
	StageApply     StageName = "apply"
	StageReport    StageName = "report"
	StageChat      StageName = "chat"
)

// ClientStages lists the stages backed by a stage client, in pipeline order.
var ClientStages = []StageName{
	StageQueryGen,
	StageDetect,
	StageEnrich,
	StageVisualize,
	StageVerify,
	StageReport,
	StageChat,
}

// Outcome is the result category of one stage.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeError   Outcome = "error"
	OutcomeSkipped Outcome = "skipped"
)

// StageResult is the recorded result of one stage of one run.
type StageResult struct {
	Stage      StageName       `json:"stage"`
	Outcome    Outcome         `json:"outcome"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      *StageError     `json:"error,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// OK reports whether the stage succeeded.
func (r StageResult) OK() bool { return r.Outcome == OutcomeOK }

// Duration returns how long the stage took.
func (r StageResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Decode unmarshals the payload into v.
func (r StageResult) Decode(v any) error {
	if len(r.Payload) == 0 {
		return NewStageError(ErrorInvalidResponse, "stage %s returned an empty payload", r.Stage)
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return NewStageError(ErrorInvalidResponse, "decode %s payload: %v", r.Stage, err)
	}
	return nil
}

// OKResult builds a successful result carrying payload.
func OKResult(stage StageName, payload json.RawMessage, started, finished time.Time) StageResult {
	return StageResult{
		Stage:      stage,
		Outcome:    OutcomeOK,
		Payload:    payload,
		StartedAt:  started,
		FinishedAt: finished,
	}
}

// ErrorResult builds a failed result.
func ErrorResult(stage StageName, err *StageError, started, finished time.Time) StageResult {
	return StageResult{
		Stage:      stage,
		Outcome:    OutcomeError,
		Error:      err,
		StartedAt:  started,
		FinishedAt: finished,
	}
}

// SkippedResult builds a skipped result with a reason.
func SkippedResult(stage StageName, reason string, at time.Time) StageResult {
	return StageResult{
		Stage:      stage,
		Outcome:    OutcomeSkipped,
		Reason:     reason,
		StartedAt:  at,
		FinishedAt: at,
	}
}
