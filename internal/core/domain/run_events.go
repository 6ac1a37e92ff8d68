package domain

import "time"

// RunEventType identifies the kind of run lifecycle event.
type RunEventType string

const (
	RunEventSubmitted      RunEventType = "run.submitted"
	RunEventStageCompleted RunEventType = "stage.completed"
	RunEventFinished       RunEventType = "run.finished"
	RunEventCancelled      RunEventType = "run.cancelled"
)

// RunEvent is an append-only audit record of a run's progress.
// These events are published for decoupled consumers (storage, logs).
type RunEvent struct {
	ID      string       `json:"id" db:"id"`
	RunID   string       `json:"run_id" db:"run_id"`
	Type    RunEventType `json:"type" db:"type"`
	Stage   StageName    `json:"stage,omitempty" db:"stage"`
	Outcome Outcome      `json:"outcome,omitempty" db:"outcome"`
	Status  RunStatus    `json:"status,omitempty" db:"status"`
	Detail  string       `json:"detail,omitempty" db:"detail"`
	At      time.Time    `json:"at" db:"at"`
}
