package domain

import (
	"encoding/json"
	"time"
)

// Run represents one user-initiated pipeline execution.
type Run struct {
	ID          int64           `json:"id"`
	AgentType   AgentType       `json:"agent_type"`
	Status      RunStatus       `json:"status"`
	Input       json.RawMessage `json:"input"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Step represents one named unit of work within a run's pipeline.
type Step struct {
	ID          int64      `json:"id"`
	RunID       int64      `json:"run_id"`
	StepName    string     `json:"step_name"`
	StepOrder   int        `json:"step_order"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// RunDetail is a run together with its ordered steps. LastSeq is the highest
// event sequence id at read time, usable as a stream cursor.
type RunDetail struct {
	Run
	Steps   []Step `json:"steps"`
	LastSeq int64  `json:"last_seq"`
}
