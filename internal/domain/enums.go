// Package domain defines the core domain models for the report workflow engine.
package domain

// AgentType identifies which fixed pipeline a run executes.
type AgentType string

const (
	AgentTypeConsensus AgentType = "CONSENSUS"
	AgentTypeResearch  AgentType = "RESEARCH"
)

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the status of a single pipeline step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
)

// IsTerminal reports whether the step has finished.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// EventType represents the type of an event.
type EventType string

const (
	EventTypeStage      EventType = "stage"
	EventTypeProgress   EventType = "progress"
	EventTypeThinking   EventType = "thinking"
	EventTypeToolCall   EventType = "tool_call"
	EventTypeToolResult EventType = "tool_result"
	EventTypeError      EventType = "error"
	EventTypeComplete   EventType = "complete"
	EventTypeCancelled  EventType = "cancelled"
)

// IsTerminal reports whether an event of this type closes a run's timeline.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventTypeError, EventTypeComplete, EventTypeCancelled:
		return true
	}
	return false
}
