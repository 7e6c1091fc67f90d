// Package store defines the persistence interface for runs, steps and the
// per-run event log, and its SQLite implementation.
package store

import (
	"context"
	"time"

	"github.com/xiaot623/gogo/reports/internal/domain"
)

// Store defines the interface for data persistence.
//
// Getters return (nil, nil) when the row does not exist. Status writers return
// false when the guarded update did not apply, which happens when the row is
// already in a terminal state.
type Store interface {
	// Run operations
	CreateRun(ctx context.Context, run *domain.Run, stepNames []string) ([]domain.Step, error)
	GetRun(ctx context.Context, runID int64) (*domain.Run, error)
	ListRuns(ctx context.Context, agentType domain.AgentType, limit int) ([]domain.Run, error)
	ListUnfinishedRuns(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Run, error)
	MarkRunRunning(ctx context.Context, runID int64) (bool, error)
	CompleteRun(ctx context.Context, runID int64, status domain.RunStatus, errMsg string) (bool, error)

	// Step operations
	ListSteps(ctx context.Context, runID int64) ([]domain.Step, error)
	StartStep(ctx context.Context, runID int64, stepOrder int) (bool, error)
	FinishStep(ctx context.Context, runID int64, stepOrder int, status domain.StepStatus, errMsg string) (bool, error)
	FailRunningSteps(ctx context.Context, runID int64, errMsg string) error

	EventLog

	// Lifecycle
	Close() error
}

// EventLog is the append-only, per-run ordered event sequence.
type EventLog interface {
	// AppendEvent persists ev for runID and assigns the next sequence id.
	// ev.Seq, ev.RunID and ev.CreatedAt are filled on success.
	AppendEvent(ctx context.Context, runID int64, ev *domain.Event) error

	// FinishRun atomically sets a terminal run status and appends ev, the
	// run's terminal event. It returns false, writing nothing, when the run
	// is already terminal.
	FinishRun(ctx context.Context, runID int64, status domain.RunStatus, errMsg string, ev *domain.Event) (bool, error)

	// ListEvents returns events with seq > afterSeq in ascending order.
	// A non-positive limit returns all remaining events.
	ListEvents(ctx context.Context, runID int64, afterSeq int64, limit int) ([]domain.Event, error)

	// LastEventSeq returns the highest sequence id for a run, 0 if none.
	LastEventSeq(ctx context.Context, runID int64) (int64, error)
}
