package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/gogo/reports/internal/domain"
	"github.com/xiaot623/gogo/reports/internal/store"
)

// Forwarder receives each event after it has been durably appended. It is
// called while the emitter holds its lock, so it must not block.
type Forwarder func(ev domain.Event)

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithForwarder pushes appended events to an in-process live consumer.
func WithForwarder(f Forwarder) EmitterOption {
	return func(e *Emitter) { e.forward = f }
}

// WithAppendHook registers a callback invoked for every appended event.
func WithAppendHook(f func(domain.Event)) EmitterOption {
	return func(e *Emitter) { e.onAppend = f }
}

// Emitter appends events to a single run's event log.
//
// Appends are serialized so events emitted concurrently by sub-tasks are
// forwarded in the same order their sequence ids were assigned.
type Emitter struct {
	log      store.EventLog
	runID    int64
	forward  Forwarder
	onAppend func(domain.Event)
	mu       sync.Mutex
}

// NewPersistedEmitter returns an emitter bound to runID.
func NewPersistedEmitter(eventLog store.EventLog, runID int64, opts ...EmitterOption) *Emitter {
	e := &Emitter{log: eventLog, runID: runID}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit durably appends ev and then forwards it. Append errors are returned to
// the caller; forwarding is best-effort and never fails the append.
func (e *Emitter) Emit(ctx context.Context, ev domain.Event) error {
	if ev.ID == "" {
		ev.ID = "evt_" + uuid.New().String()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// The log is the record of what happened, so appends outlive the caller's deadline.
	if err := e.log.AppendEvent(context.WithoutCancel(ctx), e.runID, &ev); err != nil {
		return fmt.Errorf("run %d: %w", e.runID, err)
	}
	e.delivered(ev)
	return nil
}

// Finish records ev as the run's terminal event and moves the run to status in
// one write. It reports false when the run had already reached a terminal
// status, in which case ev is dropped.
func (e *Emitter) Finish(ctx context.Context, status domain.RunStatus, errMsg string, ev domain.Event) (bool, error) {
	if ev.ID == "" {
		ev.ID = "evt_" + uuid.New().String()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ok, err := e.log.FinishRun(context.WithoutCancel(ctx), e.runID, status, errMsg, &ev)
	if err != nil {
		return false, fmt.Errorf("run %d: %w", e.runID, err)
	}
	if !ok {
		return false, nil
	}
	e.delivered(ev)
	return true, nil
}

func (e *Emitter) delivered(ev domain.Event) {
	if e.onAppend != nil {
		e.onAppend(ev)
	}
	if e.forward != nil {
		e.forwardSafely(ev)
	}
}

func (e *Emitter) forwardSafely(ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("WARN: live forward for run %d panicked: %v", e.runID, r)
		}
	}()
	e.forward(ev)
}

// Stage emits a stage event.
func (e *Emitter) Stage(ctx context.Context, stage string, progress int, message string) error {
	return e.Emit(ctx, domain.StageEvent(stage, progress, message))
}

// Progress emits a sub-task progress event.
func (e *Emitter) Progress(ctx context.Context, p domain.ProgressPayload) error {
	ev, err := domain.NewEvent(domain.EventTypeProgress, p)
	if err != nil {
		return err
	}
	return e.Emit(ctx, ev)
}

// Thinking emits a textual trace entry.
func (e *Emitter) Thinking(ctx context.Context, step, text string) error {
	return e.Emit(ctx, domain.ThinkingEvent(step, text))
}

// ToolCall emits a tool_call event and returns the id pairing it with its result.
func (e *Emitter) ToolCall(ctx context.Context, tool string, args interface{}) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tool args: %w", err)
	}
	id := "tc_" + uuid.New().String()[:8]
	ev, err := domain.NewEvent(domain.EventTypeToolCall, domain.ToolCallPayload{ToolCallID: id, Tool: tool, Args: raw})
	if err != nil {
		return "", err
	}
	return id, e.Emit(ctx, ev)
}

// ToolResult emits the tool_result paired with a previous ToolCall.
func (e *Emitter) ToolResult(ctx context.Context, toolCallID, tool string, result interface{}, callErr error, duration time.Duration) error {
	payload := domain.ToolResultPayload{
		ToolCallID: toolCallID,
		Tool:       tool,
		DurationMs: duration.Milliseconds(),
	}
	if callErr != nil {
		payload.Error = callErr.Error()
	} else if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal tool result: %w", err)
		}
		payload.Result = raw
	}
	ev, err := domain.NewEvent(domain.EventTypeToolResult, payload)
	if err != nil {
		return err
	}
	return e.Emit(ctx, ev)
}
