package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is one immutable fact on a run's timeline.
//
// Seq and RunID are assigned by the event log on append. ID is stable across
// replay. Timestamp is the producer-side wall clock in Unix milliseconds and is
// only used for replay pacing; ordering is always by Seq.
type Event struct {
	Seq       int64           `json:"seq,omitempty"`
	RunID     int64           `json:"run_id,omitempty"`
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`

	// CreatedAt is the storage insertion time. It is never serialized.
	CreatedAt time.Time `json:"-"`
}

// NewEvent builds an event of the given type stamped with the current time.
// It performs no I/O.
func NewEvent(eventType EventType, data interface{}) (Event, error) {
	if eventType == "" {
		return Event{}, errors.New("event type is required")
	}
	ev := Event{
		ID:        "evt_" + uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
		}
		ev.Data = raw
	}
	return ev, nil
}

// MustEvent is NewEvent for payloads that are known to marshal.
func MustEvent(eventType EventType, data interface{}) Event {
	ev, err := NewEvent(eventType, data)
	if err != nil {
		panic(err)
	}
	return ev
}

// Encode renders the event as one newline-terminated JSON line.
func (e Event) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return append(b, '\n'), nil
}

// DecodeEvent parses a single line produced by Encode. Unknown event types are
// accepted so older consumers can skip them.
func DecodeEvent(line []byte) (Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, errors.New("empty event line")
	}
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, errors.New("event has no type")
	}
	return ev, nil
}

// DecodeData unmarshals the event payload into v.
func (e Event) DecodeData(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s event has no data", e.Type)
	}
	return json.Unmarshal(e.Data, v)
}

// StagePayload reports a named phase and coarse 0-100 progress.
type StagePayload struct {
	Stage    string `json:"stage"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

// ProgressPayload reports a sub-task inside a step.
type ProgressPayload struct {
	Step    string `json:"step"`
	Substep string `json:"substep"`
	Status  string `json:"status"`
	Current int    `json:"current,omitempty"`
	Total   int    `json:"total,omitempty"`
	Message string `json:"message,omitempty"`
}

// Sub-task statuses carried by ProgressPayload.
const (
	SubstepRunning   = "running"
	SubstepCompleted = "completed"
	SubstepFailed    = "failed"
)

// ThinkingPayload is a textual trace entry.
type ThinkingPayload struct {
	Step string `json:"step,omitempty"`
	Text string `json:"text"`
}

// ToolCallPayload records a tool invocation.
type ToolCallPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	Tool       string          `json:"tool"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// ToolResultPayload records the outcome of a tool invocation.
type ToolResultPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	Tool       string          `json:"tool"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	Step        string `json:"step,omitempty"`
}

// CompletePayload carries a run's final structured result.
type CompletePayload struct {
	Result json.RawMessage `json:"result"`
}

// CancelledPayload marks a cancelled run.
type CancelledPayload struct {
	Reason string `json:"reason"`
}

// StageEvent builds a stage event.
func StageEvent(stage string, progress int, message string) Event {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return MustEvent(EventTypeStage, StagePayload{Stage: stage, Progress: progress, Message: message})
}

// ErrorEvent builds an error event.
func ErrorEvent(message string, recoverable bool) Event {
	return MustEvent(EventTypeError, ErrorPayload{Message: message, Recoverable: recoverable})
}

// ThinkingEvent builds a thinking event.
func ThinkingEvent(step, text string) Event {
	return MustEvent(EventTypeThinking, ThinkingPayload{Step: step, Text: text})
}

// CompleteEvent builds the terminal complete event for result.
func CompleteEvent(result interface{}) (Event, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return NewEvent(EventTypeComplete, CompletePayload{Result: raw})
}
