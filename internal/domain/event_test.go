package domain

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		typ  EventType
		data interface{}
		into interface{}
	}{
		{"stage", EventTypeStage, StagePayload{Stage: "fetch_data", Progress: 33, Message: "Fetching"}, &StagePayload{}},
		{"progress", EventTypeProgress, ProgressPayload{Step: "parallel_analysis", Substep: "gpt-4o", Status: SubstepRunning, Current: 1, Total: 3}, &ProgressPayload{}},
		{"thinking", EventTypeThinking, ThinkingPayload{Step: "synthesize_consensus", Text: "weighing views"}, &ThinkingPayload{}},
		{"tool_call", EventTypeToolCall, ToolCallPayload{ToolCallID: "tc_1", Tool: "market.snapshot", Args: json.RawMessage(`{"symbol":"AAPL"}`)}, &ToolCallPayload{}},
		{"tool_result", EventTypeToolResult, ToolResultPayload{ToolCallID: "tc_1", Tool: "market.snapshot", Result: json.RawMessage(`{"price":1.5}`), DurationMs: 12}, &ToolResultPayload{}},
		{"error", EventTypeError, ErrorPayload{Message: "rate limited", Recoverable: false}, &ErrorPayload{}},
		{"complete", EventTypeComplete, CompletePayload{Result: json.RawMessage(`{"summary":"buy"}`)}, &CompletePayload{}},
		{"cancelled", EventTypeCancelled, CancelledPayload{Reason: "cancelled by user"}, &CancelledPayload{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := NewEvent(tc.typ, tc.data)
			require.NoError(t, err)
			assert.NotEmpty(t, ev.ID)
			assert.NotZero(t, ev.Timestamp)

			line, err := ev.Encode()
			require.NoError(t, err)
			assert.True(t, bytes.HasSuffix(line, []byte("\n")))
			assert.Equal(t, 1, bytes.Count(line, []byte("\n")))

			got, err := DecodeEvent(line)
			require.NoError(t, err)
			assert.Equal(t, tc.typ, got.Type)
			assert.Equal(t, ev.ID, got.ID)
			assert.Equal(t, ev.Timestamp, got.Timestamp)

			require.NoError(t, got.DecodeData(tc.into))
			want, _ := json.Marshal(tc.data)
			have, _ := json.Marshal(tc.into)
			assert.JSONEq(t, string(want), string(have))
		})
	}
}

func TestDecodeEventUnknownType(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"id":"evt_x","type":"sparkle","timestamp":5,"data":{"a":1}}`))
	require.NoError(t, err)
	assert.Equal(t, EventType("sparkle"), ev.Type)
	assert.False(t, ev.Type.IsTerminal())
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	_, err := DecodeEvent([]byte("   "))
	assert.Error(t, err)
	_, err = DecodeEvent([]byte(`{"id":"x"}`))
	assert.Error(t, err)
	_, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestStageEventClampsProgress(t *testing.T) {
	var p StagePayload
	require.NoError(t, StageEvent("x", 140, "").DecodeData(&p))
	assert.Equal(t, 100, p.Progress)
	require.NoError(t, StageEvent("x", -3, "").DecodeData(&p))
	assert.Equal(t, 0, p.Progress)
}

func TestTerminalStatuses(t *testing.T) {
	assert.False(t, RunStatusPending.IsTerminal())
	assert.False(t, RunStatusRunning.IsTerminal())
	assert.True(t, RunStatusCompleted.IsTerminal())
	assert.True(t, RunStatusFailed.IsTerminal())
	assert.True(t, RunStatusCancelled.IsTerminal())
	assert.True(t, EventTypeComplete.IsTerminal())
	assert.True(t, EventTypeError.IsTerminal())
	assert.False(t, EventTypeStage.IsTerminal())
}
