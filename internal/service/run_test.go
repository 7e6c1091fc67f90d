package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/reports/internal/domain"
	"github.com/xiaot623/gogo/reports/internal/workflow"
)

func TestCreateRunValidatesBeforePersisting(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t, nil)

	_, err := svc.CreateRun(ctx, domain.CreateRunRequest{AgentType: "NOPE", Input: json.RawMessage(`{"symbol":"AAPL"}`)})
	assert.ErrorIs(t, err, ErrUnknownAgentType)
	assert.EqualError(t, err, "unknown agent type: NOPE (expected one of CONSENSUS)")

	_, err = svc.CreateRun(ctx, domain.CreateRunRequest{AgentType: domain.AgentTypeConsensus, Input: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.CreateRun(ctx, domain.CreateRunRequest{Input: json.RawMessage(`{"symbol":"AAPL"}`)})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	runs, err := db.ListRuns(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestCreateRunExecutesInBackground(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	svc, db := newTestService(t, nil)

	run, err := svc.CreateRun(ctx, domain.CreateRunRequest{AgentType: "consensus", Input: json.RawMessage(`{"symbol":"AAPL"}`)})
	require.NoError(t, err)
	assert.Equal(t, domain.AgentTypeConsensus, run.AgentType)
	// The engine must not be tied to the request context.
	cancel()

	waitForStatus(t, db, run.ID, domain.RunStatusCompleted)

	detail, err := svc.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, detail.Steps, 3)
	for _, step := range detail.Steps {
		assert.Equal(t, domain.StepStatusCompleted, step.Status)
	}
	events, err := db.ListEvents(context.Background(), run.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, events[len(events)-1].Seq, detail.LastSeq)

	again, err := svc.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Same(t, detail, again, "terminal runs are cached")
}

func TestCreateRunFailureIsRecorded(t *testing.T) {
	wf := testWorkflow(domain.AgentTypeConsensus, map[string]func(context.Context) error{
		"parallel_analysis": func(context.Context) error { return errors.New("rate limited") },
	})
	svc, db := newTestService(t, []workflow.Workflow{wf})

	run, err := svc.CreateRun(context.Background(), domain.CreateRunRequest{AgentType: domain.AgentTypeConsensus, Input: json.RawMessage(`{"symbol":"AAPL"}`)})
	require.NoError(t, err)

	failed := waitForStatus(t, db, run.ID, domain.RunStatusFailed)
	assert.Equal(t, "rate limited", failed.Error)

	page, err := svc.ListEvents(context.Background(), run.ID, 0, 0)
	require.NoError(t, err)
	last := page.Events[len(page.Events)-1]
	require.Equal(t, domain.EventTypeError, last.Type)
	var payload domain.ErrorPayload
	require.NoError(t, last.DecodeData(&payload))
	assert.Equal(t, "rate limited", payload.Message)
	assert.False(t, payload.Recoverable)
}

func TestCancelRunWhileStepInFlight(t *testing.T) {
	inFlight := make(chan struct{})
	release := make(chan struct{})
	wf := testWorkflow(domain.AgentTypeConsensus, map[string]func(context.Context) error{
		"parallel_analysis": func(context.Context) error {
			close(inFlight)
			<-release
			return nil
		},
	})
	svc, db := newTestService(t, []workflow.Workflow{wf})
	ctx := context.Background()

	run, err := svc.CreateRun(ctx, domain.CreateRunRequest{AgentType: domain.AgentTypeConsensus, Input: json.RawMessage(`{"symbol":"AAPL"}`)})
	require.NoError(t, err)
	<-inFlight

	resp, err := svc.CancelRun(ctx, run.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, resp.Status)

	got, err := db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)

	close(release)
	require.Eventually(t, func() bool { return svc.activeCount() == 0 }, 5*time.Second, 5*time.Millisecond)

	got, err = db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, got.Status)

	events, err := db.ListEvents(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	terminal := 0
	for _, ev := range events {
		if ev.Type.IsTerminal() {
			terminal++
			assert.Equal(t, domain.EventTypeCancelled, ev.Type)
		}
	}
	assert.Equal(t, 1, terminal)

	again, err := svc.CancelRun(ctx, run.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, again.Status)
	assert.Equal(t, "run already finished", again.Message)
}

func TestCancelRunNotFound(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, err := svc.CancelRun(context.Background(), 99, "")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = svc.CancelRun(context.Background(), 0, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestListEventsPaging(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t, nil)
	run := seedRun(t, db, 5)

	page, err := svc.ListEvents(ctx, run.ID, 0, 2)
	require.NoError(t, err)
	assert.Len(t, page.Events, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, int64(2), page.NextCursor)

	page, err = svc.ListEvents(ctx, run.ID, page.NextCursor, 10)
	require.NoError(t, err)
	assert.Len(t, page.Events, 3)
	assert.False(t, page.HasMore)
	assert.Equal(t, int64(5), page.NextCursor)

	page, err = svc.ListEvents(ctx, run.ID, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Events)
	assert.Equal(t, int64(5), page.NextCursor)

	_, err = svc.ListEvents(ctx, run.ID, -1, 10)
	assert.ErrorIs(t, err, ErrInvalidCursor)
	_, err = svc.ListEvents(ctx, 12345, 0, 10)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t, nil)
	seedRun(t, db, 0)
	seedRun(t, db, 0)

	resp, err := svc.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, resp.Runs, 2)

	resp, err = svc.ListRuns(ctx, "consensus", 1)
	require.NoError(t, err)
	assert.Len(t, resp.Runs, 1)

	_, err = svc.ListRuns(ctx, "bogus", 1)
	assert.ErrorIs(t, err, ErrUnknownAgentType)
}
