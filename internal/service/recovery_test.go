package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/reports/internal/domain"
)

func TestRecoverInterruptedRuns(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t, nil)

	running := seedRun(t, db, 2)
	ok, err := db.StartStep(ctx, running.ID, 1)
	require.NoError(t, err)
	require.True(t, ok)

	pending := &domain.Run{AgentType: domain.AgentTypeConsensus, Input: json.RawMessage(`{"symbol":"MSFT"}`)}
	_, err = db.CreateRun(ctx, pending, testSteps)
	require.NoError(t, err)

	done := seedRun(t, db, 0)
	finishRun(t, db, done.ID)

	n, err := svc.RecoverInterruptedRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []int64{running.ID, pending.ID} {
		got, err := db.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusFailed, got.Status)
		assert.Equal(t, InterruptedMessage, got.Error)

		events, err := db.ListEvents(ctx, id, 0, 0)
		require.NoError(t, err)
		require.NotEmpty(t, events)
		assert.Equal(t, domain.EventTypeError, events[len(events)-1].Type)
	}

	steps, err := db.ListSteps(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepStatusFailed, steps[0].Status)
	assert.Equal(t, domain.StepStatusPending, steps[1].Status)

	got, err := db.GetRun(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, got.Status)

	n, err = svc.RecoverInterruptedRuns(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepStaleRuns(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t, nil)

	old := &domain.Run{
		AgentType: domain.AgentTypeConsensus,
		Input:     json.RawMessage(`{"symbol":"AAPL"}`),
		CreatedAt: time.Now().Add(-time.Hour),
	}
	_, err := db.CreateRun(ctx, old, testSteps)
	require.NoError(t, err)
	fresh := seedRun(t, db, 0)

	svc.sweepStaleRuns(ctx)

	got, err := db.GetRun(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
	assert.Equal(t, TimedOutMessage, got.Error)

	got, err = db.GetRun(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, got.Status)
}
