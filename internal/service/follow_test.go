package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/reports/internal/domain"
	"github.com/xiaot623/gogo/reports/internal/workflow"
)

func TestCreateRunAndFollowStreamsWholeRun(t *testing.T) {
	svc, db := newTestService(t, nil)
	sink := newRecordingSink()

	run, err := svc.CreateRunAndFollow(context.Background(), domain.CreateRunRequest{
		AgentType: domain.AgentTypeConsensus,
		Input:     json.RawMessage(`{"symbol":"AAPL"}`),
	}, sink)
	require.NoError(t, err)
	assert.Equal(t, run.ID, sink.opened)

	last, err := db.LastEventSeq(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, seqRange(1, last), sink.seqs())
	assert.Equal(t, domain.EventTypeComplete, sink.events[len(sink.events)-1].Type)
}

// holdingSink blocks the first Send until hold is closed.
type holdingSink struct {
	*recordingSink
	hold  chan struct{}
	first sync.Once
}

func (s *holdingSink) Send(ev domain.Event) error {
	s.first.Do(func() { <-s.hold })
	return s.recordingSink.Send(ev)
}

func TestCreateRunAndFollowBackfillsDroppedForwards(t *testing.T) {
	flood := workflow.NewPipeline[testState](domain.AgentTypeResearch,
		func(raw json.RawMessage) (*testState, error) { return &testState{Symbol: "X"}, nil },
		func(st *testState) (interface{}, error) { return st, nil },
		workflow.Step[testState]{Name: "flood", Run: func(ctx context.Context, st *testState, emit *workflow.Emitter) error {
			for i := 0; i < forwardBuffer+50; i++ {
				if err := emit.Thinking(ctx, "flood", "tick"); err != nil {
					return err
				}
			}
			return nil
		}},
	)
	svc, db := newTestService(t, []workflow.Workflow{flood})

	sink := &holdingSink{recordingSink: newRecordingSink(), hold: make(chan struct{})}
	type result struct {
		run *domain.Run
		err error
	}
	done := make(chan result, 1)
	go func() {
		run, err := svc.CreateRunAndFollow(context.Background(), domain.CreateRunRequest{
			AgentType: domain.AgentTypeResearch,
			Input:     json.RawMessage(`{}`),
		}, sink)
		done <- result{run, err}
	}()

	// The consumer is stuck on the first event while the run floods the buffer.
	require.Eventually(t, func() bool {
		runs, err := db.ListRuns(context.Background(), domain.AgentTypeResearch, 1)
		return err == nil && len(runs) == 1 && runs[0].Status == domain.RunStatusCompleted
	}, 5*time.Second, 5*time.Millisecond)
	close(sink.hold)

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("follow did not finish")
	}
	require.NoError(t, res.err)

	last, err := db.LastEventSeq(context.Background(), res.run.ID)
	require.NoError(t, err)
	assert.Greater(t, last, int64(forwardBuffer))
	assert.Equal(t, seqRange(1, last), sink.seqs())
}

func TestCreateRunAndFollowRejectsInvalidInput(t *testing.T) {
	svc, _ := newTestService(t, nil)
	sink := newRecordingSink()
	_, err := svc.CreateRunAndFollow(context.Background(), domain.CreateRunRequest{
		AgentType: domain.AgentTypeConsensus,
		Input:     json.RawMessage(`{}`),
	}, sink)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Zero(t, sink.openCalls)
}
