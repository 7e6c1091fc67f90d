package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/reports/internal/domain"
	"github.com/xiaot623/gogo/reports/internal/workflow"
	"github.com/xiaot623/gogo/reports/tests/helpers"
)

type failingLog struct{}

func (failingLog) AppendEvent(context.Context, int64, *domain.Event) error {
	return errors.New("disk full")
}
func (failingLog) FinishRun(context.Context, int64, domain.RunStatus, string, *domain.Event) (bool, error) {
	return false, errors.New("disk full")
}
func (failingLog) ListEvents(context.Context, int64, int64, int) ([]domain.Event, error) {
	return nil, nil
}
func (failingLog) LastEventSeq(context.Context, int64) (int64, error) { return 0, nil }

func TestEmitterForwardsAfterAppend(t *testing.T) {
	ctx := context.Background()
	s := helpers.NewTestSQLiteStore(t)
	run := &domain.Run{AgentType: domain.AgentTypeResearch, Input: json.RawMessage(`{}`)}
	_, err := s.CreateRun(ctx, run, []string{"plan"})
	require.NoError(t, err)

	var forwarded []domain.Event
	emit := workflow.NewPersistedEmitter(s, run.ID, workflow.WithForwarder(func(ev domain.Event) {
		forwarded = append(forwarded, ev)
	}))

	require.NoError(t, emit.Stage(ctx, "plan", 10, "Planning"))
	id, err := emit.ToolCall(ctx, "market.quote", map[string]string{"symbol": "AAPL"})
	require.NoError(t, err)
	require.NoError(t, emit.ToolResult(ctx, id, "market.quote", map[string]float64{"price": 1.5}, nil, 20*time.Millisecond))

	require.Len(t, forwarded, 3)
	for i, ev := range forwarded {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.NotEmpty(t, ev.ID)
		assert.NotZero(t, ev.Timestamp)
	}

	var call domain.ToolCallPayload
	require.NoError(t, forwarded[1].DecodeData(&call))
	var result domain.ToolResultPayload
	require.NoError(t, forwarded[2].DecodeData(&result))
	assert.Equal(t, call.ToolCallID, result.ToolCallID)
	assert.Equal(t, int64(20), result.DurationMs)
}

func TestEmitterForwarderPanicDoesNotFailAppend(t *testing.T) {
	ctx := context.Background()
	s := helpers.NewTestSQLiteStore(t)
	run := &domain.Run{AgentType: domain.AgentTypeResearch, Input: json.RawMessage(`{}`)}
	_, err := s.CreateRun(ctx, run, []string{"plan"})
	require.NoError(t, err)

	emit := workflow.NewPersistedEmitter(s, run.ID, workflow.WithForwarder(func(domain.Event) {
		panic("consumer went away")
	}))
	require.NoError(t, emit.Thinking(ctx, "plan", "hello"))

	last, err := s.LastEventSeq(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), last)
}

func TestEmitterReturnsAppendError(t *testing.T) {
	forwarded := false
	emit := workflow.NewPersistedEmitter(failingLog{}, 7, workflow.WithForwarder(func(domain.Event) {
		forwarded = true
	}))
	err := emit.Thinking(context.Background(), "plan", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.False(t, forwarded)
}

func TestEmitterConcurrentForwardOrder(t *testing.T) {
	ctx := context.Background()
	s := helpers.NewTestSQLiteStore(t)
	run := &domain.Run{AgentType: domain.AgentTypeConsensus, Input: json.RawMessage(`{}`)}
	_, err := s.CreateRun(ctx, run, []string{"parallel_analysis"})
	require.NoError(t, err)

	var seqs []int64
	emit := workflow.NewPersistedEmitter(s, run.ID, workflow.WithForwarder(func(ev domain.Event) {
		seqs = append(seqs, ev.Seq)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = emit.Thinking(ctx, "parallel_analysis", "model output")
		}()
	}
	wg.Wait()

	require.Len(t, seqs, 10)
	for i, seq := range seqs {
		assert.Equal(t, int64(i+1), seq)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	wf := threeStepPipeline(nil)
	reg, err := workflow.NewRegistry(wf)
	require.NoError(t, err)

	got, ok := reg.Get(domain.AgentTypeConsensus)
	require.True(t, ok)
	assert.Equal(t, wf.StepNames(), got.StepNames())

	_, ok = reg.Get(domain.AgentTypeResearch)
	assert.False(t, ok)

	assert.Error(t, reg.Register(wf))
	assert.Equal(t, []domain.AgentType{domain.AgentTypeConsensus}, reg.AgentTypes())
}
