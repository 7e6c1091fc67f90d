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
)

type fakeClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	return ctx.Err()
}

func appendAt(t *testing.T, svc *Service, runID int64, ts int64) {
	t.Helper()
	ev := domain.ThinkingEvent("fetch_data", "x")
	ev.Timestamp = ts
	require.NoError(t, svc.store.AppendEvent(context.Background(), runID, &ev))
}

func TestReplayPacesBySpeed(t *testing.T) {
	clock := &fakeClock{}
	svc, db := newTestService(t, nil, WithSleep(clock.Sleep))
	run := seedRun(t, db, 0)
	appendAt(t, svc, run.ID, 10_000)
	appendAt(t, svc, run.ID, 11_000)
	appendAt(t, svc, run.ID, 11_000)
	appendAt(t, svc, run.ID, 30_000)
	appendAt(t, svc, run.ID, 29_000)

	sink := newRecordingSink()
	require.NoError(t, svc.ReplayRun(context.Background(), run.ID, ReplayOptions{Speed: 2}, sink))

	assert.Equal(t, seqRange(1, 5), sink.seqs())
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond,
		0,
		2 * time.Second, // capped
		0,               // clock went backwards
	}, clock.sleeps)
}

func TestReplayOptionsNormalize(t *testing.T) {
	opts := ReplayOptions{}.normalized(time.Second)
	assert.Equal(t, 1.0, opts.Speed)
	assert.Equal(t, time.Second, opts.MaxDelay)

	opts = ReplayOptions{Speed: -3, MaxDelay: 100 * time.Millisecond}.normalized(time.Second)
	assert.Equal(t, 1.0, opts.Speed)
	assert.Equal(t, 100*time.Millisecond, opts.MaxDelay)

	opts = ReplayOptions{Speed: 50}.normalized(0)
	assert.Equal(t, 10.0, opts.Speed)
	assert.Equal(t, 2*time.Second, opts.MaxDelay)

	assert.Equal(t, 100*time.Millisecond, ReplayDelay(0, 1000, opts))
	assert.Equal(t, time.Duration(0), ReplayDelay(1000, 0, opts))
}

func TestReplayFallsBackToInsertionTime(t *testing.T) {
	created := time.UnixMilli(5_000)
	assert.Equal(t, int64(5_000), eventTime(domain.Event{CreatedAt: created}))
	assert.Equal(t, int64(42), eventTime(domain.Event{Timestamp: 42, CreatedAt: created}))
}

func TestReplayEmptyAndMissingRuns(t *testing.T) {
	clock := &fakeClock{}
	svc, db := newTestService(t, nil, WithSleep(clock.Sleep))
	run := seedRun(t, db, 0)

	sink := newRecordingSink()
	require.NoError(t, svc.ReplayRun(context.Background(), run.ID, ReplayOptions{}, sink))
	assert.Equal(t, 1, sink.openCalls)
	assert.Empty(t, sink.seqs())

	sink = newRecordingSink()
	assert.ErrorIs(t, svc.ReplayRun(context.Background(), 777, ReplayOptions{}, sink), ErrRunNotFound)
	assert.Zero(t, sink.openCalls)
}

func TestReplayDoesNotWaitForRunningRun(t *testing.T) {
	clock := &fakeClock{}
	svc, db := newTestService(t, nil, WithSleep(clock.Sleep))
	run := seedRun(t, db, 3)

	sink := newRecordingSink()
	require.NoError(t, svc.ReplayRun(context.Background(), run.ID, ReplayOptions{Speed: 10}, sink))
	assert.Equal(t, seqRange(1, 3), sink.seqs())

	got, err := db.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, got.Status)
}

func TestReplayIsDeterministic(t *testing.T) {
	clock := &fakeClock{}
	svc, db := newTestService(t, nil, WithSleep(clock.Sleep))
	run := seedRun(t, db, 4)

	first := newRecordingSink()
	require.NoError(t, svc.ReplayRun(context.Background(), run.ID, ReplayOptions{}, first))
	second := newRecordingSink()
	require.NoError(t, svc.ReplayRun(context.Background(), run.ID, ReplayOptions{}, second))

	a, _ := json.Marshal(first.events)
	b, _ := json.Marshal(second.events)
	assert.JSONEq(t, string(a), string(b))
}
