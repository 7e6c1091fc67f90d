package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/reports/internal/config"
	"github.com/xiaot623/gogo/reports/internal/domain"
	"github.com/xiaot623/gogo/reports/internal/store"
	"github.com/xiaot623/gogo/reports/internal/workflow"
	"github.com/xiaot623/gogo/reports/tests/helpers"
)

var testSteps = []string{"fetch_data", "parallel_analysis", "synthesize"}

type testState struct {
	Symbol string   `json:"symbol"`
	Done   []string `json:"done"`
}

// testWorkflow builds a three-step pipeline; hooks run inside the named step.
func testWorkflow(agentType domain.AgentType, hooks map[string]func(ctx context.Context) error) workflow.Workflow {
	steps := make([]workflow.Step[testState], 0, len(testSteps))
	for _, name := range testSteps {
		steps = append(steps, workflow.Step[testState]{
			Name: name,
			Run: func(ctx context.Context, st *testState, emit *workflow.Emitter) error {
				if hook := hooks[name]; hook != nil {
					if err := hook(ctx); err != nil {
						return err
					}
				}
				st.Done = append(st.Done, name)
				return emit.Thinking(ctx, name, name+" done")
			},
		})
	}
	decode := func(raw json.RawMessage) (*testState, error) {
		var st testState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, err
		}
		if st.Symbol == "" {
			return nil, errors.New("symbol is required")
		}
		return &st, nil
	}
	result := func(st *testState) (interface{}, error) { return st, nil }
	return workflow.NewPipeline[testState](agentType, decode, result, steps...)
}

func testConfig() *config.Config {
	return &config.Config{
		StreamPollInterval: 5 * time.Millisecond,
		StreamBatchSize:    2,
		ReplayMaxDelay:     2 * time.Second,
		RunTimeout:         time.Minute,
		StaleSweepInterval: time.Second,
		RunCacheSize:       16,
	}
}

func newTestService(t *testing.T, wfs []workflow.Workflow, opts ...Option) (*Service, *store.SQLiteStore) {
	t.Helper()
	db := helpers.NewTestSQLiteStore(t)
	if len(wfs) == 0 {
		wfs = []workflow.Workflow{testWorkflow(domain.AgentTypeConsensus, nil)}
	}
	registry, err := workflow.NewRegistry(wfs...)
	require.NoError(t, err)
	svc, err := New(db, registry, testConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc, db
}

func waitForStatus(t *testing.T, db store.Store, runID int64, want domain.RunStatus) *domain.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := db.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run != nil && run.Status == want {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %d did not reach %s", runID, want)
	return nil
}

// seedRun persists a RUNNING run with n plain events.
func seedRun(t *testing.T, db store.Store, n int) *domain.Run {
	t.Helper()
	ctx := context.Background()
	run := &domain.Run{AgentType: domain.AgentTypeConsensus, Input: json.RawMessage(`{"symbol":"AAPL"}`)}
	_, err := db.CreateRun(ctx, run, testSteps)
	require.NoError(t, err)
	_, err = db.MarkRunRunning(ctx, run.ID)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		appendThinking(t, db, run.ID, fmt.Sprintf("event %d", i+1))
	}
	return run
}

func appendThinking(t *testing.T, db store.Store, runID int64, text string) domain.Event {
	t.Helper()
	ev := domain.ThinkingEvent("fetch_data", text)
	require.NoError(t, db.AppendEvent(context.Background(), runID, &ev))
	return ev
}

func finishRun(t *testing.T, db store.Store, runID int64) {
	t.Helper()
	ev, err := domain.CompleteEvent(map[string]string{"ok": "yes"})
	require.NoError(t, err)
	ok, err := db.FinishRun(context.Background(), runID, domain.RunStatusCompleted, "", &ev)
	require.NoError(t, err)
	require.True(t, ok)
}

// recordingSink collects delivered events.
type recordingSink struct {
	mu        sync.Mutex
	opened    int64
	openCalls int
	events    []domain.Event
	notify    chan domain.Event
	// failAfter makes Send fail once this many events were delivered.
	failAfter int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan domain.Event, 1024)}
}

func (s *recordingSink) Open(runID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = runID
	s.openCalls++
	return nil
}

func (s *recordingSink) Send(ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.events) >= s.failAfter {
		return errors.New("client went away")
	}
	s.events = append(s.events, ev)
	s.notify <- ev
	return nil
}

func (s *recordingSink) seqs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Seq
	}
	return out
}

func (s *recordingSink) next(t *testing.T) domain.Event {
	t.Helper()
	select {
	case ev := <-s.notify:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return domain.Event{}
	}
}

func seqRange(from, to int64) []int64 {
	var out []int64
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}
