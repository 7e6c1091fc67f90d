package service

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/xiaot623/gogo/reports/internal/domain"
	"github.com/xiaot623/gogo/reports/internal/workflow"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// CreateRun validates the request, persists the run with its PENDING steps and
// starts the engine in the background. The engine is detached from ctx.
func (s *Service) CreateRun(ctx context.Context, req domain.CreateRunRequest) (*domain.Run, error) {
	return s.createRun(ctx, req, nil)
}

func (s *Service) createRun(ctx context.Context, req domain.CreateRunRequest, forward workflow.Forwarder) (*domain.Run, error) {
	agentType := domain.AgentType(strings.ToUpper(strings.TrimSpace(string(req.AgentType))))
	if agentType == "" {
		return nil, fmt.Errorf("%w: agent_type is required", ErrInvalidRequest)
	}
	wf, ok := s.registry.Get(agentType)
	if !ok {
		return nil, s.unknownAgentType(req.AgentType)
	}

	// Planning decodes and validates the input before anything is persisted.
	plan, err := wf.Plan(req.Input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	run := &domain.Run{AgentType: agentType, Input: req.Input}
	if _, err := s.store.CreateRun(ctx, run, wf.StepNames()); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	if err := s.start(run, plan, forward); err != nil {
		return nil, err
	}
	log.Printf("INFO: run %d created for %s", run.ID, agentType)
	return run, nil
}

func (s *Service) start(run *domain.Run, plan *workflow.Plan, forward workflow.Forwarder) error {
	s.mu.Lock()
	if _, exists := s.active[run.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrRunAlreadyActive, run.ID)
	}
	var runCtx context.Context
	var cancel context.CancelFunc
	if s.config.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), s.config.RunTimeout)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}
	s.active[run.ID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	var opts []workflow.EmitterOption
	if forward != nil {
		opts = append(opts, workflow.WithForwarder(forward))
	}
	if s.metrics != nil {
		opts = append(opts, workflow.WithAppendHook(s.metrics.EventAppended))
	}
	emit := workflow.NewPersistedEmitter(s.store, run.ID, opts...)

	go func() {
		defer s.wg.Done()
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.active, run.ID)
			s.mu.Unlock()
		}()
		status := s.engine.Execute(runCtx, run, plan, emit)
		log.Printf("INFO: run %d finished with status %s", run.ID, status)
	}()
	return nil
}

// CancelRun marks a run CANCELLED and records a cancelled event. Handlers
// already in flight are not interrupted; the engine stops before the next step.
func (s *Service) CancelRun(ctx context.Context, runID int64, reason string) (*domain.CancelRunResponse, error) {
	run, err := s.lookupRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return &domain.CancelRunResponse{RunID: runID, Status: run.Status, Message: "run already finished"}, nil
	}

	if reason == "" {
		reason = "cancelled by user"
	}
	ev := domain.MustEvent(domain.EventTypeCancelled, domain.CancelledPayload{Reason: reason})
	var opts []workflow.EmitterOption
	if s.metrics != nil {
		opts = append(opts, workflow.WithAppendHook(s.metrics.EventAppended))
	}
	ok, err := workflow.NewPersistedEmitter(s.store, runID, opts...).Finish(ctx, domain.RunStatusCancelled, "", ev)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel run: %w", err)
	}
	if !ok {
		// Finished between the read and the write.
		current, err := s.lookupRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		return &domain.CancelRunResponse{RunID: runID, Status: current.Status, Message: "run already finished"}, nil
	}
	if s.metrics != nil {
		s.metrics.RunFinished(run.AgentType, domain.RunStatusCancelled)
	}
	log.Printf("INFO: run %d cancelled: %s", runID, reason)
	return &domain.CancelRunResponse{RunID: runID, Status: domain.RunStatusCancelled, Message: "run cancelled"}, nil
}

// GetRun returns a run with its steps. Terminal runs are served from cache.
func (s *Service) GetRun(ctx context.Context, runID int64) (*domain.RunDetail, error) {
	if runID <= 0 {
		return nil, fmt.Errorf("%w: run id must be a positive integer", ErrInvalidRequest)
	}
	if detail, ok := s.cache.Get(runID); ok {
		return detail, nil
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	steps, err := s.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	lastSeq, err := s.store.LastEventSeq(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to read last event seq: %w", err)
	}
	detail := &domain.RunDetail{Run: *run, Steps: steps, LastSeq: lastSeq}
	if run.Status.IsTerminal() && stepsSettled(steps) {
		s.cache.Add(runID, detail)
	}
	return detail, nil
}

// An in-flight handler of a cancelled run may still finish its step.
func stepsSettled(steps []domain.Step) bool {
	for _, st := range steps {
		if st.Status == domain.StepStatusRunning {
			return false
		}
	}
	return true
}

// lookupRun returns the run row, consulting the terminal-run cache first.
func (s *Service) lookupRun(ctx context.Context, runID int64) (*domain.Run, error) {
	if runID <= 0 {
		return nil, fmt.Errorf("%w: run id must be a positive integer", ErrInvalidRequest)
	}
	if detail, ok := s.cache.Get(runID); ok {
		run := detail.Run
		return &run, nil
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (s *Service) unknownAgentType(agentType domain.AgentType) error {
	known := make([]string, 0, 2)
	for _, t := range s.registry.AgentTypes() {
		known = append(known, string(t))
	}
	return fmt.Errorf("%w: %s (expected one of %s)", ErrUnknownAgentType, agentType, strings.Join(known, ", "))
}

// ListRuns lists recent runs, newest first.
func (s *Service) ListRuns(ctx context.Context, agentType domain.AgentType, limit int) (*domain.ListRunsResponse, error) {
	if agentType != "" {
		agentType = domain.AgentType(strings.ToUpper(string(agentType)))
		if _, ok := s.registry.Get(agentType); !ok {
			return nil, s.unknownAgentType(agentType)
		}
	}
	limit = clampLimit(limit)
	runs, err := s.store.ListRuns(ctx, agentType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	return &domain.ListRunsResponse{Runs: runs}, nil
}

// ListEvents returns one page of events after the cursor.
func (s *Service) ListEvents(ctx context.Context, runID, after int64, limit int) (*domain.ListEventsResponse, error) {
	if after < 0 {
		return nil, ErrInvalidCursor
	}
	if _, err := s.lookupRun(ctx, runID); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	events, err := s.store.ListEvents(ctx, runID, after, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	resp := &domain.ListEventsResponse{RunID: runID, NextCursor: after, Events: []domain.Event{}}
	if len(events) > limit {
		events = events[:limit]
		resp.HasMore = true
	}
	if len(events) > 0 {
		resp.Events = events
		resp.NextCursor = events[len(events)-1].Seq
	}
	return resp, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
