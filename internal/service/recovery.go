package service

import (
	"context"
	"log"
	"time"

	"github.com/xiaot623/gogo/reports/internal/domain"
	"github.com/xiaot623/gogo/reports/internal/workflow"
)

const (
	// InterruptedMessage is recorded on runs left unfinished by a previous process.
	InterruptedMessage = "interrupted by process restart"
	// TimedOutMessage is recorded on runs that exceeded the run timeout.
	TimedOutMessage = "run timed out"

	sweepBatch = 100
)

// RecoverInterruptedRuns fails every run still PENDING or RUNNING at startup.
// No engine survives a restart, so those runs can never finish on their own.
// Call it before accepting requests.
func (s *Service) RecoverInterruptedRuns(ctx context.Context) (int, error) {
	total := 0
	for {
		runs, err := s.store.ListUnfinishedRuns(ctx, time.Now(), sweepBatch)
		if err != nil {
			return total, err
		}
		failed := 0
		for _, run := range runs {
			if s.failUnfinished(ctx, run, InterruptedMessage) {
				failed++
			}
		}
		total += failed
		if len(runs) < sweepBatch || failed == 0 {
			break
		}
	}
	if total > 0 {
		log.Printf("INFO: marked %d interrupted runs as failed", total)
	}
	return total, nil
}

// RunStaleRunMonitor periodically fails runs that outlived the run timeout.
func (s *Service) RunStaleRunMonitor(ctx context.Context) {
	if s.config.RunTimeout <= 0 {
		return
	}
	interval := s.config.StaleSweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepStaleRuns(ctx)
		}
	}
}

func (s *Service) sweepStaleRuns(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Allow the engine's own deadline to fire first.
	cutoff := time.Now().Add(-s.config.RunTimeout - s.config.StaleSweepInterval)
	runs, err := s.store.ListUnfinishedRuns(sweepCtx, cutoff, sweepBatch)
	if err != nil {
		log.Printf("WARN: stale run sweep failed: %v", err)
		return
	}
	for _, run := range runs {
		s.failUnfinished(sweepCtx, run, TimedOutMessage)
	}
}

func (s *Service) failUnfinished(ctx context.Context, run domain.Run, msg string) bool {
	if err := s.store.FailRunningSteps(ctx, run.ID, msg); err != nil {
		log.Printf("WARN: failed to fail running steps of run %d: %v", run.ID, err)
	}
	ev := domain.MustEvent(domain.EventTypeError, domain.ErrorPayload{Message: msg, Recoverable: false})
	ok, err := workflow.NewPersistedEmitter(s.store, run.ID).Finish(ctx, domain.RunStatusFailed, msg, ev)
	if err != nil {
		log.Printf("WARN: failed to mark run %d failed: %v", run.ID, err)
		return false
	}
	if ok {
		log.Printf("INFO: run %d marked failed: %s", run.ID, msg)
		if s.metrics != nil {
			s.metrics.RunFinished(run.AgentType, domain.RunStatusFailed)
		}
	}
	return ok
}
