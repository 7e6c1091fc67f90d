package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/xiaot623/gogo/reports/internal/domain"
	"github.com/xiaot623/gogo/reports/internal/metrics"
)

const forwardBuffer = 256

// CreateRunAndFollow creates a run and streams its events to sink as they are
// appended, using the emitter's in-process forward instead of polling.
// Forwards that were dropped are backfilled from the event log, and the
// session ends the same way a live stream does.
func (s *Service) CreateRunAndFollow(ctx context.Context, req domain.CreateRunRequest, sink Sink) (*domain.Run, error) {
	live := make(chan domain.Event, forwardBuffer)
	forward := func(ev domain.Event) {
		select {
		case live <- ev:
		default:
		}
	}

	run, err := s.createRun(ctx, req, forward)
	if err != nil {
		return nil, err
	}
	if err := sink.Open(run.ID); err != nil {
		return run, fmt.Errorf("failed to open stream: %w", err)
	}
	defer s.streamOpened(metrics.ModeFollow)()

	interval := s.config.StreamPollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	idle := time.NewTimer(interval)
	defer idle.Stop()

	var cursor int64
	for {
		select {
		case <-ctx.Done():
			return run, nil

		case ev := <-live:
			if ev.Seq <= cursor {
				continue
			}
			if ev.Seq > cursor+1 {
				next, ok := s.backfill(ctx, run.ID, cursor, ev.Seq-1, sink)
				if !ok {
					return run, nil
				}
				cursor = next
			}
			if err := sink.Send(ev); err != nil {
				log.Printf("INFO: follow of run %d closed by client at seq %d: %v", run.ID, cursor, err)
				return run, nil
			}
			cursor = ev.Seq
			if ev.Type.IsTerminal() {
				s.follow(ctx, run.ID, cursor, sink)
				return run, nil
			}
			resetTimer(idle, interval)

		case <-idle.C:
			current, err := s.lookupRun(ctx, run.ID)
			if err != nil {
				log.Printf("ERROR: follow of run %d stopped: %v", run.ID, err)
				return run, nil
			}
			if current.Status.IsTerminal() {
				s.follow(ctx, run.ID, cursor, sink)
				return run, nil
			}
			idle.Reset(interval)
		}
	}
}

// backfill delivers events with cursor < seq <= upTo from the log.
func (s *Service) backfill(ctx context.Context, runID, cursor, upTo int64, sink Sink) (int64, bool) {
	events, err := s.store.ListEvents(ctx, runID, cursor, int(upTo-cursor))
	if err != nil {
		log.Printf("ERROR: follow of run %d failed to backfill: %v", runID, err)
		return cursor, false
	}
	for _, ev := range events {
		if ev.Seq > upTo {
			break
		}
		if err := sink.Send(ev); err != nil {
			return cursor, false
		}
		cursor = ev.Seq
	}
	return cursor, true
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
