package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/xiaot623/gogo/reports/internal/domain"
	"github.com/xiaot623/gogo/reports/internal/metrics"
)

// Sink receives the events of one streaming session.
type Sink interface {
	// Open is called once, after validation and before the first event, so
	// transports can commit their response headers.
	Open(runID int64) error
	// Send delivers one event. An error ends the session.
	Send(ev domain.Event) error
}

// StreamRun delivers the run's events after cursor, then keeps polling for new
// ones until the run is terminal and the log is drained.
//
// Validation and lookup errors are returned before Open. Once the session is
// open, store and delivery failures only end the stream and are logged.
func (s *Service) StreamRun(ctx context.Context, runID, cursor int64, sink Sink) error {
	return s.streamRun(ctx, runID, cursor, sink, metrics.ModeLive)
}

// StreamRunWS is StreamRun for WebSocket sessions. Only the session gauge
// differs.
func (s *Service) StreamRunWS(ctx context.Context, runID, cursor int64, sink Sink) error {
	return s.streamRun(ctx, runID, cursor, sink, metrics.ModeWS)
}

func (s *Service) streamRun(ctx context.Context, runID, cursor int64, sink Sink, mode string) error {
	if cursor < 0 {
		return ErrInvalidCursor
	}
	if _, err := s.lookupRun(ctx, runID); err != nil {
		return err
	}
	if err := sink.Open(runID); err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer s.streamOpened(mode)()

	s.follow(ctx, runID, cursor, sink)
	return nil
}

// follow is the poll loop shared by live sessions. It returns the last
// delivered sequence id.
func (s *Service) follow(ctx context.Context, runID, cursor int64, sink Sink) int64 {
	batchSize := s.config.StreamBatchSize
	if batchSize <= 0 {
		batchSize = defaultPageSize
	}
	interval := s.config.StreamPollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	draining := false
	for {
		if ctx.Err() != nil {
			return cursor
		}

		batch, err := s.store.ListEvents(ctx, runID, cursor, batchSize)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("ERROR: stream of run %d stopped: failed to list events: %v", runID, err)
			}
			return cursor
		}
		for _, ev := range batch {
			if err := sink.Send(ev); err != nil {
				log.Printf("INFO: stream of run %d closed by client at seq %d: %v", runID, cursor, err)
				return cursor
			}
			cursor = ev.Seq
		}
		if len(batch) > 0 {
			continue
		}
		if draining {
			return cursor
		}

		run, err := s.lookupRun(ctx, runID)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("ERROR: stream of run %d stopped: %v", runID, err)
			}
			return cursor
		}
		if run.Status.IsTerminal() {
			// One more read picks up anything committed between the empty
			// batch and the status check.
			draining = true
			continue
		}
		if err := s.sleep(ctx, interval); err != nil {
			return cursor
		}
	}
}
