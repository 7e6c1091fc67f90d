package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/xiaot623/gogo/reports/internal/domain"
	"github.com/xiaot623/gogo/reports/internal/metrics"
)

const maxReplaySpeed = 10.0

// ReplayOptions controls replay pacing.
type ReplayOptions struct {
	// Speed scales the original inter-event gaps. Values <= 0 mean 1x and
	// values above 10 are clamped to 10.
	Speed float64
	// MaxDelay caps a single gap. Zero uses the configured default.
	MaxDelay time.Duration
}

func (o ReplayOptions) normalized(defaultMax time.Duration) ReplayOptions {
	if o.Speed <= 0 {
		o.Speed = 1
	}
	if o.Speed > maxReplaySpeed {
		o.Speed = maxReplaySpeed
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMax
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 2 * time.Second
	}
	return o
}

// ReplayDelay is the pause before an event stamped at ts when the previous
// one was stamped at prev, both in unix milliseconds.
func ReplayDelay(prev, ts int64, opts ReplayOptions) time.Duration {
	delta := ts - prev
	if delta < 0 {
		delta = 0
	}
	delay := time.Duration(float64(delta)/opts.Speed) * time.Millisecond
	if delay > opts.MaxDelay {
		delay = opts.MaxDelay
	}
	return delay
}

// ReplayRun re-delivers everything persisted for the run so far, paced by the
// original event timestamps. It never waits for new events.
func (s *Service) ReplayRun(ctx context.Context, runID int64, opts ReplayOptions, sink Sink) error {
	if _, err := s.lookupRun(ctx, runID); err != nil {
		return err
	}
	opts = opts.normalized(s.config.ReplayMaxDelay)

	events, err := s.store.ListEvents(ctx, runID, 0, 0)
	if err != nil {
		return fmt.Errorf("failed to load events: %w", err)
	}
	if err := sink.Open(runID); err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer s.streamOpened(metrics.ModeReplay)()

	var prev int64
	for i, ev := range events {
		ts := eventTime(ev)
		if i > 0 {
			if err := s.sleep(ctx, ReplayDelay(prev, ts, opts)); err != nil {
				return nil
			}
		}
		if err := sink.Send(ev); err != nil {
			log.Printf("INFO: replay of run %d closed by client at seq %d: %v", runID, ev.Seq, err)
			return nil
		}
		prev = ts
	}
	return nil
}

// eventTime is the producer timestamp, or the insertion time when absent.
func eventTime(ev domain.Event) int64 {
	if ev.Timestamp > 0 {
		return ev.Timestamp
	}
	return ev.CreatedAt.UnixMilli()
}
