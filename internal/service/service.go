// Package service implements run creation, cancellation, queries, live
// streaming and replay on top of the store and the workflow engine.
package service

import (
	"context"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/xiaot623/gogo/reports/internal/config"
	"github.com/xiaot623/gogo/reports/internal/domain"
	"github.com/xiaot623/gogo/reports/internal/metrics"
	"github.com/xiaot623/gogo/reports/internal/store"
	"github.com/xiaot623/gogo/reports/internal/workflow"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Service coordinates runs. It holds no per-run state besides the set of runs
// executing in this process; everything else is read from the store.
type Service struct {
	store    store.Store
	registry *workflow.Registry
	engine   *workflow.Engine
	metrics  *metrics.Metrics
	config   *config.Config
	cache    *lru.Cache[int64, *domain.RunDetail]
	sleep    SleepFunc

	mu     sync.Mutex
	active map[int64]context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records run, step, event and stream metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithSleep replaces the timer used for stream polling and replay pacing.
func WithSleep(fn SleepFunc) Option {
	return func(s *Service) { s.sleep = fn }
}

// New creates a service.
func New(st store.Store, registry *workflow.Registry, cfg *config.Config, opts ...Option) (*Service, error) {
	s := &Service{
		store:    st,
		registry: registry,
		config:   cfg,
		sleep:    sleepContext,
		active:   make(map[int64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}

	var observer workflow.Observer
	if s.metrics != nil {
		observer = s.metrics
	}
	s.engine = workflow.NewEngine(st, observer)

	size := cfg.RunCacheSize
	if size <= 0 {
		size = 512
	}
	cache, err := lru.New[int64, *domain.RunDetail](size)
	if err != nil {
		return nil, err
	}
	s.cache = cache
	return s, nil
}

// Shutdown cancels the context of every run executing in this process and
// waits for their engines to return, or for ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.active {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		log.Printf("WARN: shutdown timed out waiting for %d runs", s.activeCount())
		return ctx.Err()
	}
}

func (s *Service) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Service) streamOpened(mode string) func() {
	if s.metrics == nil {
		return func() {}
	}
	return s.metrics.StreamOpened(mode)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
