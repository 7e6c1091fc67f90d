// Package metrics exposes Prometheus collectors for runs, steps, events and streams.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaot623/gogo/reports/internal/domain"
)

const namespace = "reports"

// Stream modes used as the mode label of the stream sessions gauge.
const (
	ModeLive   = "live"
	ModeWS     = "ws"
	ModeReplay = "replay"
	ModeFollow = "follow"
)

// Metrics holds the collectors registered on one registry.
type Metrics struct {
	registry       *prometheus.Registry
	runsStarted    *prometheus.CounterVec
	runsFinished   *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec
	eventsAppended *prometheus.CounterVec
	streamSessions *prometheus.GaugeVec
}

// New registers all collectors on reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Runs the engine started executing.",
		}, []string{"agent_type"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal status.",
		}, []string{"agent_type", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Time spent in each pipeline step.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"agent_type", "step", "status"}),
		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Events appended to run event logs.",
		}, []string{"type"}),
		streamSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_sessions",
			Help:      "Open streaming sessions by mode.",
		}, []string{"mode"}),
	}
	for _, c := range []prometheus.Collector{m.runsStarted, m.runsFinished, m.stepDuration, m.eventsAppended, m.streamSessions} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	for _, mode := range []string{ModeLive, ModeWS, ModeReplay, ModeFollow} {
		m.streamSessions.WithLabelValues(mode).Set(0)
	}
	return m, nil
}

// RunStarted implements workflow.Observer.
func (m *Metrics) RunStarted(agentType domain.AgentType) {
	m.runsStarted.WithLabelValues(string(agentType)).Inc()
}

// RunFinished implements workflow.Observer.
func (m *Metrics) RunFinished(agentType domain.AgentType, status domain.RunStatus) {
	m.runsFinished.WithLabelValues(string(agentType), string(status)).Inc()
}

// StepFinished implements workflow.Observer.
func (m *Metrics) StepFinished(agentType domain.AgentType, step string, status domain.StepStatus, elapsed time.Duration) {
	m.stepDuration.WithLabelValues(string(agentType), step, string(status)).Observe(elapsed.Seconds())
}

// EventAppended counts one appended event.
func (m *Metrics) EventAppended(ev domain.Event) {
	m.eventsAppended.WithLabelValues(string(ev.Type)).Inc()
}

// StreamOpened increments the session gauge and returns the matching decrement.
func (m *Metrics) StreamOpened(mode string) func() {
	g := m.streamSessions.WithLabelValues(mode)
	g.Inc()
	return g.Dec
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
