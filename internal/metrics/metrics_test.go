package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/reports/internal/domain"
)

func TestMetricsRecordLifecycle(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	m.RunStarted(domain.AgentTypeConsensus)
	m.StepFinished(domain.AgentTypeConsensus, "fetch_data", domain.StepStatusCompleted, 200*time.Millisecond)
	m.RunFinished(domain.AgentTypeConsensus, domain.RunStatusCompleted)
	m.EventAppended(domain.Event{Type: domain.EventTypeStage})
	m.EventAppended(domain.Event{Type: domain.EventTypeStage})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsStarted.WithLabelValues("CONSENSUS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsFinished.WithLabelValues("CONSENSUS", "COMPLETED")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsAppended.WithLabelValues("stage")))

	done := m.StreamOpened(ModeLive)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamSessions.WithLabelValues(ModeLive)))
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.streamSessions.WithLabelValues(ModeLive)))
}

func TestMetricsRejectDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestMetricsHandler(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	m.RunStarted(domain.AgentTypeResearch)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `reports_runs_started_total{agent_type="RESEARCH"} 1`)
}
