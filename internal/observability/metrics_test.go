package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics()
	m.InstanceStarted("appointment_created")
	m.InstanceStarted("appointment_created")
	m.MessageSent("sms", "FAILED")
	m.ObserveSweep(20 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.instancesStarted.WithLabelValues("appointment_created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesSent.WithLabelValues("sms", "FAILED")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "careflow_instances_started_total")
	assert.Contains(t, rec.Body.String(), "careflow_sweep_duration_seconds")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.InstanceStarted("x")
		m.InstanceFinished("COMPLETED")
		m.NodeExecuted("action")
		m.MessageSent("email", "SENT")
		m.Resumed("sweep")
		m.ObserveSweep(time.Second)
		m.LockConflict()
	})
}
