package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilReceiverIsNoOp(t *testing.T) {
	var m *Metrics
	m.Node("serviceTask", 0.01)
	m.Started()
	m.Finished("COMPLETED")
	m.TaskCompleted()
	m.TimerFired()
	m.MessageDelivered()
	m.HandlerFailed()
	assert.NotNil(t, m.Handler())
}

func TestCountersRecord(t *testing.T) {
	m := New()
	m.Started()
	m.Started()
	m.Finished("COMPLETED")
	m.TimerFired()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.InstancesStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveInstances))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InstancesCompleted.WithLabelValues("COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TimersFired))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.Started()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "semflow_instances_started_total 1")
}
