package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counters(t *testing.T) {
	c := NewCollector()

	c.RecordReconnectAttempt()
	c.RecordReconnectAttempt()
	c.RecordHeartbeatRejected()
	c.RecordStatusRegression()
	c.RecordPushMessage("workflow_status")
	c.RecordPushMessage("workflow_status")
	c.RecordPushMessage("command_result")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.reconnectAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.heartbeatsRejected))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.statusRegressions))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.pushMessages.WithLabelValues("workflow_status")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.pushMessages.WithLabelValues("command_result")))
}

func TestCollector_IsolatedRegistries(t *testing.T) {
	a := NewCollector()
	b := NewCollector()

	a.RecordPollCeiling()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.pollCeilingsHit))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.pollCeilingsHit))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.RecordHeartbeatSent()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bridge_heartbeats_sent_total 1")
}
