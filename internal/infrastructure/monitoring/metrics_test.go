package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordRPCCall("html", "ok", time.Millisecond)
		m.RecordCacheLookup("hit")
		m.RecordProbe("timeout", time.Millisecond, 0)
		m.SetFramesActive(3)
		m.RecordFrameOperation("navigate", "ok", time.Millisecond)
		assert.True(t, m.StartTime().IsZero())
		m.Close()
	})
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics()
	defer m.Close()

	m.RecordCacheLookup("hit")
	m.RecordCacheLookup("hit")
	m.RecordCacheLookup("miss-permanent")
	m.RecordRPCCall("html", "timeout", 10*time.Millisecond)
	m.SetFramesActive(2)
	m.RecordFrameOperation("eval", "error", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("miss-permanent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCCalls.WithLabelValues("html", "timeout")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FrameOps.WithLabelValues("eval", "error")))
}

func TestMultipleCollectorsDoNotCollide(t *testing.T) {
	a := NewMetrics()
	defer a.Close()
	b := NewMetrics()
	defer b.Close()

	a.IncBlockedRequests()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.BlockedRequests))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.BlockedRequests))
}

func TestHandlerExposition(t *testing.T) {
	m := NewMetrics()
	defer m.Close()
	m.RecordNavigation("ok", 50*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "proxyframe_navigations_total"))
}
