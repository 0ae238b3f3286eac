package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/cookie-sandbox/pkg/models"
)

func TestStatusCounts(t *testing.T) {
	t.Parallel()

	m := New()
	m.SetStatusCounts(map[models.SandboxStatus]int{models.StatusRunning: 2, models.StatusError: 1})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Sandboxes.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sandboxes.WithLabelValues("error")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Sandboxes.WithLabelValues("initializing")))
}

func TestStatusGaugeSeededAtStartup(t *testing.T) {
	t.Parallel()

	m := New()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `sandbox_sandboxes{status="initializing"} 0`)
	assert.Contains(t, body, `sandbox_sandboxes{status="running"} 0`)
	assert.Contains(t, body, `sandbox_sandboxes{status="error"} 0`)
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObservePipeline("running", time.Now().Add(-2*time.Second))
	m.ObserveRequest(http.MethodGet, "/v1/sandboxes", http.StatusOK, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `sandbox_pipelines_total{outcome="running"} 1`)
	assert.Contains(t, body, `sandbox_http_requests_total{method="GET",route="/v1/sandboxes",status="OK"} 1`)
	assert.Contains(t, body, "go_goroutines")
}
