package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_PrivateRegistries(t *testing.T) {
	a := New()
	b := New()

	a.FramesEmitted.WithLabelValues("d0", "0").Add(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(a.FramesEmitted.WithLabelValues("d0", "0")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.FramesEmitted.WithLabelValues("d0", "0")))
}

func TestMetrics_Forget(t *testing.T) {
	m := New()
	m.FramesEmitted.WithLabelValues("d0", "0").Inc()
	m.FramesEmitted.WithLabelValues("d1", "0").Inc()
	m.FramesDiscarded.WithLabelValues("d0", "no_consumer").Inc()

	m.Forget("d0")
	assert.Equal(t, 1, testutil.CollectAndCount(m.FramesEmitted))
	assert.Equal(t, 0, testutil.CollectAndCount(m.FramesDiscarded))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Generation.Set(4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mediagrid_graph_generation 4")
}
