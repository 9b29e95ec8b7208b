package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveQREA(t *testing.T) {
	m := New()
	m.ObserveQREA(0.75, 0.5, 1, 0, 0.65)

	assert.Equal(t, 0.75, testutil.ToFloat64(m.QREA.WithLabelValues("qmatch")))
	assert.Equal(t, 0.65, testutil.ToFloat64(m.QREA.WithLabelValues("composite")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.Switches.WithLabelValues("high").Inc()
	m.Sessions.Set(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `tileabr_switches_total{quality="high"} 1`)
	assert.Contains(t, string(body), "tileabr_sessions_active 2")
}
