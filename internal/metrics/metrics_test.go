package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Logins.WithLabelValues("success").Inc()
	m.Logins.WithLabelValues("success").Inc()
	m.Logins.WithLabelValues("failure").Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Logins.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Logins.WithLabelValues("failure")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.TicketsIssued.WithLabelValues("email-verify").Inc()
	m.ObserveRequest("/login", "POST", "200", 15*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `keyhold_tickets_issued_total{purpose="email-verify"} 1`)
	assert.Contains(t, string(body), "keyhold_http_request_duration_seconds_bucket")
}

func TestInstancesUseSeparateRegistries(t *testing.T) {
	a := New()
	b := New()
	assert.NotSame(t, a.Registry(), b.Registry())
}
