package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	r.ConnOpened()
	r.Message("plain")
	r.Assistant("ok", 1)
	r.SandboxRun("ready")
	r.PersistFailed()
	r.Dropped()
	r.Rejected("auth")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestCounters(t *testing.T) {
	r := New()
	r.ConnOpened()
	r.ConnOpened()
	r.ConnClosed()
	r.Message("plain")
	r.Message("plain")
	r.Assistant("failed", 0.5)
	r.PersistFailed()

	assert.Equal(t, 1.0, testutil.ToFloat64(r.connections))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.messages.WithLabelValues("plain")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.assistant.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.persistFail))
}

func TestHandlerExposition(t *testing.T) {
	r := New()
	r.Rejected("invalid_project")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), `chatndev_handshake_rejected_total{reason="invalid_project"} 1`))
}
