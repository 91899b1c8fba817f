package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.Error(t, Register(reg), "double registration must fail")

	Turns.WithLabelValues("ok").Inc()
	KnowledgeCache.WithLabelValues("hit").Inc()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `relaycall_turns_total{outcome="ok"}`)
	assert.Contains(t, string(body), "relaycall_active_sessions")
}
