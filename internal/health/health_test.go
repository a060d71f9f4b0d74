package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestReadyRequiresCriticalChecks(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(Check{Name: "postgres", Critical: true, Probe: func(context.Context) error { return nil }})
	m.Register(Check{Name: "redis", Critical: false, Probe: func(context.Context) error { return errors.New("down") }})

	assert.False(t, m.Ready(), "unknown critical check must not be ready")

	m.runAll(context.Background())
	assert.True(t, m.Ready(), "non-critical failure must not gate readiness")

	got := m.Results()
	assert.Equal(t, StatusHealthy, got["postgres"].Status)
	assert.Equal(t, StatusUnhealthy, got["redis"].Status)
	assert.Equal(t, "down", got["redis"].Error)
}

func TestReadyFailsOnCriticalFailure(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(Check{Name: "postgres", Critical: true, Probe: func(context.Context) error { return errors.New("refused") }})

	m.runAll(context.Background())
	assert.False(t, m.Ready())
}

func TestRoutes(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(Check{Name: "postgres", Critical: true, Probe: func(context.Context) error { return nil }})

	mux := http.NewServeMux()
	m.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "unchecked critical dependency")

	m.runAll(context.Background())
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"postgres"`)
}
