package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gansauditor/gansauditor/pkg/config"
	"github.com/gansauditor/gansauditor/pkg/obs"
	"github.com/gansauditor/gansauditor/pkg/queue"
	"github.com/gansauditor/gansauditor/pkg/session"
)

// stubPool returns a fixed health view.
type stubPool struct {
	health queue.PoolHealth
}

func (p *stubPool) Health() *queue.PoolHealth {
	h := p.health
	return &h
}

func newTestServer(t *testing.T, pool Pool, probeErr error) (*Server, *session.Store) {
	t.Helper()

	cfg := config.Default()
	cfg.Store.StateDir = t.TempDir()
	store, err := session.NewStore(cfg.Store, nil, nil)
	require.NoError(t, err)

	metrics := obs.NewMetrics(prometheus.NewRegistry())
	return NewServer("127.0.0.1:0", store, pool, metrics, probeErr), store
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.routes().ServeHTTP(w, req)
	return w
}

func TestHealthz_Healthy(t *testing.T) {
	pool := &stubPool{health: queue.PoolHealth{
		IsHealthy:      true,
		TotalWorkers:   5,
		QueueDepth:     2,
		ActiveSessions: 3,
	}}
	s, _ := newTestServer(t, pool, nil)

	w := get(t, s, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, 2, resp.QueueDepth)
	assert.Equal(t, 3, resp.ActiveSessions)
	assert.Equal(t, "healthy", resp.Checks["worker_pool"].Status)
	assert.Equal(t, "healthy", resp.Checks["analyzer"].Status)
}

func TestHealthz_DegradedWhenProbeFailed(t *testing.T) {
	pool := &stubPool{health: queue.PoolHealth{IsHealthy: true}}
	s, _ := newTestServer(t, pool, errors.New("analyzer executable not found in PATH"))

	w := get(t, s, "/healthz")
	require.Equal(t, http.StatusOK, w.Code, "degraded stays 200, audits report their own faults")

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Contains(t, resp.Checks["analyzer"].Message, "not found")
}

func TestHealthz_DegradedWithoutWorkers(t *testing.T) {
	pool := &stubPool{health: queue.PoolHealth{IsHealthy: false}}
	s, _ := newTestServer(t, pool, nil)

	w := get(t, s, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "degraded", resp.Checks["worker_pool"].Status)
}

func TestSessionSnapshot(t *testing.T) {
	pool := &stubPool{health: queue.PoolHealth{IsHealthy: true}}
	s, store := newTestServer(t, pool, nil)

	cfg := config.Default()
	created, _, err := store.GetOrCreate("sess-api", "loop-1", cfg.SessionDefaults())
	require.NoError(t, err)

	w := get(t, s, "/api/v1/sessions/"+created.ID)
	require.Equal(t, http.StatusOK, w.Code)

	var got session.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "sess-api", got.ID)
	assert.Equal(t, "loop-1", got.LoopID)
	assert.Equal(t, session.StateActive, got.State)
}

func TestSessionSnapshot_NotFound(t *testing.T) {
	pool := &stubPool{health: queue.PoolHealth{IsHealthy: true}}
	s, _ := newTestServer(t, pool, nil)

	w := get(t, s, "/api/v1/sessions/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not found")
}

func TestMetricsEndpoint(t *testing.T) {
	pool := &stubPool{health: queue.PoolHealth{IsHealthy: true}}
	s, _ := newTestServer(t, pool, nil)

	w := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gansauditor_")
}
