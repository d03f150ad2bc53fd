package opshttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return New(Config{Addr: "127.0.0.1:0", Registerer: prometheus.NewRegistry()})
}

func TestHandleLiveness_AlwaysOK(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleDeepHealth_AggregatesWorstStatus(t *testing.T) {
	s := newTestServer(t)
	s.RegisterCheck("registry", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: "healthy"}
	})
	s.RegisterCheck("store", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: "unhealthy", Message: "disk full"}
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Len(t, resp.Components, 2)
}

func TestHandleStats_ReflectsWiredFunc(t *testing.T) {
	s := newTestServer(t)
	s.SetStatsFunc(func() DriverStats {
		return DriverStats{State: "Running", ActivePlayers: 3, PendingCallOuts: 1, HeartbeatCount: 2}
	})

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var stats DriverStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "Running", stats.State)
	assert.Equal(t, 3, stats.ActivePlayers)
}

func TestHandleMetrics_ExposesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(Config{Addr: "127.0.0.1:0", Registerer: reg})
	m := NewMetrics(reg)
	m.PlayersActive.Set(5)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mudforge_players_active 5")
}
