// Package opshttp exposes the driver's operator surface: liveness, a deep
// component health report, and Prometheus metrics. Grounded on the reference
// infrastructure/service DeepHealthChecker (component registry, parallel
// checks, aggregated status) and infrastructure/metrics's gauge/counter
// registration style, wired over gorilla/mux the way the reference service
// runner builds its router.
package opshttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jasona/mudforge-sub002/internal/logging"
)

// ComponentHealth is one subsystem's reported status.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // healthy, degraded, unhealthy
	Message string `json:"message,omitempty"`
}

// HealthCheckFunc reports one component's health.
type HealthCheckFunc func(ctx context.Context) ComponentHealth

// DriverStats is the subset of live driver state the /stats endpoint reports.
type DriverStats struct {
	State           string `json:"state"`
	ActivePlayers   int    `json:"activePlayers"`
	PendingCallOuts int    `json:"pendingCallOuts"`
	HeartbeatCount  int    `json:"heartbeatCount"`
}

// StatsFunc produces a fresh DriverStats snapshot.
type StatsFunc func() DriverStats

// HealthResponse is the deep health endpoint's payload.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components []ComponentHealth `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// Metrics holds the driver's Prometheus collectors.
type Metrics struct {
	PlayersActive   prometheus.Gauge
	CallOutsPending prometheus.Gauge
	CommandsTotal   *prometheus.CounterVec
	CommandDuration prometheus.Histogram
}

// NewMetrics registers the driver's collectors against registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		PlayersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mudforge_players_active",
			Help: "Number of players currently in the active-players table.",
		}),
		CallOutsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mudforge_callouts_pending",
			Help: "Number of scheduled call-outs not yet fired.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mudforge_commands_total",
			Help: "Total number of dispatched commands, by verb.",
		}, []string{"verb"}),
		CommandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mudforge_command_duration_seconds",
			Help:    "Command execution duration in seconds.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}),
	}
	registerer.MustRegister(m.PlayersActive, m.CallOutsPending, m.CommandsTotal, m.CommandDuration)
	return m
}

// Server is the driver's operator-facing HTTP surface.
type Server struct {
	router *mux.Router
	http   *http.Server
	log    *logging.Logger

	checks    map[string]HealthCheckFunc
	statsFunc StatsFunc
	timeout   time.Duration
}

// Config configures a Server.
type Config struct {
	Addr       string
	Log        *logging.Logger
	Registerer prometheus.Registerer
	Timeout    time.Duration // timeout shared by all checks of one deep health request; default 5s
}

// New builds a Server. Register health checks with RegisterCheck and wire
// SetStatsFunc before Start.
func New(cfg Config) *Server {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	registerer := cfg.Registerer
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}

	s := &Server{
		log:     cfg.Log,
		checks:  make(map[string]HealthCheckFunc),
		timeout: cfg.Timeout,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleLiveness).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleDeepHealth).Methods(http.MethodGet)
	router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	if reg, ok := registerer.(prometheus.Gatherer); ok {
		router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	} else {
		router.Handle("/metrics", promhttp.Handler())
	}
	s.router = router

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// RegisterCheck adds a named component health check.
func (s *Server) RegisterCheck(name string, fn HealthCheckFunc) {
	s.checks[name] = fn
}

// SetStatsFunc wires the /stats endpoint's data source.
func (s *Server) SetStatsFunc(fn StatsFunc) {
	s.statsFunc = fn
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleDeepHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	components := make([]ComponentHealth, 0, len(s.checks))
	overall := "healthy"
	for name, check := range s.checks {
		result := check(ctx)
		result.Name = name
		components = append(components, result)
		switch result.Status {
		case "unhealthy":
			overall = "unhealthy"
		case "degraded":
			if overall != "unhealthy" {
				overall = "degraded"
			}
		}
	}

	resp := HealthResponse{Status: overall, Components: components, CheckedAt: time.Now()}
	status := http.StatusOK
	if overall == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var stats DriverStats
	if s.statsFunc != nil {
		stats = s.statsFunc()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// Start begins serving in a background goroutine; errors are logged, not returned.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.log != nil {
				s.log.With().WithError(err).Error("ops http server stopped")
			}
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
