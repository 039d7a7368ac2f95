package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/selivandex/loadmetrics/pkg/metrics"
)

// RunState exposes the current test run
type RunState interface {
	Running() bool
	Engine() *metrics.Engine
}

// Server provides health, readiness, metrics and admin endpoints
type Server struct {
	server    *http.Server
	run       RunState
	log       *zap.Logger
	ready     bool
	readyMu   sync.RWMutex
	startTime time.Time
}

// HealthStatus represents process health
type HealthStatus struct {
	Status    string         `json:"status"`
	Timestamp string         `json:"timestamp"`
	Uptime    string         `json:"uptime"`
	Engine    *metrics.Stats `json:"engine,omitempty"`
}

// ReadinessStatus represents delivery readiness
type ReadinessStatus struct {
	Ready     bool              `json:"ready"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// NewServer creates new health check server. gatherer backs /metrics.
func NewServer(addr string, run RunState, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()

	s := &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		run:       run,
		log:       log,
		startTime: time.Now(),
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReadiness)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReadiness)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/admin/flush", s.handleFlush)
	mux.HandleFunc("/admin/reset-errors", s.handleResetErrors)

	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the health check server. It blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info("health check server starting",
		zap.String("addr", s.server.Addr),
	)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("stopping health check server")
	return s.server.Shutdown(ctx)
}

// SetReady marks the service as ready
func (s *Server) SetReady(ready bool) {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	s.ready = ready

	if ready {
		s.log.Info("service marked as ready")
	} else {
		s.log.Warn("service marked as not ready")
	}
}

// handleHealth handles liveness probe - /health
// Returns 200 while the process is alive, even when the sink is down.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	}

	if r.URL.Query().Get("verbose") == "true" {
		if engine := s.run.Engine(); engine != nil {
			stats := engine.Stats()
			status.Engine = &stats
		}
	}

	writeJSON(w, http.StatusOK, status)
}

// handleReadiness handles readiness probe - /ready
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	s.readyMu.RLock()
	ready := s.ready
	s.readyMu.RUnlock()

	checks := make(map[string]string)
	allHealthy := true

	engine := s.run.Engine()
	switch {
	case !s.run.Running() || engine == nil:
		checks["test_run"] = "not running"
		allHealthy = false
	default:
		checks["test_run"] = "running"
		stats := engine.Stats()
		if stats.Suspended {
			checks["delivery"] = "suspended after repeated errors"
			allHealthy = false
		} else if stats.ErrorCount > 0 {
			checks["delivery"] = "degraded"
		} else {
			checks["delivery"] = "healthy"
		}
	}

	isReady := ready && allHealthy

	status := ReadinessStatus{
		Ready:     isReady,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	code := http.StatusOK
	if !isReady {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	engine := s.run.Engine()
	if engine == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no test run"})
		return
	}

	if err := engine.Flush(r.Context()); err != nil {
		s.log.Warn("manual flush failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, engine.Stats())
}

func (s *Server) handleResetErrors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	engine := s.run.Engine()
	if engine == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no test run"})
		return
	}

	engine.ResetErrors()
	writeJSON(w, http.StatusOK, engine.Stats())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
