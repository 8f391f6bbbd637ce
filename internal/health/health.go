// Package health provides the admin HTTP endpoints of the daemon.
//
// Docker and Kubernetes use /healthz for liveness and /readyz for
// readiness. The daemon is ready while its subscription is open. /status
// reports the subscription itself, /metrics exposes Prometheus metrics and
// /swagger/ serves the API documentation.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/nadzzz/pushstream/internal/subscriber"
)

// StatusProvider reports the state of the subscription.
type StatusProvider interface {
	State() subscriber.State
	Mode() string
	Channels() []string
}

// Status is the body of GET /status.
type Status struct {
	State     string   `json:"state" example:"open"`
	StateCode int      `json:"state_code" example:"2"`
	Mode      string   `json:"mode,omitempty" example:"eventsource"`
	Channels  []string `json:"channels"`
}

// Probe is the body of GET /healthz and GET /readyz.
type Probe struct {
	Status string `json:"status" example:"ok"`
}

// Server is a lightweight HTTP server that exposes the admin endpoints.
type Server struct {
	port     int
	status   StatusProvider
	gatherer prometheus.Gatherer
	server   *http.Server
}

// New creates a new admin server. A nil gatherer means
// prometheus.DefaultGatherer.
func New(port int, status StatusProvider, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{port: port, status: status, gatherer: gatherer}
}

// Handler returns the admin routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// Swagger UI, backed by the document registered by package docs.
	mux.Handle("GET /swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))
	return mux
}

// ListenAndServe starts the admin HTTP server.
// It blocks until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("admin server listening", "port", s.port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// handleHealthz reports liveness.
//
// @Summary  Liveness probe
// @Tags     health
// @Produce  json
// @Success  200  {object}  Probe
// @Router   /healthz [get]
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Probe{Status: "ok"})
}

// handleReadyz reports readiness: 200 only while the subscription is open.
//
// @Summary  Readiness probe
// @Tags     health
// @Produce  json
// @Success  200  {object}  Probe
// @Failure  503  {object}  Probe
// @Router   /readyz [get]
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.status.State() != subscriber.StateOpen {
		writeJSON(w, http.StatusServiceUnavailable, Probe{Status: "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, Probe{Status: "ok"})
}

// handleStatus reports the subscription.
//
// @Summary  Subscription status
// @Tags     status
// @Produce  json
// @Success  200  {object}  Status
// @Router   /status [get]
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := s.status.State()
	channels := s.status.Channels()
	if channels == nil {
		channels = []string{}
	}
	writeJSON(w, http.StatusOK, Status{
		State:     state.String(),
		StateCode: int(state),
		Mode:      s.status.Mode(),
		Channels:  channels,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
