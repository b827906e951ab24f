package metric

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/health"
)

// HealthFunc reports the current aggregate health.
type HealthFunc func() health.Status

// Server exposes metrics, health and any extra operator routes over HTTP.
type Server struct {
	port      int
	path      string
	registry  *MetricsRegistry
	gatherers []prometheus.Gatherer
	health    HealthFunc

	mu       sync.Mutex
	routes   map[string]http.Handler
	server   *http.Server
	listener net.Listener
}

// NewServer creates a server. Extra gatherers are merged into the metrics
// path, so device metrics and the bridge's own metrics share one endpoint.
func NewServer(port int, path string, registry *MetricsRegistry, extra ...prometheus.Gatherer) *Server {
	if path == "" {
		path = "/metrics"
	}
	return &Server{
		port:      port,
		path:      path,
		registry:  registry,
		gatherers: extra,
		routes:    make(map[string]http.Handler),
	}
}

// SetHealth installs the health reporter used by /health.
func (s *Server) SetHealth(fn HealthFunc) {
	s.mu.Lock()
	s.health = fn
	s.mu.Unlock()
}

// Handle adds an operator route. Routes must be added before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mu.Lock()
	s.routes[pattern] = h
	s.mu.Unlock()
}

// Handler builds the server's mux.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()

	gatherers := prometheus.Gatherers{}
	if s.registry != nil {
		gatherers = append(gatherers, s.registry.PrometheusRegistry())
	}
	gatherers = append(gatherers, s.gatherers...)

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", s.serveHealth)
	for pattern, h := range s.routes {
		mux.Handle(pattern, h)
	}
	return mux
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	fn := s.health
	s.mu.Unlock()

	status := health.NewHealthy("satbridge", "ok")
	if fn != nil {
		status = fn()
	}

	w.Header().Set("Content-Type", "application/json")
	if status.IsUnhealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// Start listens and serves until Stop is called. It blocks.
func (s *Server) Start() error {
	handler := s.Handler()

	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "start metrics server")
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		s.mu.Unlock()
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on port %d", s.port))
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.WrapFatal(err, "Server", "Start", "serve metrics")
	}
	return nil
}

// Stop shuts the server down, waiting for in-flight scrapes up to ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown metrics server")
	}
	return nil
}

// Address returns the bound address, or the configured one before Start.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return "http://" + s.listener.Addr().String() + s.path
	}
	return fmt.Sprintf("http://localhost:%d%s", s.port, s.path)
}
