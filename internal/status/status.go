// Package status implements an introspection HTTP server over a Unix
// domain socket, grounded on internal/control's agent status server: it
// exposes each router's LSDB and forwarding table as JSON, and a
// Prometheus /metrics endpoint for the mesh's flood/forward counters.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterStatus is one router's externally visible state.
type RouterStatus struct {
	ID         string              `json:"id"`
	LSDB       map[string][][3]any `json:"lsdb"`
	Forwarding map[string][2]any   `json:"forwarding_table"`
}

// Provider returns the current status of every router in the mesh.
type Provider func() []RouterStatus

// Metrics holds the Prometheus collectors the mesh updates as it runs.
type Metrics struct {
	LSAsAccepted *prometheus.CounterVec
	LSAsFlooded  *prometheus.CounterVec
	Forwarded    *prometheus.CounterVec
	Dropped      *prometheus.CounterVec
}

// NewMetrics registers the mesh's counters against reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LSAsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "routemesh_lsas_accepted_total",
			Help: "Link-state advertisements accepted as new, per router.",
		}, []string{"router_id"}),
		LSAsFlooded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "routemesh_lsas_flooded_total",
			Help: "Link-state advertisements re-flooded to neighboring interfaces, per router.",
		}, []string{"router_id"}),
		Forwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "routemesh_datagrams_forwarded_total",
			Help: "Transport datagrams successfully forwarded, per router.",
		}, []string{"router_id"}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "routemesh_datagrams_dropped_total",
			Help: "Transport datagrams dropped for lack of a route, an unknown egress interface, or a failed send, per router.",
		}, []string{"router_id"}),
	}
}

// LSAAccepted satisfies router.Recorder.
func (m *Metrics) LSAAccepted(routerID string) { m.LSAsAccepted.WithLabelValues(routerID).Inc() }

// LSAFlooded satisfies router.Recorder.
func (m *Metrics) LSAFlooded(routerID string) { m.LSAsFlooded.WithLabelValues(routerID).Inc() }

// DatagramForwarded satisfies router.Recorder.
func (m *Metrics) DatagramForwarded(routerID string) { m.Forwarded.WithLabelValues(routerID).Inc() }

// DatagramDropped satisfies router.Recorder.
func (m *Metrics) DatagramDropped(routerID string) { m.Dropped.WithLabelValues(routerID).Inc() }

// Server is an HTTP server listening on a Unix domain socket.
type Server struct {
	socketPath string
	provider   Provider
	registry   *prometheus.Registry
	log        *slog.Logger

	listener   net.Listener
	httpServer *http.Server
}

// NewServer creates a status server. registry may be nil, in which case
// /metrics serves an empty registry.
func NewServer(socketPath string, provider Provider, registry *prometheus.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &Server{
		socketPath: socketPath,
		provider:   provider,
		registry:   registry,
		log:        logger.With("component", "status"),
	}
}

// Start begins listening and serving in the background.
func (s *Server) Start() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating socket directory %s: %w", dir, err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	s.listener = ln
	if err := os.Chmod(s.socketPath, 0666); err != nil {
		s.log.Warn("setting socket permissions", "error", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{Handler: mux}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("status server error", "error", err)
		}
	}()

	s.log.Info("status server started", "socket", s.socketPath)
	return nil
}

// Stop gracefully shuts the server down and removes the socket file.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn("status server shutdown", "error", err)
		}
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		s.log.Warn("removing socket file", "error", err)
	}
	s.log.Info("status server stopped")
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var routers []RouterStatus
	if s.provider != nil {
		routers = s.provider()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(routers); err != nil {
		s.log.Error("encoding status response", "error", err)
	}
}

// FetchStatus connects to a running status server and returns its reported
// router states.
func FetchStatus(socketPath string) ([]RouterStatus, error) {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get("http://routemesh/status")
	if err != nil {
		return nil, fmt.Errorf("connecting to status socket: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var routers []RouterStatus
	if err := json.NewDecoder(resp.Body).Decode(&routers); err != nil {
		return nil, fmt.Errorf("decoding status response: %w", err)
	}
	return routers, nil
}
