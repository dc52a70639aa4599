// Package monitor serves the device's local observability endpoints:
// a JSON health summary, Prometheus metrics derived from the event
// bus, and a WebSocket stream of the bus itself.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/asgard/internal/buildinfo"
	"github.com/nugget/asgard/internal/events"
	"github.com/nugget/asgard/internal/station"
)

// StationStatus reports the Wi-Fi supervisor state.
type StationStatus interface {
	Status() station.Status
}

// BrokerStatus reports whether the broker session is up.
type BrokerStatus interface {
	Connected() bool
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the monitor HTTP server.
type Server struct {
	address string
	port    int
	station StationStatus
	broker  BrokerStatus
	bus     *events.Bus
	metrics *Metrics
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a monitor server. st, broker and metrics are
// optional.
func NewServer(address string, port int, st StationStatus, broker BrokerStatus, bus *events.Bus, metrics *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		station: st,
		broker:  broker,
		bus:     bus,
		metrics: metrics,
		logger:  logger,
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /events", s.handleEvents)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}
	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the server is
// shut down.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting monitor server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// Health is the /health response body.
type Health struct {
	Status        string         `json:"status"`
	Version       string         `json:"version"`
	Uptime        string         `json:"uptime"`
	Station       station.Status `json:"station"`
	MQTTConnected bool           `json:"mqtt_connected"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{
		Status:  "ok",
		Version: buildinfo.Version,
		Uptime:  buildinfo.Uptime().String(),
	}
	if s.station != nil {
		h.Station = s.station.Status()
	}
	if s.broker != nil {
		h.MQTTConnected = s.broker.Connected()
	}
	if h.Station.State != station.StateConnected.String() || !h.MQTTConnected {
		h.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, h, s.logger)
}
