// Package server provides bote's HTTP surface: health probes, Prometheus
// metrics, a read-only plugin listing and any routes registered by
// transports such as the relay gateway.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/HerbHall/bote/internal/ratelimit"
	"github.com/HerbHall/bote/internal/registry"
	"github.com/HerbHall/bote/internal/version"
)

// PluginSource lists loaded plugins. Satisfied by *registry.Registry.
type PluginSource interface {
	All() []*registry.Instance
}

// ReadinessChecker verifies that the server is ready to serve traffic.
// Returns nil if ready, an error describing why not otherwise.
type ReadinessChecker func(ctx context.Context) error

// RouteRegistrar registers extra routes on the server mux. A registrar that
// also implements CallerIdentifier names the callers of its routes.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Config holds HTTP server settings.
type Config struct {
	Addr string

	// RateLimit is the sustained requests per second allowed per caller;
	// Burst is the bucket size. A zero RateLimit uses the defaults.
	RateLimit float64
	Burst     int
}

const (
	defaultRateLimit = 20
	defaultBurst     = 40
)

// Server is the bote HTTP server.
type Server struct {
	httpServer *http.Server
	plugins    PluginSource
	logger     *zap.Logger
	mux        *http.ServeMux
	ready      ReadinessChecker
}

// New creates a Server with middleware and routes. ready may be nil.
func New(cfg Config, plugins PluginSource, logger *zap.Logger, ready ReadinessChecker, extraRoutes ...RouteRegistrar) *Server {
	mux := http.NewServeMux()

	s := &Server{
		plugins: plugins,
		logger:  logger,
		mux:     mux,
		ready:   ready,
	}

	s.registerRoutes()
	var ids []CallerIdentifier
	for _, r := range extraRoutes {
		r.RegisterRoutes(mux)
		if id, ok := r.(CallerIdentifier); ok {
			ids = append(ids, id)
		}
	}

	if cfg.RateLimit <= 0 {
		cfg.RateLimit, cfg.Burst = defaultRateLimit, defaultBurst
	}
	quiet := []string{"/healthz", "/readyz", "/metrics"}

	// Middleware chain: outermost listed first.
	handler := Chain(recordPattern(mux),
		RequestInfoMiddleware(ids...),
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger, quiet),
		HeadersMiddleware,
		RateLimitMiddleware(ratelimit.New[string](cfg.RateLimit, cfg.Burst), quiet),
	)

	// Relay connections are long-lived, so only the header read is bounded.
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/plugins", s.handlePlugins)
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealthz is a liveness probe -- returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

// handleReadyz checks readiness -- returns 200 if the server can serve traffic.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}

	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Version map[string]string `json:"version"`
}

// PluginResponse describes a loaded plugin.
type PluginResponse struct {
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	ScopedName  string    `json:"scoped_name"`
	Version     string    `json:"version"`
	Authors     []string  `json:"authors"`
	Flags       []string  `json:"flags,omitempty"`
	Source      string    `json:"source,omitempty"`
	LoadedAt    time.Time `json:"loaded_at"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status:  "ok",
		Service: "bote",
		Version: version.Map(),
	})
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	all := s.plugins.All()
	info := make([]PluginResponse, 0, len(all))
	for _, inst := range all {
		d := inst.Descriptor()
		flags := make([]string, len(d.Flags))
		for i, f := range d.Flags {
			flags[i] = string(f)
		}
		info = append(info, PluginResponse{
			Name:        d.Name,
			DisplayName: d.Title(),
			ScopedName:  d.ScopedName(),
			Version:     d.Version,
			Authors:     d.Authors,
			Flags:       flags,
			Source:      inst.Source,
			LoadedAt:    inst.LoadedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}
