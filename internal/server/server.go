package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/gkobilansky/abkit/internal/engine"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	engine    *engine.Engine
	log       *zap.Logger
	registry  *prometheus.Registry
	metrics   *httpMetrics
	port      int
	token     string
	tokenFile string
	router    *http.ServeMux
	startTime time.Time
}

type Option func(*Server)

func WithPort(port int) Option {
	return func(s *Server) { s.port = port }
}

// WithTokenFile sets where Start writes the dashboard token for `abkit token`.
func WithTokenFile(path string) Option {
	return func(s *Server) { s.tokenFile = path }
}

// WithToken fixes the dashboard token instead of generating one.
func WithToken(token string) Option {
	return func(s *Server) {
		if token != "" {
			s.token = token
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithRegistry sets the registry served on /metrics. HTTP metrics are
// registered on it too.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		if reg != nil {
			s.registry = reg
		}
	}
}

func New(eng *engine.Engine, opts ...Option) *Server {
	srv := &Server{
		engine:    eng,
		log:       zap.NewNop(),
		registry:  prometheus.NewRegistry(),
		port:      8080,
		token:     generateToken(),
		router:    http.NewServeMux(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(srv)
	}
	srv.log = srv.log.Named("server")
	srv.metrics = newHTTPMetrics(srv.registry)

	srv.setupRoutes()
	return srv
}

func (s *Server) setupRoutes() {
	// Public endpoints
	s.router.HandleFunc("/health", s.handleHealth)
	s.router.HandleFunc("/b", s.handleBeacon)
	s.router.HandleFunc("/abkit.js", s.handleGlobalJS)
	s.router.HandleFunc("/api/experiments", s.handleActiveExperiments)
	s.router.HandleFunc("/api/assign", s.handleAssign)
	s.router.Handle("GET /metrics", s.metricsHandler())

	// Dashboard endpoints (protected)
	s.router.Handle("GET /dashboard/api/experiments", s.authMiddleware(http.HandlerFunc(s.handleListExperiments)))
	s.router.Handle("POST /dashboard/api/experiments", s.authMiddleware(http.HandlerFunc(s.handleRegister)))
	s.router.Handle("GET /dashboard/api/experiments/{id}/stats", s.authMiddleware(http.HandlerFunc(s.handleStats)))
	s.router.Handle("POST /dashboard/api/experiments/{id}/enabled", s.authMiddleware(http.HandlerFunc(s.handleSetEnabled)))
	s.router.Handle("GET /dashboard/api/export", s.authMiddleware(http.HandlerFunc(s.handleExport)))
	s.router.Handle("POST /dashboard/api/reset", s.authMiddleware(http.HandlerFunc(s.handleReset)))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	// Write token to file for the token command
	if s.tokenFile != "" {
		if err := os.WriteFile(s.tokenFile, []byte(s.token), 0600); err != nil {
			s.log.Warn("failed to write token file", zap.String("path", s.tokenFile), zap.Error(err))
		}
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	s.log.Info("listening",
		zap.Int("port", s.port),
		zap.String("dashboard_api", fmt.Sprintf("http://localhost:%d/dashboard/api/experiments", s.port)))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Token() string {
	return s.token
}

// Handler returns the router wrapped in request logging and metrics.
func (s *Server) Handler() http.Handler {
	return s.requestLogger(s.router)
}

func generateToken() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Sprintf("failed to generate dashboard token: %v", err))
	}
	return hex.EncodeToString(bytes)
}
