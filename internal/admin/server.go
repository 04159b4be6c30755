package admin

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/agentspop/spop-go/internal/config"
)

// Server is the admin HTTP+WS surface: health, metrics, and the live
// frame-tap dashboard. It is deliberately plaintext-only (distilled
// spec's core Non-goals exclude TLS entirely), so h2c — HTTP/2 without
// a TLS handshake — is the only way to offer HTTP/2 here, mirroring
// the teacher's EnableHTTP2 for its non-TLS case.
type Server struct {
	cfg    config.AdminConfig
	logger *slog.Logger
	http   *http.Server

	Metrics *Metrics
	Hub     *Hub
}

// New builds the admin server. sessionsActive is polled by the health
// endpoint.
func New(cfg config.AdminConfig, logger *slog.Logger, sessionsActive func() int) *Server {
	metrics := NewMetrics()
	hub := NewHub(logger)
	health := NewHealthHandler(sessionsActive)
	router := NewRouter(cfg, health, metrics, hub)

	var handler http.Handler = router
	if cfg.HTTP2 {
		handler = h2c.NewHandler(router, &http2.Server{})
	}

	return &Server{
		cfg:     cfg,
		logger:  logger,
		Metrics: metrics,
		Hub:     hub,
		http: &http.Server{
			Addr:         cfg.Address,
			Handler:      handler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start begins listening. It blocks until the server stops.
func (s *Server) Start() error {
	if s.logger != nil {
		s.logger.Info("admin server starting", "address", s.cfg.Address, "http2", s.cfg.HTTP2)
	}
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the admin server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.logger != nil {
		s.logger.Info("admin server shutting down")
	}
	return s.http.Shutdown(ctx)
}
