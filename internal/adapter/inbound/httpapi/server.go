// Package httpapi is the inbound HTTP adapter: the authorization and
// invocation endpoints, authentication, security headers, and operational
// endpoints (health, metrics).
package httpapi

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sark-gateway/sark/internal/domain/principal"
)

// Server hosts the gateway API.
type Server struct {
	handler       *Handler
	authenticator *principal.Authenticator
	health        *HealthChecker
	registry      *prometheus.Registry
	logger        *slog.Logger

	addr     string
	certFile string
	keyFile  string
	server   *http.Server
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithAddr sets the listen address. Default is "127.0.0.1:8443".
func WithAddr(addr string) ServerOption {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithTLS enables TLS with the given certificate and key files.
func WithTLS(certFile, keyFile string) ServerOption {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithHealthChecker sets the /health endpoint checker.
func WithHealthChecker(hc *HealthChecker) ServerOption {
	return func(s *Server) {
		s.health = hc
	}
}

// WithMetricsRegistry exposes the registry on /metrics.
func WithMetricsRegistry(reg *prometheus.Registry) ServerOption {
	return func(s *Server) {
		s.registry = reg
	}
}

// NewServer creates the API server.
func NewServer(handler *Handler, authenticator *principal.Authenticator, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		handler:       handler,
		authenticator: authenticator,
		logger:        logger,
		addr:          "127.0.0.1:8443",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// routes builds the mux with the middleware chain. Order, outermost first:
// security headers, request id, real IP, CSRF, then per-route auth.
func (s *Server) routes() http.Handler {
	authed := AuthMiddleware(s.authenticator, s.logger)

	mux := http.NewServeMux()
	mux.Handle("POST /v1/authorize", authed(http.HandlerFunc(s.handler.Authorize)))
	mux.Handle("POST /v1/invoke", authed(http.HandlerFunc(s.handler.Invoke)))
	mux.Handle("GET /v1/audit/recent", authed(http.HandlerFunc(s.handler.RecentAudit)))
	mux.Handle("GET /v1/budget", authed(http.HandlerFunc(s.handler.BudgetSummary)))

	if s.health != nil {
		mux.Handle("GET /health", s.health.Handler())
	}
	if s.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
			Registry: s.registry,
		}))
	}

	var h http.Handler = mux
	h = CSRFMiddleware(h)
	h = RealIPMiddleware(h)
	h = RequestIDMiddleware(h)
	h = SecurityHeadersMiddleware(h)
	return h
}

// Start begins serving and blocks until the context is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if s.certFile != "" && s.keyFile != "" {
		s.server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.certFile != "" && s.keyFile != "" {
			s.logger.Info("starting HTTPS API server", "addr", s.addr)
			err = s.server.ListenAndServeTLS(s.certFile, s.keyFile)
		} else {
			s.logger.Info("starting HTTP API server", "addr", s.addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down API server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during API server shutdown", "error", err)
		return err
	}
	s.logger.Info("API server shutdown complete")
	return nil
}

// Close gracefully shuts the server down.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}
