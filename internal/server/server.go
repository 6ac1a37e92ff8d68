// Package server provides the HTTP server, router and middleware shared by
// every API handler.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/graphide/graphide/internal/auth"
)

// Config configures the HTTP server.
type Config struct {
	Port           int
	RequestTimeout time.Duration
	// Authenticator enables API key checks when non-nil.
	Authenticator *auth.Authenticator
	// Public paths skip authentication.
	Public []string
}

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
	http   *http.Server
}

func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	// Apply middleware in order
	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(cfg.RequestTimeout, WaitRequested))

	if cfg.Authenticator != nil {
		authenticate := AuthMiddleware(cfg.Authenticator)
		public := make(map[string]bool, len(cfg.Public))
		for _, p := range cfg.Public {
			public[p] = true
		}
		r.Use(func(next http.Handler) http.Handler {
			protected := authenticate(next)
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				if public[req.URL.Path] {
					next.ServeHTTP(w, req)
					return
				}
				protected.ServeHTTP(w, req)
			})
		})
	}

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "graphide")
	})

	return &Server{
		Router: r,
		Port:   cfg.Port,
		logger: logger,
		http: &http.Server{
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.Port, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting server", slog.String("addr", ln.Addr().String()))
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
