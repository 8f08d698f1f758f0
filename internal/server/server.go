// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

// Package server exposes session management and live turn events over HTTP,
// and accepts capability host connections over websocket.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// Version is reported in the OpenAPI document.
var Version = "dev"

// Config holds HTTP server configuration.
type Config struct {
	ListenAddr  string
	CORSOrigins []string
	// Token, when set, is required as a bearer token on /api routes.
	Token       string
	RateLimit   RateLimitConfig
	ReadTimeout time.Duration
	Logger      *slog.Logger
}

// Server wraps a chi router with a huma API.
type Server struct {
	router chi.Router
	api    huma.API
	cfg    Config
	svc    Services
	logger *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Server with its routes registered. Services.Sessions is
// required; Providers, Events and Host are optional.
func New(cfg Config, svc Services) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, neoerr.New(neoerr.CodeServerConfigInvalid, "listen address is required")
	}
	if svc.Sessions == nil {
		return nil, neoerr.New(neoerr.CodeServerConfigInvalid, "session service is required")
	}
	if err := cfg.RateLimit.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		svc:    svc,
		logger: cfg.Logger,
		done:   make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(rateLimitMiddleware(cfg.RateLimit, s.done, cfg.Logger))
	r.Use(authMiddleware(cfg.Token, cfg.Logger))

	humaConfig := huma.DefaultConfig("neoai orchestrator", Version)
	humaConfig.Info.Description = "Session management and live turn events for the neoai agent"
	s.api = humachi.New(r, humaConfig)
	s.router = r

	huma.Register(s.api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness check",
		Tags:        []string{"system"},
	}, func(_ context.Context, _ *struct{}) (*LivenessResponse, error) {
		return &LivenessResponse{Body: LivenessBody{Status: "ok"}}, nil
	})

	s.registerRoutes()
	s.registerEventsRoute()
	return s, nil
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// API returns the huma API, for the OpenAPI document.
func (s *Server) API() huma.API {
	return s.api
}

// Close stops background work started by the middleware.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	defer s.Close()
	return Serve(ctx, s.cfg.ListenAddr, s.router, s.cfg.ReadTimeout, s.logger)
}

// Serve runs an HTTP server for handler on addr until ctx is cancelled.
// Write timeouts are left unset: event streams stay open for the life of a
// session.
func Serve(ctx context.Context, addr string, handler http.Handler, readTimeout time.Duration, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return neoerr.Wrapf(err, neoerr.CodeServerStartFailure, "listening on %s", addr)
	}
	return ServeListener(ctx, ln, handler, readTimeout, logger)
}

// ServeListener is Serve on an existing listener.
func ServeListener(ctx context.Context, ln net.Listener, handler http.Handler, readTimeout time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Info("http listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return neoerr.Wrapf(err, neoerr.CodeServerStartFailure, "serving on %s", ln.Addr())
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return neoerr.Wrapf(err, neoerr.CodeServerShutdownFailure, "shutting down %s", ln.Addr())
	}
	return <-errCh
}

// LivenessBody is the JSON body of the liveness endpoint.
type LivenessBody struct {
	Status string `json:"status" example:"ok" doc:"Liveness status"`
}

// LivenessResponse wraps the liveness response.
type LivenessResponse struct {
	Body LivenessBody
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	})
}
