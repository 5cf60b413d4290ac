// Package http provides the HTTP control surface for rtmpush.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/rtmpush/internal/config"
	"github.com/jmylchreest/rtmpush/internal/http/middleware"
)

// Server is the HTTP server.
type Server struct {
	config     config.ServerConfig
	router     *chi.Mux
	api        huma.API
	httpServer *http.Server
	logger     *slog.Logger
	bound      atomic.Value
}

// NewServer creates a server with the middleware stack and an empty API.
func NewServer(cfg config.ServerConfig, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestID(logger))
	router.Use(middleware.Logging(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS(cfg.CORSOrigins))
	router.Use(chimiddleware.Compress(5, "application/json"))

	humaConfig := huma.DefaultConfig("rtmpush API", version)
	humaConfig.Info.Description = "Persistent RTMP push relay control API"
	api := humachi.New(router, humaConfig)

	s := &Server{
		config: cfg,
		router: router,
		api:    api,
		logger: logger,
	}
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// API returns the huma API for registering operations.
func (s *Server) API() huma.API {
	return s.api
}

// Router returns the chi router.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Addr returns the configured listen address. After ListenAndServe has
// bound, it returns the bound address, which matters when Port is 0.
func (s *Server) Addr() string {
	if a := s.bound.Load(); a != nil {
		return a.(string)
	}
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

// ListenAndServe binds the listener, serves the API and drains in-flight
// requests for up to ShutdownTimeout once ctx is cancelled. Bind errors are
// returned before anything is served.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.Addr(), err)
	}
	s.bound.Store(ln.Addr().String())
	s.logger.Info("control API listening", slog.String("address", s.Addr()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving control API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(drainCtx); err != nil {
			return fmt.Errorf("draining control API: %w", err)
		}
		s.logger.Info("control API stopped")
		return nil
	})
	return g.Wait()
}
