// File: internal/api/server.go
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/regscrape/internal/config"
)

const defaultShutdownTimeout = 30 * time.Second

// Server hosts the HTTP API.
type Server struct {
	cfg        config.Interface
	logger     *zap.Logger
	handlers   *Handlers
	httpServer *http.Server
}

// NewServer wires the handlers into a router. Nothing listens until Run.
func NewServer(cfg config.Interface, scrapes Scraper, logger *zap.Logger, version string) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger.Named("api_server"),
		handlers: NewHandlers(cfg, scrapes, logger, version),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Server().Addr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: cfg.Server().ReadHeaderTimeout,
	}
	return s
}

// Router returns the route table with middleware applied.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	s.handlers.RegisterRoutes(r)
	return r
}

// Run listens on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("API server listening.", zap.String("address", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		timeout := s.cfg.Server().ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s.logger.Info("Shutting down API server...")
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("API server shutdown failed.", zap.Error(err))
			return err
		}
		s.logger.Info("API server stopped.")
		return nil
	})

	return g.Wait()
}
