// Package server exposes the current selection over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nodeselector/pkg/log"
	"nodeselector/pkg/manager"
	"nodeselector/pkg/models"
	"nodeselector/pkg/regressed"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultShutdownTimeout = 10 * time.Second

// SelectionManager owns the current selection.
type SelectionManager interface {
	Status() manager.Status
	Reselect(ctx context.Context) (models.Selection, error)
	MarkUnhealthy(endpoint string, err error) bool
}

// RegressedState reports regressed mode.
type RegressedState interface {
	Snapshot() regressed.Snapshot
}

// Server is the selectord HTTP API.
type Server struct {
	manager         SelectionManager
	regressed       RegressedState
	gatherer        prometheus.Gatherer
	service         string
	version         string
	shutdownTimeout time.Duration
	echo            *echo.Echo
}

// New creates a Server. A nil gatherer serves the default Prometheus registry.
func New(mgr SelectionManager, state RegressedState, gatherer prometheus.Gatherer, service, version string, shutdownTimeout time.Duration) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	s := &Server{
		manager:         mgr,
		regressed:       state,
		gatherer:        gatherer,
		service:         service,
		version:         version,
		shutdownTimeout: shutdownTimeout,
		echo:            echo.New(),
	}
	s.setupRoutes()
	return s
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", addr).
			Str("service", s.service).
			Str("version", s.version).
			Msg("Starting selection server")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	return s.Shutdown()
}

// Shutdown stops the server within the shutdown timeout.
func (s *Server) Shutdown() error {
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	return s.echo.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(middleware.Recover())
	s.echo.Use(requestLogger())

	s.echo.GET("/selection", s.getSelection)
	s.echo.POST("/selection", s.postSelection)
	s.echo.POST("/selection/unhealthy", s.postUnhealthy)
	s.echo.GET("/regressed", s.getRegressed)
	s.echo.GET("/health_check", s.healthCheck)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
}

// requestLogger logs requests through the package logger instead of echo's own format.
func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("Request")
			return nil
		},
	})
}
