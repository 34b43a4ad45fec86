// Package adminserver exposes the worker's admin HTTP surface: liveness
// and Prometheus metrics. Generalized from the teacher's echo-based CRUD
// routes (routes/routes.go, main.go) into the two endpoints a crawl worker
// actually needs.
package adminserver

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is the worker's admin HTTP server.
type Server struct {
	echo *echo.Echo
	log  *zap.Logger
}

// New builds a Server exposing /healthz and /metrics. reg is the same
// registry the worker's internal/metrics collectors were registered
// against, so /metrics actually serves them instead of the package-level
// default gatherer.
func New(reg *prometheus.Registry, log *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	return &Server{echo: e, log: log.Named("adminserver")}
}

// Start runs the server in the background; errors other than a graceful
// shutdown are sent on the returned channel.
func (s *Server) Start(addr string) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops accepting new connections and waits for in-flight ones,
// mirroring the teacher's graceful-shutdown sequence in main.go.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
