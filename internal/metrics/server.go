package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server exposes /metrics and a liveness endpoint on its own listener.
type Server struct {
	e    *echo.Echo
	addr string
	log  *slog.Logger
}

// NewServer builds the metrics HTTP server. handler defaults to Handler().
func NewServer(addr string, handler http.Handler, log *slog.Logger) *Server {
	if handler == nil {
		handler = Handler()
	}
	if log == nil {
		log = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.GET("/metrics", echo.WrapHandler(handler))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.Server.ReadHeaderTimeout = 5 * time.Second
	return &Server{e: e, addr: addr, log: log}
}

// Handler returns the underlying router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

// Start serves in a background goroutine.
func (s *Server) Start() {
	go func() {
		if err := s.e.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server stopped", "addr", s.addr, "error", err)
		}
	}()
	s.log.Info("metrics server listening", "addr", s.addr)
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
