// Package server exposes search sessions over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/poiscout/internal/store"
	"github.com/mohammad-safakhou/poiscout/internal/telemetry"
)

// Options are the collaborators the HTTP server needs. Only Runner is required.
type Options struct {
	Runner    Runner
	Store     *store.Store
	Steps     *store.StepLog
	Metrics   *telemetry.Metrics
	JWTSecret string
}

type Server struct {
	Echo     *echo.Echo
	Searches *SearchesHandler
	logger   *zap.Logger
}

// New builds the echo instance. Sessions submitted through it run on base and
// stop when base is cancelled.
func New(base context.Context, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		fields := []zap.Field{
			zap.Int("status", code),
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.String("remote", c.RealIP()),
			zap.Error(err),
		}
		if code >= http.StatusInternalServerError {
			logger.Error("request failed", fields...)
		} else {
			logger.Debug("request rejected", fields...)
		}
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics.Handler()))
	} else {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	sh := NewSearchesHandler(base, opts.Runner, opts.Store, opts.Steps, logger)
	sh.Register(e.Group("/api/searches"), []byte(opts.JWTSecret))

	return &Server{Echo: e, Searches: sh, logger: logger}
}

// Run serves on addr until ctx is cancelled, then shuts down and waits for
// running sessions to return.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		errCh <- s.Echo.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := s.Echo.Shutdown(shutdownCtx)
	s.Searches.Wait()
	return err
}
