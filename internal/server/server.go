// Package server exposes sessions and cell execution over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hkuds/cellbox/internal/engine"
	"github.com/hkuds/cellbox/internal/metrics"
	"github.com/hkuds/cellbox/internal/session"
)

const shutdownTimeout = 30 * time.Second

// Options configures a Server.
type Options struct {
	Host string
	Port int
	// Backend and Version are reported by /health.
	Backend string
	Version string
	Logger  *slog.Logger
}

// Server is the HTTP front of an Engine.
type Server struct {
	engine   *engine.Engine
	registry *session.Registry
	history  *session.History
	opts     Options
	logger   *slog.Logger
	router   *gin.Engine
	started  time.Time
}

// New builds the router. history may be nil.
func New(eng *engine.Engine, history *session.History, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		engine:   eng,
		registry: eng.Registry(),
		history:  history,
		opts:     opts,
		logger:   opts.Logger,
		started:  time.Now(),
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))
	s.registerRoutes(r)
	s.router = r
	return s
}

// registerRoutes wires every endpoint:
//
//	POST   /v1/sessions/:id/execute    run a cell, return all events
//	POST   /v1/sessions/:id/stream     run a cell, events as server-sent events
//	POST   /v1/sessions/:id/interrupt  interrupt the running cell
//	GET    /v1/sessions                list sessions
//	GET    /v1/sessions/:id            describe one session
//	GET    /v1/sessions/:id/history    recorded cells of a session
//	DELETE /v1/sessions/:id/history    forget the recorded cells of a session
//	GET    /v1/history                 summary of every stored history
//	DELETE /v1/sessions/:id            close one session
//	DELETE /v1/sessions                close every session
//	POST   /v1/sessions/evict          evict sessions idle longer than max_idle_seconds
//	GET    /health
//	GET    /metrics
func (s *Server) registerRoutes(r *gin.Engine) {
	v1 := r.Group("/v1/sessions")
	v1.GET("", s.handleList)
	v1.DELETE("", s.handleCloseAll)
	v1.POST("/evict", s.handleEvict)
	v1.GET("/:id", s.handleGet)
	v1.DELETE("/:id", s.handleClose)
	v1.POST("/:id/execute", s.handleExecute)
	v1.POST("/:id/stream", s.handleStream)
	v1.POST("/:id/interrupt", s.handleInterrupt)
	v1.GET("/:id/history", s.handleHistory)
	v1.DELETE("/:id/history", s.handleHistoryDelete)

	r.GET("/v1/history", s.handleHistoryList)

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
}

// Run serves until ctx is done, then shuts the listener down gracefully.
// Sessions are left to the caller.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
