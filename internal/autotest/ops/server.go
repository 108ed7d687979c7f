// Package ops serves health, status and metrics of a runner process.
package ops

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"autotest/internal/autotest/runner"
	commonmw "autotest/internal/common/http/middleware"
	"autotest/pkg/utils/logger"
	"autotest/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultShutdownTimeout = 10 * time.Second

// Config holds ops HTTP server settings. An empty Addr disables the server.
type Config struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// StatusSource reports what the runner is doing.
type StatusSource interface {
	Snapshot() runner.StatusSnapshot
}

// KindSource lists the runner kinds this process can serve.
type KindSource interface {
	Kinds() []string
	Lookup(kind string) (runner.Runner, error)
}

// NewRouter builds the ops routes.
func NewRouter(status StatusSource, kinds KindSource, gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		response.Success(c, gin.H{"status": "ok"})
	})
	router.GET("/status", func(c *gin.Context) {
		response.Success(c, status.Snapshot())
	})
	router.GET("/runners", func(c *gin.Context) {
		response.Success(c, gin.H{"kinds": kinds.Kinds()})
	})
	router.GET("/runners/:kind", func(c *gin.Context) {
		run, err := kinds.Lookup(c.Param("kind"))
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, gin.H{"kind": run.Kind()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.NoRoute(func(c *gin.Context) {
		response.NotFound(c, "")
	})
	return router
}

// Serve runs the ops server until ctx is done, then shuts it down.
func Serve(ctx context.Context, cfg Config, handler http.Handler) error {
	if cfg.Addr == "" {
		logger.Info(ctx, "ops server disabled")
		return nil
	}
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "ops http server started", zap.String("addr", listener.Addr().String()))
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "ops http server shutdown failed", zap.Error(err))
		return err
	}
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		logger.Debug(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
