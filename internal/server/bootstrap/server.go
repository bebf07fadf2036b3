package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpapi "navi/internal/server/http"
	"navi/internal/shared/async"
	"navi/internal/shared/config"
	"navi/internal/shared/logging"
)

// shutdownTimeout bounds the graceful drain of in-flight requests and tasks.
const shutdownTimeout = 10 * time.Second

// RunServer builds the container, serves the HTTP API, and blocks until a
// termination signal or a listener error.
func RunServer(cfg config.Config, version string) error {
	logging.Configure(cfg.LogDir, logging.ParseLevel(cfg.LogLevel), true)
	logger := logging.NewComponentLogger("Server")
	logger.Info("Starting navi-server %s: %s", version, cfg.Describe())

	container, err := BuildContainer(context.Background(), cfg, WithVersion(version))
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := container.Close(ctx); err != nil {
			logger.Warn("Container shutdown: %v", err)
		}
	}()

	if !container.Degraded.IsEmpty() {
		logger.Warn("Starting in degraded mode: %v", container.Degraded.Map())
	}

	server := newAPIServer(cfg, container, logging.NewComponentLogger("HTTP"))
	return serveUntilSignal(server, logger)
}

// newAPIServer assembles the http.Server for the RPC surface. WriteTimeout
// stays unset: SSE and WebSocket responses outlive any fixed deadline.
func newAPIServer(cfg config.Config, c *Container, logger logging.Logger) *http.Server {
	router := httpapi.NewRouter(httpapi.RouterConfig{
		Manager:  c.Manager,
		Registry: c.Registry,
		Metrics:  c.Metrics,
		Logger:   logger,
	})
	return &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:     router,
		ReadTimeout: 5 * time.Minute,
		IdleTimeout: 120 * time.Second,
	}
}

func serveUntilSignal(server *http.Server, logger logging.Logger) error {
	logger = logging.OrNop(logger)

	errCh := make(chan error, 1)
	async.Go(logger, "server.listen", func() {
		logger.Info("HTTP API listening on %s", server.Addr)
		errCh <- server.ListenAndServe()
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err == nil || err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-quit:
		logger.Info("Shutdown signal received, draining")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr := server.Shutdown(ctx)

		serveErr := <-errCh
		if serveErr == http.ErrServerClosed {
			serveErr = nil
		}
		if shutdownErr != nil {
			return fmt.Errorf("shutdown: %w", shutdownErr)
		}
		if serveErr != nil {
			return fmt.Errorf("serve: %w", serveErr)
		}
		logger.Info("Server stopped")
		return nil
	}
}
