package webhook

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Listen          string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Serve listens on config.Listen and serves h until ctx is cancelled, then
// shuts down gracefully. Deployments in flight get ShutdownTimeout to finish.
func Serve(ctx context.Context, config ServerConfig, h http.Handler, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", config.Listen)
	if err != nil {
		return err
	}
	return serveListener(ctx, ln, config, h, logger)
}

func serveListener(ctx context.Context, ln net.Listener, config ServerConfig, h http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       config.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting webhook server", "address", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("initiating graceful shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("webhook server shutdown error", "error", err)
		return err
	}
	return nil
}
