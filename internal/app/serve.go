package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pository/pository/internal/storage"
)

// shutdownTimeout bounds the graceful drain after a stop signal.
const shutdownTimeout = 5 * time.Second

// Serve runs the HTTP server until the context is cancelled, then
// drains in-flight requests. The retention sweep runs alongside when
// enabled.
func (a *Application) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    a.Config.Addr(),
		Handler: a.Server.Router(),
	}

	retentionCtx, stopRetention := context.WithCancel(ctx)
	defer stopRetention()
	go a.Engine.RunRetention(retentionCtx, a.Config.Retention)

	warmIndexCache(a.Engine)

	serverErr := make(chan error, 1)
	go func() {
		var err error
		if a.Config.TLS.Enabled {
			slog.Info("Server is ready", "url", fmt.Sprintf("https://%s", httpServer.Addr))
			err = httpServer.ListenAndServeTLS(a.Config.TLS.Cert, a.Config.TLS.Key)
		} else {
			slog.Info("Server is ready", "url", fmt.Sprintf("http://%s", httpServer.Addr))
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("failed to start server: %w", err)
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		slog.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		slog.Info("Server stopped gracefully")
	}

	return nil
}

// warmIndexCache loads every repo index once so the self-heal pass
// starts at boot rather than on first request.
func warmIndexCache(engine *storage.Engine) {
	if _, err := engine.ListPackages(storage.Filters{}); err != nil {
		slog.Warn("Failed to warm index cache", "error", err)
	}
}
