// Package server exposes the bot's HTTP surface: liveness, readiness,
// connection status, Prometheus metrics and an authenticated reconnect
// endpoint. Every request carries a correlation id for logging and tracing.
package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/shodan/irc"
)

// Options configures the handlers.
type Options struct {
	// Primary must be open for /readyz to succeed.
	Primary *irc.Conn
	// Conns are listed by /status and restarted by /admin/reconnect. Primary
	// is included automatically.
	Conns []*irc.Conn
	// DB is pinged by /readyz when set.
	DB *sql.DB
	// AdminToken protects /admin/ endpoints. Empty disables them.
	AdminToken string
}

// NewMux returns the HTTP handler with all routes.
func NewMux(opts Options) http.Handler {
	h := newHandlers(opts)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.Handle("POST /admin/reconnect", adminAuth(http.HandlerFunc(h.handleReconnect), opts.AdminToken))

	return withCorrelation(mux)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
