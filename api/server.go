// Package api serves the operator surface shared by the eventing binaries:
// health probes, metrics and outbox/dead-letter triage.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/ordergrid/eventing/pkg/logger"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Serve listens on addr until ctx is canceled, then drains in-flight requests.
func Serve(ctx context.Context, addr string, handler http.Handler, logg *logger.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return serve(ctx, ln, handler, logg)
}

func serve(ctx context.Context, ln net.Listener, handler http.Handler, logg *logger.Logger) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	logg.Info(logg.WithField(ctx, "addr", ln.Addr().String()), "ops server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logg.Info(ctx, "ops server stopped")
	return nil
}
