package annosync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Run listens on the configured port and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+a.config.Server.Port)
	if err != nil {
		return fmt.Errorf("listening on port %s: %w", a.config.Server.Port, err)
	}
	return a.Serve(ctx, ln)
}

// Serve migrates the MetadataStore, then runs the health probe, the
// reconciliation loop and the HTTP server on ln until ctx is cancelled
// or one of them fails. It takes ownership of ln.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	if err := a.meta.Migrate(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("migrating metadata store: %w", err)
	}
	if err := a.docs.InitIndexes(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("document store indexes not defined; writes will queue until it is reachable")
	}

	server := &http.Server{
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.probe.Run(ctx) })
	g.Go(func() error { return a.reconcileLoop(ctx) })
	g.Go(func() error {
		a.logger.Info().Str("addr", ln.Addr().String()).Msg("starting annosync server")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// reconcileLoop sweeps once at start, then on every interval and whenever
// the DocumentStore recovers. Sweep errors are logged and retried on the
// next tick.
func (a *App) reconcileLoop(ctx context.Context) error {
	interval := a.config.Reconcile.Interval.D()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	for {
		a.sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-a.clock.After(interval):
		case <-a.coord.Wake():
		}
	}
}

func (a *App) sweep(ctx context.Context) {
	res, err := a.coord.Reconcile(ctx)
	switch {
	case err != nil && ctx.Err() != nil:
	case err != nil:
		a.logger.Error().Err(err).Msg("reconciliation sweep failed")
	case res.Processed > 0:
		a.logger.Info().
			Int("processed", res.Processed).
			Int("synced", res.Synced).
			Int("deferred", res.Deferred).
			Int("dropped", res.Dropped).
			Bool("breaker_open", res.BreakerOpen).
			Msg("reconciliation sweep")
	}
}
