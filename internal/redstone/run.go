package redstone

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Loop is a long-running component. It returns nil once ctx is done.
type Loop func(ctx context.Context) error

// Every calls fn on each tick until ctx is done.
func Every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) error {
	return Poll(ctx, interval, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Poll calls fn on each tick until ctx is done or fn returns an error,
// which Poll then returns.
func Poll(ctx context.Context, interval time.Duration, fn func(ctx context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}
		}
	}
}

// Run starts srv and every loop, and stops all of them when ctx is done or
// any of them fails.
func Run(ctx context.Context, log *Logger, srv *http.Server, loops ...Loop) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, loop := range loops {
		loop := loop
		g.Go(func() error { return loop(ctx) })
	}
	if srv != nil {
		g.Go(func() error {
			log.Info("http server starting", map[string]any{"addr": srv.Addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	err := g.Wait()
	if err != nil {
		log.Error("service stopped", map[string]any{"err": err.Error()})
	}
	return err
}
