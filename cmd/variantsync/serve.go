package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/variantsync/internal/core/metrics"
	"github.com/zeusync/variantsync/internal/core/observability/log"
	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/core/variants"
	"github.com/zeusync/variantsync/internal/injector"
	"github.com/zeusync/variantsync/pkg/concurrent"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Refresh periodically and stream change events over websocket",
		Long: `serve refreshes every root on the configured interval, purges stale cache
entries and pushes subscriber change events to websocket clients on /feed.
Prometheus metrics are served on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd.Context(), serve)
		},
	}
}

func serve(ctx context.Context, app *injector.App) error {
	cfg := app.Config.Serve
	attached, err := app.Feed.Attach(app.Subscriber)
	if err != nil {
		return err
	}
	defer func() { _ = attached.Cancel() }()

	extra := map[string]http.Handler{}
	var metricsSrv *http.Server
	if cfg.MetricsAddr == "" || cfg.MetricsAddr == cfg.FeedAddr {
		extra["/metrics"] = metrics.Handler()
	} else {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Feed.ListenAndServe(cfg.FeedAddr, extra)
	})
	if metricsSrv != nil {
		g.Go(func() error {
			app.Log.Info("metrics listening", log.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		every(ctx, cfg.RefreshInterval, func() {
			err := refreshRoots(ctx, app, cfg.RefreshWorkers)
			if err != nil && !variants.IsCanceled(err) {
				app.Log.Warn("periodic refresh failed", log.Error(err))
			}
		})
		return nil
	})
	g.Go(func() error {
		every(ctx, cfg.PurgeInterval, func() {
			if n := app.Cache.Purge(); n > 0 {
				app.Log.Info("purged cached contents", log.Int("entries", n))
			}
		})
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := app.Feed.Shutdown(shutdownCtx)
		if metricsSrv != nil {
			err = multierr.Append(err, metricsSrv.Shutdown(shutdownCtx))
		}
		return err
	})

	if err = g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// refreshRoots refreshes every root to infinite depth, at most workers roots
// at once. A failing root does not stop the others; cancellation does.
func refreshRoots(ctx context.Context, app *injector.App, workers int) error {
	var (
		mu     sync.Mutex
		failed error
	)
	err := concurrent.Concurrent(ctx, workers, app.Roots(), func(ctx context.Context, root resource.Resource) error {
		err := app.Subscriber.Refresh(ctx, []resource.Resource{root}, resource.DepthInfinite)
		if err == nil || variants.IsCanceled(err) {
			return err
		}
		mu.Lock()
		failed = multierr.Append(failed, err)
		mu.Unlock()
		return nil
	})
	return multierr.Append(err, failed)
}

// every runs fn immediately and then on each tick until ctx is done. A zero
// interval runs fn once.
func every(ctx context.Context, interval time.Duration, fn func()) {
	fn()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
