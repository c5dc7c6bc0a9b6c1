package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	"uniformcore/internal/backup"
	"uniformcore/internal/blob"
	"uniformcore/internal/core"
	"uniformcore/internal/httpapi"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.HTTP.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", a.cfg.HTTP.Addr, err)
			}
			return a.serve(ctx, ln)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides http.addr)")
	return cmd
}

// serve runs the API on ln until ctx is cancelled, then drains in-flight
// requests within the configured shutdown timeout.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := core.NewPrometheusMetricsRecorder(reg)
	if err != nil {
		_ = ln.Close()
		return err
	}

	store, err := core.OpenPersistentStore(a.cfg.Storage, nil)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	blobs, err := blob.Open(ctx, a.cfg.Blob)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("open blob store: %w", err)
	}

	opts := []core.Option{
		core.WithLogger(a.logger.Named("core")),
		core.WithMetricsRecorder(metrics),
		core.WithDefaultActor(a.actor),
	}
	if path := a.cfg.Tracing.Path; path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("open trace file: %w", err)
		}
		defer f.Close()
		opts = append(opts, core.WithTracer(core.NewJSONTracer(f)))
	}
	svc := core.NewService(store, opts...)
	archive := backup.New(store, blobs, backup.WithLogger(a.logger.Named("backup")))
	handler := httpapi.NewHandler(svc,
		httpapi.WithLogger(a.logger.Named("http")),
		httpapi.WithBackups(archive),
		httpapi.WithGatherer(reg),
	)
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server listening",
			zap.String("addr", ln.Addr().String()),
			zap.String("storage", a.cfg.Storage.Driver),
			zap.String("blob", string(blobs.Driver())),
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.GetShutdownTimeout())
		defer cancel()
		a.logger.Info("shutting down http server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
