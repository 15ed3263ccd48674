package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/benjaminclauss/speeddaemon/speeddaemon"
)

func main() {
	opts := NewOptions()
	opts.AddFlags(pflag.CommandLine)
	pflag.Parse()

	if err := opts.Complete(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	if err := opts.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	SetupLogging(os.Stderr, opts.level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		slog.Error("speed daemon failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *Options) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	speeddaemon.RegisterMetrics(registry)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", opts.Port))
	if err != nil {
		return err
	}
	defer CloseOrLog(listener)

	addr := listener.Addr().(*net.TCPAddr)
	slog.Info("listening", "port", addr.Port, "version", Version, "commit", Commit)

	coordinator := speeddaemon.NewCoordinator()
	server := &speeddaemon.SpeedLimitEnforcementServer{
		Coordinator:  coordinator,
		SinkCapacity: opts.SinkCapacity,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := coordinator.Run(ctx); err != nil {
			return fmt.Errorf("coordinator: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return server.Serve(ctx, listener)
	})
	if opts.MetricsPort != 0 {
		g.Go(func() error {
			return serveDiagnostics(ctx, opts, registry)
		})
	}
	return g.Wait()
}

// serveDiagnostics serves Prometheus metrics and the status page until ctx is done.
func serveDiagnostics(ctx context.Context, opts *Options, registry *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", statusHandler(opts, registry))

	srv := &http.Server{Addr: fmt.Sprintf(":%d", opts.MetricsPort), Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("serving metrics", "port", opts.MetricsPort)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}
