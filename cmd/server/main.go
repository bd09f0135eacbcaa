package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"shepherd/internal/platform/config"
	"shepherd/internal/platform/httpserver"
	"shepherd/internal/platform/logger"
	"shepherd/internal/platform/metrics"
)

const shutdownTimeout = 10 * time.Second

// main wires dependencies, serves the API and the metrics endpoint, and runs
// the periodic follow-up evaluation and inactivity sweep. Business logic
// lives in the internal service packages.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "shepherd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel)

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := build(ctx, cfg, policy, log, reg)
	if err != nil {
		return err
	}
	defer a.close(log)

	api := httpserver.New(cfg.Addr, a.router, cfg.ReadTimeout, cfg.WriteTimeout)
	metricsSrv := httpserver.New(cfg.MetricsAddr, metrics.Handler(reg), cfg.ReadTimeout, cfg.WriteTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(gctx, api, log, "api") })
	g.Go(func() error { return serve(gctx, metricsSrv, log, "metrics") })
	g.Go(func() error {
		a.runMaintenance(gctx, cfg.EvaluateInterval)
		return nil
	})
	g.Go(func() error {
		a.watchKeyRotation(gctx)
		return nil
	})
	return g.Wait()
}

// serve runs srv until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server, log *slog.Logger, name string) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "server", name, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown: %w", name, err)
	}
	log.Info("server stopped", "server", name)
	return nil
}
