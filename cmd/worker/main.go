package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/podushkina/scriptqueue/internal/app"
	"github.com/podushkina/scriptqueue/internal/config"
	"github.com/podushkina/scriptqueue/internal/logging"
	"github.com/podushkina/scriptqueue/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.WorkerCount == 0 {
		return errors.New("WORKER_COUNT must be at least 1 for a worker process")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr).With("role", "worker")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{ServiceName: cfg.ServiceName + "-worker", OTLPEndpoint: cfg.OTLPEndpoint})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	a, err := app.Open(cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer a.Close()

	// metrics only; the API lives in cmd/server
	metricsSrv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	pool := a.NewPool(cfg.WorkerCount)
	pool.Start(gctx)

	g.Go(func() error { return a.SampleQueueDepth(gctx) })
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	// in-flight tasks still record their terminal state
	pool.Stop()
	logger.Info("worker stopped")
	return err
}
