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

	"github.com/podushkina/scriptqueue/internal/api"
	"github.com/podushkina/scriptqueue/internal/app"
	"github.com/podushkina/scriptqueue/internal/config"
	"github.com/podushkina/scriptqueue/internal/gateway"
	"github.com/podushkina/scriptqueue/internal/logging"
	"github.com/podushkina/scriptqueue/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{ServiceName: cfg.ServiceName, OTLPEndpoint: cfg.OTLPEndpoint})
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
	logger.Info("connected to redis", "addr", cfg.RedisAddr)

	gw, err := gateway.New(a.Scripts, a.Queue, a.Ledger, gateway.Config{
		ArtifactExts: cfg.ArtifactExts,
		CacheSize:    cfg.StatusCacheSize,
	}, logger, a.Metrics)
	if err != nil {
		return err
	}

	handler := api.NewHandler(gw, a.Queue, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		CORSOrigins: cfg.CORSOrigins,
		Gatherer:    prometheus.DefaultGatherer,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.WorkerCount > 0 {
		pool := a.NewPool(cfg.WorkerCount)
		pool.Start(gctx)
		g.Go(func() error {
			<-gctx.Done()
			pool.Stop()
			return nil
		})
	} else {
		logger.Info("embedded workers disabled")
	}

	g.Go(func() error { return a.SampleQueueDepth(gctx) })

	g.Go(func() error {
		logger.Info("server starting", "port", cfg.ServerPort, "output_dir", a.Scripts.OutputRoot())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}
