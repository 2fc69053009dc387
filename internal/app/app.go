// Package app wires the broker, ledger and worker pool from configuration.
// Both the API server and the standalone worker start from here.
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/podushkina/scriptqueue/internal/config"
	"github.com/podushkina/scriptqueue/internal/handlers"
	"github.com/podushkina/scriptqueue/internal/ledger"
	"github.com/podushkina/scriptqueue/internal/metrics"
	"github.com/podushkina/scriptqueue/internal/queue"
	"github.com/podushkina/scriptqueue/internal/runner"
	"github.com/podushkina/scriptqueue/internal/script"
	"github.com/podushkina/scriptqueue/internal/task"
	"github.com/podushkina/scriptqueue/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

const depthInterval = 15 * time.Second

type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Redis   *redis.Client
	Ledger  *ledger.Store
	Queue   *queue.Queue
	Scripts *script.Store
	Metrics *metrics.Metrics
}

func Open(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*App, error) {
	client, err := queue.Dial(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if err != nil {
		return nil, err
	}

	scripts, err := script.NewStore(cfg.ScriptsDir, cfg.OutputDir, cfg.PerTaskOutput())
	if err != nil {
		client.Close()
		return nil, err
	}

	l := ledger.New(client, cfg.TaskTTL)
	return &App{
		Config:  cfg,
		Logger:  logger,
		Redis:   client,
		Ledger:  l,
		Queue:   queue.New(client, l),
		Scripts: scripts,
		Metrics: metrics.MustNew(reg),
	}, nil
}

func (a *App) Close() error {
	return a.Redis.Close()
}

// NewPool builds a worker pool with a script handler per supported language.
func (a *App) NewPool(count int) *worker.Pool {
	exec := runner.New(a.Config.ExecTimeout)
	pool := worker.NewPool(a.Queue, a.Ledger, count,
		worker.WithLogger(a.Logger),
		worker.WithMetrics(a.Metrics),
	)
	pool.Register(task.LanguagePython, handlers.NewScript(exec, []string{a.Config.PythonBin}, a.Config.ArtifactExts).Handle)
	pool.Register(task.LanguageShell, handlers.NewScript(exec, []string{a.Config.ShellBin}, a.Config.ArtifactExts).Handle)
	return pool
}

// SampleQueueDepth publishes the broker backlog until ctx is done.
func (a *App) SampleQueueDepth(ctx context.Context) error {
	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()
	for {
		if n, err := a.Queue.Len(ctx); err == nil {
			a.Metrics.SetQueueDepth(n)
		} else if ctx.Err() == nil {
			a.Logger.Warn("queue depth sample failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
