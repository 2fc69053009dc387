package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/podushkina/scriptqueue/internal/ledger"
	"github.com/podushkina/scriptqueue/internal/metrics"
	"github.com/podushkina/scriptqueue/internal/runner"
	"github.com/podushkina/scriptqueue/internal/task"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	popTimeout   = 2 * time.Second
	writeTimeout = 10 * time.Second

	startRetryInterval = 100 * time.Millisecond
	startRetries       = 5
)

// Handler executes one claimed task. progress appends a log line visible to
// pollers while the task runs.
type Handler func(ctx context.Context, t *task.Task, progress func(string)) (task.Result, error)

// Source is the broker side of the pool.
type Source interface {
	Pop(ctx context.Context, timeout time.Duration) (*task.Task, error)
	Requeue(ctx context.Context, id string) error
}

type Pool struct {
	queue    Source
	ledger   *ledger.Store
	handlers map[task.Language]Handler
	count    int
	name     string
	logger   *slog.Logger
	metrics  *metrics.Metrics
	wg       sync.WaitGroup
	mu       sync.RWMutex
}

type Option func(*Pool)

func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Pool) { p.metrics = m } }

// WithName sets the owner prefix written into claims; defaults to host:pid.
func WithName(name string) Option { return func(p *Pool) { p.name = name } }

func NewPool(q Source, l *ledger.Store, count int, opts ...Option) *Pool {
	p := &Pool{
		queue:    q,
		ledger:   l,
		handlers: make(map[task.Language]Handler),
		count:    count,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.name == "" {
		host, _ := os.Hostname()
		p.name = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	return p
}

func (p *Pool) Register(lang task.Language, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[lang] = handler
}

func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.count; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("workers started", "count", p.count, "name", p.name)
}

// Stop waits for every worker to return. Cancel the Start context first.
func (p *Pool) Stop() {
	p.wg.Wait()
	p.logger.Info("all workers stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.With("worker", id)
	log.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("worker shutting down")
			return
		default:
			t, err := p.queue.Pop(ctx, popTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error("pop failed", "err", err)
				// avoid spinning while the broker is unreachable
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			if t == nil {
				continue
			}

			p.process(ctx, fmt.Sprintf("%s/%d", p.name, id), t)
		}
	}
}

func (p *Pool) process(ctx context.Context, owner string, t *task.Task) {
	log := p.logger.With("owner", owner, "task_id", t.ID, "language", t.Language)

	// Ledger writes must land even when the pool is shutting down.
	wctx := context.WithoutCancel(ctx)

	w, err := p.ledger.Claim(wctx, t.ID, owner)
	if err != nil {
		log.Warn("claim failed, skipping task", "err", err)
		return
	}

	ctx, span := otel.Tracer("scriptqueue/worker").Start(ctx, "worker.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("task.id", t.ID), attribute.String("task.language", string(t.Language))),
	)
	defer span.End()

	if !p.begin(wctx, w, log) {
		return
	}
	log.Info("processing task")
	p.metrics.TaskStarted()
	defer p.metrics.TaskDone()

	progress := func(line string) {
		if err := p.write(wctx, func(ctx context.Context) error { return w.Log(ctx, line) }); err != nil {
			log.Warn("append log failed", "err", err)
		}
	}

	started := time.Now()
	res, err := p.run(ctx, t, progress)
	kind := runner.ErrorKind(err)
	p.metrics.ObserveExecution(kind, time.Since(started))

	if err != nil {
		span.SetStatus(codes.Error, kind)
		log.Warn("task failed", "reason", kind, "err", err)
		if werr := p.write(wctx, func(ctx context.Context) error { return w.Fail(ctx, failureReason(err), res.Output) }); werr != nil {
			log.Error("record failure failed", "err", werr)
			return
		}
		p.metrics.Finished(string(task.StateFailure), kind)
		return
	}

	if werr := p.write(wctx, func(ctx context.Context) error { return w.Succeed(ctx, res) }); werr != nil {
		log.Error("record success failed", "err", werr)
		return
	}
	p.metrics.Finished(string(task.StateSuccess), kind)
	log.Info("task completed", "files", len(res.Files), "artifact_source", res.Source)
}

// begin moves a freshly claimed task to PROGRESS. Transient ledger errors are
// retried; if the task still cannot be started the claim is released and the
// id goes back on the queue. A task already in PROGRESS was started under a
// claim that was later released, so it is picked up as is.
func (p *Pool) begin(ctx context.Context, w *ledger.Writer, log *slog.Logger) bool {
	t := w.Task()
	switch t.State {
	case task.StateProgress:
		log.Info("resuming task started by a released claim")
		return true
	case task.StatePending:
	default:
		log.Warn("claimed task is already terminal", "state", t.State)
		return false
	}

	op := func() error {
		err := p.write(ctx, func(ctx context.Context) error { return w.Start(ctx, "Starting execution...") })
		if errors.Is(err, ledger.ErrConflict) || errors.Is(err, ledger.ErrInvalidTransition) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(startRetryInterval), startRetries), ctx)
	err := backoff.Retry(op, b)
	if err == nil {
		return true
	}

	log.Error("mark progress failed, returning task to queue", "err", err)
	if rerr := p.write(ctx, w.Release); rerr != nil {
		log.Error("release claim failed", "err", rerr)
		return false
	}
	if qerr := p.write(ctx, func(ctx context.Context) error { return p.queue.Requeue(ctx, t.ID) }); qerr != nil {
		log.Error("requeue failed", "err", qerr)
	}
	return false
}

// run invokes the handler and turns panics into errors so one bad task can't
// take the worker down.
func (p *Pool) run(ctx context.Context, t *task.Task, progress func(string)) (res task.Result, err error) {
	p.mu.RLock()
	handler, ok := p.handlers[t.Language]
	p.mu.RUnlock()
	if !ok {
		return task.Result{}, fmt.Errorf("unsupported language: %q", t.Language)
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panic", "task_id", t.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return handler(ctx, t, progress)
}

func (p *Pool) write(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return fn(ctx)
}

func failureReason(err error) string {
	var exitErr *runner.ExitError
	if errors.As(err, &exitErr) && exitErr.Output != "" {
		return "Subprocess failed: " + exitErr.Output
	}
	return err.Error()
}
