// Package runner executes stored scripts as child processes with a hard
// wall-clock limit and captures their combined output.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const DefaultTimeout = 60 * time.Second

// waitDelay bounds how long Wait keeps draining pipes after the process is
// gone, in case a grandchild still holds them open.
const waitDelay = 2 * time.Second

type Command struct {
	Argv []string
	Dir  string
	// Env is appended to the worker's own environment.
	Env []string
}

type Outcome struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Executor is what handlers depend on; tests swap in fakes.
type Executor interface {
	Execute(ctx context.Context, c Command) (Outcome, error)
}

type Runner struct {
	Timeout time.Duration
}

func New(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{Timeout: timeout}
}

// Execute runs c to completion. A non-nil error is always one of
// *TimeoutError, *ExitError, ErrCanceled (wrapped) or a start failure; the
// returned Outcome carries the captured output in every case.
func (r *Runner) Execute(ctx context.Context, c Command) (Outcome, error) {
	ctx, span := otel.Tracer("scriptqueue/runner").Start(ctx, "runner.execute")
	defer span.End()

	out, err := r.execute(ctx, c)

	span.SetAttributes(
		attribute.Int("process.exit_code", out.ExitCode),
		attribute.Int64("process.duration_ms", out.Duration.Milliseconds()),
	)
	if err != nil {
		span.SetStatus(codes.Error, errorKind(err))
	}
	return out, err
}

func (r *Runner) execute(ctx context.Context, c Command) (Outcome, error) {
	if len(c.Argv) == 0 {
		return Outcome{ExitCode: -1}, errors.New("start process: empty command")
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cmd := exec.Command(c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdin = nil
	cmd.WaitDelay = waitDelay
	configureProcess(cmd)

	// One writer for both streams keeps the interleaving the script produced.
	var buf lockedBuffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Outcome{ExitCode: -1, Duration: time.Since(start)}, fmt.Errorf("start process: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	var timedOut, canceled bool
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		terminateProcess(cmd)
		waitErr = <-done
	case <-ctx.Done():
		canceled = true
		terminateProcess(cmd)
		waitErr = <-done
	}

	out := Outcome{
		ExitCode: exitCode(cmd, waitErr),
		Output:   buf.String(),
		Duration: time.Since(start),
	}

	switch {
	case timedOut:
		return out, &TimeoutError{Timeout: timeout, Output: out.Output}
	case canceled:
		return out, fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
	case waitErr == nil:
		return out, nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return out, &ExitError{Code: out.ExitCode, Output: out.Output}
	}
	return out, fmt.Errorf("wait process: %w", waitErr)
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return 0
	}
	return -1
}

func errorKind(err error) string {
	var exitErr *ExitError
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.As(err, &exitErr):
		return "exit"
	default:
		return "internal"
	}
}

// ErrorKind classifies an Execute error for metrics and logs.
func ErrorKind(err error) string {
	if err == nil {
		return "ok"
	}
	return errorKind(err)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
