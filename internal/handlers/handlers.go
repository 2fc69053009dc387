package handlers

import (
	"context"
	"fmt"

	"github.com/podushkina/scriptqueue/internal/artifact"
	"github.com/podushkina/scriptqueue/internal/runner"
	"github.com/podushkina/scriptqueue/internal/task"
)

// Environment variables exposed to every executed script.
const (
	EnvTaskID     = "SCRIPTQUEUE_TASK_ID"
	EnvOutputDir  = "SCRIPTQUEUE_OUTPUT_DIR"
	EnvResultFile = "SCRIPTQUEUE_RESULT_FILE"
)

// Script runs a stored script through an interpreter and resolves the
// artifacts it left in the task's output directory.
type Script struct {
	Exec        runner.Executor
	Interpreter []string
	Extensions  []string
}

func NewScript(exec runner.Executor, interpreter []string, exts []string) *Script {
	return &Script{Exec: exec, Interpreter: interpreter, Extensions: exts}
}

// Handle executes t. On failure the returned Result still carries whatever
// output the process produced.
func (s *Script) Handle(ctx context.Context, t *task.Task, progress func(string)) (task.Result, error) {
	if len(s.Interpreter) == 0 {
		return task.Result{}, fmt.Errorf("no interpreter configured for %s", t.Language)
	}

	before, err := artifact.Snapshot(t.OutputDir, s.Extensions)
	if err != nil {
		return task.Result{}, fmt.Errorf("snapshot output dir: %w", err)
	}

	argv := append(append([]string{}, s.Interpreter...), t.ScriptPath)
	outcome, err := s.Exec.Execute(ctx, runner.Command{
		Argv: argv,
		Dir:  t.OutputDir,
		Env: []string{
			EnvTaskID + "=" + t.ID,
			EnvOutputDir + "=" + t.OutputDir,
			EnvResultFile + "=" + t.ResultPath,
		},
	})
	if err != nil {
		return task.Result{Output: outcome.Output}, err
	}
	progress("Execution finished (subprocess returned).")

	after, err := artifact.Snapshot(t.OutputDir, s.Extensions)
	if err != nil {
		return task.Result{Output: outcome.Output}, fmt.Errorf("snapshot output dir: %w", err)
	}

	res := artifact.Resolve(outcome.Output, t.ResultPath, before, after)
	if res.ManifestErr != nil {
		progress(fmt.Sprintf("Ignoring unreadable result file: %v", res.ManifestErr))
	}

	return task.Result{
		Output: outcome.Output,
		Files:  res.Files,
		Source: string(res.Source),
	}, nil
}
