//go:build !windows

package handlers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/podushkina/scriptqueue/internal/runner"
	"github.com/podushkina/scriptqueue/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellTask(t *testing.T, body string) *task.Task {
	t.Helper()
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(out, 0o755))
	script := filepath.Join(dir, "code_test.sh")
	require.NoError(t, os.WriteFile(script, []byte(body), 0o644))
	return &task.Task{
		ID:         "t1",
		Language:   task.LanguageShell,
		ScriptPath: script,
		ResultPath: filepath.Join(dir, "code_test.result.json"),
		OutputDir:  out,
	}
}

func newShellHandler(timeout time.Duration) *Script {
	return NewScript(runner.New(timeout), []string{"sh"}, []string{".html"})
}

func collect(lines *[]string) func(string) {
	return func(s string) { *lines = append(*lines, s) }
}

func TestScript_SelfReport(t *testing.T) {
	tsk := shellTask(t, `touch a.html b.html
echo 'Generated files: ["a.html","b.html"]'
`)
	var logs []string

	res, err := newShellHandler(5*time.Second).Handle(context.Background(), tsk, collect(&logs))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.html", "b.html"}, res.Files)
	assert.Equal(t, "self-report", res.Source)
	assert.Contains(t, logs, "Execution finished (subprocess returned).")
}

func TestScript_DirDiffFallback(t *testing.T) {
	tsk := shellTask(t, "echo '<html/>' > c.html\necho done\n")
	require.NoError(t, os.WriteFile(filepath.Join(tsk.OutputDir, "preexisting.html"), nil, 0o644))

	res, err := newShellHandler(5*time.Second).Handle(context.Background(), tsk, func(string) {})
	require.NoError(t, err)
	assert.Equal(t, []string{"c.html"}, res.Files)
	assert.Equal(t, "dir-diff", res.Source)
	assert.Equal(t, "done\n", res.Output)
}

func TestScript_NothingProduced(t *testing.T) {
	tsk := shellTask(t, "echo quiet\n")

	res, err := newShellHandler(5*time.Second).Handle(context.Background(), tsk, func(string) {})
	require.NoError(t, err)
	assert.Equal(t, []string{}, res.Files)
	assert.Equal(t, "none", res.Source)
}

func TestScript_ResultFileChannel(t *testing.T) {
	tsk := shellTask(t, `touch m.html
printf '["m.html"]' > "$SCRIPTQUEUE_RESULT_FILE"
`)

	res, err := newShellHandler(5*time.Second).Handle(context.Background(), tsk, func(string) {})
	require.NoError(t, err)
	assert.Equal(t, []string{"m.html"}, res.Files)
	assert.Equal(t, "manifest", res.Source)
}

func TestScript_EnvironmentAndWorkingDir(t *testing.T) {
	tsk := shellTask(t, `echo "$SCRIPTQUEUE_TASK_ID" > id.txt
pwd > pwd.txt
`)

	_, err := newShellHandler(5*time.Second).Handle(context.Background(), tsk, func(string) {})
	require.NoError(t, err)

	id, err := os.ReadFile(filepath.Join(tsk.OutputDir, "id.txt"))
	require.NoError(t, err)
	assert.Equal(t, "t1\n", string(id))
	assert.FileExists(t, filepath.Join(tsk.OutputDir, "pwd.txt"))
}

func TestScript_NonZeroExit(t *testing.T) {
	tsk := shellTask(t, "echo 'RuntimeError: no data fetched' >&2\nexit 1\n")

	res, err := newShellHandler(5*time.Second).Handle(context.Background(), tsk, func(string) {})
	require.Error(t, err)

	var exitErr *runner.ExitError
	assert.True(t, errors.As(err, &exitErr))
	assert.Contains(t, err.Error(), "RuntimeError: no data fetched")
	assert.Contains(t, res.Output, "RuntimeError: no data fetched")
}

func TestScript_Timeout(t *testing.T) {
	tsk := shellTask(t, "sleep 10\n")

	_, err := newShellHandler(200*time.Millisecond).Handle(context.Background(), tsk, func(string) {})
	assert.ErrorIs(t, err, runner.ErrTimeout)
}

type fakeExec struct {
	got runner.Command
}

func (f *fakeExec) Execute(ctx context.Context, c runner.Command) (runner.Outcome, error) {
	f.got = c
	return runner.Outcome{Output: "Generated files: ['r.html']\n"}, nil
}

func TestScript_BuildsCommand(t *testing.T) {
	fe := &fakeExec{}
	h := NewScript(fe, []string{"python3", "-u"}, []string{".html"})
	tsk := &task.Task{ID: "t9", ScriptPath: "/s/code_x.py", OutputDir: t.TempDir(), ResultPath: "/s/code_x.result.json"}

	res, err := h.Handle(context.Background(), tsk, func(string) {})
	require.NoError(t, err)

	assert.Equal(t, []string{"python3", "-u", "/s/code_x.py"}, fe.got.Argv)
	assert.Equal(t, tsk.OutputDir, fe.got.Dir)
	assert.Contains(t, fe.got.Env, "SCRIPTQUEUE_TASK_ID=t9")
	assert.Contains(t, fe.got.Env, "SCRIPTQUEUE_RESULT_FILE=/s/code_x.result.json")
	// self-report is trusted even though r.html was never written
	assert.Equal(t, []string{"r.html"}, res.Files)
}

func TestScript_NoInterpreter(t *testing.T) {
	h := NewScript(&fakeExec{}, nil, []string{".html"})

	_, err := h.Handle(context.Background(), &task.Task{Language: "ruby"}, func(string) {})
	assert.Error(t, err)
}
