//go:build !windows

package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/podushkina/scriptqueue/internal/config"
	"github.com/podushkina/scriptqueue/internal/logging"
	"github.com/podushkina/scriptqueue/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, addr string) *config.Config {
	root := t.TempDir()
	return &config.Config{
		RedisAddr:    addr,
		ScriptsDir:   filepath.Join(root, "scripts"),
		OutputDir:    filepath.Join(root, "plots"),
		OutputLayout: config.LayoutPerTask,
		ArtifactExts: []string{".html"},
		ExecTimeout:  2 * time.Second,
		TaskTTL:      time.Hour,
		PythonBin:    "python3",
		ShellBin:     "sh",
	}
}

func TestOpen_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = Open(testConfig(t, addr), logging.New("error", "text", os.Stderr), prometheus.NewRegistry())
	assert.Error(t, err)
}

func TestNewPool_RunsShellScripts(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	a, err := Open(testConfig(t, mr.Addr()), logging.New("error", "text", os.Stderr), prometheus.NewRegistry())
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	sc, err := a.Scripts.Persist("t1", task.LanguageShell, "touch out.html\n")
	require.NoError(t, err)
	require.NoError(t, a.Queue.Push(ctx, &task.Task{
		ID:          "t1",
		Language:    task.LanguageShell,
		ScriptPath:  sc.Path,
		ResultPath:  sc.ResultPath,
		OutputDir:   sc.OutputDir,
		ArtifactDir: sc.ArtifactDir,
	}))

	runCtx, cancel := context.WithCancel(ctx)
	pool := a.NewPool(1)
	pool.Start(runCtx)
	defer func() {
		cancel()
		pool.Stop()
	}()

	require.Eventually(t, func() bool {
		got, err := a.Ledger.Get(ctx, "t1")
		return err == nil && got.State == task.StateSuccess && len(got.Files) == 1 && got.Files[0] == "out.html"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSampleQueueDepth_StopsWithContext(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	a, err := Open(testConfig(t, mr.Addr()), logging.New("error", "text", os.Stderr), prometheus.NewRegistry())
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.SampleQueueDepth(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sampler did not stop")
	}
}
