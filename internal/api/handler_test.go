package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/podushkina/scriptqueue/internal/gateway"
	"github.com/podushkina/scriptqueue/internal/ledger"
	"github.com/podushkina/scriptqueue/internal/metrics"
	"github.com/podushkina/scriptqueue/internal/queue"
	"github.com/podushkina/scriptqueue/internal/script"
	"github.com/podushkina/scriptqueue/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	router http.Handler
	ledger *ledger.Store
	store  *script.Store
	mr     *miniredis.Miniredis
}

func setupTestEnv(t *testing.T) *testEnv {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	root := t.TempDir()
	store, err := script.NewStore(filepath.Join(root, "scripts"), filepath.Join(root, "plots"), true)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)
	l := ledger.New(client, ledger.DefaultTTL)
	q := queue.New(client, l)
	gw, err := gateway.New(store, q, l, gateway.Config{ArtifactExts: []string{".html"}}, nil, m)
	require.NoError(t, err)

	h := NewHandler(gw, q, nil)
	router := NewRouter(h, RouterConfig{CORSOrigins: []string{"http://localhost:3000"}, Gatherer: reg})
	return &testEnv{router: router, ledger: l, store: store, mr: mr}
}

func (e *testEnv) do(method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) submit(t *testing.T, code string) string {
	t.Helper()
	body, _ := json.Marshal(SubmitRequest{Code: code, Language: "python"})
	rr := e.do(http.MethodPost, "/api/tasks", body)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp.TaskID
}

func TestSubmitTask(t *testing.T) {
	env := setupTestEnv(t)

	body, _ := json.Marshal(map[string]string{"code": "print('hello api')"})
	rr := env.do(http.MethodPost, "/api/tasks", body)

	assert.Equal(t, http.StatusAccepted, rr.Code)

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, task.StatePending, resp.Status)
}

func TestSubmitTask_BadInput(t *testing.T) {
	env := setupTestEnv(t)

	cases := map[string][]byte{
		"not json":         []byte("{"),
		"empty code":       []byte(`{"code":"  "}`),
		"unknown language": []byte(`{"code":"x","language":"fortran"}`),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := env.do(http.MethodPost, "/api/tasks", body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestSubmitTask_BrokerDown(t *testing.T) {
	env := setupTestEnv(t)
	env.mr.Close()

	rr := env.do(http.MethodPost, "/api/tasks", []byte(`{"code":"print(1)"}`))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestTaskStatus_NotFound(t *testing.T) {
	env := setupTestEnv(t)

	for _, target := range []string{"/api/tasks/non-existent-id", "/api/task-status/non-existent-id"} {
		rr := env.do(http.MethodGet, target, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "task not found", resp.Error)
	}
}

func TestTaskStatus_Pending(t *testing.T) {
	env := setupTestEnv(t)
	id := env.submit(t, "print(1)")

	rr := env.do(http.MethodGet, "/api/task-status/"+id, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"PENDING","logs":[]}`, rr.Body.String())
}

func TestTaskStatus_SuccessWithoutFiles(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	id := env.submit(t, "print(1)")

	w, err := env.ledger.Claim(ctx, id, "test/0")
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx, "Starting execution..."))
	require.NoError(t, w.Succeed(ctx, task.Result{}))

	rr := env.do(http.MethodGet, "/api/tasks/"+id, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"SUCCESS","files":[],"dir":"`+id+`"}`, rr.Body.String())
}

func TestTaskStatus_Failure(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	id := env.submit(t, "raise SystemExit(1)")

	w, err := env.ledger.Claim(ctx, id, "test/0")
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx, "Starting execution..."))
	require.NoError(t, w.Fail(ctx, "Subprocess failed: boom", "boom"))

	rr := env.do(http.MethodGet, "/api/tasks/"+id, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"FAILURE","error":"Subprocess failed: boom"}`, rr.Body.String())
}

func TestListTasks(t *testing.T) {
	env := setupTestEnv(t)

	env.submit(t, "print(1)")
	env.submit(t, "print(2)")

	rr := env.do(http.MethodGet, "/api/tasks", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var tasks []TaskSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tasks))
	assert.Len(t, tasks, 2)
	for _, s := range tasks {
		assert.Equal(t, task.StatePending, s.State)
		assert.Equal(t, task.LanguagePython, s.Language)
	}
}

func TestArtifacts(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	id := env.submit(t, "print(1)")

	rec, err := env.ledger.Get(ctx, id)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(rec.OutputDir, "chart.html"), []byte("<p>chart</p>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(env.store.OutputRoot(), "notes.txt"), []byte("secret"), 0o644))

	rr := env.do(http.MethodGet, "/api/artifacts", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"files":["`+id+`/chart.html"]}`, rr.Body.String())

	rr = env.do(http.MethodGet, "/api/artifacts/"+id+"/chart.html", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "<p>chart</p>", rr.Body.String())
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/html")

	rr = env.do(http.MethodGet, "/api/tasks/"+id+"/files/chart.html", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "<p>chart</p>", rr.Body.String())

	rr = env.do(http.MethodGet, "/api/artifacts/"+id+"/missing.html", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(http.MethodGet, "/api/artifacts/notes.txt", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(http.MethodGet, "/api/tasks/unknown/files/chart.html", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHealthCheck(t *testing.T) {
	env := setupTestEnv(t)

	rr := env.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	env.mr.Close()
	rr = env.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestEnv(t)
	env.submit(t, "print(1)")

	rr := env.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "scriptqueue_")
}

func TestCORSPreflight(t *testing.T) {
	env := setupTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/tasks", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))
}
