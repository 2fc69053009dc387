package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/podushkina/scriptqueue/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// statusServer answers status polls with PROGRESS until the n-th poll, then
// with the given terminal body.
func statusServer(t *testing.T, n int32, terminal string) (*httptest.Server, *atomic.Int32) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "t1" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"task not found"}`))
			return
		}
		if polls.Add(1) < n {
			w.Write([]byte(`{"status":"PROGRESS","logs":["Starting execution..."]}`))
			return
		}
		w.Write([]byte(terminal))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &polls
}

func TestSubmit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tasks", func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Code == "" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid submission: empty script"}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"task_id":"t1","status":"PENDING"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, nil)
	id, err := c.Submit(context.Background(), "print(1)", "python")
	require.NoError(t, err)
	assert.Equal(t, "t1", id)

	_, err = c.Submit(context.Background(), "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty script")
}

func TestWait_Success(t *testing.T) {
	srv, polls := statusServer(t, 3, `{"status":"SUCCESS","files":["a.html"],"dir":"t1"}`)

	st, err := New(srv.URL, nil).Wait(context.Background(), "t1", time.Millisecond, 5)
	require.NoError(t, err)
	assert.Equal(t, task.StateSuccess, st.Status)
	assert.Equal(t, []string{"a.html"}, st.Files)
	assert.Equal(t, int32(3), polls.Load())
}

func TestWait_Failure(t *testing.T) {
	srv, _ := statusServer(t, 1, `{"status":"FAILURE","error":"Subprocess failed: boom"}`)

	st, err := New(srv.URL, nil).Wait(context.Background(), "t1", time.Millisecond, 5)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailure, st.Status)
	assert.Equal(t, "Subprocess failed: boom", st.Error)
}

func TestWait_GivesUp(t *testing.T) {
	srv, polls := statusServer(t, 100, `{"status":"SUCCESS","files":[]}`)

	st, err := New(srv.URL, nil).Wait(context.Background(), "t1", time.Millisecond, 4)
	assert.ErrorIs(t, err, ErrGaveUp)
	assert.Equal(t, task.StateProgress, st.Status)
	assert.Equal(t, int32(4), polls.Load())
}

func TestWait_NotFoundIsNotRetried(t *testing.T) {
	srv, polls := statusServer(t, 1, `{}`)

	_, err := New(srv.URL, nil).Wait(context.Background(), "missing", time.Millisecond, 5)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, polls.Load())
}

func TestWait_ContextCanceled(t *testing.T) {
	srv, _ := statusServer(t, 100, `{}`)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New(srv.URL, nil).Wait(ctx, "t1", 10*time.Millisecond, 1000)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrGaveUp)
}

func TestArtifacts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/artifacts", r.URL.Path)
		w.Write([]byte(`{"files":["t1/a.html","legacy.html"]}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", nil)
	files, err := c.Artifacts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"t1/a.html", "legacy.html"}, files)
	assert.Equal(t, srv.URL+"/api/artifacts/t1/a.html", c.ArtifactURL("t1/a.html"))
}
