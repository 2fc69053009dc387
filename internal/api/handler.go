package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/podushkina/scriptqueue/internal/artifact"
	"github.com/podushkina/scriptqueue/internal/gateway"
	"github.com/podushkina/scriptqueue/internal/task"
)

// maxScriptBytes caps a submission body.
const maxScriptBytes = 4 << 20

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	gw     *gateway.Gateway
	broker Pinger
	logger *slog.Logger
}

func NewHandler(gw *gateway.Gateway, broker Pinger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{gw: gw, broker: broker, logger: logger}
}

type SubmitRequest struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
}

type SubmitResponse struct {
	TaskID string     `json:"task_id"`
	Status task.State `json:"status"`
}

type TaskSummary struct {
	ID         string        `json:"id"`
	Language   task.Language `json:"language"`
	State      task.State    `json:"state"`
	Files      []string      `json:"files,omitempty"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

type ArtifactList struct {
	Files []string `json:"files"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxScriptBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := h.gw.Submit(r.Context(), req.Code, req.Language)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidSubmission) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("submit failed", "err", err)
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, SubmitResponse{TaskID: id, Status: task.StatePending})
}

func (h *Handler) TaskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	st, err := h.gw.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			respondError(w, http.StatusNotFound, "task not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, st)
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.gw.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskSummary{
			ID:         t.ID,
			Language:   t.Language,
			State:      t.State,
			Files:      t.Files,
			Error:      t.Error,
			CreatedAt:  t.CreatedAt,
			FinishedAt: t.FinishedAt,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	files, err := h.gw.Artifacts()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ArtifactList{Files: files})
}

func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	p, err := h.gw.ArtifactPath(name)
	h.serveArtifact(w, r, p, err)
}

func (h *Handler) GetTaskArtifact(w http.ResponseWriter, r *http.Request) {
	p, err := h.gw.TaskArtifactPath(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "name"))
	h.serveArtifact(w, r, p, err)
}

func (h *Handler) serveArtifact(w http.ResponseWriter, r *http.Request, p string, err error) {
	switch {
	case errors.Is(err, artifact.ErrInvalidName):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, artifact.ErrNotFound), errors.Is(err, gateway.ErrNotFound):
		respondError(w, http.StatusNotFound, "file not found")
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	f, err := os.Open(p)
	if err != nil {
		respondError(w, http.StatusNotFound, "file not found")
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if ct := mime.TypeByExtension(path.Ext(p)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.broker.Ping(ctx); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
