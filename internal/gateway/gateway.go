// Package gateway accepts scripts for execution and translates ledger
// records into the payload pollers see.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/podushkina/scriptqueue/internal/artifact"
	"github.com/podushkina/scriptqueue/internal/ledger"
	"github.com/podushkina/scriptqueue/internal/metrics"
	"github.com/podushkina/scriptqueue/internal/script"
	"github.com/podushkina/scriptqueue/internal/task"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrInvalidSubmission marks client errors: empty source, unknown language.
	ErrInvalidSubmission = errors.New("invalid submission")
	ErrNotFound          = ledger.ErrNotFound
)

const defaultCacheSize = 1024

// Status is the client-facing view of a task.
type Status struct {
	Status task.State `json:"status"`
	Logs   []string   `json:"logs,omitempty"`
	Files  []string   `json:"files,omitempty"`
	Error  string     `json:"error,omitempty"`
	// Dir is the artifact subdirectory holding Files, relative to the
	// artifact root; empty when artifacts live at the root.
	Dir string `json:"dir,omitempty"`
}

// MarshalJSON emits only the fields that belong to the state, and always
// emits them: a successful task with no artifacts reports "files": [].
func (s Status) MarshalJSON() ([]byte, error) {
	switch s.Status {
	case task.StateSuccess:
		files := s.Files
		if files == nil {
			files = []string{}
		}
		return json.Marshal(struct {
			Status task.State `json:"status"`
			Files  []string   `json:"files"`
			Dir    string     `json:"dir,omitempty"`
		}{s.Status, files, s.Dir})
	case task.StateFailure:
		return json.Marshal(struct {
			Status task.State `json:"status"`
			Error  string     `json:"error"`
		}{s.Status, s.Error})
	default:
		logs := s.Logs
		if logs == nil {
			logs = []string{}
		}
		return json.Marshal(struct {
			Status task.State `json:"status"`
			Logs   []string   `json:"logs"`
		}{s.Status, logs})
	}
}

type Enqueuer interface {
	Push(ctx context.Context, t *task.Task) error
}

type Reader interface {
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context) ([]*task.Task, error)
}

type Config struct {
	ArtifactExts []string
	CacheSize    int
}

type Gateway struct {
	store   *script.Store
	queue   Enqueuer
	ledger  Reader
	exts    []string
	cache   *lru.Cache[string, Status]
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(store *script.Store, q Enqueuer, r Reader, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Gateway, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, Status](size)
	if err != nil {
		return nil, fmt.Errorf("status cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		store:   store,
		queue:   q,
		ledger:  r,
		exts:    cfg.ArtifactExts,
		cache:   cache,
		logger:  logger,
		metrics: m,
	}, nil
}

// Submit stores code and enqueues it. It returns as soon as the task is
// queued; execution happens on a worker.
func (g *Gateway) Submit(ctx context.Context, code, language string) (string, error) {
	ctx, span := otel.Tracer("scriptqueue/gateway").Start(ctx, "gateway.submit", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	lang, err := task.ParseLanguage(language)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}

	id := uuid.NewString()
	span.SetAttributes(attribute.String("task.id", id), attribute.String("task.language", string(lang)))

	sc, err := g.store.Persist(id, lang, code)
	if err != nil {
		if errors.Is(err, script.ErrEmptySource) {
			return "", fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
		}
		span.SetStatus(codes.Error, "persist")
		return "", err
	}

	t := &task.Task{
		ID:          id,
		Language:    lang,
		ScriptPath:  sc.Path,
		ResultPath:  sc.ResultPath,
		OutputDir:   sc.OutputDir,
		ArtifactDir: sc.ArtifactDir,
	}
	if err := g.queue.Push(ctx, t); err != nil {
		span.SetStatus(codes.Error, "enqueue")
		if derr := g.store.Discard(sc); derr != nil {
			g.logger.Warn("discard unqueued script", "task_id", id, "err", derr)
		}
		return "", err
	}

	g.metrics.Submitted(string(lang))
	g.logger.Info("task submitted", "task_id", id, "language", lang, "script", sc.Path, "bytes", len(code))
	return id, nil
}

// Status reads the ledger and normalizes the record. Unknown ids return
// ErrNotFound. Terminal payloads are cached since they never change.
func (g *Gateway) Status(ctx context.Context, id string) (Status, error) {
	if st, ok := g.cache.Get(id); ok {
		return st, nil
	}

	t, err := g.ledger.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}

	st := g.normalize(t)
	if st.Status.Terminal() {
		g.cache.Add(id, st)
	}
	return st, nil
}

func (g *Gateway) normalize(t *task.Task) Status {
	switch t.State {
	case task.StateSuccess:
		return Status{Status: task.StateSuccess, Files: successFiles(t), Dir: t.ArtifactDir}
	case task.StateFailure:
		return Status{Status: task.StateFailure, Error: t.Error}
	default:
		logs := t.Logs
		if logs == nil {
			logs = []string{}
		}
		return Status{Status: t.State, Logs: logs}
	}
}

// successFiles prefers the resolved list, then the legacy key, then the
// self-report in the raw output. It never returns nil.
func successFiles(t *task.Task) []string {
	if len(t.Files) > 0 {
		return t.Files
	}
	if len(t.LegacyFiles) > 0 {
		return t.LegacyFiles
	}
	if t.Output != "" {
		if files, ok := artifact.ParseSelfReport(t.Output); ok {
			return files
		}
	}
	return []string{}
}

func (g *Gateway) List(ctx context.Context) ([]*task.Task, error) {
	return g.ledger.List(ctx)
}

// Artifacts lists every artifact file currently under the output root,
// regardless of which task wrote it.
func (g *Gateway) Artifacts() ([]string, error) {
	return artifact.List(g.store.OutputRoot(), g.exts)
}

// ArtifactPath resolves a root-relative artifact name to a file on disk.
func (g *Gateway) ArtifactPath(name string) (string, error) {
	return artifact.Locate(g.store.OutputRoot(), name, g.exts)
}

// TaskArtifactPath resolves name inside the output directory of task id.
func (g *Gateway) TaskArtifactPath(ctx context.Context, id, name string) (string, error) {
	if strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", artifact.ErrInvalidName, name)
	}
	t, err := g.ledger.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if t.ArtifactDir != "" {
		name = t.ArtifactDir + "/" + name
	}
	return g.ArtifactPath(name)
}
