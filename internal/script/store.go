// Package script persists submitted source text so workers can execute it.
package script

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/podushkina/scriptqueue/internal/task"
)

var (
	ErrEmptySource   = errors.New("script source is empty")
	ErrInvalidTaskID = errors.New("invalid task id")
)

// Script is the stored, read-only form of a submission.
type Script struct {
	Path string
	// ResultPath is where the script may write a structured artifact list.
	ResultPath string
	OutputDir  string
	// ArtifactDir is OutputDir relative to the output root ("" when shared).
	ArtifactDir string
}

type Store struct {
	scriptsDir string
	outputRoot string
	perTask    bool
}

// NewStore makes sure both directories exist. With perTask set every task
// writes its artifacts into <outputRoot>/<task id>.
func NewStore(scriptsDir, outputRoot string, perTask bool) (*Store, error) {
	scriptsDir, err := filepath.Abs(scriptsDir)
	if err != nil {
		return nil, err
	}
	outputRoot, err = filepath.Abs(outputRoot)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{scriptsDir, outputRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Store{scriptsDir: scriptsDir, outputRoot: outputRoot, perTask: perTask}, nil
}

func (s *Store) OutputRoot() string { return s.outputRoot }

func (s *Store) ScriptsDir() string { return s.scriptsDir }

// Persist writes source atomically under a random name and allocates the
// task's output directory.
func (s *Store) Persist(taskID string, lang task.Language, source string) (Script, error) {
	if strings.TrimSpace(source) == "" {
		return Script{}, ErrEmptySource
	}
	if taskID == "" || strings.ContainsAny(taskID, `/\`) || strings.Contains(taskID, "..") {
		return Script{}, fmt.Errorf("%w: %q", ErrInvalidTaskID, taskID)
	}

	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	base := "code_" + token
	path := filepath.Join(s.scriptsDir, base+lang.Ext())

	if err := writeAtomic(s.scriptsDir, path, []byte(source)); err != nil {
		return Script{}, fmt.Errorf("persist script: %w", err)
	}

	sc := Script{
		Path:       path,
		ResultPath: filepath.Join(s.scriptsDir, base+".result.json"),
		OutputDir:  s.outputRoot,
	}
	if s.perTask {
		sc.OutputDir = filepath.Join(s.outputRoot, taskID)
		sc.ArtifactDir = taskID
		if err := os.MkdirAll(sc.OutputDir, 0o755); err != nil {
			_ = os.Remove(path)
			return Script{}, fmt.Errorf("create output dir: %w", err)
		}
	}
	return sc, nil
}

// Discard removes what Persist created for a submission that was never
// queued: the script, its result file and a per-task output directory.
func (s *Store) Discard(sc Script) error {
	var errs []error
	for _, p := range []string{sc.Path, sc.ResultPath} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if sc.ArtifactDir != "" && sc.OutputDir != s.outputRoot {
		if err := os.RemoveAll(sc.OutputDir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-code-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
