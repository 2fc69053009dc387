package task

import (
	"fmt"
	"strings"
	"time"
)

type State string

const (
	StatePending  State = "PENDING"
	StateProgress State = "PROGRESS"
	StateSuccess  State = "SUCCESS"
	StateFailure  State = "FAILURE"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

// CanTransition reports whether a record in state from may move to state to.
func CanTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateProgress
	case StateProgress:
		return to == StateSuccess || to == StateFailure
	default:
		return false
	}
}

type Language string

const (
	LanguagePython Language = "python"
	LanguageShell  Language = "sh"
)

// ParseLanguage normalizes a client supplied language name. Empty means python.
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "python", "py", "python3":
		return LanguagePython, nil
	case "sh", "shell", "bash":
		return LanguageShell, nil
	}
	return "", fmt.Errorf("unsupported language: %q", s)
}

// Ext is the file extension used when the script is stored on disk.
func (l Language) Ext() string {
	if l == LanguageShell {
		return ".sh"
	}
	return ".py"
}

type Task struct {
	ID         string   `json:"id"`
	Language   Language `json:"language"`
	ScriptPath string   `json:"script_path"`
	ResultPath string   `json:"result_path,omitempty"`
	OutputDir  string   `json:"output_dir"`
	// ArtifactDir is OutputDir relative to the shared output root; empty in the shared layout.
	ArtifactDir string `json:"artifact_dir,omitempty"`

	State  State    `json:"state"`
	Logs   []string `json:"logs,omitempty"`
	Output string   `json:"output,omitempty"`
	Files  []string `json:"files,omitempty"`
	// LegacyFiles is only ever read; older producers stored artifacts under this key.
	LegacyFiles    []string `json:"html_files,omitempty"`
	Error          string   `json:"error,omitempty"`
	ArtifactSource string   `json:"artifact_source,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Result is what an execution handler hands back to the worker.
type Result struct {
	Output string
	Files  []string
	Source string
}
