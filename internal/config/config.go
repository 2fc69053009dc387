package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	LayoutPerTask = "per-task"
	LayoutShared  = "shared"
)

type Config struct {
	ServerPort  string
	RedisAddr   string
	RedisPass   string
	RedisDB     int
	WorkerCount int

	ScriptsDir   string
	OutputDir    string
	OutputLayout string
	ArtifactExts []string
	ExecTimeout  time.Duration
	TaskTTL      time.Duration
	PythonBin    string
	ShellBin     string

	StatusCacheSize int
	CORSOrigins     []string

	LogLevel  string
	LogFormat string

	OTLPEndpoint string
	ServiceName  string
}

// Load reads the environment, after merging an optional .env file from the
// working directory. Variables already set in the environment win.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPass:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:     getEnvInt("REDIS_DB", 0),
		WorkerCount: getEnvInt("WORKER_COUNT", 3),

		ScriptsDir:   getEnv("SCRIPTS_DIR", "generated_scripts"),
		OutputDir:    getEnv("OUTPUT_DIR", "plots"),
		OutputLayout: getEnv("OUTPUT_LAYOUT", LayoutPerTask),
		ArtifactExts: getEnvList("ARTIFACT_EXTENSIONS", []string{".html"}),
		ExecTimeout:  getEnvDuration("EXEC_TIMEOUT", 60*time.Second),
		TaskTTL:      getEnvDuration("TASK_TTL", 24*time.Hour),
		PythonBin:    getEnv("PYTHON_BIN", "python3"),
		ShellBin:     getEnv("SHELL_BIN", "sh"),

		StatusCacheSize: getEnvInt("STATUS_CACHE_SIZE", 1024),
		CORSOrigins:     getEnvList("CORS_ORIGINS", []string{"http://localhost:3000"}),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:  getEnv("OTEL_SERVICE_NAME", "scriptqueue"),
	}
}

var ErrInvalid = errors.New("invalid config")

func (c *Config) Validate() error {
	if c.ExecTimeout <= 0 {
		return fmt.Errorf("%w: EXEC_TIMEOUT must be positive", ErrInvalid)
	}
	if c.TaskTTL < 0 {
		return fmt.Errorf("%w: TASK_TTL must not be negative", ErrInvalid)
	}
	if c.OutputLayout != LayoutPerTask && c.OutputLayout != LayoutShared {
		return fmt.Errorf("%w: OUTPUT_LAYOUT %q (want %s or %s)", ErrInvalid, c.OutputLayout, LayoutPerTask, LayoutShared)
	}
	if c.WorkerCount < 0 {
		return fmt.Errorf("%w: WORKER_COUNT must not be negative", ErrInvalid)
	}
	if len(c.ArtifactExts) == 0 {
		return fmt.Errorf("%w: ARTIFACT_EXTENSIONS is empty", ErrInvalid)
	}
	return nil
}

// PerTaskOutput reports whether every task gets its own output subdirectory.
func (c *Config) PerTaskOutput() bool {
	return c.OutputLayout == LayoutPerTask
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// bare integers are seconds
	if i, err := strconv.Atoi(v); err == nil {
		return time.Duration(i) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
