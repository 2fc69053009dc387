package runner

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeout  = errors.New("execution timed out")
	ErrCanceled = errors.New("execution canceled")
)

// TimeoutError is returned when the process outlived the wall-clock budget.
// Output holds whatever was captured before the kill.
type TimeoutError struct {
	Timeout time.Duration
	Output  string
}

func (e *TimeoutError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("execution timed out after %s", e.Timeout)
	}
	return fmt.Sprintf("execution timed out after %s: %s", e.Timeout, e.Output)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ExitError is returned for a non-zero exit status. The script's own output
// is the diagnostic.
type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("script exited with status %d", e.Code)
	}
	return fmt.Sprintf("script exited with status %d: %s", e.Code, e.Output)
}
