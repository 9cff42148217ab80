package script

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSourceNotFound indicates the script file does not exist.
	ErrSourceNotFound = errors.New("script source not found")

	// ErrNoEntryPoint indicates the script does not define the entry point function.
	ErrNoEntryPoint = errors.New("entry point not defined")

	// ErrInvalidResponse indicates the entry point returned a value that is not a response table.
	ErrInvalidResponse = errors.New("invalid script response")

	// ErrWorkerStopped indicates the worker no longer accepts calls.
	ErrWorkerStopped = errors.New("script worker stopped")

	// ErrAbandoned indicates the caller stopped waiting for a call that had
	// already started; the call still runs to completion on its worker.
	ErrAbandoned = errors.New("script call abandoned")
)

// LoadError reports a failure to compile or run the top-level chunk of a script.
type LoadError struct {
	Name  string
	Phase string // "compile" or "exec"
	Cause error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %s: %v", e.Name, e.Phase, e.Cause)
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// CallError reports an error raised by the script while handling a request.
type CallError struct {
	Function string
	Cause    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call %s: %v", e.Function, e.Cause)
}

func (e *CallError) Unwrap() error {
	return e.Cause
}

// ErrorKind classifies a dispatch error for metrics labels.
func ErrorKind(err error) string {
	var callErr *CallError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoEntryPoint):
		return "no_entry_point"
	case errors.Is(err, ErrInvalidResponse):
		return "invalid_response"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrWorkerStopped):
		return "stopped"
	case errors.As(err, &callErr):
		return "script_error"
	default:
		return "internal"
	}
}
