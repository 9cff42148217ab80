// Package accesslog records one entry per served request to a pluggable sink.
//
// Backends live in subpackages and register themselves by name from init;
// import them for side effects to make them available to New.
package accesslog

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by sinks after Close.
var ErrClosed = errors.New("access log closed")

// Record describes one served request.
type Record struct {
	ID         string        `json:"id"`
	Time       time.Time     `json:"time"`
	RemoteAddr string        `json:"remote_addr"`
	Method     string        `json:"method"`
	Path       string        `json:"path"`
	Status     int           `json:"status"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Sink persists records. Implementations must be safe for concurrent use.
type Sink interface {
	Append(ctx context.Context, rec Record) error
	Close() error
}
