// Package memory provides an in-process ring buffer access log backend.
package memory

import (
	"context"
	"sync"

	"github.com/gezibash/luahttp/internal/accesslog"
)

const (
	KeyCapacity = "capacity"

	defaultCapacity = 1024
)

func init() {
	accesslog.Register("memory", NewFactory, Defaults)
}

// Defaults returns the default configuration for the memory backend.
func Defaults() accesslog.Config {
	return accesslog.Config{KeyCapacity: "1024"}
}

// NewFactory creates a memory sink from a configuration map.
func NewFactory(_ context.Context, cfg accesslog.Config) (accesslog.Sink, error) {
	capacity, err := cfg.Int("memory", KeyCapacity, defaultCapacity)
	if err != nil {
		return nil, err
	}
	if capacity <= 0 {
		return nil, accesslog.NewConfigErrorWithValue("memory", KeyCapacity, cfg[KeyCapacity], "must be positive")
	}
	return New(capacity), nil
}

// Sink keeps the most recent records in a fixed-size ring.
type Sink struct {
	mu     sync.Mutex
	buf    []accesslog.Record
	next   int
	full   bool
	closed bool
}

// New creates a Sink holding at most capacity records.
func New(capacity int) *Sink {
	return &Sink{buf: make([]accesslog.Record, capacity)}
}

// Append stores rec, evicting the oldest record when full.
func (s *Sink) Append(_ context.Context, rec accesslog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return accesslog.ErrClosed
	}
	s.buf[s.next] = rec
	s.next = (s.next + 1) % len(s.buf)
	if s.next == 0 {
		s.full = true
	}
	return nil
}

// Records returns the stored records, oldest first.
func (s *Sink) Records() []accesslog.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full {
		return append([]accesslog.Record(nil), s.buf[:s.next]...)
	}
	out := make([]accesslog.Record, 0, len(s.buf))
	out = append(out, s.buf[s.next:]...)
	return append(out, s.buf[:s.next]...)
}

// Close marks the sink closed; stored records stay readable.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
