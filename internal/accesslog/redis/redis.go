// Package redis provides an access log backend that appends to a Redis stream.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gezibash/luahttp/internal/accesslog"
)

const (
	KeyAddr         = "addr"
	KeyPassword     = "password"
	KeyDB           = "db"
	KeyMaxRetries   = "max_retries"
	KeyDialTimeout  = "dial_timeout"
	KeyReadTimeout  = "read_timeout"
	KeyWriteTimeout = "write_timeout"
	KeyStream       = "stream"
	KeyMaxLen       = "max_len"
)

func init() {
	accesslog.Register("redis", NewFactory, Defaults)
}

// Defaults returns the default configuration for the Redis backend.
func Defaults() accesslog.Config {
	return accesslog.Config{
		KeyAddr:         "localhost:6379",
		KeyPassword:     "",
		KeyDB:           "0",
		KeyMaxRetries:   "3",
		KeyDialTimeout:  "5s",
		KeyReadTimeout:  "3s",
		KeyWriteTimeout: "3s",
		KeyStream:       "luahttp:access",
		KeyMaxLen:       "100000",
	}
}

type options struct {
	client *redis.Options
	stream string
	maxLen int64
}

func parseOptions(cfg accesslog.Config) (*options, error) {
	addr := cfg.String(KeyAddr, "")
	if addr == "" {
		return nil, accesslog.NewConfigError("redis", KeyAddr, "cannot be empty")
	}

	db, err := cfg.Int("redis", KeyDB, 0)
	if err != nil {
		return nil, err
	}
	if db < 0 {
		return nil, accesslog.NewConfigErrorWithValue("redis", KeyDB, cfg[KeyDB], "must be non-negative")
	}

	maxRetries, err := cfg.Int("redis", KeyMaxRetries, 3)
	if err != nil {
		return nil, err
	}
	dialTimeout, err := cfg.Duration("redis", KeyDialTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	readTimeout, err := cfg.Duration("redis", KeyReadTimeout, 3*time.Second)
	if err != nil {
		return nil, err
	}
	writeTimeout, err := cfg.Duration("redis", KeyWriteTimeout, 3*time.Second)
	if err != nil {
		return nil, err
	}

	stream := cfg.String(KeyStream, "luahttp:access")

	maxLen, err := cfg.Int("redis", KeyMaxLen, 0)
	if err != nil {
		return nil, err
	}
	if maxLen < 0 {
		return nil, accesslog.NewConfigErrorWithValue("redis", KeyMaxLen, cfg[KeyMaxLen], "must be non-negative")
	}

	return &options{
		client: &redis.Options{
			Addr:         addr,
			Password:     cfg.String(KeyPassword, ""),
			DB:           db,
			MaxRetries:   maxRetries,
			DialTimeout:  dialTimeout,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
		stream: stream,
		maxLen: int64(maxLen),
	}, nil
}

// NewFactory creates a Redis sink from a configuration map and verifies
// connectivity with PING.
func NewFactory(ctx context.Context, cfg accesslog.Config) (accesslog.Sink, error) {
	opts, err := parseOptions(cfg)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts.client)

	pingCtx, cancel := context.WithTimeout(ctx, opts.client.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, accesslog.NewConfigErrorWithCause("redis", KeyAddr, "failed to connect", err)
	}

	slog.Info("redis access log initialized", "addr", opts.client.Addr, "db", opts.client.DB, "stream", opts.stream)
	return NewWithClient(client, opts.stream, opts.maxLen), nil
}

// Sink appends records to a Redis stream with XADD.
type Sink struct {
	client *redis.Client
	stream string
	maxLen int64
	closed atomic.Bool
}

// NewWithClient creates a sink using an existing client. A maxLen of zero
// disables trimming.
func NewWithClient(client *redis.Client, stream string, maxLen int64) *Sink {
	return &Sink{client: client, stream: stream, maxLen: maxLen}
}

// Append adds rec to the stream, trimming it approximately to maxLen.
func (s *Sink) Append(ctx context.Context, rec accesslog.Record) error {
	if s.closed.Load() {
		return accesslog.ErrClosed
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: recordValues(rec),
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %s: %w", s.stream, err)
	}
	return nil
}

// Close closes the client. Subsequent calls are no-ops.
func (s *Sink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.client.Close()
}

func recordValues(rec accesslog.Record) []any {
	values := []any{
		"id", rec.ID,
		"time", rec.Time.UTC().Format(time.RFC3339Nano),
		"remote_addr", rec.RemoteAddr,
		"method", rec.Method,
		"path", rec.Path,
		"status", strconv.Itoa(rec.Status),
		"duration_ms", strconv.FormatFloat(float64(rec.Duration)/float64(time.Millisecond), 'f', 3, 64),
	}
	if rec.Error != "" {
		values = append(values, "error", rec.Error)
	}
	return values
}
