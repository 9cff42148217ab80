package script

import (
	"context"
	"errors"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/luahttp/internal/observability"
)

// Pool dispatches requests across independent Runtime shards. Each shard
// has its own Lua global state; with a single shard (the default) every
// request observes the same globals.
type Pool struct {
	workers []*Worker
	next    atomic.Uint64
}

// PoolConfig configures NewPool.
type PoolConfig struct {
	Workers   int
	QueueSize int
	Options   Options
	Metrics   *observability.Metrics
}

// NewPool spawns cfg.Workers shards, each loading src. A load failure in any
// shard stops the ones already started and is returned.
func NewPool(src *Source, cfg PoolConfig) (*Pool, error) {
	n := cfg.Workers
	if n < 1 {
		n = 1
	}

	p := &Pool{workers: make([]*Worker, 0, n)}
	for i := 0; i < n; i++ {
		w, err := Spawn(src, WorkerConfig{
			ID:        i,
			QueueSize: cfg.QueueSize,
			Options:   cfg.Options,
			Metrics:   cfg.Metrics,
		})
		if err != nil {
			_ = p.Stop(context.Background())
			return nil, err
		}
		p.workers = append(p.workers, w)
	}
	return p, nil
}

// Size returns the number of shards.
func (p *Pool) Size() int { return len(p.workers) }

// Dispatch runs the entry point for req on the next shard.
func (p *Pool) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	idx := int((p.next.Add(1) - 1) % uint64(len(p.workers)))
	w := p.workers[idx]

	ctx, span := observability.StartSpan(ctx, "script.call",
		attribute.Int("script.worker", w.id),
		attribute.String("net.peer.addr", req.RemoteAddr()),
	)

	var resp *Response
	err := w.Do(ctx, func(rt *Runtime) error {
		var err error
		resp, err = rt.Handle(req)
		return err
	})
	observability.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Inspect runs fn on every shard in turn, e.g. to check the entry point.
func (p *Pool) Inspect(ctx context.Context, fn func(*Runtime) error) error {
	for _, w := range p.workers {
		if err := w.Do(ctx, fn); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every shard and closes its Runtime.
func (p *Pool) Stop(ctx context.Context) error {
	var errs []error
	for _, w := range p.workers {
		if err := w.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
