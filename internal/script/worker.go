package script

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gezibash/luahttp/internal/observability"
)

// DefaultQueueSize is the number of calls that may wait for a worker.
const DefaultQueueSize = 64

const (
	jobQueued int32 = iota
	jobRunning
	jobWithdrawn
)

// job is a unit of work executed on the worker goroutine. state moves from
// jobQueued to either jobRunning (worker) or jobWithdrawn (caller), never both.
type job struct {
	ctx   context.Context
	fn    func(*Runtime) error
	done  chan error
	state atomic.Int32
}

// Worker serializes all access to one Runtime through a single goroutine.
// Calls never run concurrently with each other; a call that has started
// always runs to completion because the interpreter cannot be preempted.
type Worker struct {
	id      int
	jobs    chan *job
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
	depth   atomic.Int64
	metrics *observability.Metrics
}

// WorkerConfig configures Spawn.
type WorkerConfig struct {
	ID        int
	QueueSize int
	Options   Options
	Metrics   *observability.Metrics
}

// Spawn starts a worker goroutine that creates the Runtime from src.
// It returns once the script has been loaded, or with the load error.
func Spawn(src *Source, cfg WorkerConfig) (*Worker, error) {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	w := &Worker{
		id:      cfg.ID,
		jobs:    make(chan *job, queueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		metrics: cfg.Metrics,
	}

	loaded := make(chan error, 1)
	go w.loop(src, cfg.Options, loaded)
	if err := <-loaded; err != nil {
		return nil, err
	}
	return w, nil
}

// loop owns the Runtime for its whole lifetime.
func (w *Worker) loop(src *Source, opts Options, loaded chan<- error) {
	defer close(w.stopped)

	rt, err := newRuntime(src, opts)
	if err != nil {
		loaded <- err
		return
	}
	defer rt.close()
	loaded <- nil

	for {
		select {
		case j := <-w.jobs:
			w.dequeued()
			if err := j.ctx.Err(); err != nil {
				// The caller gave up before the call started.
				j.done <- err
				continue
			}
			if !j.state.CompareAndSwap(jobQueued, jobRunning) {
				j.done <- j.ctx.Err()
				continue
			}
			j.done <- w.execute(rt, j.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs fn on the Runtime, recovering from panics.
func (w *Worker) execute(rt *Runtime, fn func(*Runtime) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("script worker %d: panic: %v", w.id, r)
		}
	}()
	return fn(rt)
}

// Do submits fn for execution on the worker goroutine and waits until it
// completes or ctx is done. When ctx ends before the call started, Do returns
// ctx.Err() and the call never runs. When ctx ends while the call is running
// it is abandoned, not interrupted: it keeps running on the worker, its result
// is discarded and Do returns an error wrapping both ErrAbandoned and ctx.Err().
func (w *Worker) Do(ctx context.Context, fn func(*Runtime) error) error {
	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case <-w.quit:
		return ErrWorkerStopped
	default:
	}

	w.enqueued()
	select {
	case w.jobs <- j:
	case <-w.quit:
		w.dequeued()
		return ErrWorkerStopped
	case <-ctx.Done():
		w.dequeued()
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-w.stopped:
		select {
		case err := <-j.done:
			return err
		default:
			return ErrWorkerStopped
		}
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobQueued, jobWithdrawn) {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrAbandoned, ctx.Err())
	}
}

// Stop shuts down the worker and closes its Runtime. It waits for an
// in-flight call to finish, or for ctx to end, whichever comes first.
func (w *Worker) Stop(ctx context.Context) error {
	w.once.Do(func() { close(w.quit) })
	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("script worker %d: %w", w.id, ctx.Err())
	}
}

// QueueDepth returns the number of calls waiting to start.
func (w *Worker) QueueDepth() int64 {
	return w.depth.Load()
}

func (w *Worker) enqueued() {
	w.depth.Add(1)
	if w.metrics != nil {
		w.metrics.QueueDepth.WithLabelValues(strconv.Itoa(w.id)).Inc()
	}
}

func (w *Worker) dequeued() {
	w.depth.Add(-1)
	if w.metrics != nil {
		w.metrics.QueueDepth.WithLabelValues(strconv.Itoa(w.id)).Dec()
	}
}
