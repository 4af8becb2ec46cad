// Package dispatcher fans fetch requests out to a fixed pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/render-proxy/internal/proxy"
	"github.com/JakeFAU/render-proxy/internal/worker"
)

// ErrStopped is returned by Submit once the pool has shut down.
var ErrStopped = errors.New("dispatcher stopped")

// Config controls admission into the pool.
type Config struct {
	// EnqueueTimeout bounds how long Submit waits for queue space. Zero waits
	// until the caller's context ends.
	EnqueueTimeout time.Duration
}

// Dispatcher fans out queued tasks to a pool of workers. The pool size is
// fixed at construction.
type Dispatcher struct {
	queue   proxy.Queue
	workers []*worker.Worker
	clock   proxy.Clock
	cfg     Config

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a Dispatcher.
func New(queue proxy.Queue, workers []*worker.Worker, clock proxy.Clock, cfg Config) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		clock:   clock,
		cfg:     cfg,
		stopped: make(chan struct{}),
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
	d.stopOnce.Do(func() { close(d.stopped) })
}

// Submit enqueues request and blocks until a worker produces its result.
// Cancelling ctx stops the wait but not the fetch already handed to a worker.
func (d *Dispatcher) Submit(ctx context.Context, request proxy.FetchRequest) (proxy.FetchResult, error) {
	select {
	case <-d.stopped:
		return proxy.FetchResult{}, proxy.NewUnexpectedError("submit", ErrStopped)
	default:
	}

	reply := make(chan proxy.FetchResult, 1)
	task := proxy.Task{
		Request:  request,
		Enqueued: d.now(),
		Reply:    reply,
	}

	enqueueCtx := ctx
	if d.cfg.EnqueueTimeout > 0 {
		var cancel context.CancelFunc
		enqueueCtx, cancel = context.WithTimeout(ctx, d.cfg.EnqueueTimeout)
		defer cancel()
	}
	if err := d.queue.Enqueue(enqueueCtx, task); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return proxy.FetchResult{}, proxy.NewUnexpectedError("worker pool saturated", err)
		}
		return proxy.FetchResult{}, proxy.NewUnexpectedError("queue enqueue", err)
	}

	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return proxy.FetchResult{}, proxy.NewUnexpectedError("wait for worker", ctx.Err())
	case <-d.stopped:
		return proxy.FetchResult{}, proxy.NewUnexpectedError("wait for worker", ErrStopped)
	}
}

func (d *Dispatcher) now() time.Time {
	if d.clock == nil {
		return time.Now()
	}
	return d.clock.Now()
}

// Inline executes requests on the calling goroutine without a pool.
type Inline struct {
	worker *worker.Worker
}

// NewInline wraps w as a Dispatcher that runs every request inline.
func NewInline(w *worker.Worker) *Inline {
	return &Inline{worker: w}
}

// Submit runs the fetch synchronously. The caller's cancellation is detached
// so a dropped connection does not abort a fetch in progress.
func (i *Inline) Submit(ctx context.Context, request proxy.FetchRequest) (proxy.FetchResult, error) {
	if i.worker == nil {
		return proxy.FetchResult{}, proxy.NewUnexpectedError("submit", fmt.Errorf("no worker configured"))
	}
	return i.worker.Execute(context.WithoutCancel(ctx), request), nil
}
