// Package worker runs fetch tasks and converts every failure into a FetchResult.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/render-proxy/internal/metrics"
	"github.com/JakeFAU/render-proxy/internal/proxy"
	"github.com/JakeFAU/render-proxy/internal/queue/memory"
)

// Config controls Worker behavior.
type Config struct {
	Mode proxy.Mode
}

// Worker consumes queued tasks and executes the fetch for each one.
type Worker struct {
	queue   proxy.Queue
	fetcher proxy.Fetcher
	clock   proxy.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker. queue may be nil for workers that only Execute inline.
func New(
	queue proxy.Queue,
	fetcher proxy.Fetcher,
	clock proxy.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:   queue,
		fetcher: fetcher,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run blocks, consuming tasks until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.process(ctx, task)
	}
}

func (w *Worker) process(ctx context.Context, task proxy.Task) {
	if !task.Enqueued.IsZero() {
		metrics.ObserveQueueWait(w.now().Sub(task.Enqueued))
	}
	metrics.IncInFlight()
	defer metrics.DecInFlight()

	// In-flight fetches outlive pool shutdown and end at their own timeouts.
	result := w.Execute(context.WithoutCancel(ctx), task.Request)
	if task.Reply == nil {
		return
	}
	select {
	case task.Reply <- result:
	default:
		w.logger.Warn("reply channel full; dropping result", zap.String("url", task.Request.URL))
	}
}

// Execute runs one fetch to completion. It never returns a partial result:
// fetch errors and panics become failed results.
func (w *Worker) Execute(ctx context.Context, request proxy.FetchRequest) (result proxy.FetchResult) {
	logger := w.logger.With(
		zap.String("request_id", request.RequestID),
		zap.String("url", request.URL),
	)
	start := w.now()

	defer func() {
		if rec := recover(); rec != nil {
			err := proxy.NewUnexpectedError("fetch worker panic", fmt.Errorf("%v", rec))
			logger.Error("fetch panicked", zap.Error(err))
			result = proxy.ResultFromError(err)
		}
		w.observe(request, result, w.now().Sub(start))
	}()

	if w.fetcher == nil {
		return proxy.ResultFromError(proxy.NewUnexpectedError("no fetcher configured", nil))
	}

	res, err := w.fetcher.Fetch(ctx, request)
	if err != nil {
		logger.Warn("fetch failed",
			zap.String("kind", string(proxy.KindOf(err))),
			zap.Error(err),
		)
		return proxy.ResultFromError(err)
	}
	if !res.Valid() {
		logger.Error("fetcher returned inconsistent result", zap.Bool("success", res.Success))
		return proxy.ResultFromError(proxy.NewUnexpectedError("fetcher returned inconsistent result", nil))
	}
	logger.Info("fetch completed",
		zap.String("status", string(res.Status)),
		zap.String("final_url", res.FinalURL),
		zap.Int("bytes", len(res.HTML)),
		zap.Duration("duration", w.now().Sub(start)),
	)
	return res
}

func (w *Worker) observe(request proxy.FetchRequest, result proxy.FetchResult, elapsed time.Duration) {
	site := result.FinalURL
	if site == "" {
		site = request.URL
	}
	metrics.ObserveFetch(string(w.cfg.Mode), string(result.Status), site, len(result.HTML), elapsed)
}

func (w *Worker) now() time.Time {
	if w.clock == nil {
		return time.Now()
	}
	return w.clock.Now()
}
