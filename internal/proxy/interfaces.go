package proxy

import (
	"context"
	"time"
)

// Fetcher retrieves a URL and returns its markup.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResult, error)
}

// Dispatcher hands a request to a fetch worker and waits for its result.
type Dispatcher interface {
	Submit(ctx context.Context, request FetchRequest) (FetchResult, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces request IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Queue provides enqueue/dequeue semantics for pool tasks.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
}

// Task is a request waiting for a pool worker. Reply must be buffered so a
// worker never blocks on a caller that stopped waiting.
type Task struct {
	Request  FetchRequest
	Enqueued time.Time
	Reply    chan<- FetchResult
}
