package headless

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/page"
)

const (
	lifecycleInit        = "init"
	lifecycleNetworkIdle = "networkIdle"
)

// lifecycleWatcher tracks page lifecycle events per frame. A navigation is
// idle once its loader, or a loader that replaced it in the same frame, has
// reported networkIdle.
type lifecycleWatcher struct {
	mu      sync.Mutex
	seq     int
	started map[string]int
	current map[string]string
	idle    map[string]bool
	notify  chan struct{}
}

func newLifecycleWatcher() *lifecycleWatcher {
	return &lifecycleWatcher{
		started: make(map[string]int),
		current: make(map[string]string),
		idle:    make(map[string]bool),
		notify:  make(chan struct{}, 1),
	}
}

func (w *lifecycleWatcher) handle(ev any) {
	e, ok := ev.(*page.EventLifecycleEvent)
	if !ok {
		return
	}
	w.record(string(e.FrameID), string(e.LoaderID), e.Name)
}

func (w *lifecycleWatcher) record(frameID, loaderID, name string) {
	w.mu.Lock()
	switch name {
	case lifecycleInit:
		w.seq++
		w.started[loaderID] = w.seq
		w.current[frameID] = loaderID
	case lifecycleNetworkIdle:
		w.idle[loaderID] = true
	}
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *lifecycleWatcher) idleFor(frameID, loaderID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.idle[loaderID] {
		return true
	}
	navStarted, ok := w.started[loaderID]
	if !ok {
		return false
	}
	latest := w.current[frameID]
	return latest != loaderID && w.started[latest] > navStarted && w.idle[latest]
}

// wait blocks until the navigation is idle or ctx is done.
func (w *lifecycleWatcher) wait(ctx context.Context, frameID, loaderID string) error {
	for {
		if w.idleFor(frameID, loaderID) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.notify:
		}
	}
}
