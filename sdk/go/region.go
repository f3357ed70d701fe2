package forestlinesdk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnavailable reports that region data could not be fetched in time.
// It never reflects on the state of any execution record.
var ErrUnavailable = errors.New("region data temporarily unavailable")

const (
	DefaultDebounce      = 500 * time.Millisecond
	DefaultLookupTimeout = 5 * time.Second
)

// RegionWatcher turns a stream of map pans into region lookups. A lookup runs
// once the view has been still for Debounce; results for views that were
// superseded while in flight are dropped.
type RegionWatcher struct {
	client   *Client
	debounce time.Duration
	timeout  time.Duration
	deliver  func(RegionResult, error)

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	cancel  context.CancelFunc
	stopped bool
}

type WatchOption func(*RegionWatcher)

func WithDebounce(d time.Duration) WatchOption {
	return func(w *RegionWatcher) { w.debounce = d }
}

func WithLookupTimeout(d time.Duration) WatchOption {
	return func(w *RegionWatcher) { w.timeout = d }
}

// WatchRegion returns a watcher calling deliver with each settled lookup.
// deliver runs on its own goroutine; errors wrap ErrUnavailable.
func (c *Client) WatchRegion(deliver func(RegionResult, error), opts ...WatchOption) *RegionWatcher {
	w := &RegionWatcher{
		client:   c,
		debounce: DefaultDebounce,
		timeout:  DefaultLookupTimeout,
		deliver:  deliver,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Pan records a new view, restarting the quiescence window.
func (w *RegionWatcher) Pan(b Bounds) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.gen++
	gen := w.gen
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.fire(gen, b) })
}

func (w *RegionWatcher) fire(gen uint64, b Bounds) {
	w.mu.Lock()
	if w.stopped || gen != w.gen {
		w.mu.Unlock()
		return
	}
	if w.cancel != nil {
		w.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	w.cancel = cancel
	w.mu.Unlock()

	res, err := w.client.Region(ctx, b)
	cancel()
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	w.mu.Lock()
	current := !w.stopped && gen == w.gen
	w.mu.Unlock()
	if current && w.deliver != nil {
		w.deliver(res, err)
	}
}

// Stop cancels the pending window and any lookup in flight.
func (w *RegionWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	if w.cancel != nil {
		w.cancel()
	}
}
