package health

import (
	"context"

	"github.com/kanengo/healthd/errors"
)

// Watcher delivers the status changes of a single service. A producer
// goroutine filters the broadcast log into queue; Next consumes it.
//
// When the queue is full the producer waits on it. Only this watcher's cursor
// falls behind; publishers keep appending to the log. If more than maxLag
// events are published while the producer is waiting, the watch ends with
// ErrLagged and the cursor is released. Events for other services that the
// producer skips while it is not waiting are never charged.
type Watcher struct {
	service string
	queue   chan Status
	sub     *Subscription
	maxLag  uint64

	ctx    context.Context
	cancel context.CancelFunc

	// written by run before queue is closed
	err error

	metrics *Metrics
}

func newWatcher(ctx context.Context, service string, sub *Subscription, size int, maxLag uint64, m *Metrics) *Watcher {
	w := &Watcher{
		service: service,
		queue:   make(chan Status, size),
		sub:     sub,
		maxLag:  maxLag,
		metrics: m,
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	m.watcherStarted()
	return w
}

func (w *Watcher) Service() string {
	return w.service
}

func (w *Watcher) run() {
	defer func() {
		w.sub.Close()
		w.metrics.watcherStopped(errors.Is(w.err, ErrLagged))
		close(w.queue)
	}()

	for {
		ev, err := w.sub.Next(w.ctx)
		if err != nil {
			w.err = err
			return
		}
		if ev.Service != w.service {
			continue
		}
		if err := w.enqueue(ev.Status); err != nil {
			w.err = err
			return
		}
	}
}

func (w *Watcher) enqueue(status Status) error {
	select {
	case w.queue <- status:
		return nil
	default:
	}

	// the queue is full: wake on every publish to bound the backlog
	events := w.sub.b
	blockedAt := events.Head()
	for {
		published := events.Published()
		select {
		case w.queue <- status:
			return nil
		case <-w.ctx.Done():
			return w.ctx.Err()
		case <-published:
			if w.maxLag > 0 && events.Head()-blockedAt > w.maxLag {
				return ErrLagged
			}
		}
	}
}

// Next returns the next status for the watched service. Statuses already
// queued are returned before the error that ended the watch.
func (w *Watcher) Next(ctx context.Context) (Status, error) {
	select {
	case status, ok := <-w.queue:
		if !ok {
			return Unknown, w.err
		}
		return status, nil
	case <-ctx.Done():
		return Unknown, ctx.Err()
	}
}

// Stop releases the subscription. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.cancel()
}
