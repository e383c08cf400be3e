package health

import (
	"context"
	"sort"
	"sync"

	"github.com/kanengo/healthd/log"
	"go.uber.org/zap"
)

// Registry maps service names to their serving status. Every write that
// changes a value is published to the registry's Broadcaster while the write
// lock is still held, so publication order is write order.
type Registry struct {
	mu       sync.RWMutex
	statuses map[string]Status
	closed   bool

	events *Broadcaster
	opts   options
}

func NewRegistry(opts ...Option) *Registry {
	o := newOptions(opts...)
	return &Registry{
		statuses: map[string]Status{"": Serving},
		events:   NewBroadcaster(),
		opts:     o,
	}
}

// Get returns the status of service. The empty name is always found.
func (r *Registry) Get(service string) (Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return Unknown, ErrClosed
	}
	status, ok := r.statuses[service]
	if !ok {
		return Unknown, notFound(service)
	}
	return status, nil
}

// Set records status for service. Setting the value a service already has
// publishes nothing; the first Set of a name always publishes.
func (r *Registry) Set(service string, status Status) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	changed := r.update(service, status)
	r.mu.Unlock()

	if changed {
		r.recordChange(Event{Service: service, Status: status})
	}
	return nil
}

// Shutdown moves every service to NotServing.
func (r *Registry) Shutdown() error {
	return r.setAll(NotServing)
}

// Resume moves every service to Serving.
func (r *Registry) Resume() error {
	return r.setAll(Serving)
}

func (r *Registry) setAll(status Status) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}

	// sorted so the events of one call come out in a stable order
	names := make([]string, 0, len(r.statuses))
	for name := range r.statuses {
		names = append(names, name)
	}
	sort.Strings(names)

	var changes []Event
	for _, name := range names {
		if r.update(name, status) {
			changes = append(changes, Event{Service: name, Status: status})
		}
	}
	r.mu.Unlock()

	for _, ev := range changes {
		r.recordChange(ev)
	}
	return nil
}

// update must be called with r.mu held for writing. It reports whether the
// value changed, in which case the event has been published.
func (r *Registry) update(service string, status Status) bool {
	if old, ok := r.statuses[service]; ok && old == status {
		return false
	}
	r.statuses[service] = status

	// cannot fail: the broadcaster is only closed together with r.closed
	_ = r.events.Publish(Event{Service: service, Status: status})
	return true
}

// recordChange must be called without r.mu held.
func (r *Registry) recordChange(ev Event) {
	r.opts.metrics.statusChanged(ev.Service, ev.Status)
	log.Info("[health] serving status changed", zap.String("service", ev.Service), zap.Stringer("status", ev.Status))
}

// Services returns a copy of the current statuses.
func (r *Registry) Services() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Status, len(r.statuses))
	for name, status := range r.statuses {
		out[name] = status
	}
	return out
}

// Watch subscribes to status changes of service. The subscription and the
// initial snapshot are taken under the read lock, so no transition can be
// both part of the snapshot and delivered afterwards.
func (r *Registry) Watch(ctx context.Context, service string) (*Watcher, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrClosed
	}
	current, ok := r.statuses[service]
	if !ok && r.opts.requireRegistered {
		r.mu.RUnlock()
		return nil, notFound(service)
	}
	sub := r.events.Subscribe()
	r.mu.RUnlock()

	if !ok {
		current = ServiceUnknown
	}

	w := newWatcher(ctx, service, sub, r.opts.queueSize, r.opts.maxLag, r.opts.metrics)
	if r.opts.initialStatus {
		// the queue is empty and has room for at least one element
		w.queue <- current
	}
	go w.run()

	return w, nil
}

// Watchers reports the number of open watch subscriptions.
func (r *Registry) Watchers() int {
	return r.events.Len()
}

// Close ends every watch and makes further reads and writes fail with
// ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	r.events.Close()
}
