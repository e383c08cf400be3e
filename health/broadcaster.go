package health

import (
	"context"
	"sync"
	"sync/atomic"
)

// node is one entry of the event log. ready is closed once next is linked or
// the log is closed; a closed ready with a nil next means end of log.
type node struct {
	event Event
	seq   uint64
	ready chan struct{}
	next  *node
}

// Broadcaster is an append-only log of Events with independent read cursors.
// Publish never blocks. Nodes no subscriber can reach anymore are reclaimed by
// the garbage collector.
type Broadcaster struct {
	mu     sync.Mutex
	tail   *node
	closed bool
	subs   map[*Subscription]struct{}

	head atomic.Uint64 // seq of tail, read without mu
}

// NewBroadcaster creates an empty log. The first node is the "no event yet"
// sentinel and is never delivered.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		tail: &node{ready: make(chan struct{})},
		subs: make(map[*Subscription]struct{}),
	}
}

func (b *Broadcaster) Publish(ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	n := &node{
		event: ev,
		seq:   b.tail.seq + 1,
		ready: make(chan struct{}),
	}
	b.tail.next = n
	close(b.tail.ready)
	b.tail = n
	b.head.Store(n.seq)

	return nil
}

// Subscribe returns a cursor positioned after the latest published event.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &Subscription{b: b, cur: b.tail}
	if !b.closed {
		b.subs[s] = struct{}{}
	}
	return s
}

// Head returns the sequence number of the latest published event.
func (b *Broadcaster) Head() uint64 {
	return b.head.Load()
}

// Published returns a channel that is closed by the next Publish. It returns
// nil once the log is closed, since nothing will be published anymore.
func (b *Broadcaster) Published() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	return b.tail.ready
}

// Len reports the number of open subscriptions.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends the log. Subscribers receive the remaining events and then
// ErrClosed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.tail.ready)
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is a read cursor into a Broadcaster. It must be used by a
// single goroutine.
type Subscription struct {
	b    *Broadcaster
	cur  *node
	once sync.Once
}

// Next blocks until the event after the cursor is published.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	select {
	case <-s.cur.ready:
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}

	next := s.cur.next
	if next == nil {
		return Event{}, ErrClosed
	}
	s.cur = next

	return next.event, nil
}

// Close detaches the subscription from its broadcaster. It is idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.remove(s)
	})
}
