package events

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber channel size used when callers pass <= 0.
const DefaultBuffer = 64

// Broadcaster fans values out to any number of subscribers. Subscriptions are
// replay-free: a subscriber only sees values published after it subscribed.
// A small ring of recent values is kept for Snapshot.
//
// Subscribe gives a bounded channel that drops values when full. Use
// SubscribeLossless for consumers that must see every value.
type Broadcaster[T any] struct {
	mu    sync.Mutex
	ring  []T
	start int
	size  int

	subs      map[int]chan T
	queues    map[int]*mailbox[T]
	nextSubID int
	closed    bool

	dropped atomic.Int64
}

// NewBroadcaster creates a broadcaster that remembers the last history values.
func NewBroadcaster[T any](history int) *Broadcaster[T] {
	if history < 0 {
		history = 0
	}
	return &Broadcaster[T]{
		ring: make([]T, history),
		subs:   make(map[int]chan T),
		queues: make(map[int]*mailbox[T]),
	}
}

// Publish delivers v to every subscriber. A bounded subscriber whose buffer
// is full misses the value; lossless subscribers queue it. Producers are
// never blocked by slow consumers.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.pushLocked(v)
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			b.dropped.Add(1)
		}
	}
	for _, q := range b.queues {
		q.put(v)
	}
}

// Subscribe registers a new subscriber. The returned cancel func is safe to
// call more than once. Subscribing to a closed broadcaster yields a closed
// channel.
func (b *Broadcaster[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan T, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextSubID
	b.nextSubID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// SubscribeLossless registers a subscriber that receives every value
// published after it subscribed, queueing without bound behind a slow
// reader. Close delivers the queued values before closing the channel;
// cancel discards them.
func (b *Broadcaster[T]) SubscribeLossless(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}

	q := newMailbox[T](buffer)
	id := b.nextSubID
	b.nextSubID++
	b.queues[id] = q

	cancel := func() {
		b.mu.Lock()
		delete(b.queues, id)
		b.mu.Unlock()
		q.cancel()
	}
	return q.out, cancel
}

// Backlog reports how many values lossless subscribers have yet to receive.
func (b *Broadcaster[T]) Backlog() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, q := range b.queues {
		n += q.pending()
	}
	return n
}

// Snapshot returns the retained history, oldest-first.
func (b *Broadcaster[T]) Snapshot() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]T, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.ring[(b.start+i)%len(b.ring)])
	}
	return out
}

// Subscribers reports the current number of live subscriptions.
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs) + len(b.queues)
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (b *Broadcaster[T]) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	for id, q := range b.queues {
		delete(b.queues, id)
		q.finish()
	}
}

func (b *Broadcaster[T]) pushLocked(v T) {
	capacity := len(b.ring)
	if capacity == 0 {
		return
	}

	if b.size < capacity {
		b.ring[(b.start+b.size)%capacity] = v
		b.size++
		return
	}

	// Overwrite oldest.
	b.ring[b.start] = v
	b.start = (b.start + 1) % capacity
}
