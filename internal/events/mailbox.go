package events

import "sync"

// mailbox is an unbounded per-subscriber queue drained into out by its own
// goroutine, so publishers never block and nothing is dropped.
type mailbox[T any] struct {
	mu       sync.Mutex
	items    []T
	finished bool

	out    chan T
	wake   chan struct{}
	stop   chan struct{}
	stopMu sync.Once
}

func newMailbox[T any](buffer int) *mailbox[T] {
	m := &mailbox[T]{
		out:  make(chan T, buffer),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mailbox[T]) put(v T) {
	m.mu.Lock()
	if m.finished {
		m.mu.Unlock()
		return
	}
	m.items = append(m.items, v)
	m.mu.Unlock()
	m.signal()
}

// finish closes out once everything queued so far has been delivered.
func (m *mailbox[T]) finish() {
	m.mu.Lock()
	m.finished = true
	m.mu.Unlock()
	m.signal()
}

// cancel closes out without delivering what is still queued.
func (m *mailbox[T]) cancel() {
	m.stopMu.Do(func() { close(m.stop) })
}

func (m *mailbox[T]) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *mailbox[T]) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) run() {
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.items) == 0 {
			done := m.finished
			m.mu.Unlock()
			if done {
				return
			}
			select {
			case <-m.wake:
				continue
			case <-m.stop:
				return
			}
		}
		v := m.items[0]
		var zero T
		m.items[0] = zero
		m.items = m.items[1:]
		m.mu.Unlock()

		select {
		case m.out <- v:
		case <-m.stop:
			return
		}
	}
}
