package scheduler

import "sync"

// lane is an unbounded FIFO of admitted requests.
type lane struct {
	mu     sync.Mutex
	items  []*Request
	signal chan struct{}
}

func newLane() *lane {
	return &lane{signal: make(chan struct{}, 1)}
}

func (l *lane) push(req *Request) {
	l.mu.Lock()
	l.items = append(l.items, req)
	l.mu.Unlock()
	l.notify()
}

// pushFront returns a request that was popped but never dispatched.
func (l *lane) pushFront(req *Request) {
	l.mu.Lock()
	l.items = append([]*Request{req}, l.items...)
	l.mu.Unlock()
	l.notify()
}

// pop blocks until a request is available or stop is closed.
func (l *lane) pop(stop <-chan struct{}) (*Request, bool) {
	for {
		l.mu.Lock()
		if len(l.items) > 0 {
			req := l.items[0]
			l.items[0] = nil
			l.items = l.items[1:]
			more := len(l.items) > 0
			l.mu.Unlock()
			if more {
				l.notify()
			}
			return req, true
		}
		l.mu.Unlock()

		select {
		case <-l.signal:
		case <-stop:
			return nil, false
		}
	}
}

func (l *lane) drain() []*Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.items
	l.items = nil
	return out
}

func (l *lane) depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func (l *lane) notify() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}
