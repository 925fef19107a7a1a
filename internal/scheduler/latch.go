package scheduler

import (
	"sync"
	"time"
)

// Latch pauses the gated lanes while priority work is outstanding.
//
// The raw value is derived from the priority counters: open when nothing is
// outstanding, closed otherwise, and both counters reset once every priority
// request has been answered. The observed value follows raw after a
// debounce window that restarts on every counter change.
type Latch struct {
	mu        sync.Mutex
	requests  int
	responses int
	raw       bool
	open      bool
	ready     chan struct{}

	debounce time.Duration
	timer    *time.Timer
	gen      uint64
	stopped  bool

	onChange func(open bool)
}

// NewLatch returns an open latch. A debounce <= 0 applies changes at once.
func NewLatch(debounce time.Duration) *Latch {
	ready := make(chan struct{})
	close(ready)
	return &Latch{raw: true, open: true, ready: ready, debounce: debounce}
}

// OnChange registers fn to run whenever the observed value flips.
func (l *Latch) OnChange(fn func(open bool)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// PriorityRequested counts a priority request entering its lane.
func (l *Latch) PriorityRequested() {
	l.update(func() { l.requests++ })
}

// PriorityCompleted counts a finished priority dispatch.
func (l *Latch) PriorityCompleted() {
	l.update(func() { l.responses++ })
}

// Open reports the observed (debounced) value.
func (l *Latch) Open() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// Ready returns a channel that is closed while the latch is open.
func (l *Latch) Ready() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

// Counters returns the current priority request and response counts.
func (l *Latch) Counters() (requests, responses int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requests, l.responses
}

// Stop cancels any pending debounce. The observed value is frozen.
func (l *Latch) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	if l.timer != nil {
		l.timer.Stop()
	}
}

func (l *Latch) update(mutate func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	mutate()

	switch {
	case l.requests > 0 && l.responses == l.requests:
		l.requests, l.responses = 0, 0
		l.raw = true
	case l.requests > 0:
		l.raw = false
	default:
		l.raw = true
	}

	if l.debounce <= 0 {
		l.applyAndUnlock(l.raw)
		return
	}

	l.gen++
	gen := l.gen
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(l.debounce, func() { l.settle(gen) })
	l.mu.Unlock()
}

func (l *Latch) settle(gen uint64) {
	l.mu.Lock()
	if l.stopped || gen != l.gen {
		l.mu.Unlock()
		return
	}
	l.applyAndUnlock(l.raw)
}

// applyAndUnlock must be called with l.mu held.
func (l *Latch) applyAndUnlock(open bool) {
	if l.open == open {
		l.mu.Unlock()
		return
	}
	l.open = open
	if open {
		close(l.ready)
	} else {
		l.ready = make(chan struct{})
	}
	fn := l.onChange
	l.mu.Unlock()

	if fn != nil {
		fn(open)
	}
}
