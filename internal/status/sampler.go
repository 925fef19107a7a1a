// Package status derives a sampled, de-duplicated connection status stream
// from client traffic.
package status

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/conduit/internal/driver"
	"github.com/mattjoyce/conduit/internal/events"
)

// DefaultInterval is the sampling window used when none is configured.
const DefaultInterval = 500 * time.Millisecond

// Snapshot is the client's connection status at one point in time.
type Snapshot struct {
	State                  driver.State `json:"state"`
	OutstandingRequests    int          `json:"outstanding_requests"`
	HasOutstandingRequests bool         `json:"has_outstanding_requests"`
}

// Compute builds a snapshot, clamping negative counts to zero.
func Compute(state driver.State, outstanding int) Snapshot {
	if outstanding < 0 {
		outstanding = 0
	}
	return Snapshot{
		State:                  state,
		OutstandingRequests:    outstanding,
		HasOutstandingRequests: outstanding > 0,
	}
}

// Source computes a raw snapshot on demand.
type Source func() Snapshot

// Sampler turns raw snapshots into at most one published snapshot per
// interval. Each window closes with the latest raw snapshot taken in it; a
// window without traffic closes with a freshly computed one, after which the
// sampler idles until the next Touch.
type Sampler struct {
	source   Source
	interval time.Duration
	logger   *slog.Logger
	hub      *events.Broadcaster[Snapshot]

	touch chan struct{}

	mu        sync.Mutex
	latest    Snapshot
	hasLatest bool
	last      Snapshot
	published bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSampler creates a sampler reading from source.
func NewSampler(source Source, interval time.Duration, logger *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		source:   source,
		interval: interval,
		logger:   logger.With("component", "status"),
		hub:      events.NewBroadcaster[Snapshot](1),
		touch:    make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the sampling loop until Stop.
func (s *Sampler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop ends sampling and closes every subscription.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.hub.Close()
	})
}

// Touch records a raw snapshot for the current window.
func (s *Sampler) Touch() {
	snap := s.source()

	s.mu.Lock()
	s.latest = snap
	s.hasLatest = true
	s.mu.Unlock()

	select {
	case s.touch <- struct{}{}:
	default:
	}
}

// Subscribe returns a replay-free stream of published snapshots.
func (s *Sampler) Subscribe(buffer int) (<-chan Snapshot, func()) {
	return s.hub.Subscribe(buffer)
}

// Current returns the last published snapshot, or a fresh one if nothing
// has been published yet.
func (s *Sampler) Current() Snapshot {
	s.mu.Lock()
	last, ok := s.last, s.published
	s.mu.Unlock()
	if ok {
		return last
	}
	return s.source()
}

func (s *Sampler) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.touch:
		case <-s.stopCh:
			return
		}

		for {
			stopped := s.wait()
			if stopped {
				return
			}
			snap, fromTraffic := s.takeLatest()
			if !fromTraffic {
				snap = s.source()
			}
			s.publish(snap)
			if !fromTraffic {
				break
			}
		}
	}
}

// wait blocks for one window. Touches inside the window only update latest.
func (s *Sampler) wait() (stopped bool) {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	for {
		select {
		case <-s.touch:
		case <-timer.C:
			return false
		case <-s.stopCh:
			return true
		}
	}
}

func (s *Sampler) takeLatest() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.latest, s.hasLatest
	s.hasLatest = false
	return snap, ok
}

func (s *Sampler) publish(snap Snapshot) {
	snap = Compute(snap.State, snap.OutstandingRequests)

	s.mu.Lock()
	if s.published && s.last == snap {
		s.mu.Unlock()
		return
	}
	s.last = snap
	s.published = true
	s.mu.Unlock()

	s.logger.Debug("status changed",
		"state", snap.State.String(),
		"outstanding", snap.OutstandingRequests,
	)
	s.hub.Publish(snap)
}
