// Package scheduler decides when each submitted command may reach the server.
//
// Requests are classified into three lanes:
//   - priority: one at a time, in submission order; while any priority
//     request is outstanding the latch pauses the other two lanes
//   - normal: bounded concurrency, gated by the latch
//   - deferred: concurrency 1, gated by the latch
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped is returned by Enqueue once Stop has been called.
var ErrStopped = errors.New("scheduler stopped")

// Dispatcher sends a request to the server and publishes its outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *Request) error
}

// Config tunes a Scheduler.
type Config struct {
	// Concurrency bounds in-flight normal requests. Defaults to 4.
	Concurrency int
	// PauseDebounce is the latch debounce window.
	PauseDebounce time.Duration
	// Classifier defaults to the shared Default classifier.
	Classifier *Classifier
	// OnAdmit, if set, sees each request after classification and before
	// it can be dispatched.
	OnAdmit func(req *Request)
}

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Priority          LaneStats `json:"priority"`
	Normal            LaneStats `json:"normal"`
	Deferred          LaneStats `json:"deferred"`
	Paused            bool      `json:"paused"`
	PriorityRequests  int       `json:"priority_requests"`
	PriorityResponses int       `json:"priority_responses"`
}

// Scheduler owns the three lanes and the latch between them.
type Scheduler struct {
	cfg        Config
	classifier *Classifier
	dispatcher Dispatcher
	latch      *Latch
	logger     *slog.Logger

	lanes    [3]*lane
	held     [3]atomic.Int64 // popped, waiting for the latch
	inFlight [3]atomic.Int64

	normalSlots   chan struct{}
	deferredSlots chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Scheduler. Call Start to begin dispatching.
func New(cfg Config, d Dispatcher, logger *slog.Logger) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Classifier == nil {
		cfg.Classifier = Default
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		cfg:           cfg,
		classifier:    cfg.Classifier,
		dispatcher:    d,
		latch:         NewLatch(cfg.PauseDebounce),
		logger:        logger.With("component", "scheduler"),
		lanes:         [3]*lane{newLane(), newLane(), newLane()},
		normalSlots:   make(chan struct{}, cfg.Concurrency),
		deferredSlots: make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
	s.latch.OnChange(func(open bool) {
		if open {
			s.logger.Debug("lanes resumed")
		} else {
			s.logger.Debug("lanes paused for priority work")
		}
	})
	return s
}

// Start launches one loop per lane. Dispatches run on a context detached
// from ctx's cancellation; cancelling ctx stops admission like Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("starting scheduler", "concurrency", s.cfg.Concurrency, "pause_debounce", s.cfg.PauseDebounce)
	dispatchCtx := context.WithoutCancel(ctx)

	s.wg.Add(3)
	go s.priorityLoop(dispatchCtx)
	go s.gatedLoop(dispatchCtx, Normal, s.normalSlots)
	go s.gatedLoop(dispatchCtx, Deferred, s.deferredSlots)

	go func() {
		select {
		case <-ctx.Done():
			s.logger.Warn("scheduler context cancelled")
			s.Stop()
		case <-s.stopCh:
		}
	}()
}

// Enqueue classifies req, stamps its Class and admits it to exactly one lane.
func (s *Scheduler) Enqueue(req *Request) (Class, error) {
	if req == nil || req.Command == "" {
		return 0, fmt.Errorf("request command is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0, ErrStopped
	}

	class := s.classifier.Classify(req.Command, req.Silent)
	req.Class = class
	if s.cfg.OnAdmit != nil {
		s.cfg.OnAdmit(req)
	}
	if class == Priority {
		s.latch.PriorityRequested()
	}
	s.lanes[class].push(req)

	s.logger.Debug("request admitted", "request_id", req.ID, "command", req.Command, "class", class.String())
	return class, nil
}

// Stop ends admission, waits for the lane loops to exit and returns the
// requests that were still buffered. In-flight dispatches run to completion.
func (s *Scheduler) Stop() []*Request {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.latch.Stop()

	var abandoned []*Request
	for _, l := range s.lanes {
		abandoned = append(abandoned, l.drain()...)
	}
	s.logger.Info("scheduler stopped", "abandoned", len(abandoned))
	return abandoned
}

// Paused reports whether the gated lanes are currently held back.
func (s *Scheduler) Paused() bool {
	return !s.latch.Open()
}

// Classifier returns the classifier the scheduler admits with.
func (s *Scheduler) Classifier() *Classifier {
	return s.classifier
}

// Stats reports lane depths, in-flight counts and latch state.
func (s *Scheduler) Stats() Stats {
	requests, responses := s.latch.Counters()
	laneStats := func(c Class) LaneStats {
		return LaneStats{Pending: s.lanes[c].depth() + int(s.held[c].Load()), InFlight: int(s.inFlight[c].Load())}
	}
	return Stats{
		Priority:          laneStats(Priority),
		Normal:            laneStats(Normal),
		Deferred:          laneStats(Deferred),
		Paused:            s.Paused(),
		PriorityRequests:  requests,
		PriorityResponses: responses,
	}
}

// priorityLoop pulls the next priority request only after the previous
// dispatch completed.
func (s *Scheduler) priorityLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		req, ok := s.lanes[Priority].pop(s.stopCh)
		if !ok {
			return
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			s.dispatch(ctx, req)
			s.latch.PriorityCompleted()
		}()

		select {
		case <-done:
		case <-s.stopCh:
			return
		}
	}
}

// gatedLoop takes a concurrency slot, then the next request, then waits for
// the latch before dispatching.
func (s *Scheduler) gatedLoop(ctx context.Context, class Class, slots chan struct{}) {
	defer s.wg.Done()
	l := s.lanes[class]

	for {
		select {
		case slots <- struct{}{}:
		case <-s.stopCh:
			return
		}

		req, ok := l.pop(s.stopCh)
		if !ok {
			<-slots
			return
		}

		s.held[class].Add(1)
		select {
		case <-s.latch.Ready():
			s.held[class].Add(-1)
		case <-s.stopCh:
			l.pushFront(req)
			s.held[class].Add(-1)
			<-slots
			return
		}

		go func() {
			defer func() { <-slots }()
			s.dispatch(ctx, req)
		}()
	}
}

func (s *Scheduler) dispatch(ctx context.Context, req *Request) {
	s.inFlight[req.Class].Add(1)
	defer s.inFlight[req.Class].Add(-1)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("dispatch panicked", "request_id", req.ID, "command", req.Command, "panic", r)
		}
	}()

	err := s.dispatcher.Dispatch(ctx, req)
	logger := s.logger.With(
		"request_id", req.ID,
		"command", req.Command,
		"class", req.Class.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if err != nil {
		logger.Debug("dispatch failed", "error", err)
		return
	}
	logger.Debug("dispatch completed")
}
