// Package client is the caller-facing side of conduit: it submits commands
// through the scheduler, buffers submissions while the server is not
// connected, and republishes traffic on fan-out streams.
package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/driver"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/scheduler"
	"github.com/mattjoyce/conduit/internal/status"
)

// ErrDisposed resolves submissions made after, or abandoned by, Dispose.
var ErrDisposed = errors.New("client disposed")

// streamBuffer is the per-subscriber buffer of the public streams.
const streamBuffer = 256

// Options tunes a client. Zero values take the defaults.
type Options struct {
	Concurrency      int
	StatusSampleTime time.Duration
	// ResponseSampleTime is carried for configuration symmetry; responses
	// are never throttled.
	ResponseSampleTime time.Duration
	// PauseDebounce defaults to 120ms; a negative value disables debouncing.
	PauseDebounce   time.Duration
	OneBasedIndices bool
	Debug           bool
	Classifier      *scheduler.Classifier
}

// DefaultOptions returns the stock client options.
func DefaultOptions() Options {
	return Options{
		Concurrency:        4,
		StatusSampleTime:   500 * time.Millisecond,
		ResponseSampleTime: 100 * time.Millisecond,
		PauseDebounce:      120 * time.Millisecond,
	}
}

// OptionsFromConfig maps the client section of the config file.
func OptionsFromConfig(cfg config.ClientConfig) Options {
	return Options{
		Concurrency:        cfg.Concurrency,
		StatusSampleTime:   cfg.StatusSampleTime,
		ResponseSampleTime: cfg.ResponseSampleTime,
		PauseDebounce:      cfg.PauseDebounce,
		OneBasedIndices:    cfg.OneBasedIndices,
		Debug:              cfg.Debug,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Concurrency <= 0 {
		o.Concurrency = def.Concurrency
	}
	if o.StatusSampleTime <= 0 {
		o.StatusSampleTime = def.StatusSampleTime
	}
	if o.ResponseSampleTime <= 0 {
		o.ResponseSampleTime = def.ResponseSampleTime
	}
	switch {
	case o.PauseDebounce == 0:
		o.PauseDebounce = def.PauseDebounce
	case o.PauseDebounce < 0:
		o.PauseDebounce = 0
	}
	if o.Classifier == nil {
		o.Classifier = scheduler.Default
	}
	return o
}

// Stats is a point-in-time view of a client for diagnostics.
type Stats struct {
	ClientID  string          `json:"client_id"`
	State     driver.State    `json:"state"`
	Status    status.Snapshot `json:"status"`
	Scheduler scheduler.Stats `json:"scheduler"`
	Deferred  []string        `json:"deferred_commands"`
	Views     int             `json:"views"`
	StartedAt time.Time       `json:"started_at"`
}

// core is the state shared by every view of one client.
type core struct {
	id        string
	drv       driver.Driver
	opts      Options
	logger    *slog.Logger
	sched     *scheduler.Scheduler
	sampler   *status.Sampler
	startedAt time.Time

	requests  *events.Broadcaster[*scheduler.Request]
	responses *events.Broadcaster[*scheduler.Response]
	errors    *events.Broadcaster[*scheduler.Failure]
	events    *events.Broadcaster[protocol.EventPacket]

	mu       sync.Mutex
	futures  map[string]*Future
	waiting  map[string]struct{} // submitted while disconnected, not yet admitted
	views    map[*Client]struct{}
	disposed bool
	done     chan struct{}
	cancels  []func()
	wg       sync.WaitGroup
}

// Client is one view of a client core. Views share the driver, scheduler
// and streams but keep their own watchers.
type Client struct {
	core     *core
	watchers *watchers
}

// New builds a client on drv and starts its scheduler. The driver is not
// connected until Connect is called.
func New(drv driver.Driver, opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	id := uuid.NewString()

	c := &core{
		id:        id,
		drv:       drv,
		opts:      opts,
		logger:    logger.With("component", "client", "client_id", id),
		startedAt: time.Now().UTC(),
		requests:  events.NewBroadcaster[*scheduler.Request](0),
		responses: events.NewBroadcaster[*scheduler.Response](0),
		errors:    events.NewBroadcaster[*scheduler.Failure](0),
		events:    events.NewBroadcaster[protocol.EventPacket](0),
		futures:   make(map[string]*Future),
		waiting:   make(map[string]struct{}),
		views:     make(map[*Client]struct{}),
		done:      make(chan struct{}),
	}
	c.sampler = status.NewSampler(c.snapshot, opts.StatusSampleTime, logger)
	c.sched = scheduler.New(scheduler.Config{
		Concurrency:   opts.Concurrency,
		PauseDebounce: opts.PauseDebounce,
		Classifier:    opts.Classifier,
		OnAdmit:       c.requests.Publish,
	}, c, logger)

	c.sched.Start(context.Background())
	c.sampler.Start()
	c.startPumps()

	view := &Client{core: c, watchers: newWatchers()}
	c.views[view] = struct{}{}
	return view
}

// Attach returns a new view on the same core as c, with its own watchers.
// Disposing any view disposes the shared core.
func Attach(c *Client) *Client {
	view := &Client{core: c.core, watchers: newWatchers()}

	c.core.mu.Lock()
	defer c.core.mu.Unlock()
	if c.core.disposed {
		view.watchers.close()
		return view
	}
	c.core.views[view] = struct{}{}
	return view
}

// ID is the identifier shared by every view of the client.
func (c *Client) ID() string { return c.core.id }

// Submit queues a command. While the driver is neither Connected nor in
// Error the submission waits for the next Connected state before it is
// admitted. Only the first opts value is used.
func (c *Client) Submit(command string, payload any, opts ...scheduler.RequestOptions) *Future {
	var o scheduler.RequestOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.OneBasedIndices == nil {
		oneBased := c.core.opts.OneBasedIndices
		o.OneBasedIndices = &oneBased
	}
	return c.core.submit(scheduler.NewRequest(c.core.id, command, payload, o))
}

// Request submits a command and waits for its outcome.
func (c *Client) Request(ctx context.Context, command string, payload any, opts ...scheduler.RequestOptions) (*scheduler.Response, error) {
	return c.Submit(command, payload, opts...).Wait(ctx)
}

// Connect asks the driver to connect. It is a no-op while Connected or
// Connecting.
func (c *Client) Connect(ctx context.Context) error {
	if c.core.isDisposed() {
		return ErrDisposed
	}
	switch c.core.drv.CurrentState() {
	case driver.Connected, driver.Connecting:
		return nil
	}
	return c.core.drv.Connect(ctx)
}

// Disconnect asks the driver to disconnect. Queued work stays queued.
func (c *Client) Disconnect() error {
	return c.core.drv.Disconnect()
}

// Dispose disconnects and tears down the shared core. Buffered and
// not-yet-admitted submissions resolve with ErrDisposed; in-flight requests
// finish normally. Safe to call more than once, from any view.
func (c *Client) Dispose() {
	c.core.dispose()
}

// Requests streams every admitted request. Like Responses and Errors it
// never drops: a slow reader queues behind its own backlog.
func (c *Client) Requests() (<-chan *scheduler.Request, func()) {
	return c.core.requests.SubscribeLossless(streamBuffer)
}

// Responses streams every response, including unsolicited server commands.
func (c *Client) Responses() (<-chan *scheduler.Response, func()) {
	return c.core.responses.SubscribeLossless(streamBuffer)
}

// Errors streams every failed request.
func (c *Client) Errors() (<-chan *scheduler.Failure, func()) {
	return c.core.errors.SubscribeLossless(streamBuffer)
}

// Events streams server events and locally logged messages.
func (c *Client) Events() (<-chan protocol.EventPacket, func()) {
	return c.core.events.Subscribe(streamBuffer)
}

// Status streams sampled, de-duplicated status snapshots.
func (c *Client) Status() (<-chan status.Snapshot, func()) {
	return c.core.sampler.Subscribe(streamBuffer)
}

// CurrentStatus returns the last published status snapshot.
func (c *Client) CurrentStatus() status.Snapshot { return c.core.sampler.Current() }

// CurrentState returns the driver's connection state.
func (c *Client) CurrentState() driver.State { return c.core.drv.CurrentState() }

// WatchEvent streams server events with the given name.
func (c *Client) WatchEvent(name string) (<-chan protocol.EventPacket, func()) {
	return c.watchers.event(name).Subscribe(streamBuffer)
}

// WatchCommand streams non-silent responses for the given command.
func (c *Client) WatchCommand(name string) (<-chan *scheduler.Response, func()) {
	return c.watchers.command(name).Subscribe(streamBuffer)
}

// Log publishes a synthetic "log" event on the events stream.
func (c *Client) Log(message, level string) {
	c.core.publishEvent(protocol.LogEvent(message, level))
}

// Stats reports the client's scheduler and connection state.
func (c *Client) Stats() Stats {
	c.core.mu.Lock()
	views := len(c.core.views)
	c.core.mu.Unlock()

	return Stats{
		ClientID:  c.core.id,
		State:     c.core.drv.CurrentState(),
		Status:    c.core.sampler.Current(),
		Scheduler: c.core.sched.Stats(),
		Deferred:  c.core.sched.Classifier().Deferred(),
		Views:     views,
		StartedAt: c.core.startedAt,
	}
}

func (c *core) snapshot() status.Snapshot {
	return status.Compute(c.drv.CurrentState(), c.drv.OutstandingRequests())
}

func (c *core) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

func (c *core) submit(req *scheduler.Request) *Future {
	f := newFuture(req)

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		f.resolve(nil, ErrDisposed)
		return f
	}
	c.futures[req.ID] = f

	state := c.drv.CurrentState()
	if state == driver.Connected || state == driver.Error {
		c.mu.Unlock()
		c.admit(req)
		return f
	}

	c.waiting[req.ID] = struct{}{}
	states, cancel := c.drv.SubscribeState()
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Debug("holding request until connected", "request_id", req.ID, "command", req.Command, "state", state.String())
	go c.awaitConnected(req, states, cancel)
	return f
}

// awaitConnected admits req on the first Connected state.
func (c *core) awaitConnected(req *scheduler.Request, states <-chan driver.State, cancel func()) {
	defer c.wg.Done()
	defer cancel()

	if c.drv.CurrentState() != driver.Connected {
	wait:
		for {
			select {
			case s, ok := <-states:
				if !ok {
					return
				}
				if s == driver.Connected {
					break wait
				}
			case <-c.done:
				return
			}
		}
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	delete(c.waiting, req.ID)
	c.mu.Unlock()

	c.admit(req)
}

func (c *core) admit(req *scheduler.Request) {
	if _, err := c.sched.Enqueue(req); err != nil {
		if errors.Is(err, scheduler.ErrStopped) {
			c.resolve(req, nil, ErrDisposed)
			return
		}
		failure := &scheduler.Failure{Command: req.Command, Err: err, Request: req}
		c.errors.Publish(failure)
		c.resolve(req, nil, failure)
		return
	}
	c.sampler.Touch()
}

func (c *core) resolve(req *scheduler.Request, resp *scheduler.Response, err error) {
	c.mu.Lock()
	f, ok := c.futures[req.ID]
	delete(c.futures, req.ID)
	c.mu.Unlock()

	if ok {
		f.resolve(resp, err)
	}
}

func (c *core) publishEvent(ev protocol.EventPacket) {
	c.events.Publish(ev)
}

func (c *core) eachView(fn func(v *Client)) {
	c.mu.Lock()
	views := make([]*Client, 0, len(c.views))
	for v := range c.views {
		views = append(views, v)
	}
	c.mu.Unlock()

	for _, v := range views {
		fn(v)
	}
}

func (c *core) routeEvent(ev protocol.EventPacket) {
	c.eachView(func(v *Client) { v.watchers.routeEvent(ev) })
}

func (c *core) routeCommand(resp *scheduler.Response) {
	c.eachView(func(v *Client) { v.watchers.routeCommand(resp) })
}

// startPumps forwards driver streams into the client.
func (c *core) startPumps() {
	evs, cancelEvents := c.drv.SubscribeEvents()
	cmds, cancelCommands := c.drv.SubscribeCommands()
	states, cancelStates := c.drv.SubscribeState()
	c.cancels = []func(){cancelEvents, cancelCommands, cancelStates}

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		for ev := range evs {
			c.publishEvent(ev)
			c.routeEvent(ev)
		}
	}()
	go func() {
		defer c.wg.Done()
		for pkt := range cmds {
			c.unsolicited(pkt)
		}
	}()
	go func() {
		defer c.wg.Done()
		for s := range states {
			c.logger.Info("driver state changed", "state", s.String())
			c.sampler.Touch()
		}
	}()
}

// unsolicited republishes a command packet the server pushed on its own.
// Server-initiated traffic is reported on the deferred class.
func (c *core) unsolicited(pkt protocol.ResponsePacket) {
	req := &scheduler.Request{
		ID:          uuid.NewString(),
		ClientID:    c.id,
		Command:     pkt.Command,
		Unsolicited: true,
		Class:       scheduler.Deferred,
		CreatedAt:   time.Now().UTC(),
	}
	resp := &scheduler.Response{Request: req, Body: pkt.Body}
	c.responses.Publish(resp)
	c.routeCommand(resp)
	c.sampler.Touch()
}

func (c *core) dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	close(c.done)
	c.mu.Unlock()

	c.logger.Info("disposing client")
	if err := c.drv.Disconnect(); err != nil {
		c.logger.Warn("disconnect failed", "error", err)
	}

	abandoned := c.sched.Stop()
	for _, cancel := range c.cancels {
		cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	var dropped []*Future
	for _, req := range abandoned {
		if f, ok := c.futures[req.ID]; ok {
			dropped = append(dropped, f)
			delete(c.futures, req.ID)
		}
	}
	for id := range c.waiting {
		if f, ok := c.futures[id]; ok {
			dropped = append(dropped, f)
			delete(c.futures, id)
		}
	}
	c.waiting = make(map[string]struct{})
	views := c.views
	c.mu.Unlock()

	for _, f := range dropped {
		f.resolve(nil, ErrDisposed)
	}
	if len(dropped) > 0 {
		c.logger.Info("abandoned pending requests", "count", len(dropped))
	}

	c.sampler.Stop()
	c.requests.Close()
	c.responses.Close()
	c.errors.Close()
	c.events.Close()
	for v := range views {
		v.watchers.close()
	}
}
