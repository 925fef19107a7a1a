package client

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/driver"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/scheduler"
)

// fakeDriver is an in-memory driver. Requests echo their payload unless a
// handler is set.
type fakeDriver struct {
	mu      sync.Mutex
	state   driver.State
	handler func(command string, payload any) (json.RawMessage, error)
	calls   []string

	outstanding atomic.Int64
	connects    atomic.Int32

	states   *events.Broadcaster[driver.State]
	events   *events.Broadcaster[protocol.EventPacket]
	commands *events.Broadcaster[protocol.ResponsePacket]
}

func newFakeDriver(state driver.State) *fakeDriver {
	return &fakeDriver{
		state:    state,
		states:   events.NewBroadcaster[driver.State](0),
		events:   events.NewBroadcaster[protocol.EventPacket](0),
		commands: events.NewBroadcaster[protocol.ResponsePacket](0),
	}
}

func (f *fakeDriver) setState(s driver.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	f.states.Publish(s)
}

func (f *fakeDriver) Connect(context.Context) error {
	f.connects.Add(1)
	f.setState(driver.Connected)
	return nil
}

func (f *fakeDriver) Disconnect() error {
	f.setState(driver.Disconnected)
	return nil
}

func (f *fakeDriver) CurrentState() driver.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeDriver) SubscribeState() (<-chan driver.State, func()) { return f.states.Subscribe(16) }

func (f *fakeDriver) Request(_ context.Context, command string, payload any) (json.RawMessage, error) {
	f.outstanding.Add(1)
	defer f.outstanding.Add(-1)

	f.mu.Lock()
	f.calls = append(f.calls, command)
	handler := f.handler
	f.mu.Unlock()

	if handler != nil {
		return handler(command, payload)
	}
	return protocol.MarshalArguments(payload)
}

func (f *fakeDriver) OutstandingRequests() int { return int(f.outstanding.Load()) }

func (f *fakeDriver) SubscribeEvents() (<-chan protocol.EventPacket, func()) {
	return f.events.Subscribe(16)
}

func (f *fakeDriver) SubscribeCommands() (<-chan protocol.ResponsePacket, func()) {
	return f.commands.Subscribe(16)
}

func (f *fakeDriver) callCount(command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == command {
			n++
		}
	}
	return n
}

func testOptions() Options {
	return Options{
		StatusSampleTime: 20 * time.Millisecond,
		PauseDebounce:    -1,
		Classifier:       scheduler.NewClassifier(scheduler.DefaultPriorityCommands, scheduler.DefaultNormalCommands),
	}
}

func newTestClient(t *testing.T, drv driver.Driver, opts Options) *Client {
	t.Helper()
	c := New(drv, opts, log.Discard())
	t.Cleanup(c.Dispose)
	return c
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
		var zero T
		return zero
	}
}

func assertQuiet[T any](t *testing.T, ch <-chan T, within time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %+v", v)
	case <-time.After(within):
	}
}

func wait(t *testing.T, f *Future) (*scheduler.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

func TestSubmitResolvesAndPublishes(t *testing.T) {
	drv := newFakeDriver(driver.Connected)
	c := newTestClient(t, drv, testOptions())

	reqs, cancelReqs := c.Requests()
	defer cancelReqs()
	resps, cancelResps := c.Responses()
	defer cancelResps()

	resp, err := wait(t, c.Submit("findusages", map[string]int{"Line": 4}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"Line":4}`, string(resp.Body))
	assert.Equal(t, c.ID(), resp.Request.ClientID)

	req := recv(t, reqs)
	assert.Equal(t, "findusages", req.Command)
	assert.Equal(t, scheduler.Normal, req.Class)
	assert.Same(t, resp, recv(t, resps))
}

func TestRequestHelper(t *testing.T) {
	c := newTestClient(t, newFakeDriver(driver.Connected), testOptions())

	resp, err := c.Request(context.Background(), "typelookup", json.RawMessage(`{"Column":2}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"Column":2}`, string(resp.Body))
}

func TestSubmitFailure(t *testing.T) {
	drv := newFakeDriver(driver.Connected)
	cause := errors.New("project not loaded")
	drv.handler = func(string, any) (json.RawMessage, error) { return nil, cause }
	c := newTestClient(t, drv, testOptions())

	errs, cancel := c.Errors()
	defer cancel()

	_, err := wait(t, c.Submit("gotodefinition", nil))
	require.ErrorIs(t, err, cause)

	var failure *scheduler.Failure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, "gotodefinition", failure.Command)
	assert.Same(t, failure, recv(t, errs))
}

func TestSubmitWhileDisconnectedWaitsForConnect(t *testing.T) {
	drv := newFakeDriver(driver.Disconnected)
	c := newTestClient(t, drv, testOptions())

	f := c.Submit("findsymbols", nil)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, drv.callCount("findsymbols"))
	_, err := f.Result()
	assert.ErrorIs(t, err, ErrPending)

	require.NoError(t, c.Connect(context.Background()))
	_, err = wait(t, f)
	require.NoError(t, err)

	// Later state churn does not replay the submission.
	drv.setState(driver.Connecting)
	drv.setState(driver.Connected)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, drv.callCount("findsymbols"))
}

func TestSubmitInErrorStateDispatchesImmediately(t *testing.T) {
	drv := newFakeDriver(driver.Error)
	drv.handler = func(string, any) (json.RawMessage, error) { return nil, driver.ErrNotConnected }
	c := newTestClient(t, drv, testOptions())

	_, err := wait(t, c.Submit("findsymbols", nil))
	assert.ErrorIs(t, err, driver.ErrNotConnected)
}

func TestConnectIsNoopWhileConnected(t *testing.T) {
	drv := newFakeDriver(driver.Connected)
	c := newTestClient(t, drv, testOptions())

	require.NoError(t, c.Connect(context.Background()))
	assert.Zero(t, drv.connects.Load())

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, int32(1), drv.connects.Load())
}

func TestDispose(t *testing.T) {
	drv := newFakeDriver(driver.Disconnected)
	c := New(drv, testOptions(), log.Discard())

	resps, _ := c.Responses()
	watch, _ := c.WatchEvent(EventProjectAdded)

	pending := c.Submit("findusages", nil)
	c.Dispose()
	c.Dispose()

	_, err := wait(t, pending)
	assert.ErrorIs(t, err, ErrDisposed)

	_, err = wait(t, c.Submit("findusages", nil))
	assert.ErrorIs(t, err, ErrDisposed)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrDisposed)

	_, ok := <-resps
	assert.False(t, ok)
	_, ok = <-watch
	assert.False(t, ok)
	assert.Equal(t, driver.Disconnected, drv.CurrentState())
}

func TestDisposeAbandonsQueuedRequests(t *testing.T) {
	drv := newFakeDriver(driver.Connected)
	release := make(chan struct{})
	drv.handler = func(command string, payload any) (json.RawMessage, error) {
		if command == "updatebuffer" {
			<-release
		}
		return nil, nil
	}
	c := New(drv, testOptions(), log.Discard())

	inFlight := c.Submit("updatebuffer", nil)
	require.Eventually(t, func() bool { return drv.callCount("updatebuffer") == 1 }, time.Second, 5*time.Millisecond)
	queued := c.Submit("findusages", nil)

	c.Dispose()
	_, err := wait(t, queued)
	assert.ErrorIs(t, err, ErrDisposed)

	// The in-flight request finishes on its own.
	close(release)
	_, err = wait(t, inFlight)
	assert.NoError(t, err)
	assert.Zero(t, drv.callCount("findusages"))
}

func TestWatchEvent(t *testing.T) {
	drv := newFakeDriver(driver.Connected)
	c := newTestClient(t, drv, testOptions())

	added, cancelAdded := c.WatchEvent(EventProjectAdded)
	defer cancelAdded()
	removed, cancelRemoved := c.WatchEvent(EventProjectRemoved)
	defer cancelRemoved()
	all, cancelAll := c.Events()
	defer cancelAll()

	drv.events.Publish(protocol.EventPacket{Type: "event", Event: EventProjectAdded, Body: json.RawMessage(`{"Name":"a"}`)})
	drv.events.Publish(protocol.EventPacket{Type: "event", Event: "Unwatched"})

	ev := recv(t, added)
	assert.JSONEq(t, `{"Name":"a"}`, string(ev.Body))
	assertQuiet(t, removed, 30*time.Millisecond)

	assert.Equal(t, EventProjectAdded, recv(t, all).Event)
	assert.Equal(t, "Unwatched", recv(t, all).Event)
}

func TestWatchCommandSkipsSilent(t *testing.T) {
	c := newTestClient(t, newFakeDriver(driver.Connected), testOptions())

	watch, cancel := c.WatchCommand("findusages")
	defer cancel()

	_, err := wait(t, c.Submit("findusages", nil, scheduler.RequestOptions{Silent: true}))
	require.NoError(t, err)
	assertQuiet(t, watch, 30*time.Millisecond)

	_, err = wait(t, c.Submit("findusages", nil))
	require.NoError(t, err)
	assert.False(t, recv(t, watch).Request.Silent)
}

func TestUnsolicitedCommand(t *testing.T) {
	drv := newFakeDriver(driver.Connected)
	c := newTestClient(t, drv, testOptions())

	resps, cancelResps := c.Responses()
	defer cancelResps()
	watch, cancelWatch := c.WatchCommand("/codecheck")
	defer cancelWatch()

	drv.commands.Publish(protocol.ResponsePacket{Type: "response", Command: "/codecheck", Success: true, Body: json.RawMessage(`[]`)})

	resp := recv(t, resps)
	assert.True(t, resp.Request.Unsolicited)
	assert.Equal(t, c.ID(), resp.Request.ClientID)
	assert.JSONEq(t, `[]`, string(resp.Body))
	assert.Same(t, resp, recv(t, watch))
}

func TestSharedClassifierAcrossClients(t *testing.T) {
	shared := scheduler.NewClassifier(scheduler.DefaultPriorityCommands, scheduler.DefaultNormalCommands)
	opts := testOptions()
	opts.Classifier = shared

	a := newTestClient(t, newFakeDriver(driver.Connected), opts)
	b := newTestClient(t, newFakeDriver(driver.Connected), opts)

	_, err := wait(t, a.Submit("foobar", nil))
	require.NoError(t, err)

	reqs, cancel := b.Requests()
	defer cancel()
	_, err = wait(t, b.Submit("foobar", nil))
	require.NoError(t, err)

	assert.Equal(t, scheduler.Deferred, recv(t, reqs).Class)
	assert.Equal(t, []string{"foobar"}, b.Stats().Deferred)
}

func TestAttach(t *testing.T) {
	drv := newFakeDriver(driver.Connected)
	c := New(drv, testOptions(), log.Discard())
	view := Attach(c)

	assert.Equal(t, c.ID(), view.ID())
	assert.Equal(t, 2, c.Stats().Views)

	// Watchers are per view.
	viewWatch, cancel := view.WatchEvent(EventPackageRestoreStarted)
	defer cancel()
	drv.events.Publish(protocol.EventPacket{Type: "event", Event: EventPackageRestoreStarted})
	assert.Equal(t, EventPackageRestoreStarted, recv(t, viewWatch).Event)

	// Streams are shared.
	resps, _ := c.Responses()
	_, err := wait(t, view.Submit("findusages", nil))
	require.NoError(t, err)
	assert.Equal(t, "findusages", recv(t, resps).Request.Command)

	view.Dispose()
	_, err = wait(t, c.Submit("findusages", nil))
	assert.ErrorIs(t, err, ErrDisposed)

	late := Attach(c)
	ch, _ := late.WatchCommand("findusages")
	_, ok := <-ch
	assert.False(t, ok)
}

func TestDebugEmitsRoundTripLog(t *testing.T) {
	opts := testOptions()
	opts.Debug = true
	c := newTestClient(t, newFakeDriver(driver.Connected), opts)

	evs, cancel := c.Events()
	defer cancel()

	_, err := wait(t, c.Submit("autocomplete", nil))
	require.NoError(t, err)

	ev := recv(t, evs)
	assert.Equal(t, EventLog, ev.Event)
	var body protocol.LogBody
	require.NoError(t, json.Unmarshal(ev.Body, &body))
	assert.Regexp(t, regexp.MustCompile(`^/autocomplete  \d+ms \(round trip\)$`), body.Message)
	assert.Equal(t, "INFORMATION", body.LogLevel)
}

func TestLog(t *testing.T) {
	c := newTestClient(t, newFakeDriver(driver.Connected), testOptions())

	evs, cancel := c.Events()
	defer cancel()
	c.Log("restoring packages", "warning")

	ev := recv(t, evs)
	assert.Equal(t, int64(-1), ev.Seq)
	var body protocol.LogBody
	require.NoError(t, json.Unmarshal(ev.Body, &body))
	assert.Equal(t, protocol.LogBody{Message: "restoring packages", LogLevel: "WARNING"}, body)
}

func TestStatusStream(t *testing.T) {
	drv := newFakeDriver(driver.Connected)
	c := newTestClient(t, drv, testOptions())

	st, cancel := c.Status()
	defer cancel()

	_, err := wait(t, c.Submit("findusages", nil))
	require.NoError(t, err)

	snap := recv(t, st)
	assert.Equal(t, driver.Connected, snap.State)
	require.Eventually(t, func() bool {
		return !c.CurrentStatus().HasOutstandingRequests
	}, time.Second, 10*time.Millisecond)
}

func TestOneBasedIndicesDefault(t *testing.T) {
	opts := testOptions()
	opts.OneBasedIndices = true
	c := newTestClient(t, newFakeDriver(driver.Connected), opts)

	f := c.Submit("findusages", nil)
	require.NotNil(t, f.Request().Options.OneBasedIndices)
	assert.True(t, *f.Request().Options.OneBasedIndices)

	zero := false
	f = c.Submit("findusages", nil, scheduler.RequestOptions{OneBasedIndices: &zero})
	assert.False(t, *f.Request().Options.OneBasedIndices)
}

func TestOptions(t *testing.T) {
	o := Options{PauseDebounce: -1}.withDefaults()
	assert.Equal(t, 4, o.Concurrency)
	assert.Equal(t, 500*time.Millisecond, o.StatusSampleTime)
	assert.Equal(t, 100*time.Millisecond, o.ResponseSampleTime)
	assert.Zero(t, o.PauseDebounce)
	assert.Same(t, scheduler.Default, o.Classifier)

	assert.Equal(t, 120*time.Millisecond, Options{}.withDefaults().PauseDebounce)

	o = OptionsFromConfig(config.ClientConfig{Concurrency: 8, Debug: true, OneBasedIndices: true})
	assert.Equal(t, 8, o.Concurrency)
	assert.True(t, o.Debug)
	assert.True(t, o.OneBasedIndices)
}
