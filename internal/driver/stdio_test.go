package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test. It is re-executed by the stdio tests
// as a fake analysis server speaking the line protocol.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("CONDUIT_DRIVER_HELPER") != "1" {
		return
	}

	out := bufio.NewWriter(os.Stdout)
	emit := func(v any) {
		b, _ := json.Marshal(v)
		_, _ = out.Write(append(b, '\n'))
		_ = out.Flush()
	}

	fmt.Fprintln(out, "booting fake server")
	emit(protocol.EventPacket{Type: "event", Event: "started"})

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req protocol.RequestPacket
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		switch req.Command {
		case "crash":
			os.Exit(3)
		case "hang":
			continue
		case "fail":
			emit(protocol.ResponsePacket{Type: "response", RequestSeq: req.Seq, Command: req.Command, Message: "boom"})
		case "push":
			emit(protocol.EventPacket{Type: "event", Event: "ProjectAdded", Body: json.RawMessage(`{"Name":"demo"}`)})
			emit(protocol.ResponsePacket{Type: "response", RequestSeq: 0, Command: "/codecheck", Success: true})
			emit(protocol.ResponsePacket{Type: "response", RequestSeq: req.Seq, Command: req.Command, Success: true})
		default:
			body := req.Arguments
			if body == nil {
				body = json.RawMessage(`null`)
			}
			emit(protocol.ResponsePacket{Type: "response", RequestSeq: req.Seq, Command: req.Command, Success: true, Body: body})
		}
	}
	os.Exit(0)
}

func helperConfig(t *testing.T) config.ServerConfig {
	t.Helper()
	return config.ServerConfig{
		Path:           os.Args[0],
		Args:           []string{"-test.run=^TestHelperProcess$"},
		Env:            map[string]string{"CONDUIT_DRIVER_HELPER": "1"},
		ReadyEvent:     "started",
		ConnectTimeout: 10 * time.Second,
	}
}

func connectHelper(t *testing.T) *Stdio {
	t.Helper()
	d := NewStdio(helperConfig(t), log.Discard())
	require.NoError(t, d.Connect(context.Background()))
	t.Cleanup(func() { _ = d.Disconnect() })
	require.Equal(t, Connected, d.CurrentState())
	return d
}

func TestStdioRequestEchoesArguments(t *testing.T) {
	d := connectHelper(t)

	body, err := d.Request(context.Background(), "typelookup", map[string]any{"Line": 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Line":3}`, string(body))
	assert.Equal(t, 0, d.OutstandingRequests())
}

func TestStdioConcurrentRequestsMatchBySeq(t *testing.T) {
	d := connectHelper(t)

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			body, err := d.Request(context.Background(), "echo", map[string]int{"N": i})
			if err != nil {
				errs <- err
				return
			}
			var got map[string]int
			if err := json.Unmarshal(body, &got); err != nil {
				errs <- err
				return
			}
			if got["N"] != i {
				errs <- fmt.Errorf("request %d got response for %d", i, got["N"])
				return
			}
			errs <- nil
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
}

func TestStdioUnsuccessfulResponse(t *testing.T) {
	d := connectHelper(t)

	_, err := d.Request(context.Background(), "fail", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestStdioPushedPackets(t *testing.T) {
	d := connectHelper(t)

	evs, cancelEvents := d.SubscribeEvents()
	defer cancelEvents()
	cmds, cancelCommands := d.SubscribeCommands()
	defer cancelCommands()

	_, err := d.Request(context.Background(), "push", nil)
	require.NoError(t, err)

	select {
	case ev := <-evs:
		assert.Equal(t, "ProjectAdded", ev.Event)
		assert.JSONEq(t, `{"Name":"demo"}`, string(ev.Body))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case cmd := <-cmds:
		assert.Equal(t, "/codecheck", cmd.Command)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for unsolicited command")
	}
}

func TestStdioRequestContextCancel(t *testing.T) {
	d := connectHelper(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := d.Request(ctx, "hang", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, d.OutstandingRequests())
}

func TestStdioCrashFailsPendingAndEntersError(t *testing.T) {
	d := connectHelper(t)

	states, cancel := d.SubscribeState()
	defer cancel()

	hung := make(chan error, 1)
	go func() {
		_, err := d.Request(context.Background(), "hang", nil)
		hung <- err
	}()
	require.Eventually(t, func() bool { return d.OutstandingRequests() == 1 }, 5*time.Second, 10*time.Millisecond)

	_, err := d.Request(context.Background(), "crash", nil)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, <-hung, ErrClosed)

	select {
	case s := <-states:
		assert.Equal(t, Error, s)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error state")
	}
	assert.Equal(t, Error, d.CurrentState())
}

func TestStdioDisconnect(t *testing.T) {
	d := connectHelper(t)

	require.NoError(t, d.Disconnect())
	assert.Equal(t, Disconnected, d.CurrentState())

	_, err := d.Request(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	// Second disconnect is a no-op.
	require.NoError(t, d.Disconnect())
}

func TestStdioReconnectDuringDisconnect(t *testing.T) {
	d := connectHelper(t)

	hung := make(chan error, 1)
	go func() {
		_, err := d.Request(context.Background(), "hang", nil)
		hung <- err
	}()
	require.Eventually(t, func() bool { return d.OutstandingRequests() == 1 }, 5*time.Second, 10*time.Millisecond)

	disconnected := make(chan error, 1)
	go func() { disconnected <- d.Disconnect() }()
	require.Eventually(t, func() bool { return d.CurrentState() == Disconnected }, 5*time.Second, time.Millisecond)

	// The old process may still be exiting while the new one starts.
	require.NoError(t, d.Connect(context.Background()))
	require.NoError(t, <-disconnected)
	require.ErrorIs(t, <-hung, ErrClosed)

	states, cancel := d.SubscribeState()
	defer cancel()
	select {
	case s := <-states:
		t.Fatalf("unexpected state change to %s", s)
	case <-time.After(200 * time.Millisecond):
	}

	assert.Equal(t, Connected, d.CurrentState())
	body, err := d.Request(context.Background(), "echo", map[string]int{"N": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"N":1}`, string(body))
}

func TestStdioConnectWhileConnectedIsNoop(t *testing.T) {
	d := connectHelper(t)
	require.NoError(t, d.Connect(context.Background()))
	assert.Equal(t, Connected, d.CurrentState())
}

func TestStdioConnectBadPath(t *testing.T) {
	d := NewStdio(config.ServerConfig{Path: "/nonexistent/omnisharp"}, log.Discard())
	require.Error(t, d.Connect(context.Background()))
	assert.Equal(t, Error, d.CurrentState())
}

func TestStdioRequestBeforeConnect(t *testing.T) {
	d := NewStdio(helperConfig(t), log.Discard())
	_, err := d.Request(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}
