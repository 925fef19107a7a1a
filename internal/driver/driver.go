// Package driver connects conduit to the external analysis server.
//
// A Driver owns the connection lifecycle and its State; the client only reads
// it. Two transports are provided:
//   - stdio: spawns the server and speaks line-delimited JSON packets over
//     stdin/stdout, matching responses to requests by sequence number
//   - http: POSTs each command to {url}/{command}; no server push
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_driver.go -package=mocks github.com/mattjoyce/conduit/internal/driver Driver

var (
	// ErrNotConnected is returned by Request when the driver is not Connected.
	ErrNotConnected = errors.New("driver is not connected")
	// ErrClosed fails requests still pending when the connection goes away.
	ErrClosed = errors.New("connection closed")
)

// State is the connection state of a driver.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{Disconnected, Connecting, Connected, Error} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown driver state %q", text)
}

// Driver is the duplex channel to the analysis server.
type Driver interface {
	Connect(ctx context.Context) error
	Disconnect() error
	CurrentState() State
	SubscribeState() (<-chan State, func())
	Request(ctx context.Context, command string, payload any) (json.RawMessage, error)
	OutstandingRequests() int
	SubscribeEvents() (<-chan protocol.EventPacket, func())
	SubscribeCommands() (<-chan protocol.ResponsePacket, func())
}

// New builds the driver for the configured transport kind.
func New(kind string, cfg config.ServerConfig, logger *slog.Logger) (Driver, error) {
	switch kind {
	case config.TransportStdio, "":
		return NewStdio(cfg, logger), nil
	case config.TransportHTTP:
		return NewHTTP(cfg, nil, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// stateTracker is the State bookkeeping shared by both transports.
type stateTracker struct {
	mu    sync.Mutex
	state State
	hub   *events.Broadcaster[State]
}

func newStateTracker() *stateTracker {
	return &stateTracker{state: Disconnected, hub: events.NewBroadcaster[State](0)}
}

func (t *stateTracker) get() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// set publishes s if it differs from the current state.
func (t *stateTracker) set(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == s {
		return
	}
	t.state = s
	t.hub.Publish(s)
}

// transition moves from one of the allowed states to next and reports
// whether it happened.
func (t *stateTracker) transition(next State, from ...State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range from {
		if t.state == f {
			t.state = next
			t.hub.Publish(next)
			return true
		}
	}
	return false
}

func (t *stateTracker) subscribe() (<-chan State, func()) {
	return t.hub.Subscribe(16)
}
