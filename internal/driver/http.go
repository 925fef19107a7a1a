package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/protocol"
)

// maxErrorBody caps how much of a failed response body ends up in the error.
const maxErrorBody = 2048

// HTTP reaches the server's HTTP endpoint. It has no push channel.
type HTTP struct {
	base   string
	client *http.Client
	cfg    config.ServerConfig
	logger *slog.Logger
	state  *stateTracker

	outstanding atomic.Int64

	events   *events.Broadcaster[protocol.EventPacket]
	commands *events.Broadcaster[protocol.ResponsePacket]
}

// NewHTTP creates an unconnected HTTP driver. A nil client uses a default
// with the configured connect timeout.
func NewHTTP(cfg config.ServerConfig, client *http.Client, logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTP{
		base:     strings.TrimRight(cfg.URL, "/"),
		client:   client,
		cfg:      cfg,
		logger:   logger.With("component", "driver", "transport", "http"),
		state:    newStateTracker(),
		events:   events.NewBroadcaster[protocol.EventPacket](0),
		commands: events.NewBroadcaster[protocol.ResponsePacket](0),
	}
}

// Connect probes {url}/checkalivestatus.
func (d *HTTP) Connect(ctx context.Context) error {
	if !d.state.transition(Connecting, Disconnected, Error) {
		return nil
	}

	timeout := d.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.base+"/checkalivestatus", nil)
	if err != nil {
		d.state.set(Error)
		return fmt.Errorf("build probe: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.state.set(Error)
		return fmt.Errorf("probe %s: %w", d.base, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		d.state.set(Error)
		return fmt.Errorf("probe %s: unexpected status %d", d.base, resp.StatusCode)
	}

	d.state.transition(Connected, Connecting)
	d.logger.Info("server reachable", "url", d.base)
	return nil
}

// Disconnect only flips the state; HTTP holds no connection of its own.
func (d *HTTP) Disconnect() error {
	d.state.transition(Disconnected, Connecting, Connected, Error)
	return nil
}

// Request POSTs the JSON payload to {url}/{command}.
func (d *HTTP) Request(ctx context.Context, command string, payload any) (json.RawMessage, error) {
	if d.state.get() != Connected {
		return nil, ErrNotConnected
	}
	if command == "" {
		return nil, fmt.Errorf("command is empty")
	}
	args, err := protocol.MarshalArguments(payload)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = json.RawMessage("{}")
	}

	d.outstanding.Add(1)
	defer d.outstanding.Add(-1)

	url := d.base + "/" + strings.TrimLeft(command, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(args))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", command, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, protocol.MaxLineBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", command, err)
	}
	if resp.StatusCode/100 != 2 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, fmt.Errorf("%s: status %d: %s", command, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%s: response is not valid JSON", command)
	}
	return json.RawMessage(body), nil
}

func (d *HTTP) CurrentState() State { return d.state.get() }

func (d *HTTP) SubscribeState() (<-chan State, func()) { return d.state.subscribe() }

func (d *HTTP) OutstandingRequests() int { return int(d.outstanding.Load()) }

func (d *HTTP) SubscribeEvents() (<-chan protocol.EventPacket, func()) {
	return d.events.Subscribe(1)
}

func (d *HTTP) SubscribeCommands() (<-chan protocol.ResponsePacket, func()) {
	return d.commands.Subscribe(1)
}
