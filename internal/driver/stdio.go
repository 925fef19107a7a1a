package driver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/protocol"
)

const (
	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second

	// maxStderrLine caps a single logged stderr line from the server.
	maxStderrLine = 4 * 1024
)

type pendingResult struct {
	body json.RawMessage
	err  error
}

// Stdio runs the server as a child process and talks to it over stdin/stdout.
type Stdio struct {
	cfg    config.ServerConfig
	logger *slog.Logger
	state  *stateTracker

	events   *events.Broadcaster[protocol.EventPacket]
	commands *events.Broadcaster[protocol.ResponsePacket]

	mu      sync.Mutex // guards the fields below
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	seq     int64
	pending map[int64]chan pendingResult
	exited  chan struct{}

	writeMu sync.Mutex
}

// NewStdio creates an unconnected stdio driver.
func NewStdio(cfg config.ServerConfig, logger *slog.Logger) *Stdio {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stdio{
		cfg:      cfg,
		logger:   logger.With("component", "driver", "transport", "stdio"),
		state:    newStateTracker(),
		events:   events.NewBroadcaster[protocol.EventPacket](0),
		commands: events.NewBroadcaster[protocol.ResponsePacket](0),
		pending:  make(map[int64]chan pendingResult),
	}
}

// Connect spawns the server. The driver reports Connected once the ready
// event arrives, or immediately when no ready event is configured.
func (d *Stdio) Connect(ctx context.Context) error {
	if !d.state.transition(Connecting, Disconnected, Error) {
		return nil
	}
	if d.cfg.Path == "" {
		d.state.set(Error)
		return fmt.Errorf("server path is empty")
	}

	cmd := exec.Command(d.cfg.Path, d.cfg.Args...)
	cmd.Dir = d.cfg.ProjectPath
	cmd.Env = os.Environ()
	for k, v := range d.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		d.state.set(Error)
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		d.state.set(Error)
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		d.state.set(Error)
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	d.logger.Info("spawning server", "path", d.cfg.Path, "args", d.cfg.Args, "dir", d.cfg.ProjectPath)
	if err := cmd.Start(); err != nil {
		d.state.set(Error)
		return fmt.Errorf("start server: %w", err)
	}

	exited := make(chan struct{})
	d.mu.Lock()
	stale := d.pending
	d.pending = make(map[int64]chan pendingResult)
	d.cmd = cmd
	d.stdin = stdin
	d.exited = exited
	d.mu.Unlock()
	failAll(stale, ErrClosed)

	go d.drainStderr(stderr)
	go d.readLoop(cmd, stdout, exited)

	if d.cfg.ReadyEvent == "" {
		d.state.transition(Connected, Connecting)
		return nil
	}

	return d.awaitReady(ctx)
}

func (d *Stdio) awaitReady(ctx context.Context) error {
	if d.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.ConnectTimeout)
		defer cancel()
	}

	states, unsubscribe := d.state.subscribe()
	defer unsubscribe()

	for {
		switch d.state.get() {
		case Connected:
			return nil
		case Error, Disconnected:
			return fmt.Errorf("server exited before becoming ready")
		}
		select {
		case <-ctx.Done():
			d.logger.Warn("server did not become ready in time", "ready_event", d.cfg.ReadyEvent)
			return fmt.Errorf("wait for %q event: %w", d.cfg.ReadyEvent, ctx.Err())
		case <-states:
		}
	}
}

// readLoop routes every packet the server writes until stdout closes.
func (d *Stdio) readLoop(cmd *exec.Cmd, stdout io.Reader, exited chan struct{}) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			d.logger.Debug("server output", "line", string(line))
			continue
		}

		packet, err := protocol.DecodePacket(line)
		if err != nil {
			d.logger.Warn("dropping undecodable packet", "error", err)
			continue
		}

		switch {
		case packet.Response != nil:
			d.routeResponse(*packet.Response)
		case packet.Event != nil:
			if packet.Event.Event == d.cfg.ReadyEvent {
				if d.state.transition(Connected, Connecting) {
					d.logger.Info("server ready", "event", packet.Event.Event)
				}
			}
			d.events.Publish(*packet.Event)
		}
	}
	if err := scanner.Err(); err != nil {
		d.logger.Error("read server output", "error", err)
	}

	waitErr := cmd.Wait()
	defer close(exited)

	crashed, pending := d.detach(cmd)
	failAll(pending, ErrClosed)
	if crashed && d.state.transition(Error, Connecting, Connected) {
		d.logger.Error("server exited unexpectedly", "error", waitErr)
	} else {
		d.logger.Info("server exited")
	}
}

// detach releases the driver from an exited process. crashed is true when
// cmd was still the live process, meaning no Disconnect asked it to stop.
// Once a newer process has been spawned its requests are left alone.
func (d *Stdio) detach(cmd *exec.Cmd) (crashed bool, pending map[int64]chan pendingResult) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.cmd {
	case cmd:
		crashed = true
		d.cmd, d.stdin = nil, nil
	case nil:
	default:
		return false, nil
	}
	pending = d.pending
	d.pending = make(map[int64]chan pendingResult)
	return crashed, pending
}

func (d *Stdio) routeResponse(resp protocol.ResponsePacket) {
	d.mu.Lock()
	ch, ok := d.pending[resp.RequestSeq]
	if ok {
		delete(d.pending, resp.RequestSeq)
	}
	d.mu.Unlock()

	if !ok {
		d.commands.Publish(resp)
		return
	}
	if !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = "request failed"
		}
		ch <- pendingResult{err: fmt.Errorf("%s: %s", resp.Command, msg)}
		return
	}
	ch <- pendingResult{body: resp.Body}
}

func (d *Stdio) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > maxStderrLine {
			line = line[:maxStderrLine]
		}
		d.logger.Warn("server stderr", "line", line)
	}
}

func failAll(pending map[int64]chan pendingResult, err error) {
	for _, ch := range pending {
		ch <- pendingResult{err: err}
	}
}

// Request writes one packet and waits for the matching response.
func (d *Stdio) Request(ctx context.Context, command string, payload any) (json.RawMessage, error) {
	if d.state.get() != Connected {
		return nil, ErrNotConnected
	}
	args, err := protocol.MarshalArguments(payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan pendingResult, 1)
	d.mu.Lock()
	stdin := d.stdin
	if stdin == nil {
		d.mu.Unlock()
		return nil, ErrNotConnected
	}
	d.seq++
	seq := d.seq
	d.pending[seq] = ch
	d.mu.Unlock()

	d.writeMu.Lock()
	err = protocol.EncodeRequest(stdin, &protocol.RequestPacket{Seq: seq, Command: command, Arguments: args})
	d.writeMu.Unlock()
	if err != nil {
		d.forget(seq)
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case res := <-ch:
		return res.body, res.err
	case <-ctx.Done():
		d.forget(seq)
		return nil, ctx.Err()
	}
}

func (d *Stdio) forget(seq int64) {
	d.mu.Lock()
	delete(d.pending, seq)
	d.mu.Unlock()
}

// Disconnect stops the server: close stdin, SIGTERM, then SIGKILL after the grace period.
func (d *Stdio) Disconnect() error {
	if !d.state.transition(Disconnected, Connecting, Connected, Error) {
		return nil
	}

	d.mu.Lock()
	cmd, stdin, exited := d.cmd, d.stdin, d.exited
	d.cmd, d.stdin = nil, nil
	d.mu.Unlock()
	if cmd == nil {
		return nil
	}

	_ = stdin.Close()
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			d.logger.Debug("SIGTERM failed", "error", err)
		}
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()
	select {
	case <-exited:
	case <-grace.C:
		d.logger.Warn("server did not exit after SIGTERM, sending SIGKILL")
		if err := cmd.Process.Kill(); err != nil {
			d.logger.Error("failed to send SIGKILL", "error", err)
		}
		<-exited
	}
	return nil
}

func (d *Stdio) CurrentState() State { return d.state.get() }

func (d *Stdio) SubscribeState() (<-chan State, func()) { return d.state.subscribe() }

func (d *Stdio) OutstandingRequests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Stdio) SubscribeEvents() (<-chan protocol.EventPacket, func()) {
	return d.events.Subscribe(256)
}

func (d *Stdio) SubscribeCommands() (<-chan protocol.ResponsePacket, func()) {
	return d.commands.Subscribe(256)
}
