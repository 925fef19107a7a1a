package client

import (
	"sync"

	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/scheduler"
)

// Event names the server is known to push.
const (
	EventProjectAdded              = "ProjectAdded"
	EventProjectChanged            = "ProjectChanged"
	EventProjectRemoved            = "ProjectRemoved"
	EventMsBuildProjectDiagnostics = "MsBuildProjectDiagnostics"
	EventPackageRestoreStarted     = "PackageRestoreStarted"
	EventPackageRestoreFinished    = "PackageRestoreFinished"
	EventUnresolvedDependencies    = "UnresolvedDependencies"
	EventLog                       = "log"
)

// watchers holds one lazily created broadcaster per watched name.
type watchers struct {
	mu       sync.Mutex
	events   map[string]*events.Broadcaster[protocol.EventPacket]
	commands map[string]*events.Broadcaster[*scheduler.Response]
	closed   bool
}

func newWatchers() *watchers {
	return &watchers{
		events:   make(map[string]*events.Broadcaster[protocol.EventPacket]),
		commands: make(map[string]*events.Broadcaster[*scheduler.Response]),
	}
}

func (w *watchers) event(name string) *events.Broadcaster[protocol.EventPacket] {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.events[name]
	if !ok {
		b = events.NewBroadcaster[protocol.EventPacket](0)
		if w.closed {
			b.Close()
		}
		w.events[name] = b
	}
	return b
}

func (w *watchers) command(name string) *events.Broadcaster[*scheduler.Response] {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.commands[name]
	if !ok {
		b = events.NewBroadcaster[*scheduler.Response](0)
		if w.closed {
			b.Close()
		}
		w.commands[name] = b
	}
	return b
}

// routeEvent delivers ev to its watcher, if anyone ever asked for the name.
func (w *watchers) routeEvent(ev protocol.EventPacket) {
	w.mu.Lock()
	b := w.events[ev.Event]
	w.mu.Unlock()
	if b != nil {
		b.Publish(ev)
	}
}

func (w *watchers) routeCommand(resp *scheduler.Response) {
	w.mu.Lock()
	b := w.commands[resp.Request.Command]
	w.mu.Unlock()
	if b != nil {
		b.Publish(resp)
	}
}

func (w *watchers) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	for _, b := range w.events {
		b.Close()
	}
	for _, b := range w.commands {
		b.Close()
	}
}
