package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/scheduler"
	"github.com/mattjoyce/conduit/internal/status"
)

// Activity feed event types.
const (
	FeedRequest  = "request"
	FeedResponse = "response"
	FeedError    = "error"
	FeedStatus   = "status"
	FeedServer   = "server_event"
)

// Streams is the client surface relayed into the activity feed.
type Streams interface {
	Requests() (<-chan *scheduler.Request, func())
	Responses() (<-chan *scheduler.Response, func())
	Errors() (<-chan *scheduler.Failure, func())
	Events() (<-chan protocol.EventPacket, func())
	Status() (<-chan status.Snapshot, func())
}

// RequestView is the feed payload for request, response and error entries.
type RequestView struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"client_id"`
	Command        string    `json:"command"`
	Class          string    `json:"class"`
	Silent         bool      `json:"silent,omitempty"`
	Unsolicited    bool      `json:"unsolicited,omitempty"`
	ResponseTimeMS int64     `json:"response_time_ms,omitempty"`
	Error          string    `json:"error,omitempty"`
	At             time.Time `json:"at"`
}

// ServerEventView is the feed payload for server-pushed events.
type ServerEventView struct {
	Event string          `json:"event"`
	Body  json.RawMessage `json:"body,omitempty"`
}

func viewOf(req *scheduler.Request) RequestView {
	if req == nil {
		return RequestView{At: time.Now().UTC()}
	}
	return RequestView{
		ID:          req.ID,
		ClientID:    req.ClientID,
		Command:     req.Command,
		Class:       req.Class.String(),
		Silent:      req.Silent,
		Unsolicited: req.Unsolicited,
		At:          time.Now().UTC(),
	}
}

// Relay copies client traffic into feed until ctx is done or every stream
// has closed.
func Relay(ctx context.Context, src Streams, feed *events.Feed) {
	reqs, cancelReqs := src.Requests()
	defer cancelReqs()
	resps, cancelResps := src.Responses()
	defer cancelResps()
	errs, cancelErrs := src.Errors()
	defer cancelErrs()
	evs, cancelEvs := src.Events()
	defer cancelEvs()
	snaps, cancelSnaps := src.Status()
	defer cancelSnaps()

	for reqs != nil || resps != nil || errs != nil || evs != nil || snaps != nil {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-reqs:
			if !ok {
				reqs = nil
				continue
			}
			feed.Publish(FeedRequest, viewOf(req))
		case resp, ok := <-resps:
			if !ok {
				resps = nil
				continue
			}
			v := viewOf(resp.Request)
			v.ResponseTimeMS = resp.ResponseTime.Milliseconds()
			feed.Publish(FeedResponse, v)
		case failure, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			v := viewOf(failure.Request)
			v.Command = failure.Command
			if failure.Err != nil {
				v.Error = failure.Err.Error()
			}
			feed.Publish(FeedError, v)
		case ev, ok := <-evs:
			if !ok {
				evs = nil
				continue
			}
			feed.Publish(FeedServer, ServerEventView{Event: ev.Event, Body: ev.Body})
		case snap, ok := <-snaps:
			if !ok {
				snaps = nil
				continue
			}
			feed.Publish(FeedStatus, snap)
		}
	}
}
