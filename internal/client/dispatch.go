package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/scheduler"
)

// ErrDriverPanic wraps a panic raised by the driver while sending a request.
var ErrDriverPanic = errors.New("driver panicked")

// Dispatch sends req through the driver and publishes exactly one of a
// Response or a Failure. It implements scheduler.Dispatcher.
func (c *core) Dispatch(ctx context.Context, req *scheduler.Request) error {
	start := time.Now()
	body, err := c.send(ctx, req)
	elapsed := time.Since(start)
	defer c.sampler.Touch()

	if err != nil {
		failure := &scheduler.Failure{Command: req.Command, Err: err, Request: req}
		c.logger.Warn("request failed",
			"request_id", req.ID,
			"command", req.Command,
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		c.errors.Publish(failure)
		c.resolve(req, nil, failure)
		return failure
	}

	resp := &scheduler.Response{Request: req, Body: body, ResponseTime: elapsed}
	c.responses.Publish(resp)
	if !req.Silent {
		c.routeCommand(resp)
	}
	if c.opts.Debug {
		c.publishEvent(protocol.LogEvent(fmt.Sprintf("/%s  %dms (round trip)", req.Command, elapsed.Milliseconds()), ""))
	}
	c.resolve(req, resp, nil)
	return nil
}

// send calls the driver, turning a panic into an error so the request still
// resolves.
func (c *core) send(ctx context.Context, req *scheduler.Request) (body json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			body = nil
			err = fmt.Errorf("%w: %v", ErrDriverPanic, r)
		}
	}()
	return c.drv.Request(ctx, req.Command, req.Payload)
}
