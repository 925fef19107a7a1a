package client

import (
	"context"
	"errors"
	"sync"

	"github.com/mattjoyce/conduit/internal/scheduler"
)

// ErrPending is returned by Future.Result before the future resolves.
var ErrPending = errors.New("response pending")

// Future resolves exactly once with the response or error for one submission.
type Future struct {
	req  *scheduler.Request
	done chan struct{}
	once sync.Once
	resp *scheduler.Response
	err  error
}

func newFuture(req *scheduler.Request) *Future {
	return &Future{req: req, done: make(chan struct{})}
}

func (f *Future) resolve(resp *scheduler.Response, err error) {
	f.once.Do(func() {
		f.resp, f.err = resp, err
		close(f.done)
	})
}

// Request returns the submitted request.
func (f *Future) Request() *scheduler.Request { return f.req }

// Done is closed once the future has resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the outcome without blocking, or ErrPending.
func (f *Future) Result() (*scheduler.Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	default:
		return nil, ErrPending
	}
}

// Wait blocks until the future resolves or ctx is done. Giving up on the
// wait does not cancel the request.
func (f *Future) Wait(ctx context.Context) (*scheduler.Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
