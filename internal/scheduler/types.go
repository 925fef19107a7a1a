package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Class selects the lane a request is dispatched from.
type Class int

const (
	Priority Class = iota
	Normal
	Deferred
)

func (c Class) String() string {
	switch c {
	case Priority:
		return "priority"
	case Normal:
		return "normal"
	case Deferred:
		return "deferred"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// MarshalText renders the class by name.
func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// RequestOptions are the per-submission knobs a caller may set.
type RequestOptions struct {
	Silent bool
	// OneBasedIndices overrides the client default when non-nil.
	OneBasedIndices *bool
}

// Request is one submitted command. It is not modified after admission.
type Request struct {
	ID       string
	ClientID string
	Command  string
	Payload  any
	Options  RequestOptions
	Silent   bool
	// Unsolicited marks requests synthesized for command packets the server
	// pushed without being asked.
	Unsolicited bool
	Class       Class
	CreatedAt   time.Time
}

// NewRequest builds a request with a fresh ID.
func NewRequest(clientID, command string, payload any, opts RequestOptions) *Request {
	return &Request{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Command:   command,
		Payload:   payload,
		Options:   opts,
		Silent:    opts.Silent,
		CreatedAt: time.Now().UTC(),
	}
}

// Response is the successful result of a request.
type Response struct {
	Request      *Request
	Body         json.RawMessage
	ResponseTime time.Duration
}

// Failure is the error result of a request.
type Failure struct {
	Command string
	Err     error
	Request *Request
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Command, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }
