package protocol

import "encoding/json"

// Packet types carried in the "Type" field of every line.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// RequestPacket is written to the server, one JSON object per line.
type RequestPacket struct {
	Type      string          `json:"Type"`
	Seq       int64           `json:"Seq"`
	Command   string          `json:"Command"`
	Arguments json.RawMessage `json:"Arguments,omitempty"`
}

// ResponsePacket answers a request. Packets whose RequestSeq matches no
// outstanding request are unsolicited command packets.
type ResponsePacket struct {
	Type       string          `json:"Type"`
	Seq        int64           `json:"Seq"`
	RequestSeq int64           `json:"Request_seq"`
	Command    string          `json:"Command"`
	Running    bool            `json:"Running"`
	Success    bool            `json:"Success"`
	Message    string          `json:"Message,omitempty"`
	Body       json.RawMessage `json:"Body,omitempty"`
}

// EventPacket is pushed by the server without a matching request.
type EventPacket struct {
	Type  string          `json:"Type"`
	Seq   int64           `json:"Seq"`
	Event string          `json:"Event"`
	Body  json.RawMessage `json:"Body,omitempty"`
}

// Packet is a decoded inbound line; exactly one of Response or Event is set.
type Packet struct {
	Response *ResponsePacket
	Event    *EventPacket
}

// LogBody is the body of the synthetic "log" event.
type LogBody struct {
	Message  string `json:"Message"`
	LogLevel string `json:"LogLevel"`
}
