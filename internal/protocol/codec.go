package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// MaxLineBytes bounds a single inbound packet line.
const MaxLineBytes = 16 * 1024 * 1024

// EncodeRequest serializes a RequestPacket as one JSON line and writes it to w.
func EncodeRequest(w io.Writer, req *RequestPacket) error {
	if req.Command == "" {
		return fmt.Errorf("request command is empty")
	}
	if req.Type == "" {
		req.Type = TypeRequest
	}

	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodePacket parses one line emitted by the server.
func DecodePacket(line []byte) (Packet, error) {
	var head struct {
		Type string `json:"Type"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return Packet{}, fmt.Errorf("packet is not valid JSON: %w", err)
	}

	switch strings.ToLower(head.Type) {
	case TypeResponse:
		var resp ResponsePacket
		if err := json.Unmarshal(line, &resp); err != nil {
			return Packet{}, fmt.Errorf("failed to decode response: %w", err)
		}
		if resp.Command == "" {
			return Packet{}, fmt.Errorf("response missing required field: Command")
		}
		return Packet{Response: &resp}, nil
	case TypeEvent:
		var ev EventPacket
		if err := json.Unmarshal(line, &ev); err != nil {
			return Packet{}, fmt.Errorf("failed to decode event: %w", err)
		}
		if ev.Event == "" {
			return Packet{}, fmt.Errorf("event missing required field: Event")
		}
		return Packet{Event: &ev}, nil
	case "":
		return Packet{}, fmt.Errorf("packet missing required field: Type")
	default:
		return Packet{}, fmt.Errorf("unknown packet type: %q", head.Type)
	}
}

// MarshalArguments converts a caller payload into raw request arguments.
// Raw JSON is passed through untouched; nil becomes an omitted field.
func MarshalArguments(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return json.RawMessage(v), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

// LogEvent builds the synthetic "log" event the client publishes locally.
func LogEvent(message, level string) EventPacket {
	if level == "" {
		level = "INFORMATION"
	}
	body, _ := json.Marshal(LogBody{Message: message, LogLevel: strings.ToUpper(level)})
	return EventPacket{Type: TypeEvent, Seq: -1, Event: "log", Body: body}
}
