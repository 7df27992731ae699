package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Command names the device tools subsystem understands. Anything else
// comes back as a status "error" response.
const (
	CmdVersion     = "version"
	CmdCompileCode = "compile_code"
	CmdGetAlarms   = "get_alarms"
	CmdExec        = "exec"
)

// Event names pushed by the device without a correlation id.
const (
	EventDeviceMetadata = "device_metadata"
	EventMetadata       = "metadata"
	EventTelemetry      = "telemetry"
	EventAlarms         = "alarms"
	EventDirtyModules   = "dirty_modules"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// RequestID is numeric on the client side but some device firmware echoes
// it back as a decimal string, so it unmarshals from either form.
type RequestID uint64

func (id *RequestID) UnmarshalJSON(raw []byte) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty request id")
	}
	s := string(raw)
	if raw[0] == '"' {
		var err error
		s, err = strconv.Unquote(s)
		if err != nil {
			return fmt.Errorf("unquote request id %s: %w", string(raw), err)
		}
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parse request id %q: %w", s, err)
	}
	*id = RequestID(v)
	return nil
}

// Request is the client-to-device command envelope.
type Request struct {
	RequestID RequestID `json:"requestId"`
	Cmd       string    `json:"cmd"`
	Payload   any       `json:"payload"`
}

// Response correlates to exactly one outstanding Request.
type Response struct {
	RequestID RequestID       `json:"requestId"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result"`
}

// Event is an uncorrelated device push.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Envelope holds exactly one of a Response or an Event.
type Envelope struct {
	Response *Response
	Event    *Event
}

// Decode classifies a raw frame as a Response or an Event. A frame with an
// "event" field is an event; a frame with a "requestId" field is a response;
// anything else is a protocol error the caller should log and drop.
func Decode(raw []byte) (Envelope, error) {
	var probe struct {
		RequestID json.RawMessage `json:"requestId"`
		Event     string          `json:"event"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if probe.Event != "" {
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return Envelope{}, fmt.Errorf("decode event envelope: %w", err)
		}
		return Envelope{Event: &ev}, nil
	}
	if len(probe.RequestID) > 0 {
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return Envelope{}, fmt.Errorf("decode response envelope: %w", err)
		}
		return Envelope{Response: &resp}, nil
	}
	return Envelope{}, fmt.Errorf("envelope has neither event nor requestId")
}

// EncodeRequest serializes a Request for the transport.
func EncodeRequest(req Request) ([]byte, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request %q: %w", req.Cmd, err)
	}
	return raw, nil
}
