package codec

// docs: https://mpv.io/manual/stable/#json-ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

const (
	// StatusSuccess is the "error" field of a response to a command that succeeded.
	StatusSuccess = "success"

	fieldCommand   = "command"
	fieldRequestID = "request_id"
	fieldAsync     = "async"
	fieldError     = "error"
	fieldData      = "data"
	fieldEvent     = "event"
)

var (
	// ErrProtocol marks an inbound line that is not a valid protocol message.
	ErrProtocol = errors.New("protocol error")
	// ErrFrameTooLarge marks an inbound line longer than the configured ceiling.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Message is either a Response or an Event.
type Message interface {
	isMessage()
}

// Request is one command sent to the player. RequestID is echoed back in
// the matching Response.
type Request struct {
	RequestID int64
	Command   []Value
	Async     bool
}

type wireRequest struct {
	Command   []Value `json:"command"`
	RequestID int64   `json:"request_id"`
	Async     bool    `json:"async,omitempty"`
}

func (r Request) MarshalJSON() ([]byte, error) {
	cmd := r.Command
	if cmd == nil {
		cmd = []Value{}
	}
	return json.Marshal(wireRequest{Command: cmd, RequestID: r.RequestID, Async: r.Async})
}

// Response is the reply to a Request. Error is StatusSuccess when the
// command succeeded and a description of the failure otherwise.
type Response struct {
	RequestID int64
	Error     string
	Data      Value
}

func (Response) isMessage() {}

// OK reports whether the peer accepted the command.
func (r Response) OK() bool { return r.Error == StatusSuccess }

func (r Response) MarshalJSON() ([]byte, error) {
	out := map[string]Value{
		fieldRequestID: Int(r.RequestID),
		fieldError:     String(r.Error),
	}
	if !r.Data.IsNull() {
		out[fieldData] = r.Data
	}
	return Object(out).MarshalJSON()
}

// Event is an unsolicited message. Fields holds every member of the line
// except the event name.
type Event struct {
	Name   string
	Fields map[string]Value
}

func (Event) isMessage() {}

// Field returns the named member of the event.
func (e Event) Field(name string) (Value, bool) {
	v, ok := e.Fields[name]
	return v, ok
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]Value, len(e.Fields)+1)
	for k, v := range e.Fields {
		out[k] = v
	}
	out[fieldEvent] = String(e.Name)
	return Object(out).MarshalJSON()
}

// Encode marshals a message and terminates it with a newline.
func Encode(msg json.Marshaler) ([]byte, error) {
	b, err := msg.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode ipc message: %w", err)
	}
	return append(b, '\n'), nil
}

// Decode parses one inbound line. A line carrying a numeric request_id is a
// Response; a line carrying a string event name is an Event. A bare status
// line without a request_id decodes as a Response with RequestID 0. mpv
// echoes ids as integers, but an integral float such as 1.0 is accepted.
func Decode(line []byte) (Message, error) {
	obj, err := decodeObject(line)
	if err != nil {
		return nil, err
	}

	if raw, ok := obj[fieldRequestID]; ok {
		if id, isInt := requestID(raw); isInt {
			return responseFrom(id, obj)
		}
	}
	if raw, ok := obj[fieldEvent]; ok {
		if name, isStr := raw.AsString(); isStr {
			delete(obj, fieldEvent)
			return Event{Name: name, Fields: obj}, nil
		}
	}
	if _, ok := obj[fieldError]; ok {
		if _, hasID := obj[fieldRequestID]; !hasID {
			return responseFrom(0, obj)
		}
	}
	return nil, fmt.Errorf("%w: neither response nor event: %s", ErrProtocol, truncate(line))
}

// DecodeRequest parses a request line, as the player would.
func DecodeRequest(line []byte) (Request, error) {
	obj, err := decodeObject(line)
	if err != nil {
		return Request{}, err
	}
	cmd, ok := obj[fieldCommand].AsArray()
	if !ok {
		return Request{}, fmt.Errorf("%w: command is not an array", ErrProtocol)
	}
	req := Request{Command: cmd}
	if raw, present := obj[fieldRequestID]; present {
		if req.RequestID, ok = requestID(raw); !ok {
			return Request{}, fmt.Errorf("%w: request_id is not an integer", ErrProtocol)
		}
	}
	req.Async, _ = obj[fieldAsync].AsBool()
	return req, nil
}

// requestID reads an integer id, allowing integral floats in int64 range.
func requestID(v Value) (int64, bool) {
	if id, ok := v.AsInt(); ok {
		return id, true
	}
	f, ok := v.AsFloat()
	if !ok || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func responseFrom(id int64, obj map[string]Value) (Message, error) {
	status, ok := obj[fieldError].AsString()
	if !ok {
		return nil, fmt.Errorf("%w: response %d has no error status", ErrProtocol, id)
	}
	return Response{RequestID: id, Error: status, Data: obj[fieldData]}, nil
}

func decodeObject(line []byte) (map[string]Value, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrProtocol)
	}
	var v Value
	if err := v.UnmarshalJSON(line); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	obj, ok := v.AsObject()
	if !ok {
		return nil, fmt.Errorf("%w: expected object, got %s", ErrProtocol, v.Kind())
	}
	return obj, nil
}

func truncate(line []byte) string {
	const max = 128
	if len(line) > max {
		return string(line[:max]) + "..."
	}
	return string(line)
}
