// Package protocol implements the worker's wire format: one JSON object per
// line in each direction, requests on stdin and responses on stdout.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Response statuses.
const (
	StatusReady = "ready"
	StatusOK    = "ok"
	StatusError = "error"
	StatusBye   = "bye"
)

// CmdExit ends the session.
const CmdExit = "exit"

// DefaultMaxLineBytes is the longest request line accepted by default (16 MiB).
const DefaultMaxLineBytes = 16 << 20

// ErrMalformedRequest is returned when a line is not a valid request object.
var ErrMalformedRequest = errors.New("malformed request")

var nullID = json.RawMessage("null")

// Request is one command sent by the parent process. ID is an opaque
// correlation token kept as raw JSON so it can be echoed back unchanged.
type Request struct {
	Cmd     string          `json:"cmd"`
	ID      json.RawMessage `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParseRequest decodes one request line. Anything other than a JSON object,
// including a bare null, is malformed.
func ParseRequest(line []byte) (Request, error) {
	trimmed := bytes.TrimLeft(line, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Request{}, fmt.Errorf("%w: not a JSON object", ErrMalformedRequest)
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return req, nil
}

// Response is one line written back to the parent. Which fields are encoded
// depends on Status.
type Response struct {
	Status string
	ID     json.RawMessage
	Result any
	Msg    string
	Trace  string
}

// Ready is the readiness handshake.
func Ready() Response { return Response{Status: StatusReady} }

// Bye acknowledges an exit command.
func Bye() Response { return Response{Status: StatusBye} }

// OK carries an engine result for the request identified by id.
func OK(id json.RawMessage, result any) Response {
	return Response{Status: StatusOK, ID: id, Result: result}
}

// Error reports a failed request. id may be nil when the request could not
// be parsed.
func Error(id json.RawMessage, msg, trace string) Response {
	return Response{Status: StatusError, ID: id, Msg: msg, Trace: trace}
}

type okWire struct {
	Status string          `json:"status"`
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result"`
}

type errorWire struct {
	Status string          `json:"status"`
	ID     json.RawMessage `json:"id,omitempty"`
	Msg    string          `json:"msg"`
	Trace  string          `json:"trace,omitempty"`
}

type statusWire struct {
	Status string `json:"status"`
}

// MarshalJSON encodes the fields that belong to the response's status. An
// ok response always carries id and result, using null when absent.
func (r Response) MarshalJSON() ([]byte, error) {
	switch r.Status {
	case StatusOK:
		id := r.ID
		if len(id) == 0 {
			id = nullID
		}
		return marshal(okWire{Status: r.Status, ID: id, Result: r.Result})
	case StatusError:
		return marshal(errorWire{Status: r.Status, ID: r.ID, Msg: r.Msg, Trace: r.Trace})
	default:
		return marshal(statusWire{Status: r.Status})
	}
}

// marshal is json.Marshal without HTML escaping.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Encode renders resp as a single newline-terminated line. HTML characters
// are left unescaped so text round-trips as written.
func Encode(resp Response) ([]byte, error) {
	line, err := marshal(resp)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// Reply is a decoded response line as seen by the parent process. Result is
// left raw so callers choose how to interpret numbers.
type Reply struct {
	Status string          `json:"status"`
	ID     json.RawMessage `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Msg    string          `json:"msg,omitempty"`
	Trace  string          `json:"trace,omitempty"`
}

// DecodeReply parses one response line.
func DecodeReply(line []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(line, &r); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	if r.Status == "" {
		return Reply{}, fmt.Errorf("decode reply: missing status in %q", line)
	}
	return r, nil
}
