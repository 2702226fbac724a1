// Package stratum implements the Stratum V1 mining protocol front-end:
// message framing, the per-connection request state machine, difficulty
// control and job broadcast fan-out.
package stratum

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Message represents a Stratum JSON-RPC message.
type Message struct {
	ID     any           `json:"id"`
	Method string        `json:"method,omitempty"`
	Params []any         `json:"params,omitempty"`
	Result any           `json:"result,omitempty"`
	Error  *StratumError `json:"error,omitempty"`
}

// Stratum error codes.
const (
	ErrorCodeOther          = 20
	ErrorCodeJobNotFound    = 21
	ErrorCodeDuplicateShare = 22
	ErrorCodeLowDifficulty  = 23
	ErrorCodeUnauthorized   = 24
	ErrorCodeNotSubscribed  = 25
	ErrorCodeMinusOne       = -1
)

// StratumError is a protocol-level error reported back to the client.
// It serializes as the wire three-tuple [code, message, traceback].
type StratumError struct {
	Code      int
	Message   string
	Traceback any
}

// Error implements the error interface.
func (e *StratumError) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// MarshalJSON encodes the error as [code, message, traceback].
func (e *StratumError) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Code, e.Message, e.Traceback})
}

// UnmarshalJSON decodes either the tuple form or an object form, which some
// clients and older pools emit.
func (e *StratumError) UnmarshalJSON(data []byte) error {
	var tuple []any
	if err := json.Unmarshal(data, &tuple); err == nil {
		if len(tuple) > 0 {
			if code, ok := tuple[0].(float64); ok {
				e.Code = int(code)
			}
		}
		if len(tuple) > 1 {
			if msg, ok := tuple[1].(string); ok {
				e.Message = msg
			}
		}
		if len(tuple) > 2 {
			e.Traceback = tuple[2]
		}
		return nil
	}
	var obj struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    any    `json:"data"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.Code = obj.Code
	e.Message = obj.Message
	e.Traceback = obj.Data
	return nil
}

// NewStratumError creates a StratumError with the given code and message.
func NewStratumError(code int, message string) *StratumError {
	return &StratumError{Code: code, Message: message}
}

// Canonical error constructors.

// ErrUnauthorizedWorker is returned for submits or authorizations from
// unauthorized workers.
func ErrUnauthorizedWorker() *StratumError {
	return NewStratumError(ErrorCodeUnauthorized, "unauthorized worker")
}

// ErrNotSubscribed is returned for submits before mining.subscribe.
func ErrNotSubscribed() *StratumError {
	return NewStratumError(ErrorCodeNotSubscribed, "not subscribed")
}

// ErrJobNotFound is returned for submits referencing unknown or retired jobs.
func ErrJobNotFound() *StratumError {
	return NewStratumError(ErrorCodeJobNotFound, "job not found")
}

// ErrDuplicateShare is returned for resubmitted solutions.
func ErrDuplicateShare() *StratumError {
	return NewStratumError(ErrorCodeDuplicateShare, "duplicate share")
}

// ErrLowDifficultyShare is returned for shares below the session target.
func ErrLowDifficultyShare() *StratumError {
	return NewStratumError(ErrorCodeLowDifficulty, "low difficulty share")
}

// ErrOther wraps a free-form failure.
func ErrOther(message string) *StratumError {
	return NewStratumError(ErrorCodeOther, message)
}

// ErrMissingRequestID is returned for requests without an id.
func ErrMissingRequestID() *StratumError {
	return NewStratumError(ErrorCodeMinusOne, "missing request id")
}

// ErrUnsupportedRequest is returned for unknown methods.
func ErrUnsupportedRequest() *StratumError {
	return NewStratumError(ErrorCodeOther, "Unsupported request")
}

// ParseMessage parses a JSON-RPC message from a wire line.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes.
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewResponse creates a response message.
func NewResponse(id any, result any) *Message {
	return &Message{ID: id, Result: result}
}

// NewErrorResponse creates an error response message.
func NewErrorResponse(id any, serr *StratumError) *Message {
	return &Message{ID: id, Error: serr}
}

// NewNotification creates a server-to-client notification (no id).
func NewNotification(method string, params []any) *Message {
	return &Message{Method: method, Params: params}
}

// IsRequest reports whether the message is a client request. Requests
// without an id are still dispatched so the missing-id error can be raised.
func (m *Message) IsRequest() bool {
	return m.Method != ""
}

// ParamString extracts params[i] as a string, or "" when absent.
func (m *Message) ParamString(i int) string {
	if i >= len(m.Params) {
		return ""
	}
	s, _ := m.Params[i].(string)
	return s
}

// ParamFloat extracts params[i] as a number. Accepts JSON numbers and
// numeric strings, which some miners send for suggest_difficulty.
func (m *Message) ParamFloat(i int) (float64, bool) {
	if i >= len(m.Params) {
		return 0, false
	}
	switch v := m.Params[i].(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
