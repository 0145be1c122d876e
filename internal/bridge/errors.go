package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Standard errors returned by the bridge.
var (
	// ErrNotRunning indicates the session is not in a state that can
	// carry traffic.
	ErrNotRunning = errors.New("session not running")

	// ErrAlreadyRunning indicates the session has already been started.
	ErrAlreadyRunning = errors.New("session already started")

	// ErrClosed indicates the transport has been closed.
	ErrClosed = errors.New("transport closed")

	// ErrTimedOut indicates a request exceeded its deadline. Only the
	// affected request fails; the session stays up.
	ErrTimedOut = errors.New("request timed out")

	// ErrCancelled indicates a request was aborted by session teardown.
	ErrCancelled = errors.New("request cancelled by session teardown")

	// ErrConnectionLost indicates the tool process exited while requests
	// were outstanding.
	ErrConnectionLost = errors.New("connection to tool lost")

	// ErrServerUnavailable indicates the crash retry budget is exhausted.
	// The tool stays down until a manual restart.
	ErrServerUnavailable = errors.New("tool server unavailable: restart required")
)

// FramingError reports a malformed or truncated frame. It is fatal to the
// transport connection that produced it.
type FramingError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("framing error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("framing error: %s", e.Reason)
}

// Unwrap returns the underlying error.
func (e *FramingError) Unwrap() error { return e.Err }

// StartupError reports a failed or timed-out initialize handshake.
// The session returns to the stopped state.
type StartupError struct {
	Command string
	Err     error
}

// Error implements the error interface.
func (e *StartupError) Error() string {
	return fmt.Sprintf("tool %s failed to initialize: %v", e.Command, e.Err)
}

// Unwrap returns the underlying error.
func (e *StartupError) Unwrap() error { return e.Err }

// ResponseError is a JSON-RPC error object carried in a response.
type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *ResponseError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// LSP-specific errors
	CodeServerNotInitialized = -32002
	CodeRequestCancelled     = -32800
	CodeRequestFailed        = -32803
)
