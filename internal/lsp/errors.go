package lsp

import (
	"errors"
	"fmt"
)

// Standard errors returned by the bridge.
var (
	// ErrSessionNotReady indicates traffic was issued outside the Ready state.
	// Callers may retry after the next Ready transition.
	ErrSessionNotReady = errors.New("session not ready")

	// ErrSessionTerminated indicates the session reached its absorbing
	// Terminated state and accepts no further traffic.
	ErrSessionTerminated = errors.New("session terminated")

	// ErrAlreadyStarted indicates Start was called on a running session.
	ErrAlreadyStarted = errors.New("session already started")

	// ErrRequestTimeout indicates a request's deadline elapsed before the
	// analysis process answered.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrRequestCancelled indicates the request was cancelled locally.
	ErrRequestCancelled = errors.New("request cancelled")

	// ErrProcessLost indicates the analysis process exited unexpectedly.
	// All requests in flight at that moment fail with this error.
	ErrProcessLost = errors.New("analysis process lost")

	// ErrInvalidDocumentState indicates caller protocol misuse, such as
	// changing a document that was never opened.
	ErrInvalidDocumentState = errors.New("invalid document state")

	// ErrNotSupported indicates the analysis process did not declare the
	// capability required for the request.
	ErrNotSupported = errors.New("capability not supported by server")

	// ErrWriteQueueFull indicates the outbound frame queue is saturated,
	// usually because the analysis process stopped reading.
	ErrWriteQueueFull = errors.New("transport write queue full")
)

// TransportError reports a frame-level I/O failure.
// Fatal errors tear down the stream; non-fatal ones fail a single frame.
type TransportError struct {
	Op    string
	Fatal bool
	Err   error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("transport %s: fatal: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a well-framed but malformed or unexpected envelope.
// These are logged and dropped; the session stays Ready unless they repeat.
type ProtocolError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// RPCError represents a JSON-RPC error reported by the analysis process.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	// JSON-RPC standard errors
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// LSP-specific errors
	CodeServerNotInitialized = -32002
	CodeUnknownErrorCode     = -32001
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
	CodeServerCancelled      = -32802
	CodeRequestFailed        = -32803
)
