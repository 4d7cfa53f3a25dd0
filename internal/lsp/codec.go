package lsp

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// EnvelopeKind identifies the protocol message variant.
type EnvelopeKind int

const (
	// EnvelopeRequest is a message with an id and a method. The bridge only
	// receives these when the analysis process initiates a request.
	EnvelopeRequest EnvelopeKind = iota
	// EnvelopeResponse is a message with an id and a result or error.
	EnvelopeResponse
	// EnvelopeNotification is a message with a method and no id.
	EnvelopeNotification
)

// String returns a human-readable kind name.
func (k EnvelopeKind) String() string {
	switch k {
	case EnvelopeRequest:
		return "request"
	case EnvelopeResponse:
		return "response"
	case EnvelopeNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Envelope is one decoded protocol message.
type Envelope struct {
	Kind   EnvelopeKind
	ID     int64
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Err    *RPCError
}

// requestEnvelope is the wire shape of an outgoing request.
type requestEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// notificationEnvelope is the wire shape of an outgoing notification.
type notificationEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// responseEnvelope is the wire shape of an outgoing response. The bridge
// sends these only to reject requests initiated by the analysis process.
type responseEnvelope struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// jsonRPCVersion is the protocol version stamped on every envelope.
const jsonRPCVersion = "2.0"

// EncodeRequest serializes a request envelope.
func EncodeRequest(id int64, method string, params any) ([]byte, error) {
	data, err := json.Marshal(requestEnvelope{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request %s: %w", method, err)
	}
	return data, nil
}

// EncodeNotification serializes a notification envelope.
func EncodeNotification(method string, params any) ([]byte, error) {
	data, err := json.Marshal(notificationEnvelope{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode notification %s: %w", method, err)
	}
	return data, nil
}

// EncodeErrorResponse serializes a response carrying only an error.
func EncodeErrorResponse(id int64, rpcErr *RPCError) ([]byte, error) {
	data, err := json.Marshal(responseEnvelope{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   rpcErr,
	})
	if err != nil {
		return nil, fmt.Errorf("encode error response: %w", err)
	}
	return data, nil
}

// DecodeEnvelope classifies and decodes one incoming message. Variants are
// distinguished by field presence: id plus result/error is a response, a
// method with an id is a server-initiated request, a bare method is a
// notification. Unknown fields are ignored for forward compatibility.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if !gjson.ValidBytes(data) {
		return nil, &ProtocolError{Reason: "invalid JSON payload"}
	}

	id := gjson.GetBytes(data, "id")
	method := gjson.GetBytes(data, "method")
	result := gjson.GetBytes(data, "result")
	rpcErr := gjson.GetBytes(data, "error")

	switch {
	case id.Exists() && (result.Exists() || rpcErr.Exists()):
		if id.Type != gjson.Number {
			// The bridge only issues numeric ids, so a response with any
			// other id shape cannot correlate to a PendingRequest.
			return nil, &ProtocolError{Reason: "response id is not a number"}
		}
		env := &Envelope{Kind: EnvelopeResponse, ID: id.Int()}
		if result.Exists() {
			env.Result = json.RawMessage(result.Raw)
		}
		if rpcErr.Exists() {
			var e RPCError
			if err := json.Unmarshal([]byte(rpcErr.Raw), &e); err != nil {
				return nil, &ProtocolError{Reason: "malformed error object", Err: err}
			}
			env.Err = &e
		}
		return env, nil

	case id.Exists() && method.Exists():
		if id.Type != gjson.Number {
			return nil, &ProtocolError{Reason: "request id is not a number"}
		}
		return &Envelope{
			Kind:   EnvelopeRequest,
			ID:     id.Int(),
			Method: method.String(),
			Params: rawField(data, "params"),
		}, nil

	case method.Exists():
		return &Envelope{
			Kind:   EnvelopeNotification,
			Method: method.String(),
			Params: rawField(data, "params"),
		}, nil

	default:
		return nil, &ProtocolError{Reason: "envelope has neither method nor result"}
	}
}

// rawField extracts a top-level field as raw JSON, or nil if absent.
func rawField(data []byte, name string) json.RawMessage {
	v := gjson.GetBytes(data, name)
	if !v.Exists() {
		return nil
	}
	return json.RawMessage(v.Raw)
}
