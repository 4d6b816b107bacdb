// Package message defines the messages exchanged between client and server.
//
// Every message is one variant of a closed set, identified on the wire by a
// one-byte type code. The codec layer serializes the variant; the protocol
// layer wraps the result in a frame.
//
//   - Request:   client → server, one method call.
//   - Response:  server → client, correlated by RequestID.
//   - Heartbeat: client → server keep-alive, carries nothing.
package message

import "fmt"

// Type is the one-byte message type code carried in every frame.
type Type byte

const (
	TypeHeartbeat Type = 0
	TypeRequest   Type = 1
	TypeResponse  Type = 2
)

func (t Type) String() string {
	switch t {
	case TypeHeartbeat:
		return "heartbeat"
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	default:
		return fmt.Sprintf("type(%d)", byte(t))
	}
}

// Message is implemented by every variant.
type Message interface {
	Type() Type
}

// bindings maps a type code to a constructor of the bound variant.
var bindings = map[Type]func() Message{
	TypeHeartbeat: func() Message { return Beat },
	TypeRequest:   func() Message { return new(Request) },
	TypeResponse:  func() Message { return new(Response) },
}

// New returns an empty value of the variant bound to t.
func New(t Type) (Message, bool) {
	ctor, ok := bindings[t]
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// Request carries one method call.
//
// Parameters are encoded one by one with the channel's codec. ParameterTypes is
// the call's type signature, compared verbatim against the bound method.
type Request struct {
	RequestID      string   `json:"requestId"`
	ServiceName    string   `json:"serviceName"`
	Parameters     [][]byte `json:"parameters"`
	ParameterTypes []string `json:"parameterTypes"`
}

func (*Request) Type() Type { return TypeRequest }

func (r *Request) String() string {
	return fmt.Sprintf("Request{id=%s, service=%s, types=%v}", r.RequestID, r.ServiceName, r.ParameterTypes)
}

// Status is the outcome code of a Response.
type Status uint8

const (
	StatusSuccess      Status = 0
	StatusClientFailed Status = 1
	StatusSendFailed   Status = 2
	StatusServerFailed Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusClientFailed:
		return "CLIENT_FAILED"
	case StatusSendFailed:
		return "SEND_FAILED"
	case StatusServerFailed:
		return "SERVER_FAILED"
	default:
		return fmt.Sprintf("STATUS(%d)", uint8(s))
	}
}

// Response carries the result of one Request.
type Response struct {
	RequestID string `json:"requestId"`
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
	Data      []byte `json:"data,omitempty"` // Encoded result, nil when the method returns nothing
}

func (*Response) Type() Type { return TypeResponse }

func (r *Response) String() string {
	return fmt.Sprintf("Response{id=%s, status=%s, message=%q}", r.RequestID, r.Status, r.Message)
}

// Success builds a SUCCESS response.
func Success(requestID string, data []byte) *Response {
	return &Response{RequestID: requestID, Status: StatusSuccess, Data: data}
}

// Failed builds a failed response with the given status.
func Failed(requestID string, status Status, msg string) *Response {
	return &Response{RequestID: requestID, Status: status, Message: msg}
}

// Heartbeat is the stateless keep-alive message. Use Beat.
type Heartbeat struct{}

// Beat is the heartbeat singleton.
var Beat = &Heartbeat{}

func (*Heartbeat) Type() Type { return TypeHeartbeat }

// GobEncode lets gob carry a struct without exported fields.
func (Heartbeat) GobEncode() ([]byte, error) { return []byte{1}, nil }

func (*Heartbeat) GobDecode([]byte) error { return nil }
