// Package rpcerr defines the error taxonomy shared by every layer of the runtime.
//
// Connection level errors (protocol, serialization, connection lost) close and
// evict the connection. Call level errors (timeout, remote failure) are local to
// a single future and never affect sibling calls on the same connection.
package rpcerr

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol reports a bad magic, serializer code, message type or length.
	ErrProtocol = errors.New("rpc: protocol error")
	// ErrSerialization reports a codec failure.
	ErrSerialization = errors.New("rpc: serialization error")
	// ErrConnectionUnavailable means no live channel could be obtained.
	ErrConnectionUnavailable = errors.New("rpc: connection unavailable")
	// ErrConnectionLost is what pending calls observe when their connection dies.
	ErrConnectionLost = fmt.Errorf("%w: connection lost", ErrConnectionUnavailable)
	// ErrNoInstanceAvailable means the registry returned no instance for a service.
	ErrNoInstanceAvailable = errors.New("rpc: no instance available")
	// ErrTimeout means the per-call deadline was exceeded.
	ErrTimeout = errors.New("rpc: request timeout")
	// ErrRemoteInvocation means the server ran the method and it failed, or the
	// service or its signature was unknown.
	ErrRemoteInvocation = errors.New("rpc: remote invocation failed")
	// ErrSendFailure means a frame could not be written.
	ErrSendFailure = errors.New("rpc: send failed")
)

// Wrapf annotates kind with a formatted message, keeping errors.Is(err, kind) true.
func Wrapf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// RemoteError carries the message the server attached to a failed response.
type RemoteError struct {
	Kind    error
	Message string
}

func NewRemoteError(kind error, message string) *RemoteError {
	return &RemoteError{Kind: kind, Message: message}
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.Kind
}

// Retryable reports whether a call failing with err may be retried on another
// instance: the request never reached the wire. A lost connection may have
// delivered it already.
func Retryable(err error) bool {
	return errors.Is(err, ErrConnectionUnavailable) && !errors.Is(err, ErrConnectionLost)
}
