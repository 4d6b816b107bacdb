package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"peer-rpc/codec"
	"peer-rpc/message"
	"peer-rpc/rpcerr"
)

const (
	statePending int32 = iota
	stateDone
)

// ResponseFuture is the pending result of one request.
//
// It moves from PENDING to DONE exactly once, either by Complete (a response
// arrived) or by Cancel (the connection died). Later attempts are no-ops.
type ResponseFuture struct {
	id      string
	service string
	codec   codec.Codec
	created time.Time

	state atomic.Int32
	done  chan struct{}
	// Written once before done is closed.
	resp  *message.Response
	cause error
}

// NewResponseFuture creates a pending future. c decodes the result value.
func NewResponseFuture(requestID, serviceName string, c codec.Codec) *ResponseFuture {
	return &ResponseFuture{
		id:      requestID,
		service: serviceName,
		codec:   c,
		created: time.Now(),
		done:    make(chan struct{}),
	}
}

func (f *ResponseFuture) ID() string          { return f.id }
func (f *ResponseFuture) ServiceName() string { return f.service }

// Elapsed is the time since the request was registered.
func (f *ResponseFuture) Elapsed() time.Duration { return time.Since(f.created) }

// Complete releases the future with resp. Returns false if it was already done.
// A nil resp cancels the future with an ErrProtocol.
func (f *ResponseFuture) Complete(resp *message.Response) bool {
	if resp == nil {
		return f.Cancel(rpcerr.Wrapf(rpcerr.ErrProtocol, "nil response for request %s", f.id))
	}
	if !f.state.CompareAndSwap(statePending, stateDone) {
		return false
	}
	f.resp = resp
	close(f.done)
	return true
}

// Cancel releases the future with cause and no response.
func (f *ResponseFuture) Cancel(cause error) bool {
	if !f.state.CompareAndSwap(statePending, stateDone) {
		return false
	}
	if cause == nil {
		cause = rpcerr.ErrConnectionLost
	}
	f.cause = cause
	close(f.done)
	return true
}

// Done is closed when the future is released.
func (f *ResponseFuture) Done() <-chan struct{} { return f.done }

func (f *ResponseFuture) IsDone() bool {
	return f.state.Load() == stateDone
}

// Response returns the raw response once done, nil otherwise or after a cancel.
func (f *ResponseFuture) Response() *message.Response {
	select {
	case <-f.done:
		return f.resp
	default:
		return nil
	}
}

// Get blocks until the future is done and decodes the result into reply.
// reply may be nil when the caller does not want the value.
func (f *ResponseFuture) Get(reply any) error {
	<-f.done
	return f.result(reply)
}

// GetTimeout is Get bounded by d. On timeout it returns ErrTimeout and the
// future stays pending.
func (f *ResponseFuture) GetTimeout(d time.Duration, reply any) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.result(reply)
	case <-timer.C:
		return rpcerr.Wrapf(rpcerr.ErrTimeout, "service %s request %s after %v", f.service, f.id, d)
	}
}

// Wait is Get bounded by ctx.
func (f *ResponseFuture) Wait(ctx context.Context, reply any) error {
	select {
	case <-f.done:
		return f.result(reply)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return rpcerr.Wrapf(rpcerr.ErrTimeout, "service %s request %s", f.service, f.id)
		}
		return ctx.Err()
	}
}

func (f *ResponseFuture) result(reply any) error {
	if f.cause != nil {
		return f.cause
	}
	switch f.resp.Status {
	case message.StatusSuccess:
		if reply == nil || len(f.resp.Data) == 0 {
			return nil
		}
		return f.codec.Decode(f.resp.Data, reply)
	case message.StatusSendFailed:
		return rpcerr.NewRemoteError(rpcerr.ErrSendFailure, f.resp.Message)
	case message.StatusServerFailed:
		return rpcerr.NewRemoteError(rpcerr.ErrRemoteInvocation, f.resp.Message)
	}
	return nil
}
