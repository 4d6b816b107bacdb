// Package transport implements the client-side transport layer with multiplexing and heartbeat.
//
// A Transporter enables multiple concurrent RPC calls over a single TCP connection.
// Each request carries a unique request id, and a background goroutine (recvLoop)
// continuously reads responses and routes them to the correct caller via pending futures.
//
//	goroutine-1 ──Send(id=a)──┐
//	goroutine-2 ──Send(id=b)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(id=c)──┘
//
//	recvLoop:  ←── response(id=b) → pending[b] future ← Complete → goroutine-2 wakes up
package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"peer-rpc/codec"
	"peer-rpc/message"
	"peer-rpc/protocol"
	"peer-rpc/rpcerr"
)

// Transporter manages a single multiplexed TCP connection.
type Transporter struct {
	addr      string
	conn      net.Conn
	codec     codec.Codec // One instance per channel
	timeout   time.Duration
	heartbeat time.Duration
	maxFrame  int
	logger    *zap.Logger

	pending sync.Map   // requestID → *ResponseFuture
	writeMu sync.Mutex // Writes must be serialized to prevent frame interleaving

	lastWrite atomic.Int64 // UnixNano of the last successful write
	suspect   atomic.Bool  // The previous write failed
	closed    atomic.Bool

	closeOnce  sync.Once
	done       chan struct{}
	onInactive func(*Transporter)
}

func newTransporter(addr string, conn net.Conn, d *Dialer) *Transporter {
	t := &Transporter{
		addr:       addr,
		conn:       conn,
		codec:      d.newCodec(),
		timeout:    d.requestTimeout(),
		heartbeat:  d.heartbeatInterval(),
		maxFrame:   d.maxFrameLength(),
		logger:     d.logger(),
		done:       make(chan struct{}),
		onInactive: d.OnInactive,
	}
	t.lastWrite.Store(time.Now().UnixNano())
	go t.recvLoop()
	go t.heartbeatLoop()
	return t
}

// Address is the remote host:port.
func (t *Transporter) Address() string { return t.addr }

// Codec is the serializer bound to this channel.
func (t *Transporter) Codec() codec.Codec { return t.codec }

// IsAvailable reports whether the channel is still open.
func (t *Transporter) IsAvailable() bool {
	return !t.closed.Load()
}

// Send registers a future for req and writes the request frame.
//
// The future is stored before any byte reaches the wire, so the response can
// never arrive ahead of its registration.
func (t *Transporter) Send(req *message.Request) (*ResponseFuture, error) {
	if !t.IsAvailable() {
		return nil, rpcerr.Wrapf(rpcerr.ErrConnectionUnavailable, "%s is closed", t.addr)
	}
	frame, err := protocol.Encode(req, t.codec)
	if err != nil {
		return nil, err
	}

	future := NewResponseFuture(req.RequestID, req.ServiceName, t.codec)
	t.pending.Store(req.RequestID, future)
	if t.closed.Load() {
		// Teardown may have ranged over the table before the store.
		t.pending.CompareAndDelete(req.RequestID, future)
		future.Cancel(rpcerr.ErrConnectionLost)
		return nil, rpcerr.Wrapf(rpcerr.ErrConnectionUnavailable, "%s closed during send", t.addr)
	}

	if err := t.write(frame); err != nil {
		t.pending.CompareAndDelete(req.RequestID, future)
		err = rpcerr.Wrapf(rpcerr.ErrSendFailure, "%s: %v", t.addr, err)
		future.Cancel(err)
		return nil, err
	}
	return future, nil
}

// AsyncSend is Send; the caller decides how long to wait on the future.
func (t *Transporter) AsyncSend(req *message.Request) (*ResponseFuture, error) {
	return t.Send(req)
}

// SyncSend sends req and waits up to timeout for the result, decoding it into
// reply. timeout <= 0 uses the default. On timeout the request is unregistered,
// a late response is dropped, and the connection stays open.
func (t *Transporter) SyncSend(req *message.Request, timeout time.Duration, reply any) error {
	future, err := t.Send(req)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = t.timeout
	}
	err = future.GetTimeout(timeout, reply)
	if err != nil && !future.IsDone() && errors.Is(err, rpcerr.ErrTimeout) {
		t.pending.CompareAndDelete(req.RequestID, future)
		t.logger.Warn("request timeout",
			zap.String("addr", t.addr),
			zap.String("service", req.ServiceName),
			zap.String("requestId", req.RequestID),
			zap.Duration("elapsed", future.Elapsed()))
	}
	return err
}

// Destroy closes the channel. Every pending future is cancelled.
func (t *Transporter) Destroy() {
	t.teardown(nil)
}

// write sends one complete frame. A failure after a previous failure closes
// the channel.
func (t *Transporter) write(frame []byte) error {
	t.writeMu.Lock()
	if t.timeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.timeout))
	}
	_, err := t.conn.Write(frame)
	t.writeMu.Unlock()

	if err != nil {
		if t.suspect.Swap(true) {
			t.teardown(err)
		}
		return err
	}
	t.suspect.Store(false)
	t.lastWrite.Store(time.Now().UnixNano())
	return nil
}

// recvLoop runs in a dedicated goroutine, continuously reading frames from the connection.
// TCP is a byte stream, so reads must be sequential to parse frame boundaries.
func (t *Transporter) recvLoop() {
	for {
		frame, err := protocol.ReadFrame(t.conn, t.maxFrame)
		if err != nil {
			t.teardown(err)
			return
		}
		msg, err := protocol.Decode(frame, t.codec)
		if err != nil {
			t.teardown(err)
			return
		}

		switch m := msg.(type) {
		case *message.Response:
			if v, ok := t.pending.LoadAndDelete(m.RequestID); ok {
				v.(*ResponseFuture).Complete(m)
			} else {
				t.logger.Debug("drop response for unknown request",
					zap.String("addr", t.addr), zap.String("requestId", m.RequestID))
			}
		default:
			t.logger.Debug("ignore inbound message", zap.String("addr", t.addr), zap.Stringer("type", msg.Type()))
		}
	}
}

// heartbeatLoop sends a Heartbeat whenever nothing was written for the
// heartbeat interval.
func (t *Transporter) heartbeatLoop() {
	if t.heartbeat <= 0 {
		return
	}
	timer := time.NewTimer(t.heartbeat)
	defer timer.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-timer.C:
		}

		idle := time.Since(time.Unix(0, t.lastWrite.Load()))
		if idle < t.heartbeat {
			timer.Reset(t.heartbeat - idle)
			continue
		}
		frame, err := protocol.Encode(message.Beat, t.codec)
		if err != nil {
			t.logger.Error("encode heartbeat", zap.Error(err))
			return
		}
		if err := t.write(frame); err != nil {
			t.logger.Warn("send heartbeat", zap.String("addr", t.addr), zap.Error(err))
		}
		timer.Reset(t.heartbeat)
	}
}

// teardown runs once: the channel is marked closed, the owner is told to drop
// it, then every pending future is cancelled.
func (t *Transporter) teardown(cause error) {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
		_ = t.conn.Close()

		if cause != nil && !errors.Is(cause, net.ErrClosed) {
			t.logger.Info("connection inactive", zap.String("addr", t.addr), zap.Error(cause))
		} else {
			t.logger.Debug("connection closed", zap.String("addr", t.addr))
		}
		if t.onInactive != nil {
			t.onInactive(t)
		}

		t.pending.Range(func(key, value any) bool {
			if _, ok := t.pending.LoadAndDelete(key); ok {
				value.(*ResponseFuture).Cancel(rpcerr.ErrConnectionLost)
			}
			return true
		})
	})
}
