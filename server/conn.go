package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"peer-rpc/codec"
	"peer-rpc/message"
	"peer-rpc/protocol"
)

// serverConn is the server side of one client connection.
// A per-connection write mutex is shared among all request tasks on this
// connection, preventing frame interleaving.
type serverConn struct {
	conn    net.Conn
	codec   codec.Codec
	writeMu sync.Mutex

	readSinceTick atomic.Bool
	misses        atomic.Int32
	done          chan struct{}
}

func (svr *Server) newServerConn(conn net.Conn) (*serverConn, error) {
	c, err := codec.New(svr.cfg.Codec)
	if err != nil {
		return nil, err
	}
	return &serverConn{conn: conn, codec: c, done: make(chan struct{})}, nil
}

func (svr *Server) track(sc *serverConn, add bool) {
	svr.connMu.Lock()
	defer svr.connMu.Unlock()
	if add {
		svr.conns[sc] = struct{}{}
	} else {
		delete(svr.conns, sc)
	}
}

// handleConn runs the read loop of one connection.
// Reads are sequential to parse frame boundaries; requests go to the pool.
func (svr *Server) handleConn(sc *serverConn) {
	svr.track(sc, true)
	defer func() {
		close(sc.done)
		sc.conn.Close()
		svr.track(sc, false)
	}()
	go svr.monitorHeartbeat(sc)

	addr := sc.conn.RemoteAddr().String()
	for {
		frame, err := protocol.ReadFrame(sc.conn, svr.cfg.MaxFrameLength)
		if err != nil {
			svr.logger.Debug("connection closed", zap.String("remote", addr), zap.Error(err))
			return
		}
		sc.readSinceTick.Store(true)

		msg, err := protocol.Decode(frame, sc.codec)
		if err != nil {
			svr.logger.Warn("drop connection on bad frame", zap.String("remote", addr), zap.Error(err))
			return
		}

		switch m := msg.(type) {
		case *message.Heartbeat:
			sc.misses.Store(0)
		case *message.Request:
			svr.dispatch(sc, m)
		default:
			svr.logger.Debug("ignore inbound message", zap.String("remote", addr), zap.Stringer("type", msg.Type()))
		}
	}
}

func (svr *Server) dispatch(sc *serverConn, req *message.Request) {
	svr.admitMu.RLock()
	if svr.shutdown.Load() {
		svr.admitMu.RUnlock()
		svr.writeResponse(sc, message.Failed(req.RequestID, message.StatusServerFailed, "server shutting down"))
		return
	}
	svr.wg.Add(1)
	svr.admitMu.RUnlock()
	ok := svr.pool.trySubmit(func() {
		defer svr.wg.Done()
		ctx := context.WithValue(context.Background(), codecKey{}, sc.codec)
		svr.writeResponse(sc, svr.handler(ctx, req))
	})
	if !ok {
		svr.wg.Done()
		svr.logger.Warn("server busy, reject request", zap.String("service", req.ServiceName), zap.String("requestId", req.RequestID))
		svr.writeResponse(sc, message.Failed(req.RequestID, message.StatusServerFailed, "server busy"))
	}
}

// writeResponse writes resp; an encode or write failure is answered with a
// best-effort SEND_FAILED.
func (svr *Server) writeResponse(sc *serverConn, resp *message.Response) {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	frame, err := protocol.Encode(resp, sc.codec)
	if err == nil {
		_ = sc.conn.SetWriteDeadline(time.Now().Add(svr.cfg.HeartbeatInterval))
		if _, err = sc.conn.Write(frame); err == nil {
			return
		}
	}
	svr.logger.Warn("send response", zap.String("requestId", resp.RequestID), zap.Error(err))

	fallback, ferr := protocol.Encode(message.Failed(resp.RequestID, message.StatusSendFailed, err.Error()), sc.codec)
	if ferr != nil {
		return
	}
	_, _ = sc.conn.Write(fallback)
}

// monitorHeartbeat closes the connection after HeartbeatTimes idle intervals
// without a heartbeat.
func (svr *Server) monitorHeartbeat(sc *serverConn) {
	ticker := time.NewTicker(svr.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sc.done:
			return
		case <-ticker.C:
		}
		if sc.readSinceTick.Swap(false) {
			continue
		}
		if n := sc.misses.Add(1); int(n) >= svr.cfg.HeartbeatTimes {
			svr.logger.Info("close idle connection",
				zap.String("remote", sc.conn.RemoteAddr().String()), zap.Int32("missed", n))
			sc.conn.Close()
			return
		}
	}
}
