package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"peer-rpc/codec"
	"peer-rpc/message"
	"peer-rpc/protocol"
)

// fakeServer speaks the frame protocol and answers requests with handle.
// A nil response means no answer.
type fakeServer struct {
	lis        net.Listener
	codec      codec.Codec
	handle     func(*message.Request) *message.Response
	heartbeats atomic.Int32

	mu    sync.Mutex
	conns []net.Conn
}

func startFakeServer(t *testing.T, ct codec.CodecType, handle func(*message.Request) *message.Response) *fakeServer {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	c, _ := codec.New(ct)
	s := &fakeServer{lis: lis, codec: c, handle: handle}
	go s.accept()
	t.Cleanup(s.close)
	return s
}

func (s *fakeServer) addr() string { return s.lis.Addr().String() }

func (s *fakeServer) accept() {
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *fakeServer) serve(conn net.Conn) {
	var writeMu sync.Mutex
	for {
		frame, err := protocol.ReadFrame(conn, protocol.MaxFrameLength)
		if err != nil {
			return
		}
		msg, err := protocol.Decode(frame, s.codec)
		if err != nil {
			conn.Close()
			return
		}
		switch m := msg.(type) {
		case *message.Heartbeat:
			s.heartbeats.Add(1)
		case *message.Request:
			go func() {
				resp := s.handle(m)
				if resp == nil {
					return
				}
				writeMu.Lock()
				defer writeMu.Unlock()
				_ = protocol.Write(conn, resp, s.codec)
			}()
		}
	}
}

// dropConns closes every accepted connection.
func (s *fakeServer) dropConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *fakeServer) close() {
	s.lis.Close()
	s.dropConns()
}

// echo returns the first parameter as the result.
func echo(req *message.Request) *message.Response {
	if len(req.Parameters) == 0 {
		return message.Success(req.RequestID, nil)
	}
	return message.Success(req.RequestID, req.Parameters[0])
}

func countPending(t *Transporter) int {
	n := 0
	t.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
