package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"peer-rpc/codec"
	"peer-rpc/message"
	"peer-rpc/protocol"
	"peer-rpc/rpcerr"
	"peer-rpc/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args) (*Reply, error) {
	return &Reply{Result: args.A + args.B}, nil
}

func (a *Arith) Div(x, y int) (int, error) {
	if y == 0 {
		return 0, errors.New("divide by zero")
	}
	return x / y, nil
}

func (a *Arith) Crash() int {
	panic("crash")
}

func (a *Arith) Ping() {}

func (a *Arith) Bad(x int) (int, int, error) { return 0, 0, nil }

func startServer(t *testing.T, cfg Config, setup func(*Server)) (*Server, string) {
	t.Helper()
	svr := NewServer(cfg)
	if setup != nil {
		setup(svr)
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.Serve(lis)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr, lis.Addr().String()
}

func dial(t *testing.T, addr string, ct codec.CodecType) *transport.Transporter {
	t.Helper()
	d := &transport.Dialer{Codec: ct, RequestTimeout: time.Second}
	tr, err := d.Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tr.Destroy)
	return tr
}

func request(t *testing.T, c codec.Codec, service string, args ...any) *message.Request {
	t.Helper()
	req := &message.Request{RequestID: fmt.Sprintf("%s-%d", service, time.Now().UnixNano()), ServiceName: service}
	for _, a := range args {
		data, err := c.Encode(a)
		if err != nil {
			t.Fatal(err)
		}
		req.Parameters = append(req.Parameters, data)
		req.ParameterTypes = append(req.ParameterTypes, fmt.Sprintf("%T", a))
	}
	return req
}

func TestServerRegisterScan(t *testing.T) {
	svr := NewServer(Config{})
	if err := svr.Register(&Arith{}); err != nil {
		t.Fatal(err)
	}
	names := strings.Join(svr.Services(), ",")
	for _, want := range []string{"Arith.Add", "Arith.Div", "Arith.Crash", "Arith.Ping"} {
		if !strings.Contains(names, want) {
			t.Errorf("%s not bound (got %s)", want, names)
		}
	}
	if strings.Contains(names, "Arith.Bad") {
		t.Error("method with three results was bound")
	}

	if err := svr.RegisterServiceBean("add", &Arith{}, "Add"); err != nil {
		t.Fatal(err)
	}
	if err := svr.RegisterServiceBean("add", &Arith{}, "Add"); err == nil {
		t.Error("duplicate binding accepted")
	}
	if err := svr.RegisterServiceBean("nope", &Arith{}, "Missing"); err == nil {
		t.Error("missing method accepted")
	}
	if !svr.UnregisterServiceBean("add") || svr.UnregisterServiceBean("add") {
		t.Error("UnregisterServiceBean must report the removal once")
	}
}

func TestServerCall(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeGob, codec.CodecTypeJSON, codec.CodecTypeMsgpack} {
		_, addr := startServer(t, Config{Codec: ct}, func(s *Server) {
			if err := s.Register(&Arith{}); err != nil {
				t.Fatal(err)
			}
		})
		tr := dial(t, addr, ct)

		var reply Reply
		if err := tr.SyncSend(request(t, tr.Codec(), "Arith.Add", &Args{A: 1, B: 2}), 0, &reply); err != nil {
			t.Fatalf("%v: Add failed: %v", ct, err)
		}
		if reply.Result != 3 {
			t.Fatalf("%v: expect 3, got %d", ct, reply.Result)
		}

		var q int
		if err := tr.SyncSend(request(t, tr.Codec(), "Arith.Div", 10, 2), 0, &q); err != nil || q != 5 {
			t.Fatalf("%v: Div = %d, %v", ct, q, err)
		}
		if err := tr.SyncSend(request(t, tr.Codec(), "Arith.Ping"), 0, nil); err != nil {
			t.Fatalf("%v: Ping failed: %v", ct, err)
		}
	}
}

func TestServerFailures(t *testing.T) {
	_, addr := startServer(t, Config{Codec: codec.CodecTypeJSON}, func(s *Server) {
		if err := s.Register(&Arith{}); err != nil {
			t.Fatal(err)
		}
	})
	tr := dial(t, addr, codec.CodecTypeJSON)

	cases := []struct {
		req  *message.Request
		want string
	}{
		{request(t, tr.Codec(), "Nope.Nothing"), "no bean contains service Nope.Nothing"},
		{request(t, tr.Codec(), "Arith.Div", 1, 0), "divide by zero"},
		{request(t, tr.Codec(), "Arith.Div", "1", "2"), "expects (int, int)"},
		{request(t, tr.Codec(), "Arith.Div", 1), "expects (int, int)"},
		{request(t, tr.Codec(), "Arith.Crash"), "panicked: crash"},
	}
	for _, tc := range cases {
		err := tr.SyncSend(tc.req, 0, nil)
		if !errors.Is(err, rpcerr.ErrRemoteInvocation) {
			t.Fatalf("%s: expected ErrRemoteInvocation, got %v", tc.req.ServiceName, err)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error %q does not mention %q", tc.req.ServiceName, err, tc.want)
		}
	}
	if !tr.IsAvailable() {
		t.Fatal("a failed call closed the connection")
	}
}

func TestServerBusy(t *testing.T) {
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(1)
	var once sync.Once
	_, addr := startServer(t, Config{Codec: codec.CodecTypeJSON, Workers: 1, QueueSize: 1}, func(s *Server) {
		blocker := &blockingService{release: release, started: func() { once.Do(started.Done) }}
		if err := s.RegisterServiceBean("block", blocker, "Wait"); err != nil {
			t.Fatal(err)
		}
	})
	tr := dial(t, addr, codec.CodecTypeJSON)

	first, err := tr.AsyncSend(request(t, tr.Codec(), "block"))
	if err != nil {
		t.Fatal(err)
	}
	started.Wait() // the only worker is busy
	second, err := tr.AsyncSend(request(t, tr.Codec(), "block"))
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond) // the queue slot is taken
	third, err := tr.AsyncSend(request(t, tr.Codec(), "block"))
	if err != nil {
		t.Fatal(err)
	}

	err = third.GetTimeout(time.Second, nil)
	if !errors.Is(err, rpcerr.ErrRemoteInvocation) || !strings.Contains(err.Error(), "server busy") {
		t.Fatalf("expected server busy, got %v", err)
	}

	close(release)
	for _, f := range []*transport.ResponseFuture{first, second} {
		if err := f.GetTimeout(time.Second, nil); err != nil {
			t.Fatalf("queued request failed: %v", err)
		}
	}
}

type blockingService struct {
	release chan struct{}
	started func()
}

func (b *blockingService) Wait() {
	b.started()
	<-b.release
}

func TestHeartbeatMissesCloseConnection(t *testing.T) {
	_, addr := startServer(t, Config{Codec: codec.CodecTypeJSON, HeartbeatInterval: 20 * time.Millisecond, HeartbeatTimes: 3}, nil)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Silent client: the server must hang up after ~3 idle intervals.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	start := time.Now()
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected EOF from idle close, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("connection closed too early: %v", elapsed)
	}
}

func TestHeartbeatKeepsConnection(t *testing.T) {
	_, addr := startServer(t, Config{Codec: codec.CodecTypeJSON, HeartbeatInterval: 40 * time.Millisecond, HeartbeatTimes: 2}, nil)

	d := &transport.Dialer{Codec: codec.CodecTypeJSON, HeartbeatInterval: 10 * time.Millisecond}
	tr, err := d.Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Destroy()

	time.Sleep(300 * time.Millisecond)
	if !tr.IsAvailable() {
		t.Fatal("heartbeating client was disconnected")
	}
}

func TestCodecMismatchClosesConnection(t *testing.T) {
	_, addr := startServer(t, Config{Codec: codec.CodecTypeGob}, func(s *Server) {
		s.Register(&Arith{})
	})
	tr := dial(t, addr, codec.CodecTypeJSON)

	err := tr.SyncSend(request(t, tr.Codec(), "Arith.Ping"), time.Second, nil)
	if !errors.Is(err, rpcerr.ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
}

func TestRawFrame(t *testing.T) {
	_, addr := startServer(t, Config{Codec: codec.CodecTypeJSON}, func(s *Server) {
		s.RegisterServiceBean("add", &Arith{}, "Add")
	})
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	c := &codec.JSONCodec{}
	req := request(t, c, "add", &Args{A: 1, B: 2})
	if err := protocol.Write(conn, req, c); err != nil {
		t.Fatal(err)
	}

	frame, err := protocol.ReadFrame(conn, protocol.MaxFrameLength)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := protocol.Decode(frame, c)
	if err != nil {
		t.Fatal(err)
	}
	resp, ok := msg.(*message.Response)
	if !ok || resp.RequestID != req.RequestID || resp.Status != message.StatusSuccess {
		t.Fatalf("unexpected response %v", msg)
	}
	var reply Reply
	if err := c.Decode(resp.Data, &reply); err != nil || reply.Result != 3 {
		t.Fatalf("reply = %+v, %v", reply, err)
	}
}

type recordingPublisher struct {
	published, unpublished atomic.Int32
}

func (p *recordingPublisher) PublishAll() error {
	p.published.Add(1)
	return nil
}

func (p *recordingPublisher) UnpublishAll() error {
	p.unpublished.Add(1)
	return nil
}

func TestShutdownUnpublishesFirst(t *testing.T) {
	pub := &recordingPublisher{}
	svr := NewServer(Config{})
	svr.SetPublisher(pub)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	served := make(chan error, 1)
	go func() { served <- svr.Serve(lis) }()
	time.Sleep(20 * time.Millisecond)
	if pub.published.Load() != 1 {
		t.Fatal("services not published on Serve")
	}

	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	if pub.unpublished.Load() != 1 {
		t.Fatal("services not unpublished on Shutdown")
	}
	if err := <-served; err != nil {
		t.Fatalf("Serve returned %v after Shutdown", err)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	svr := NewServer(Config{})
	if err := svr.RegisterServiceBean("Arith.Ping", &Arith{}, "Ping"); err != nil {
		t.Fatal(err)
	}
	if err := svr.Register(&Arith{}); err == nil {
		t.Fatal("Register overwrote an existing binding")
	}
	if got := strings.Join(svr.Services(), ","); got != "Arith.Ping" {
		t.Fatalf("failed Register left bindings behind: %s", got)
	}

	svr.UnregisterServiceBean("Arith.Ping")
	if err := svr.Register(&Arith{}); err != nil {
		t.Fatal(err)
	}
	if err := svr.Register(&Arith{}); err == nil {
		t.Fatal("second Register accepted")
	}
	if err := svr.RegisterServiceBean("Arith.Add", &Arith{}, "Add"); err == nil {
		t.Fatal("RegisterServiceBean overwrote a scanned binding")
	}
}

func TestDispatchAfterShutdown(t *testing.T) {
	svr := NewServer(Config{Codec: codec.CodecTypeJSON})
	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}

	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	sc, err := svr.newServerConn(local)
	if err != nil {
		t.Fatal(err)
	}
	c := &codec.JSONCodec{}
	go svr.dispatch(sc, request(t, c, "Arith.Ping"))

	remote.SetReadDeadline(time.Now().Add(time.Second))
	frame, err := protocol.ReadFrame(remote, protocol.MaxFrameLength)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := protocol.Decode(frame, c)
	if err != nil {
		t.Fatal(err)
	}
	resp := msg.(*message.Response)
	if resp.Status != message.StatusServerFailed || resp.Message != "server shutting down" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestShutdownTimeoutStopsPool(t *testing.T) {
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(1)
	var once sync.Once
	svr, addr := startServer(t, Config{Codec: codec.CodecTypeJSON, Workers: 1}, func(s *Server) {
		blocker := &blockingService{release: release, started: func() { once.Do(started.Done) }}
		if err := s.RegisterServiceBean("block", blocker, "Wait"); err != nil {
			t.Fatal(err)
		}
	})
	tr := dial(t, addr, codec.CodecTypeJSON)
	if _, err := tr.AsyncSend(request(t, tr.Codec(), "block")); err != nil {
		t.Fatal(err)
	}
	started.Wait()

	if err := svr.Shutdown(50 * time.Millisecond); err == nil {
		t.Fatal("Shutdown returned nil with a request still running")
	}
	svr.connMu.Lock()
	pool := svr.pool
	svr.connMu.Unlock()
	if pool.trySubmit(func() {}) {
		t.Fatal("pool still accepts work after a timed out Shutdown")
	}
	close(release)
}
