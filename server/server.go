// Package server implements the RPC server with service binding, middleware chain,
// pooled request processing, heartbeat supervision and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: worker pool (bounded parallel processing)
//	    → Middleware Chain → businessHandler (reflect.Call) → Codec.Encode → write response
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"peer-rpc/codec"
	"peer-rpc/message"
	"peer-rpc/middleware"
	"peer-rpc/protocol"
)

const (
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultHeartbeatTimes    = 10
	DefaultQueueSize         = 1024
)

// Config configures a Server. Zero fields take defaults.
type Config struct {
	HeartbeatInterval time.Duration // Idle time that counts as one missed heartbeat
	HeartbeatTimes    int           // Missed heartbeats before the connection is closed
	Workers           int
	QueueSize         int
	Codec             codec.CodecType
	MaxFrameLength    int
	Logger            *zap.Logger
}

// Publisher announces this server's services, typically the registry client.
type Publisher interface {
	PublishAll() error
	UnpublishAll() error
}

// Server is the RPC server that binds services and handles incoming requests.
type Server struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.RWMutex
	beans map[string]*bean // serviceName → bound method

	middlewares []middleware.Middleware // Registered middlewares (applied in order)
	handler     middleware.HandlerFunc  // middleware(middleware(...(businessHandler)))
	pool        *workerPool
	publisher   Publisher

	listener net.Listener
	wg       sync.WaitGroup // Tracks in-flight requests for graceful shutdown
	shutdown atomic.Bool    // Set during shutdown to suppress Accept errors
	// Held for reading across the shutdown check and wg.Add in dispatch, for
	// writing while the flag is set.
	admitMu sync.RWMutex

	connMu sync.Mutex
	conns  map[*serverConn]struct{}
}

// NewServer creates a server with no services.
func NewServer(cfg Config) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTimes <= 0 {
		cfg.HeartbeatTimes = DefaultHeartbeatTimes
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxFrameLength <= 0 {
		cfg.MaxFrameLength = protocol.MaxFrameLength
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		beans:  make(map[string]*bean),
		conns:  make(map[*serverConn]struct{}),
	}
}

// RegisterServiceBean binds serviceName to rcvr's method methodName.
func (svr *Server) RegisterServiceBean(serviceName string, rcvr any, methodName string) error {
	b, err := newBean(serviceName, rcvr, methodName)
	if err != nil {
		return err
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if _, ok := svr.beans[serviceName]; ok {
		return fmt.Errorf("rpc: service %s already bound", serviceName)
	}
	svr.beans[serviceName] = b
	svr.logger.Info("service bound", zap.String("service", serviceName), zap.Strings("signature", b.signature))
	return nil
}

// Register binds every exported method of rcvr as "Type.Method". If any of
// those names is already bound nothing is registered.
func (svr *Server) Register(rcvr any) error {
	beans, err := scanBeans(rcvr)
	if err != nil {
		return err
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	for name := range beans {
		if _, ok := svr.beans[name]; ok {
			return fmt.Errorf("rpc: service %s already bound", name)
		}
	}
	for name, b := range beans {
		svr.beans[name] = b
	}
	return nil
}

// UnregisterServiceBean removes a binding. Later requests get SERVER_FAILED.
func (svr *Server) UnregisterServiceBean(serviceName string) bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	_, ok := svr.beans[serviceName]
	delete(svr.beans, serviceName)
	return ok
}

// Services returns the bound service names.
func (svr *Server) Services() []string {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	names := make([]string, 0, len(svr.beans))
	for name := range svr.beans {
		names = append(names, name)
	}
	return names
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// SetPublisher installs the publisher run by Serve and Shutdown.
func (svr *Server) SetPublisher(p Publisher) {
	svr.publisher = p
}

// ListenAndServe listens on address and serves.
func (svr *Server) ListenAndServe(network, address string) error {
	lis, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.Serve(lis)
}

// Serve accepts connections on lis until Shutdown.
func (svr *Server) Serve(lis net.Listener) error {
	// Build the middleware chain once at startup (not per-request)
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
	svr.connMu.Lock()
	if svr.shutdown.Load() {
		svr.connMu.Unlock()
		lis.Close()
		return nil
	}
	svr.pool = newWorkerPool(svr.cfg.Workers, svr.cfg.QueueSize)
	svr.listener = lis
	svr.connMu.Unlock()

	if svr.publisher != nil {
		if err := svr.publisher.PublishAll(); err != nil {
			svr.logger.Error("publish services", zap.Error(err))
		}
	}
	svr.logger.Info("server started", zap.String("addr", lis.Addr().String()), zap.Stringer("codec", svr.cfg.Codec))

	// Accept loop: one goroutine per connection
	for {
		conn, err := lis.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		sc, err := svr.newServerConn(conn)
		if err != nil {
			svr.logger.Error("unsupported codec", zap.Error(err))
			conn.Close()
			continue
		}
		go svr.handleConn(sc)
	}
}

// Shutdown performs graceful shutdown:
//  1. Unpublish from the registry (clients stop routing to this server)
//  2. Close the listener (stop accepting new connections)
//  3. Wait for in-flight requests to finish (with timeout)
//  4. Close the remaining connections and the worker pool
//
// On timeout the pool stops taking work without waiting for the stuck tasks.
func (svr *Server) Shutdown(timeout time.Duration) error {
	if svr.publisher != nil {
		if err := svr.publisher.UnpublishAll(); err != nil {
			svr.logger.Warn("unpublish services", zap.Error(err))
		}
	}

	// Set the flag BEFORE closing the listener, so Serve returns nil.
	svr.connMu.Lock()
	svr.admitMu.Lock()
	svr.shutdown.Store(true)
	svr.admitMu.Unlock()
	if svr.listener != nil {
		svr.listener.Close()
	}
	svr.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.New("timeout waiting for ongoing requests to finish")
	}

	svr.connMu.Lock()
	for sc := range svr.conns {
		sc.conn.Close()
	}
	pool := svr.pool
	svr.connMu.Unlock()
	switch {
	case pool == nil:
	case err == nil:
		pool.close()
	default:
		pool.stop()
	}
	return err
}

type codecKey struct{}

// CodecFromContext returns the codec of the connection a request arrived on.
func CodecFromContext(ctx context.Context) (codec.Codec, bool) {
	c, ok := ctx.Value(codecKey{}).(codec.Codec)
	return c, ok
}

// businessHandler dispatches a request to its bound method.
// It is wrapped by the middleware chain and never lets a panic escape.
func (svr *Server) businessHandler(ctx context.Context, req *message.Request) (resp *message.Response) {
	defer func() {
		if r := recover(); r != nil {
			svr.logger.Error("service panic", zap.String("service", req.ServiceName), zap.Any("panic", r))
			resp = message.Failed(req.RequestID, message.StatusServerFailed, fmt.Sprintf("service %s panicked: %v", req.ServiceName, r))
		}
	}()

	svr.mu.RLock()
	b, ok := svr.beans[req.ServiceName]
	svr.mu.RUnlock()
	if !ok {
		return message.Failed(req.RequestID, message.StatusServerFailed, "no bean contains service "+req.ServiceName)
	}

	c, ok := CodecFromContext(ctx)
	if !ok {
		return message.Failed(req.RequestID, message.StatusServerFailed, "no codec for request")
	}
	data, err := b.invoke(c, req)
	if err != nil {
		return message.Failed(req.RequestID, message.StatusServerFailed, err.Error())
	}
	return message.Success(req.RequestID, data)
}
