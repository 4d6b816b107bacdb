// Package client is the consumer side of the runtime: a table of bound remote
// methods, instance selection through the registry and a load balancer, and a
// shared connection per provider.
package client

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peer-rpc/codec"
	"peer-rpc/loadbalance"
	"peer-rpc/message"
	"peer-rpc/rpcerr"
	"peer-rpc/transport"
)

// MaxAttempts bounds instance selection for one call.
const MaxAttempts = 5

// Method describes one bound remote method.
type Method struct {
	ServiceName    string
	Strategy       loadbalance.Strategy
	Timeout        time.Duration // <= 0 uses Options.RequestTimeout
	ParameterTypes []string      // Empty derives the types from the arguments
	Async          bool
}

// Options configures a Client. Zero fields take defaults.
type Options struct {
	Codec             codec.CodecType
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	Logger            *zap.Logger

	// Factory replaces the TCP dialer. A dead connection it returned is
	// dropped on its next lookup.
	Factory ConnectionFactory
}

type Client struct {
	opts    Options
	codec   codec.Codec
	logger  *zap.Logger
	manager *ConnectionManager

	mu      sync.RWMutex
	methods map[string]Method
}

// New creates a client resolving providers through reg.
func New(reg Discoverer, opts Options) (*Client, error) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = transport.DefaultRequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c, err := codec.New(opts.Codec)
	if err != nil {
		return nil, err
	}

	m := NewConnectionManager(opts.Logger)
	m.SetRegistry(reg)
	if opts.Factory != nil {
		m.SetFactory(opts.Factory)
	} else {
		d := &transport.Dialer{
			Codec:             opts.Codec,
			ConnectTimeout:    opts.ConnectTimeout,
			RequestTimeout:    opts.RequestTimeout,
			HeartbeatInterval: opts.HeartbeatInterval,
			Logger:            opts.Logger,
			OnInactive: func(t *transport.Transporter) {
				m.release(t.Address(), t)
			},
		}
		m.SetFactory(FactoryFunc(func(address string) (Connection, error) {
			t, err := d.Dial(address)
			if err != nil {
				return nil, err
			}
			return t, nil
		}))
	}

	return &Client{
		opts:    opts,
		codec:   c,
		logger:  opts.Logger,
		manager: m,
		methods: make(map[string]Method),
	}, nil
}

// Manager exposes the connection manager.
func (c *Client) Manager() *ConnectionManager { return c.manager }

// Bind registers a remote method under name.
func (c *Client) Bind(name string, m Method) error {
	if m.ServiceName == "" {
		return fmt.Errorf("rpc: method %s has no service name", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.methods[name]; ok {
		return fmt.Errorf("rpc: method %s already bound", name)
	}
	c.methods[name] = m
	return nil
}

func (c *Client) method(name string) (Method, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.methods[name]
	return m, ok
}

// Invoke calls the method bound as name.
//
// An async method returns its future as soon as the request is written; the
// caller decodes the result with Get. A sync method waits for the result,
// decodes it into reply and returns a nil future.
func (c *Client) Invoke(name string, reply any, args ...any) (*transport.ResponseFuture, error) {
	m, ok := c.method(name)
	if !ok {
		return nil, fmt.Errorf("rpc: no method bound as %s", name)
	}
	return c.invoke(m, reply, args)
}

// Call invokes name and waits for the result regardless of the bound mode.
// A timeout unregisters the request, for async methods too.
func (c *Client) Call(name string, reply any, args ...any) error {
	m, ok := c.method(name)
	if !ok {
		return fmt.Errorf("rpc: no method bound as %s", name)
	}
	m.Async = false
	_, err := c.invoke(m, reply, args)
	return err
}

func (c *Client) invoke(m Method, reply any, args []any) (*transport.ResponseFuture, error) {
	req, err := c.newRequest(m, args)
	if err != nil {
		return nil, err
	}

	timeout := m.Timeout
	if timeout <= 0 {
		timeout = c.opts.RequestTimeout
	}

	var future *transport.ResponseFuture
	err = c.withConnection(m, func(conn Connection) error {
		if m.Async {
			var err error
			future, err = conn.AsyncSend(req)
			return err
		}
		return conn.SyncSend(req, timeout, reply)
	})
	return future, err
}

func (c *Client) newRequest(m Method, args []any) (*message.Request, error) {
	types := m.ParameterTypes
	if len(types) == 0 && len(args) > 0 {
		types = make([]string, len(args))
		for i, a := range args {
			if a == nil {
				return nil, fmt.Errorf("rpc: argument %d of %s is nil and has no declared type", i, m.ServiceName)
			}
			types[i] = reflect.TypeOf(a).String()
		}
	}
	if len(types) != len(args) {
		return nil, fmt.Errorf("rpc: %s declares %d parameters, got %d arguments", m.ServiceName, len(types), len(args))
	}

	params := make([][]byte, len(args))
	for i, a := range args {
		data, err := c.codec.Encode(a)
		if err != nil {
			return nil, err
		}
		params[i] = data
	}
	return &message.Request{
		RequestID:      uuid.NewString(),
		ServiceName:    m.ServiceName,
		ParameterTypes: types,
		Parameters:     params,
	}, nil
}

// withConnection runs send on a provider of m.ServiceName. The method's
// strategy picks first; later attempts pick at random. A selection failure
// is returned as is. Only failures that left the request unsent move on to
// another attempt.
func (c *Client) withConnection(m Method, send func(Connection) error) error {
	var lastErr error
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		instances := c.manager.InstancesFor(m.ServiceName)
		if len(instances) == 0 {
			return rpcerr.Wrapf(rpcerr.ErrNoInstanceAvailable, "service %s", m.ServiceName)
		}

		strategy := m.Strategy
		if attempt > 0 {
			strategy = loadbalance.Random
		}
		inst, err := strategy.Balancer().Pick(instances)
		if err != nil {
			return err
		}

		conn, ok := c.manager.GetOrCreate(inst.Address())
		if !ok {
			lastErr = rpcerr.Wrapf(rpcerr.ErrConnectionUnavailable, "%s", inst.Address())
			continue
		}
		err = send(conn)
		if err == nil || !rpcerr.Retryable(err) {
			return err
		}
		lastErr = err
		c.logger.Debug("retry on another instance",
			zap.String("service", m.ServiceName), zap.String("addr", inst.Address()), zap.Error(err))
	}
	return rpcerr.Wrapf(rpcerr.ErrConnectionUnavailable, "service %s after %d attempts: %v", m.ServiceName, MaxAttempts, lastErr)
}

// Close destroys every connection.
func (c *Client) Close() {
	c.manager.Close()
}
