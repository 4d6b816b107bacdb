package client

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"peer-rpc/message"
	"peer-rpc/registry"
	"peer-rpc/transport"
)

// Connection is one live channel to a provider. *transport.Transporter
// implements it.
type Connection interface {
	Address() string
	IsAvailable() bool
	SyncSend(req *message.Request, timeout time.Duration, reply any) error
	AsyncSend(req *message.Request) (*transport.ResponseFuture, error)
	Destroy()
}

// ConnectionFactory dials a provider at host:port.
type ConnectionFactory interface {
	CreateConnection(address string) (Connection, error)
}

// FactoryFunc adapts a function to ConnectionFactory.
type FactoryFunc func(address string) (Connection, error)

func (f FactoryFunc) CreateConnection(address string) (Connection, error) {
	return f(address)
}

// Discoverer resolves a service name to its live provider list.
// *registry.Client implements it.
type Discoverer interface {
	Discover(serviceName string) (*registry.ServiceInstance, error)
}

// ConnectionManager keeps at most one connection per provider address.
type ConnectionManager struct {
	conns  sync.Map // address → Connection
	dialMu sync.Mutex

	mu       sync.Mutex
	factory  ConnectionFactory
	registry Discoverer
	logger   *zap.Logger
}

func NewConnectionManager(logger *zap.Logger) *ConnectionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionManager{logger: logger}
}

// SetFactory installs the dialer. Only the first call takes effect.
func (m *ConnectionManager) SetFactory(f ConnectionFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.factory != nil {
		m.logger.Warn("connection factory already set, ignored")
		return
	}
	m.factory = f
}

// SetRegistry installs the discovery source. Only the first call takes effect.
func (m *ConnectionManager) SetRegistry(r Discoverer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registry != nil {
		m.logger.Warn("registry already set, ignored")
		return
	}
	m.registry = r
}

func (m *ConnectionManager) getFactory() ConnectionFactory {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.factory
}

func (m *ConnectionManager) getRegistry() Discoverer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry
}

func (m *ConnectionManager) load(address string) (Connection, bool) {
	v, ok := m.conns.Load(address)
	if !ok {
		return nil, false
	}
	conn := v.(Connection)
	if conn.IsAvailable() {
		return conn, true
	}
	m.release(address, conn)
	return nil, false
}

// GetOrCreate returns the live connection for address, dialing one if needed.
// Concurrent callers for the same address share a single dial.
func (m *ConnectionManager) GetOrCreate(address string) (Connection, bool) {
	if conn, ok := m.load(address); ok {
		return conn, true
	}

	m.dialMu.Lock()
	defer m.dialMu.Unlock()
	if conn, ok := m.load(address); ok {
		return conn, true
	}

	factory := m.getFactory()
	if factory == nil {
		m.logger.Error("no connection factory")
		return nil, false
	}
	conn, err := factory.CreateConnection(address)
	if err != nil {
		m.logger.Warn("create connection", zap.String("addr", address), zap.Error(err))
		return nil, false
	}
	if !conn.IsAvailable() {
		conn.Destroy()
		return nil, false
	}

	m.conns.Store(address, conn)
	// The channel may have died between the check and the store, after its
	// inactive hook already ran.
	if !conn.IsAvailable() {
		m.release(address, conn)
		return nil, false
	}
	return conn, true
}

// Evict drops and destroys the connection for address, if any.
func (m *ConnectionManager) Evict(address string) {
	if v, ok := m.conns.LoadAndDelete(address); ok {
		v.(Connection).Destroy()
	}
}

// release removes conn only if it is still the one mapped to address.
func (m *ConnectionManager) release(address string, conn Connection) {
	if m.conns.CompareAndDelete(address, conn) {
		m.logger.Debug("connection released", zap.String("addr", address))
	}
	if conn.IsAvailable() {
		conn.Destroy()
	}
}

// InstancesFor returns the current providers of serviceName, or nil when the
// registry is missing or fails.
func (m *ConnectionManager) InstancesFor(serviceName string) []registry.Instance {
	r := m.getRegistry()
	if r == nil {
		return nil
	}
	si, err := r.Discover(serviceName)
	if err != nil {
		m.logger.Warn("discover", zap.String("service", serviceName), zap.Error(err))
		return nil
	}
	return si.Hosts()
}

// Len is the number of cached connections.
func (m *ConnectionManager) Len() int {
	n := 0
	m.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close destroys every connection.
func (m *ConnectionManager) Close() {
	m.conns.Range(func(key, value any) bool {
		if m.conns.CompareAndDelete(key, value) {
			value.(Connection).Destroy()
		}
		return true
	})
}
