package registry

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const DefaultNamespace = "mini-rpc"

// Config configures a registry Client.
type Config struct {
	Namespace  string
	Persistent bool // Publish persistent nodes instead of ephemeral ones
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client publishes local services and discovers remote ones.
type Client struct {
	store     Store
	namespace string
	ephemeral bool
	timeout   time.Duration
	logger    *zap.Logger

	cache sync.Map // serviceName → *ServiceInstance
	group singleflight.Group
	// Set while the store connection is suspended or lost; discovery then
	// answers from the cache only.
	loseConnection atomic.Bool

	mu         sync.Mutex
	registered map[string]RegisteredServiceInfo // node path → info
	sessions   map[int64]struct{}               // every session this process published under

	ctx    context.Context // watches live until Close
	cancel context.CancelFunc
}

func NewClient(store Store, cfg Config) *Client {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		store:      store,
		namespace:  cfg.Namespace,
		ephemeral:  !cfg.Persistent,
		timeout:    cfg.Timeout,
		logger:     logger,
		registered: make(map[string]RegisteredServiceInfo),
		sessions:   map[int64]struct{}{store.SessionID(): {}},
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	store.OnStateChange(c.onStateChange)
	return c
}

func (c *Client) servicePath(serviceName string) string {
	return "/" + c.namespace + "/" + serviceName
}

func (c *Client) nodePath(serviceName, address string) string {
	return c.servicePath(serviceName) + "/" + address
}

func (c *Client) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.ctx, c.timeout)
}

// InLoseConnectionMode reports whether discovery is served from the cache only.
func (c *Client) InLoseConnectionMode() bool {
	return c.loseConnection.Load()
}

// Discover returns the live provider list of serviceName.
//
// The first call installs a watch and lists the providers; later calls return
// the cached value, which the watch keeps current. While the store is
// unreachable an unknown service yields an empty, uncached instance.
func (c *Client) Discover(serviceName string) (*ServiceInstance, error) {
	if v, ok := c.cache.Load(serviceName); ok {
		return v.(*ServiceInstance), nil
	}
	if c.loseConnection.Load() {
		return NewServiceInstance(serviceName), nil
	}

	v, err, _ := c.group.Do(serviceName, func() (any, error) {
		if v, ok := c.cache.Load(serviceName); ok {
			return v, nil
		}
		return c.doDiscover(serviceName)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ServiceInstance), nil
}

func (c *Client) doDiscover(serviceName string) (*ServiceInstance, error) {
	c.logger.Info("discover service", zap.String("service", serviceName))
	inst := NewServiceInstance(serviceName)
	path := c.servicePath(serviceName)

	// Watch before listing, so no change between the two is missed.
	watchCtx, cancelWatch := context.WithCancel(c.ctx)
	if err := c.store.Watch(watchCtx, path, func(ev Event) { c.apply(inst, ev) }); err != nil {
		cancelWatch()
		return nil, fmt.Errorf("registry: watch %s: %w", path, err)
	}

	hosts, err := c.list(serviceName)
	if err != nil {
		cancelWatch()
		return nil, err
	}
	inst.Merge(hosts)
	c.cache.Store(serviceName, inst)
	return inst, nil
}

func (c *Client) list(serviceName string) ([]Instance, error) {
	ctx, cancel := c.opContext()
	defer cancel()

	path := c.servicePath(serviceName)
	children, err := c.store.List(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("registry: list %s: %w", path, err)
	}
	out := make([]Instance, 0, len(children))
	for _, address := range children {
		data, err := c.store.GetData(ctx, path+"/"+address)
		if errors.Is(err, ErrNoNode) {
			continue // removed since the list
		}
		if err != nil {
			return nil, fmt.Errorf("registry: get %s/%s: %w", path, address, err)
		}
		inst, err := toInstance(serviceName, address, data)
		if err != nil {
			c.logger.Error("skip malformed provider", zap.String("service", serviceName), zap.String("address", address), zap.Error(err))
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

func toInstance(serviceName, address string, data []byte) (Instance, error) {
	host, port, err := ParseAddress(address)
	if err != nil {
		return Instance{}, err
	}
	weight, err := DecodeWeight(data)
	if err != nil {
		return Instance{}, err
	}
	return Instance{Host: host, Port: port, ServiceName: serviceName, Weight: weight}, nil
}

// apply is the watch callback of a discovered service.
func (c *Client) apply(inst *ServiceInstance, ev Event) {
	address := lastSegment(ev.Path)
	log := c.logger.With(zap.String("service", inst.Name()), zap.String("address", address), zap.Stringer("event", ev.Type))

	switch ev.Type {
	case ChildAdded:
		host, err := toInstance(inst.Name(), address, ev.Data)
		if err != nil {
			log.Error("provider changed but could not be parsed", zap.Error(err))
			return
		}
		if inst.Add(host) {
			log.Info("provider added", zap.Int("weight", host.Weight))
		}
	case ChildRemoved:
		if inst.Remove(address) {
			log.Info("provider removed")
		}
	case ChildUpdated:
		weight, err := DecodeWeight(ev.Data)
		if err != nil {
			log.Error("provider changed but could not be parsed", zap.Error(err))
			return
		}
		if inst.UpdateWeight(address, weight) {
			log.Info("provider updated", zap.Int("weight", weight))
		} else {
			log.Warn("update for unknown provider")
		}
	}
}

func (c *Client) onStateChange(state State) {
	switch state {
	case StateSuspended, StateLost:
		if !c.loseConnection.Swap(true) {
			c.logger.Warn("registry connection lost, serving discovery from cache", zap.Stringer("state", state))
		}
	case StateConnected:
		c.loseConnection.Store(false)
	case StateReconnected:
		c.loseConnection.Store(false)
		c.logger.Info("registry reconnected, republishing services")
		if err := c.PublishAll(); err != nil {
			c.logger.Error("republish after reconnect", zap.Error(err))
		}
	}
}

// RegisterSingle publishes one service node. weight <= 0 uses the CPU count.
func (c *Client) RegisterSingle(host string, port int, serviceName string, weight int) error {
	if weight <= 0 {
		weight = runtime.NumCPU()
	}
	info := RegisteredServiceInfo{Host: host, Port: port, ServiceName: serviceName, Weight: weight}
	if err := c.publish(info); err != nil {
		return fmt.Errorf("registry: register %s at %s: %w", serviceName, info.Address(), err)
	}

	c.mu.Lock()
	c.registered[c.nodePath(serviceName, info.Address())] = info
	c.mu.Unlock()
	c.logger.Info("service registered", zap.String("service", serviceName), zap.String("addr", info.Address()), zap.Int("weight", weight))
	return nil
}

// RegisterGroup publishes every service at one address.
func (c *Client) RegisterGroup(host string, port int, services []ServiceInfo) error {
	var errs []error
	for _, s := range services {
		if err := c.RegisterSingle(host, port, s.ServiceName, s.Weight); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UnregisterSingle removes a node and forgets it.
func (c *Client) UnregisterSingle(host string, port int, serviceName string) error {
	address := RegisteredServiceInfo{Host: host, Port: port}.Address()
	path := c.nodePath(serviceName, address)

	ctx, cancel := c.opContext()
	defer cancel()
	err := c.store.Delete(ctx, path)
	if err != nil && !errors.Is(err, ErrNoNode) {
		return fmt.Errorf("registry: unregister %s at %s: %w", serviceName, address, err)
	}

	c.mu.Lock()
	delete(c.registered, path)
	c.mu.Unlock()
	c.logger.Info("service unregistered", zap.String("service", serviceName), zap.String("addr", address))
	return nil
}

// UpdateWeight changes the weight of a published node.
func (c *Client) UpdateWeight(host string, port int, serviceName string, weight int) error {
	address := RegisteredServiceInfo{Host: host, Port: port}.Address()
	path := c.nodePath(serviceName, address)

	ctx, cancel := c.opContext()
	defer cancel()
	if err := c.store.SetData(ctx, path, EncodeWeight(weight)); err != nil {
		return fmt.Errorf("registry: update %s at %s: %w", serviceName, address, err)
	}

	c.mu.Lock()
	if info, ok := c.registered[path]; ok {
		info.Weight = weight
		c.registered[path] = info
	}
	c.mu.Unlock()
	return nil
}

// Registered returns the nodes this process published.
func (c *Client) Registered() []RegisteredServiceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RegisteredServiceInfo, 0, len(c.registered))
	for _, info := range c.registered {
		out = append(out, info)
	}
	return out
}

// PublishAll (re)publishes every registered node.
func (c *Client) PublishAll() error {
	c.mu.Lock()
	c.sessions[c.store.SessionID()] = struct{}{}
	c.mu.Unlock()

	var errs []error
	for _, info := range c.Registered() {
		if err := c.publish(info); err != nil {
			errs = append(errs, fmt.Errorf("registry: publish %s at %s: %w", info.ServiceName, info.Address(), err))
		}
	}
	return errors.Join(errs...)
}

// UnpublishAll removes every registered node but keeps the records, so a
// later PublishAll restores them.
func (c *Client) UnpublishAll() error {
	var errs []error
	for _, info := range c.Registered() {
		ctx, cancel := c.opContext()
		err := c.store.Delete(ctx, c.nodePath(info.ServiceName, info.Address()))
		cancel()
		switch {
		case errors.Is(err, ErrNoNode):
			c.logger.Warn("no node to unpublish", zap.String("service", info.ServiceName), zap.String("addr", info.Address()))
		case err != nil:
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// publish creates the node of info. An existing node counts as published,
// except an ephemeral node left behind by an earlier session of this
// process, which is replaced.
func (c *Client) publish(info RegisteredServiceInfo) error {
	ctx, cancel := c.opContext()
	defer cancel()

	path := c.nodePath(info.ServiceName, info.Address())
	data := EncodeWeight(info.Weight)
	err := c.store.Create(ctx, path, data, c.ephemeral)
	if err == nil || !errors.Is(err, ErrNodeExists) {
		return err
	}
	if !c.ephemeral {
		return nil
	}

	stat, err := c.store.Stat(ctx, path)
	if errors.Is(err, ErrNoNode) {
		return c.store.Create(ctx, path, data, true)
	}
	if err != nil {
		return err
	}

	current := c.store.SessionID()
	c.mu.Lock()
	_, ours := c.sessions[stat.EphemeralOwner]
	c.mu.Unlock()
	if stat.EphemeralOwner == current || !ours {
		if !ours {
			c.logger.Warn("node exists under a foreign session",
				zap.String("path", path), zap.Int64("owner", stat.EphemeralOwner))
		}
		return nil
	}

	c.logger.Info("replace stale node", zap.String("path", path), zap.Int64("owner", stat.EphemeralOwner))
	if err := c.store.Delete(ctx, path); err != nil && !errors.Is(err, ErrNoNode) {
		return err
	}
	return c.store.Create(ctx, path, data, true)
}

// Close stops every watch and closes the store. Persistent nodes are removed
// first; ephemeral ones go with the session.
func (c *Client) Close() error {
	var errs []error
	if !c.ephemeral {
		errs = append(errs, c.UnpublishAll())
	}
	c.cancel()
	errs = append(errs, c.store.Close())
	return errors.Join(errs...)
}
