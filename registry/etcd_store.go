package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc/connectivity"
)

// EtcdConfig configures an EtcdStore.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	LeaseTTL    int64 // Seconds an ephemeral node outlives a lost session
	Logger      *zap.Logger
}

// EtcdStore implements Store on etcd v3.
//
// etcd is a distributed key-value store that provides strong consistency (Raft protocol).
// Ephemeral nodes are keys attached to the store's lease: if the process dies
// or loses etcd for longer than the TTL, the lease expires and the keys are
// removed, preventing "ghost" instances. The lease id is the session id.
type EtcdStore struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
	ttl    int64
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	lease     clientv3.LeaseID
	leaseLost bool
	listeners []func(State)
}

// NewEtcdStore connects to etcd and opens a session lease.
func NewEtcdStore(cfg EtcdConfig) (*EtcdStore, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}

	s := &EtcdStore{client: c, ttl: cfg.LeaseTTL, logger: logger}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	ctx, cancel := context.WithTimeout(s.ctx, cfg.DialTimeout)
	defer cancel()
	if err := s.renewLease(ctx); err != nil {
		s.cancel()
		_ = c.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	go s.monitor()
	return s, nil
}

// renewLease grants a fresh lease and starts keeping it alive.
func (s *EtcdStore) renewLease(ctx context.Context) error {
	lease, err := s.client.Grant(ctx, s.ttl)
	if err != nil {
		return err
	}
	// KeepAlive must outlive ctx, so it runs on the store context.
	ch, err := s.client.KeepAlive(s.ctx, lease.ID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.lease = lease.ID
	s.leaseLost = false
	s.mu.Unlock()

	go s.drainKeepAlive(lease.ID, ch)
	return nil
}

// drainKeepAlive consumes KeepAlive responses to prevent the channel from
// filling up. When the channel closes the session is gone and a new lease is
// granted as soon as etcd answers again.
func (s *EtcdStore) drainKeepAlive(id clientv3.LeaseID, ch <-chan *clientv3.LeaseKeepAliveResponse) {
	for range ch {
	}
	if s.ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	if s.lease != id {
		s.mu.Unlock()
		return
	}
	s.leaseLost = true
	s.mu.Unlock()
	s.logger.Warn("etcd lease lost", zap.Int64("lease", int64(id)))
	s.notify(StateLost)

	backoff := time.Second
	for {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		err := s.renewLease(ctx)
		cancel()
		if err == nil {
			s.notify(StateReconnected)
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// monitor maps the gRPC channel state to store states.
func (s *EtcdStore) monitor() {
	conn := s.client.ActiveConnection()
	state := conn.GetState()
	suspended := false
	for conn.WaitForStateChange(s.ctx, state) {
		state = conn.GetState()
		switch state {
		case connectivity.TransientFailure, connectivity.Shutdown:
			if !suspended {
				suspended = true
				s.logger.Warn("etcd connection suspended", zap.Stringer("state", state))
				s.notify(StateSuspended)
			}
		case connectivity.Ready:
			if suspended {
				suspended = false
				s.mu.Lock()
				lost := s.leaseLost
				s.mu.Unlock()
				// A lost lease reconnects through drainKeepAlive.
				if !lost {
					s.logger.Info("etcd connection restored")
					s.notify(StateReconnected)
				}
			}
		}
	}
}

func (s *EtcdStore) notify(state State) {
	s.mu.Lock()
	listeners := append([]func(State){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(state)
	}
}

func (s *EtcdStore) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *EtcdStore) SessionID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.lease)
}

func (s *EtcdStore) List(ctx context.Context, path string) ([]string, error) {
	prefix := strings.TrimSuffix(path, "/") + "/"
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if name, ok := directChild(prefix, string(kv.Key)); ok {
			out = append(out, name)
		}
	}
	return out, nil
}

func (s *EtcdStore) GetData(ctx context.Context, path string) ([]byte, error) {
	resp, err := s.client.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNoNode
	}
	return resp.Kvs[0].Value, nil
}

func (s *EtcdStore) Stat(ctx context.Context, path string) (*Stat, error) {
	resp, err := s.client.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNoNode
	}
	return &Stat{EphemeralOwner: resp.Kvs[0].Lease}, nil
}

// Create puts path only if it has never been created, atomically.
func (s *EtcdStore) Create(ctx context.Context, path string, data []byte, ephemeral bool) error {
	var opts []clientv3.OpOption
	if ephemeral {
		s.mu.Lock()
		lease, lost := s.lease, s.leaseLost
		s.mu.Unlock()
		if lost {
			return fmt.Errorf("%w: no live lease", ErrStoreUnavailable)
		}
		opts = append(opts, clientv3.WithLease(lease))
	}
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), "=", 0)).
		Then(clientv3.OpPut(path, string(data), opts...)).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return ErrNodeExists
	}
	return nil
}

// SetData keeps the lease the key is attached to.
func (s *EtcdStore) SetData(ctx context.Context, path string, data []byte) error {
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), ">", 0)).
		Then(clientv3.OpPut(path, string(data), clientv3.WithIgnoreLease())).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return ErrNoNode
	}
	return nil
}

func (s *EtcdStore) Delete(ctx context.Context, path string) error {
	resp, err := s.client.Delete(ctx, path)
	if err != nil {
		return err
	}
	if resp.Deleted == 0 {
		return ErrNoNode
	}
	return nil
}

// Watch monitors the children of path using etcd's Watch API (server-push).
// It returns once etcd confirmed the watch.
func (s *EtcdStore) Watch(ctx context.Context, path string, fn func(Event)) error {
	prefix := strings.TrimSuffix(path, "/") + "/"
	wch := s.client.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithCreatedNotify())

	select {
	case resp, ok := <-wch:
		if !ok {
			return fmt.Errorf("%w: watch %s closed", ErrStoreUnavailable, prefix)
		}
		if err := resp.Err(); err != nil {
			return err
		}
		go s.watchLoop(ctx, prefix, wch, resp.Header.Revision, fn)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *EtcdStore) watchLoop(ctx context.Context, prefix string, wch clientv3.WatchChan, rev int64, fn func(Event)) {
	for {
		for resp := range wch {
			if err := resp.Err(); err != nil {
				s.logger.Warn("etcd watch error", zap.String("prefix", prefix), zap.Error(err))
				if resp.CompactRevision > rev {
					rev = resp.CompactRevision - 1
				}
				continue
			}
			for _, ev := range resp.Events {
				key := string(ev.Kv.Key)
				if _, ok := directChild(prefix, key); !ok {
					continue
				}
				switch {
				case ev.Type == clientv3.EventTypeDelete:
					fn(Event{Type: ChildRemoved, Path: key})
				case ev.IsCreate():
					fn(Event{Type: ChildAdded, Path: key, Data: ev.Kv.Value})
				default:
					fn(Event{Type: ChildUpdated, Path: key, Data: ev.Kv.Value})
				}
				rev = ev.Kv.ModRevision
			}
		}
		if ctx.Err() != nil || s.ctx.Err() != nil {
			return
		}
		// The watch channel closed under us; resume after the last seen revision.
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
		wch = s.client.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	}
}

// Close revokes the session lease, which removes every ephemeral node.
func (s *EtcdStore) Close() error {
	s.mu.Lock()
	lease := s.lease
	s.mu.Unlock()

	// Stop keepalive first so the revoke is not reported as a lost session.
	s.cancel()
	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if _, err := s.client.Revoke(ctx, lease); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		errs = append(errs, err)
	}
	cancel()
	errs = append(errs, s.client.Close())
	return errors.Join(errs...)
}
