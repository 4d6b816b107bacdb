package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memNode struct {
	data  []byte
	owner int64 // 0 for persistent nodes
}

type memWatch struct {
	path string
	fn   func(Event)
}

// MemoryStore is an in-process Store.
//
// It keeps ephemeral ownership like a session based store and can simulate a
// connection suspension, a session expiry and a reconnection.
type MemoryStore struct {
	mu        sync.Mutex
	nodes     map[string]*memNode
	watches   map[int]*memWatch
	nextWatch int
	session   int64
	suspended bool
	closed    bool
	listeners []func(State)

	// Held while events are delivered, so they arrive in mutation order.
	dispatchMu sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:   make(map[string]*memNode),
		watches: make(map[int]*memWatch),
		session: 1,
	}
}

func (s *MemoryStore) checkLocked() error {
	if s.closed || s.suspended {
		return ErrStoreUnavailable
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(path, "/") + "/"
	var out []string
	for p := range s.nodes {
		if name, ok := directChild(prefix, p); ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) GetData(_ context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	n, ok := s.nodes[path]
	if !ok {
		return nil, ErrNoNode
	}
	return append([]byte(nil), n.data...), nil
}

func (s *MemoryStore) Stat(_ context.Context, path string) (*Stat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	n, ok := s.nodes[path]
	if !ok {
		return nil, ErrNoNode
	}
	return &Stat{EphemeralOwner: n.owner}, nil
}

func (s *MemoryStore) Create(_ context.Context, path string, data []byte, ephemeral bool) error {
	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if _, ok := s.nodes[path]; ok {
		s.mu.Unlock()
		return ErrNodeExists
	}
	n := &memNode{data: append([]byte(nil), data...)}
	if ephemeral {
		n.owner = s.session
	}
	s.nodes[path] = n
	s.dispatch(Event{Type: ChildAdded, Path: path, Data: n.data})
	return nil
}

func (s *MemoryStore) SetData(_ context.Context, path string, data []byte) error {
	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	n, ok := s.nodes[path]
	if !ok {
		s.mu.Unlock()
		return ErrNoNode
	}
	n.data = append([]byte(nil), data...)
	s.dispatch(Event{Type: ChildUpdated, Path: path, Data: n.data})
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if _, ok := s.nodes[path]; !ok {
		s.mu.Unlock()
		return ErrNoNode
	}
	delete(s.nodes, path)
	s.dispatch(Event{Type: ChildRemoved, Path: path})
	return nil
}

func (s *MemoryStore) Watch(ctx context.Context, path string, fn func(Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	id := s.nextWatch
	s.nextWatch++
	s.watches[id] = &memWatch{path: strings.TrimSuffix(path, "/") + "/", fn: fn}
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watches, id)
		s.mu.Unlock()
	}()
	return nil
}

func (s *MemoryStore) SessionID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *MemoryStore) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.watches = map[int]*memWatch{}
	return nil
}

// Suspend simulates a lost connection. Every operation fails until Resume.
func (s *MemoryStore) Suspend() {
	s.mu.Lock()
	s.suspended = true
	s.mu.Unlock()
	s.notify(StateSuspended)
}

// Resume ends a suspension and reports a reconnection.
func (s *MemoryStore) Resume() {
	s.mu.Lock()
	s.suspended = false
	s.mu.Unlock()
	s.notify(StateReconnected)
}

// ExpireSession starts a new session. With reap the ephemeral nodes of the old
// session are removed; without it they linger the way a server that has not
// yet noticed the expiry keeps them.
func (s *MemoryStore) ExpireSession(reap bool) {
	s.mu.Lock()
	old := s.session
	s.session++
	if !reap {
		s.mu.Unlock()
		return
	}
	var events []Event
	for p, n := range s.nodes {
		if n.owner == old {
			delete(s.nodes, p)
			events = append(events, Event{Type: ChildRemoved, Path: p})
		}
	}
	s.dispatch(events...)
}

// dispatch must be called with s.mu held; it releases it.
func (s *MemoryStore) dispatch(events ...Event) {
	type delivery struct {
		fn func(Event)
		ev Event
	}
	var out []delivery
	for _, ev := range events {
		for _, w := range s.watches {
			if _, ok := directChild(w.path, ev.Path); ok {
				out = append(out, delivery{fn: w.fn, ev: ev})
			}
		}
	}
	s.dispatchMu.Lock()
	s.mu.Unlock()
	defer s.dispatchMu.Unlock()
	for _, d := range out {
		d.fn(d.ev)
	}
}

func (s *MemoryStore) notify(state State) {
	s.mu.Lock()
	listeners := append([]func(State){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(state)
	}
}

// directChild reports whether p is a direct child of prefix (which ends in /).
func directChild(prefix, p string) (string, bool) {
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	name := p[len(prefix):]
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}
