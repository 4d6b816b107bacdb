package registry

import (
	"context"
	"errors"
)

var (
	ErrNodeExists       = errors.New("registry: node already exists")
	ErrNoNode           = errors.New("registry: no such node")
	ErrStoreUnavailable = errors.New("registry: store unavailable")
)

type EventType int

// Child events of a watched path.
const (
	ChildAdded EventType = iota
	ChildUpdated
	ChildRemoved
)

func (e EventType) String() string {
	switch e {
	case ChildAdded:
		return "CHILD_ADDED"
	case ChildUpdated:
		return "CHILD_UPDATED"
	case ChildRemoved:
		return "CHILD_REMOVED"
	}
	return "UNKNOWN"
}

// Event describes a change to one direct child of a watched path.
type Event struct {
	Type EventType
	Path string // Full path of the child
	Data []byte // Nil for ChildRemoved
}

// State is the connection state between this process and the store.
type State int

const (
	StateConnected State = iota
	StateSuspended
	StateLost
	StateReconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateSuspended:
		return "SUSPENDED"
	case StateLost:
		return "LOST"
	case StateReconnected:
		return "RECONNECTED"
	}
	return "UNKNOWN"
}

// Stat is node metadata.
type Stat struct {
	// EphemeralOwner is the session that owns an ephemeral node, 0 for a
	// persistent one.
	EphemeralOwner int64
}

// Store is the hierarchical key-value store behind the registry.
type Store interface {
	// List returns the names of the direct children of path. A missing path
	// has no children.
	List(ctx context.Context, path string) ([]string, error)
	GetData(ctx context.Context, path string) ([]byte, error)
	// Create fails with ErrNodeExists when path is already present.
	// Ephemeral nodes disappear with the session that created them.
	Create(ctx context.Context, path string, data []byte, ephemeral bool) error
	// SetData fails with ErrNoNode when path is absent.
	SetData(ctx context.Context, path string, data []byte) error
	// Delete fails with ErrNoNode when path is absent.
	Delete(ctx context.Context, path string) error
	Stat(ctx context.Context, path string) (*Stat, error)
	// Watch calls fn for every child event under path until ctx is done.
	// The watch is active when Watch returns. fn must not mutate the store.
	Watch(ctx context.Context, path string, fn func(Event)) error
	// SessionID identifies the current session.
	SessionID() int64
	OnStateChange(fn func(State))
	Close() error
}
