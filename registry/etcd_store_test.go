package registry

import (
	"context"
	"os"
	"testing"
	"time"
)

// Needs a running etcd; set ETCD_ENDPOINT to override localhost:2379.
func newEtcdStore(t *testing.T) *EtcdStore {
	t.Helper()
	endpoint := os.Getenv("ETCD_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:2379"
	}
	s, err := NewEtcdStore(EtcdConfig{Endpoints: []string{endpoint}, DialTimeout: time.Second, LeaseTTL: 5})
	if err != nil {
		t.Skipf("etcd not reachable at %s: %v", endpoint, err)
	}
	return s
}

func TestEtcdStoreNodes(t *testing.T) {
	s := newEtcdStore(t)
	defer s.Close()
	ctx := context.Background()
	path := "/peer-rpc-test/echo/127.0.0.1:8001"
	defer s.Delete(ctx, path)

	if err := s.Create(ctx, path, EncodeWeight(3), true); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, path, EncodeWeight(3), true); err != ErrNodeExists {
		t.Fatalf("expected ErrNodeExists, got %v", err)
	}
	stat, err := s.Stat(ctx, path)
	if err != nil || stat.EphemeralOwner != s.SessionID() {
		t.Fatalf("Stat = %+v, %v; want owner %d", stat, err, s.SessionID())
	}
	children, err := s.List(ctx, "/peer-rpc-test/echo")
	if err != nil || len(children) != 1 || children[0] != "127.0.0.1:8001" {
		t.Fatalf("List = %v, %v", children, err)
	}
	if err := s.Delete(ctx, path); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, path); err != ErrNoNode {
		t.Fatalf("expected ErrNoNode, got %v", err)
	}
}

func TestEtcdRegistryWatch(t *testing.T) {
	s := newEtcdStore(t)
	c := NewClient(s, Config{Namespace: "peer-rpc-test"})
	defer c.Close()

	if err := c.RegisterSingle("127.0.0.1", 8001, "watch", 1); err != nil {
		t.Fatal(err)
	}
	defer c.UnregisterSingle("127.0.0.1", 8001, "watch")

	inst, err := c.Discover("watch")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.RegisterSingle("127.0.0.1", 8002, "watch", 1); err != nil {
		t.Fatal(err)
	}
	defer c.UnregisterSingle("127.0.0.1", 8002, "watch")

	deadline := time.Now().Add(2 * time.Second)
	for inst.Len() != 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if inst.Len() != 2 {
		t.Fatalf("expect 2 instances after watch, got %d", inst.Len())
	}
}
