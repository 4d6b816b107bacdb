// Package loadbalance provides load balancing strategies for distributing
// RPC requests across multiple service instances.
//
// Three strategies are implemented:
//   - Random:       Equal-capacity instances
//   - WeightRandom: Heterogeneous instances (different CPU/memory)
//   - IPHash:       Caller affinity, the same client always lands on the same instance
//
// Strategies are pure: they never mutate the list they are given.
package loadbalance

import (
	"fmt"
	"strings"

	"peer-rpc/registry"
	"peer-rpc/rpcerr"
)

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each RPC to select a target instance.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Called on every RPC call, must be goroutine-safe.
	Pick(instances []registry.Instance) (*registry.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// Strategy names a balancer.
type Strategy int

const (
	Random Strategy = iota
	WeightRandom
	IPHash
)

var balancers = map[Strategy]Balancer{
	Random:       &RandomBalancer{},
	WeightRandom: &WeightedRandomBalancer{},
	IPHash:       &IPHashBalancer{},
}

// Balancer returns the shared balancer of s. Unknown strategies use Random.
func (s Strategy) Balancer() Balancer {
	if b, ok := balancers[s]; ok {
		return b
	}
	return balancers[Random]
}

func (s Strategy) String() string {
	switch s {
	case Random:
		return "RANDOM"
	case WeightRandom:
		return "WEIGHT_RANDOM"
	case IPHash:
		return "IP_HASH"
	}
	return fmt.Sprintf("STRATEGY(%d)", int(s))
}

// ParseStrategy maps a configuration name to a strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "_")) {
	case "RANDOM", "":
		return Random, nil
	case "WEIGHT_RANDOM", "WEIGHTED_RANDOM":
		return WeightRandom, nil
	case "IP_HASH", "IPHASH":
		return IPHash, nil
	}
	return Random, fmt.Errorf("loadbalance: unknown strategy %q", name)
}

func errNoInstances() error {
	return rpcerr.Wrapf(rpcerr.ErrNoInstanceAvailable, "empty instance list")
}
