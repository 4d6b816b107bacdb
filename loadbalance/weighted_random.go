package loadbalance

import (
	"math/rand"

	"peer-rpc/registry"
	"peer-rpc/rpcerr"
)

// WeightedRandomBalancer picks an instance with probability proportional to
// its weight. Instances with a weight <= 0 are never picked.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, errNoInstances()
	}

	total := 0
	for i := range instances {
		total += max(instances[i].Weight, 0)
	}
	if total <= 0 {
		return nil, rpcerr.Wrapf(rpcerr.ErrNoInstanceAvailable, "no instance has a positive weight")
	}

	// Walk the cumulative weights until the point falls inside one.
	point := rand.Intn(total)
	for i := range instances {
		w := max(instances[i].Weight, 0)
		if point < w {
			picked := instances[i]
			return &picked, nil
		}
		point -= w
	}
	return nil, rpcerr.Wrapf(rpcerr.ErrNoInstanceAvailable, "weight walk overran the list")
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
