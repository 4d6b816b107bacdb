package loadbalance

import (
	"math/rand"

	"peer-rpc/registry"
)

type RandomBalancer struct{}

func (b *RandomBalancer) Pick(instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, errNoInstances()
	}
	inst := instances[rand.Intn(len(instances))]
	return &inst, nil
}

func (b *RandomBalancer) Name() string {
	return "Random"
}
