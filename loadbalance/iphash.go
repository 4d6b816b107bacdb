package loadbalance

import (
	"encoding/binary"
	"net"
	"sync"

	"peer-rpc/registry"
)

// IPHashBalancer maps the local IPv4 address onto the list.
// With a nil LocalIP the first non-loopback IPv4 of this host is used.
type IPHashBalancer struct {
	LocalIP net.IP
}

func (b *IPHashBalancer) Pick(instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, errNoInstances()
	}
	ip := b.LocalIP
	if ip == nil {
		ip = localIPv4()
	}
	inst := instances[int(ipv4ToUint32(ip)%uint32(len(instances)))]
	return &inst, nil
}

func (b *IPHashBalancer) Name() string {
	return "IPHash"
}

// ipv4ToUint32 is 0 for anything that is not IPv4.
func ipv4ToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

var (
	localOnce sync.Once
	localIP   net.IP
)

func localIPv4() net.IP {
	localOnce.Do(func() {
		addrs, err := net.InterfaceAddrs()
		if err != nil {
			return
		}
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
				localIP = ipNet.IP.To4()
				return
			}
		}
	})
	return localIP
}
