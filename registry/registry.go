// Package registry is the service registry client.
//
// Providers publish one node per service instance:
//
//	Key:   /{namespace}/{ServiceName}/{host}:{port}
//	Value: 4-byte little-endian weight
//
// Consumers discover a service once, then keep the cached ServiceInstance in
// sync through a watch on the service path.
package registry

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

// Instance is one provider of a service. Within a service it is identified by
// its address.
type Instance struct {
	Host        string
	Port        int
	ServiceName string
	Weight      int // Weight for load balancing
}

func (i Instance) Address() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

func (i Instance) String() string {
	return fmt.Sprintf("%s@%s(weight=%d)", i.ServiceName, i.Address(), i.Weight)
}

// ServiceInstance is the live provider list of one service.
//
// Discovery hands out the same value to every caller and watch callbacks
// mutate it in place, so readers always see the current list.
type ServiceInstance struct {
	name string

	mu    sync.RWMutex
	hosts []Instance
}

func NewServiceInstance(name string) *ServiceInstance {
	return &ServiceInstance{name: name}
}

func (s *ServiceInstance) Name() string { return s.name }

// Hosts returns a snapshot of the provider list.
func (s *ServiceInstance) Hosts() []Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Instance, len(s.hosts))
	copy(out, s.hosts)
	return out
}

func (s *ServiceInstance) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hosts)
}

// Add appends inst unless its address is already present.
func (s *ServiceInstance) Add(inst Instance) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(inst.Address()) >= 0 {
		return false
	}
	s.hosts = append(s.hosts, inst)
	return true
}

// Remove drops the provider at address. Absent is a no-op.
func (s *ServiceInstance) Remove(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(address)
	if i < 0 {
		return false
	}
	s.hosts = append(s.hosts[:i:i], s.hosts[i+1:]...)
	return true
}

// UpdateWeight replaces the weight of the provider at address.
func (s *ServiceInstance) UpdateWeight(address string, weight int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(address)
	if i < 0 {
		return false
	}
	s.hosts[i].Weight = weight
	return true
}

// Merge adds every instance whose address is not yet present.
func (s *ServiceInstance) Merge(instances []Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range instances {
		if s.indexLocked(inst.Address()) < 0 {
			s.hosts = append(s.hosts, inst)
		}
	}
}

func (s *ServiceInstance) indexLocked(address string) int {
	for i := range s.hosts {
		if s.hosts[i].Address() == address {
			return i
		}
	}
	return -1
}

// ServiceInfo names one service of a group registration.
type ServiceInfo struct {
	ServiceName string
	Weight      int
}

// RegisteredServiceInfo records a node this process published, so it can be
// republished after a reconnect.
type RegisteredServiceInfo struct {
	Host        string
	Port        int
	ServiceName string
	Weight      int
}

func (r RegisteredServiceInfo) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// EncodeWeight is the node payload.
func EncodeWeight(weight int) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(int32(weight)))
	return buf
}

func DecodeWeight(data []byte) (int, error) {
	if len(data) != 4 {
		return 0, fmt.Errorf("registry: weight payload of %d bytes", len(data))
	}
	return int(int32(binary.LittleEndian.Uint32(data))), nil
}

// ParseAddress splits a "host:port" node name.
func ParseAddress(address string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("registry: invalid port in %q", address)
	}
	return host, port, nil
}

// lastSegment returns the node name of a path.
func lastSegment(path string) string {
	return path[strings.LastIndexByte(path, '/')+1:]
}
