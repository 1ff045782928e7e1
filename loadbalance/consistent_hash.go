package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"github.com/lucas-schuermann/pcisph-wasm/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes), which keeps
// a driver attached to the worker that already holds its simulation state.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 instances might cluster together on the ring,
// causing uneven load distribution.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	mu       sync.RWMutex
	replicas int                           // Virtual nodes per real instance
	ring     []uint32                      // Sorted hash values on the ring
	nodes    map[uint32]*registry.Instance // Hash value → instance mapping
	members  map[string]bool               // Addrs currently on the ring
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.Instance),
		members:  make(map[string]bool),
	}
}

// Add places an instance onto the hash ring with N virtual nodes.
// Each virtual node is hashed from "{addr}#{i}" to spread evenly across the ring.
func (b *ConsistentHashBalancer) Add(instance *registry.Instance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(instance)
}

func (b *ConsistentHashBalancer) addLocked(instance *registry.Instance) {
	if b.members[instance.Addr] {
		return
	}
	b.members[instance.Addr] = true
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	// Keep the ring sorted for binary search in Pick()
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Sync rebuilds the ring from instances, e.g. after a registry watch update.
func (b *ConsistentHashBalancer) Sync(instances []registry.Instance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]*registry.Instance)
	b.members = make(map[string]bool)
	for i := range instances {
		inst := instances[i]
		b.addLocked(&inst)
	}
}

// Pick finds the instance responsible for the given key.
// It hashes the key, then binary-searches for the first node >= hash on the ring.
// If the hash is larger than all nodes, it wraps around to the first node.
func (b *ConsistentHashBalancer) Pick(key string) (*registry.Instance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

// Keyed adapts the ring to the Balancer interface for one fixed key. Each Pick syncs
// the ring with the instances it is given.
func (b *ConsistentHashBalancer) Keyed(key string) Balancer {
	return keyedBalancer{ring: b, key: key}
}

type keyedBalancer struct {
	ring *ConsistentHashBalancer
	key  string
}

func (k keyedBalancer) Pick(instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	k.ring.Sync(instances)
	picked, err := k.ring.Pick(k.key)
	if err != nil {
		return nil, err
	}
	for i := range instances {
		if instances[i].Addr == picked.Addr {
			return &instances[i], nil
		}
	}
	return picked, nil
}

func (k keyedBalancer) Name() string {
	return "ConsistentHash(" + k.key + ")"
}
