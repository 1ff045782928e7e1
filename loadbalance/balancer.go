// Package loadbalance provides strategies for choosing which worker a driver attaches to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity workers
//   - WeightedRandom:  heterogeneous workers (weight, or thread count when unset)
//   - ConsistentHash:  sticky sessions, so one driver keeps hitting the same simulation
package loadbalance

import (
	"errors"
	"fmt"

	"github.com/lucas-schuermann/pcisph-wasm/registry"
)

var ErrNoInstances = errors.New("no instances available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each attach to select a target instance.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Must be goroutine-safe.
	Pick(instances []registry.Instance) (*registry.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name: "round_robin", "weighted_random" or
// "consistent_hash" (keyed by key).
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer().Keyed(key), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}
