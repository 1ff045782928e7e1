// Package registry lets workers announce themselves and drivers find them.
package registry

import (
	"context"
	"errors"
)

var ErrNoInstances = errors.New("registry: no instances")

// Instance is one worker process serving an exposed root.
type Instance struct {
	Addr    string `json:"addr"`    // host:port, or a ws:// URL for websocket links
	Weight  int    `json:"weight"`  // Weight for load balancing
	Version string `json:"version"`
	Threads int    `json:"threads"` // Simulation threads available on the host
}

type Registry interface {
	Register(serviceName string, instance Instance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]Instance, error)
	// Watch emits the full instance list on every change until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []Instance
	Close() error
}
