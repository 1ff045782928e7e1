package server

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

type service struct {
	name    string
	rcvr    any
	methods []string
}

// newService 检查 rcvr 并扫描所有导出方法
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	svc := &service{name: typ.Elem().Name(), rcvr: rcvr}
	for i := 0; i < typ.NumMethod(); i++ {
		svc.methods = append(svc.methods, typ.Method(i).Name)
	}
	return svc, nil
}

// catalog is the root object a Server exposes: one member per registered service.
// It implements remote.Getter so registration can continue while connections are served.
type catalog struct {
	mu       sync.RWMutex
	services map[string]any
}

func newCatalog() *catalog {
	return &catalog{services: make(map[string]any)}
}

func (c *catalog) add(name string, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.services[name]; dup {
		return fmt.Errorf("server: service %q already registered", name)
	}
	c.services[name] = v
	return nil
}

func (c *catalog) GetMember(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.services[name]
	return v, ok
}

func (c *catalog) names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
