package transport

import (
	"context"
	"errors"
	"sync"
)

var ErrPoolClosed = errors.New("transport: pool is closed")

// DialFunc opens a Conn to addr.
type DialFunc func(ctx context.Context, addr string) (*Conn, error)

// Pool keeps one multiplexed Conn per address. A Conn carries any number of concurrent
// requests, so connections are shared rather than borrowed. Conns that die are dropped
// and redialed on the next Get.
type Pool struct {
	mu      sync.Mutex
	conns   map[string]*Conn
	dialing map[string]*dialCall
	dial    DialFunc
	closed  bool
}

type dialCall struct {
	done chan struct{}
	conn *Conn
	err  error
}

func NewPool(dial DialFunc) *Pool {
	return &Pool{
		conns:   make(map[string]*Conn),
		dialing: make(map[string]*dialCall),
		dial:    dial,
	}
}

// Get returns the live Conn for addr, dialing one if needed. Concurrent callers for the
// same address share a single dial.
func (p *Pool) Get(ctx context.Context, addr string) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if c, ok := p.conns[addr]; ok {
		select {
		case <-c.Done():
			delete(p.conns, addr)
		default:
			p.mu.Unlock()
			return c, nil
		}
	}
	if call, ok := p.dialing[addr]; ok {
		p.mu.Unlock()
		select {
		case <-call.done:
			return call.conn, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &dialCall{done: make(chan struct{})}
	p.dialing[addr] = call
	p.mu.Unlock()

	call.conn, call.err = p.dial(ctx, addr)

	p.mu.Lock()
	delete(p.dialing, addr)
	if call.err == nil {
		if p.closed {
			_ = call.conn.Close()
			call.conn, call.err = nil, ErrPoolClosed
		} else {
			p.conns[addr] = call.conn
		}
	}
	p.mu.Unlock()
	close(call.done)
	return call.conn, call.err
}

// Len is the number of cached connections, dead ones included until the next Get.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close shuts down the pool and closes all connections.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	conns := p.conns
	p.conns = make(map[string]*Conn)
	p.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
