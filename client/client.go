// Package client attaches drivers to workers found through a registry.
package client

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lucas-schuermann/pcisph-wasm/codec"
	"github.com/lucas-schuermann/pcisph-wasm/loadbalance"
	"github.com/lucas-schuermann/pcisph-wasm/registry"
	"github.com/lucas-schuermann/pcisph-wasm/remote"
	"github.com/lucas-schuermann/pcisph-wasm/transport"
)

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) { c.heartbeat = d }
}

// WithDialRetries sets how many times a failed dial is retried before Wrap gives up.
func WithDialRetries(n uint64) Option {
	return func(c *Client) { c.dialRetries = n }
}

// WithRemoteOptions passes options to every proxy the client hands out.
func WithRemoteOptions(opts ...remote.Option) Option {
	return func(c *Client) { c.remoteOpts = append(c.remoteOpts, opts...) }
}

type Client struct {
	registry    registry.Registry // find worker instances from registry
	balancer    loadbalance.Balancer
	codecType   codec.CodecType
	pool        *transport.Pool // one multiplexed link per worker address
	log         *zap.Logger
	heartbeat   time.Duration
	dialRetries uint64
	remoteOpts  []remote.Option

	mu        sync.Mutex
	instances map[string][]registry.Instance // kept fresh by registry watches
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewClient(reg registry.Registry, bal loadbalance.Balancer, codecType codec.CodecType, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		registry:    reg,
		balancer:    bal,
		codecType:   codecType,
		log:         zap.NewNop(),
		heartbeat:   30 * time.Second,
		dialRetries: 3,
		instances:   make(map[string][]registry.Instance),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.pool = transport.NewPool(c.dial)
	return c
}

// Wrap picks a worker serving service and returns a proxy for its root. Proxies for the
// same worker share one link, so releasing one stops the worker's root dispatcher for
// all of them; call Close instead when done.
func (c *Client) Wrap(ctx context.Context, service string) (*remote.Proxy, error) {
	instances, err := c.discover(service)
	if err != nil {
		return nil, err
	}
	inst, err := c.balancer.Pick(instances)
	if err != nil {
		return nil, err
	}
	conn, err := c.pool.Get(ctx, inst.Addr)
	if err != nil {
		return nil, fmt.Errorf("client: attach %s at %s: %w", service, inst.Addr, err)
	}
	opts := append([]remote.Option{remote.WithLogger(c.log)}, c.remoteOpts...)
	return remote.Wrap(conn.Port(), opts...), nil
}

// Call invokes the function at the dotted path on a worker serving service and stores
// the result in reply, e.g. Call(ctx, "Worker", "handlers.addBlock", nil).
func (c *Client) Call(ctx context.Context, service, path string, reply any, args ...any) error {
	p, err := c.Wrap(ctx, service)
	if err != nil {
		return err
	}
	v, err := p.At(path).Call(ctx, args...)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return remote.DecodeInto(v, reply)
}

func (c *Client) discover(service string) ([]registry.Instance, error) {
	c.mu.Lock()
	list, ok := c.instances[service]
	c.mu.Unlock()
	if ok {
		if len(list) == 0 {
			return nil, registry.ErrNoInstances
		}
		return list, nil
	}

	list, err := c.registry.Discover(service)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, registry.ErrNoInstances
	}
	c.mu.Lock()
	if _, ok := c.instances[service]; !ok {
		c.instances[service] = list
		go c.follow(service, c.registry.Watch(c.ctx, service))
	}
	c.mu.Unlock()
	return list, nil
}

func (c *Client) follow(service string, updates <-chan []registry.Instance) {
	for list := range updates {
		c.mu.Lock()
		c.instances[service] = list
		c.mu.Unlock()
		c.log.Debug("instances updated", zap.String("service", service), zap.Int("count", len(list)))
	}
}

// dial opens a link to addr, retrying with exponential backoff. Addresses starting with
// ws:// or wss:// are reached over websocket, anything else over TCP.
func (c *Client) dial(ctx context.Context, addr string) (*transport.Conn, error) {
	var stream transport.Stream
	op := func() error {
		if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
			s, err := transport.DialWebSocket(ctx, addr)
			if err != nil {
				return err
			}
			stream = s
			return nil
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		stream = transport.NewNetStream(conn)
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("dial failed, retrying", zap.String("addr", addr), zap.Duration("wait", wait), zap.Error(err))
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.dialRetries), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	c.log.Info("link opened", zap.String("addr", addr))
	return transport.NewConn(stream, transport.Dialer,
		transport.WithCodec(c.codecType),
		transport.WithLogger(c.log),
		transport.WithHeartbeat(c.heartbeat)), nil
}

// Close stops registry watches and closes every link.
func (c *Client) Close() error {
	c.cancel()
	return c.pool.Close()
}
