package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lucas-schuermann/pcisph-wasm/codec"
	"github.com/lucas-schuermann/pcisph-wasm/endpoint"
	"github.com/lucas-schuermann/pcisph-wasm/message"
	"github.com/lucas-schuermann/pcisph-wasm/protocol"
)

var (
	ErrUnsupportedData     = errors.New("transport: only *message.Message can cross a stream")
	ErrUnsupportedTransfer = errors.New("transport: resource cannot cross a stream")
	ErrBadChannel          = errors.New("transport: peer announced a channel it does not own")
)

// Role decides which half of the channel id space a Conn allocates from, so that both
// ends can hand out ids without coordinating.
type Role int

const (
	Dialer   Role = iota // odd channel ids
	Acceptor             // even channel ids
)

const rootChannel uint32 = 0

type options struct {
	codec     codec.CodecType
	log       *zap.Logger
	heartbeat time.Duration
}

type Option func(*options)

func WithCodec(t codec.CodecType) Option {
	return func(o *options) { o.codec = t }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithHeartbeat sets the keepalive interval. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

// route is what a channel id on this Conn stands for.
//
// A remote-backed route is a local MessagePort whose far side lives across the stream:
// frames for the channel are delivered to it and what it posts is written out.
// An adopted route is a port local code transferred away: whatever reaches it is
// written out and frames for the channel are posted on it.
type route struct {
	port    endpoint.Port
	backed  *endpoint.MessagePort
	adopted bool
}

// Conn multiplexes message ports over one Stream.
type Conn struct {
	stream Stream
	opts   options
	log    *zap.Logger

	mu     sync.Mutex
	routes map[uint32]*route
	nextID uint32
	closed bool
	err    error

	root *endpoint.MessagePort
	done chan struct{}
}

// NewConn starts serving stream. The root port is returned by Port; it is not started,
// so listeners can be attached before the first message is delivered.
func NewConn(stream Stream, role Role, opts ...Option) *Conn {
	o := options{codec: codec.CodecTypeJSON, log: zap.NewNop(), heartbeat: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Conn{
		stream: stream,
		opts:   o,
		log:    o.log,
		routes: make(map[uint32]*route),
		done:   make(chan struct{}),
	}
	if role == Dialer {
		c.nextID = 1
	} else {
		c.nextID = 2
	}
	c.root = c.backedPort(rootChannel, endpoint.ScopeRoot)

	go c.readLoop()
	if o.heartbeat > 0 {
		go c.heartbeatLoop(o.heartbeat)
	}
	return c
}

// Port is channel 0: the port on which the peer's root object is reached, or on which
// ours is served.
func (c *Conn) Port() endpoint.Port { return c.root }

func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, nil while it is up or after a clean Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Channels is the number of live channels, the root included.
func (c *Conn) Channels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.routes)
}

// Close tears the link down. Every port bridged over it is closed.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

// link is the peer of a remote-backed port.
type link struct {
	c  *Conn
	id uint32
}

func (l link) Deliver(m endpoint.Message) error { return l.c.send(l.id, m) }

func (l link) Hangup() {
	if l.c.removeRoute(l.id) {
		l.c.writeClose(l.id)
	}
}

func (c *Conn) backedPort(id uint32, scope endpoint.Scope) *endpoint.MessagePort {
	p := endpoint.NewMessagePort(scope, link{c: c, id: id})
	c.mu.Lock()
	c.routes[id] = &route{port: p, backed: p}
	c.mu.Unlock()
	return p
}

// adopt moves a locally owned port onto a fresh channel and returns its id.
func (c *Conn) adopt(p endpoint.Port) (uint32, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, endpoint.ErrClosed
	}
	id := c.nextID
	c.nextID += 2
	c.routes[id] = &route{port: p, adopted: true}
	c.mu.Unlock()

	p.AddListener(func(m endpoint.Message) {
		if err := c.send(id, m); err != nil && !errors.Is(err, endpoint.ErrClosed) {
			c.log.Warn("forwarding on adopted channel failed", zap.Uint32("channel", id), zap.Error(err))
		}
	})
	p.Start()
	go func() {
		select {
		case <-p.Done():
			if c.removeRoute(id) {
				c.writeClose(id)
			}
		case <-c.done:
		}
	}()
	return id, nil
}

func (c *Conn) removeRoute(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.routes[id]; !ok {
		return false
	}
	delete(c.routes, id)
	return true
}

func (c *Conn) lookup(id uint32) *route {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.routes[id]
}

// send writes m as a data frame on channel id.
func (c *Conn) send(id uint32, m endpoint.Message) error {
	msg, ok := m.Data.(*message.Message)
	if !ok {
		return fmt.Errorf("%w: got %T", ErrUnsupportedData, m.Data)
	}
	select {
	case <-c.done:
		return endpoint.ErrClosed
	default:
	}

	descs := make([]descriptor, 0, len(m.Transfer))
	for _, t := range m.Transfer {
		switch r := t.(type) {
		case *endpoint.Buffer:
			data, err := r.Bytes()
			if err != nil {
				return err
			}
			descs = append(descs, descriptor{kind: descBuffer, data: data})
		case endpoint.Port:
			ch, err := c.adopt(r)
			if err != nil {
				return err
			}
			descs = append(descs, descriptor{kind: descPort, channel: ch})
		default:
			return fmt.Errorf("%w: %T", ErrUnsupportedTransfer, t)
		}
	}

	payload, err := codec.GetCodec(c.opts.codec).Encode(msg)
	if err != nil {
		return err
	}
	header := &protocol.Header{
		CodecType: byte(c.opts.codec),
		FrameType: protocol.FrameData,
		Channel:   id,
	}
	if err := c.stream.WriteFrame(header, encodeBody(descs, payload)); err != nil {
		c.shutdown(err)
		return endpoint.ErrClosed
	}
	return nil
}

func (c *Conn) writeClose(id uint32) {
	header := &protocol.Header{CodecType: byte(c.opts.codec), FrameType: protocol.FrameClose, Channel: id}
	if err := c.stream.WriteFrame(header, nil); err != nil {
		c.log.Debug("close frame not sent", zap.Uint32("channel", id), zap.Error(err))
	}
}

// readLoop is the only reader of the stream. Frames are handled in arrival order, so a
// port announced in one frame exists before the next frame addresses it.
func (c *Conn) readLoop() {
	for {
		header, body, err := c.stream.ReadFrame()
		if err != nil {
			c.shutdown(err)
			return
		}
		switch header.FrameType {
		case protocol.FrameHeartbeat:
			continue
		case protocol.FrameClose:
			c.onClose(header.Channel)
		case protocol.FrameData:
			if err := c.onData(header, body); err != nil {
				c.log.Warn("dropping data frame", zap.Uint32("channel", header.Channel), zap.Error(err))
			}
		}
	}
}

func (c *Conn) onData(header *protocol.Header, body []byte) error {
	descs, payload, err := decodeBody(body)
	if err != nil {
		return err
	}
	msg := new(message.Message)
	if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(payload, msg); err != nil {
		return err
	}

	// Materialize the transfer list before looking up the target, so that ports it
	// announces are routed even if the target is gone.
	transfer, err := c.announced(descs)
	if err != nil {
		return err
	}

	r := c.lookup(header.Channel)
	if r == nil {
		for _, t := range transfer {
			if p, ok := t.(endpoint.Port); ok {
				_ = p.Close()
			}
		}
		return fmt.Errorf("transport: no channel %d", header.Channel)
	}
	m := endpoint.Message{Data: msg, Transfer: transfer}
	if r.adopted {
		return r.port.PostMessage(msg, transfer...)
	}
	return r.backed.Deliver(m)
}

// announced turns a frame's transfer section into buffers and remote-backed ports.
// A port must sit on an unused channel from the peer's half of the id space; if any
// does not, nothing is installed.
func (c *Conn) announced(descs []descriptor) ([]endpoint.Transferable, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, endpoint.ErrClosed
	}
	seen := make(map[uint32]bool)
	for _, d := range descs {
		if d.kind != descPort {
			continue
		}
		if d.channel == rootChannel || d.channel%2 == c.nextID%2 {
			return nil, fmt.Errorf("%w: %d", ErrBadChannel, d.channel)
		}
		if _, ok := c.routes[d.channel]; ok || seen[d.channel] {
			return nil, fmt.Errorf("%w: %d already in use", ErrBadChannel, d.channel)
		}
		seen[d.channel] = true
	}

	transfer := make([]endpoint.Transferable, len(descs))
	for i, d := range descs {
		if d.kind == descBuffer {
			transfer[i] = endpoint.BufferFrom(d.data)
			continue
		}
		p := endpoint.NewMessagePort(endpoint.ScopeDedicated, link{c: c, id: d.channel})
		c.routes[d.channel] = &route{port: p, backed: p}
		transfer[i] = p
	}
	return transfer, nil
}

func (c *Conn) onClose(id uint32) {
	r := c.lookup(id)
	if r == nil || !c.removeRoute(id) {
		return
	}
	if r.adopted {
		_ = r.port.Close()
		return
	}
	r.backed.Hangup()
}

// shutdown 通知所有通道连接已断开
func (c *Conn) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	routes := c.routes
	c.routes = make(map[uint32]*route)
	close(c.done)
	c.mu.Unlock()

	if err != nil {
		c.log.Info("connection lost", zap.Error(err), zap.Int("channels", len(routes)))
	}
	_ = c.stream.Close()
	for _, r := range routes {
		if r.adopted {
			_ = r.port.Close()
			continue
		}
		r.backed.Hangup()
	}
}

// heartbeatLoop 定期发送心跳帧，保持空闲连接
func (c *Conn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			header := &protocol.Header{CodecType: byte(c.opts.codec), FrameType: protocol.FrameHeartbeat}
			if err := c.stream.WriteFrame(header, nil); err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}
