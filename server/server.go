// Package server hosts registered services as one exposed root, over TCP or websocket,
// with a middleware chain, service registration and graceful shutdown.
//
// Processing pipeline:
//
//	Accept conn → transport.Conn (single goroutine reads frames)
//	  → remote.Dispatcher on the root channel: go handleRequest per request
//	    → Middleware Chain → path interpreter (reflect) → reply on the same channel
package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lucas-schuermann/pcisph-wasm/codec"
	"github.com/lucas-schuermann/pcisph-wasm/middleware"
	"github.com/lucas-schuermann/pcisph-wasm/registry"
	"github.com/lucas-schuermann/pcisph-wasm/remote"
	"github.com/lucas-schuermann/pcisph-wasm/transport"
)

var ErrServerClosed = errors.New("server: closed")

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithCodec sets the codec for frames this server writes. Incoming frames are decoded
// with whatever codec their header names.
func WithCodec(t codec.CodecType) Option {
	return func(s *Server) { s.codec = t }
}

func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) { s.heartbeat = d }
}

// WithInstance sets the metadata (weight, version, threads) published on registration.
func WithInstance(inst registry.Instance) Option {
	return func(s *Server) { s.instance = inst }
}

// WithTTL sets the registry lease TTL in seconds.
func WithTTL(ttl int64) Option {
	return func(s *Server) { s.ttl = ttl }
}

func WithMaxPathDepth(n int) Option {
	return func(s *Server) { s.maxDepth = n }
}

// Server exposes its registered services to every connected driver.
type Server struct {
	name      string
	catalog   *catalog
	log       *zap.Logger
	codec     codec.CodecType
	heartbeat time.Duration
	instance  registry.Instance
	ttl       int64
	maxDepth  int

	middlewares []middleware.Middleware

	mu            sync.Mutex
	listener      net.Listener
	registry      registry.Registry // nil if not using discovery
	advertiseAddr string            // Address published in the registry; differs from the listen address
	links         map[*transport.Conn]*remote.Dispatcher
	shutdown      atomic.Bool
	wg            sync.WaitGroup // open links
}

// NewServer creates a server published in registries under name.
func NewServer(name string, opts ...Option) *Server {
	s := &Server{
		name:      name,
		catalog:   newCatalog(),
		log:       zap.NewNop(),
		heartbeat: 30 * time.Second,
		ttl:       10,
		links:     make(map[*transport.Conn]*remote.Dispatcher),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Name() string { return s.name }

// Register exposes rcvr under its type name, e.g. &Arith{} as "Arith".
func (s *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	if err := s.catalog.add(svc.name, svc.rcvr); err != nil {
		return err
	}
	s.log.Info("service registered", zap.String("service", svc.name), zap.Strings("methods", svc.methods))
	return nil
}

// RegisterName exposes v under name. v may be any value the path interpreter can walk,
// including a remote.Resolver that finishes initializing on first use.
func (s *Server) RegisterName(name string, v any) error {
	if err := s.catalog.add(name, v); err != nil {
		return err
	}
	s.log.Info("service registered", zap.String("service", name))
	return nil
}

// Services lists the registered names.
func (s *Server) Services() []string { return s.catalog.names() }

// Use registers a middleware. Middlewares are applied in the order they are added and
// only affect links accepted afterwards.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

// Serve listens on address and serves until Shutdown. When reg is non-nil the server
// registers itself under advertiseAddr.
func (s *Server) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener is Serve for an existing listener. An empty advertiseAddr publishes the
// listener's own address.
func (s *Server) ServeListener(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	if s.shutdown.Load() {
		_ = listener.Close()
		return ErrServerClosed
	}
	if advertiseAddr == "" {
		advertiseAddr = listener.Addr().String()
	}
	s.mu.Lock()
	s.listener = listener
	s.advertiseAddr = advertiseAddr
	s.registry = reg
	s.mu.Unlock()

	if reg != nil {
		inst := s.instance
		inst.Addr = advertiseAddr
		if err := reg.Register(s.name, inst, s.ttl); err != nil {
			return fmt.Errorf("server: register %s: %w", s.name, err)
		}
	}
	s.log.Info("serving", zap.String("service", s.name), zap.Stringer("addr", listener.Addr()))

	// Accept loop: one link per connection
	for {
		conn, err := listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		go s.ServeConn(conn)
	}
}

// Addr is the listening address, nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ServeConn serves one link over conn and returns when it ends.
func (s *Server) ServeConn(conn net.Conn) {
	s.serveStream(transport.NewNetStream(conn), conn.RemoteAddr().String())
}

// ServeHTTP upgrades the request to a websocket link and serves it until it ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.shutdown.Load() {
		http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	ws, err := transport.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.serveStream(transport.NewWebSocketStream(ws), r.RemoteAddr)
}

func (s *Server) serveStream(stream transport.Stream, peer string) {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		_ = stream.Close()
		return
	}
	c := transport.NewConn(stream, transport.Acceptor,
		transport.WithCodec(s.codec),
		transport.WithLogger(s.log),
		transport.WithHeartbeat(s.heartbeat))
	opts := []remote.Option{remote.WithLogger(s.log), remote.WithMiddleware(s.middlewares...)}
	if s.maxDepth > 0 {
		opts = append(opts, remote.WithMaxPathDepth(s.maxDepth))
	}
	d := remote.Serve(c.Port(), s.catalog, opts...)
	s.links[c] = d
	s.wg.Add(1)
	s.mu.Unlock()

	log := s.log.With(zap.String("peer", peer))
	log.Info("link opened")
	<-c.Done()
	d.Close()

	s.mu.Lock()
	delete(s.links, c)
	s.mu.Unlock()
	s.wg.Done()
	if err := c.Err(); err != nil {
		log.Info("link closed", zap.Error(err))
	} else {
		log.Info("link closed")
	}
}

// Links is the number of open links.
func (s *Server) Links() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry (drivers stop picking this worker)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listener and stop taking new requests
//  4. Wait for in-flight requests to finish (with timeout), then close every link
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	reg, addr, listener := s.registry, s.advertiseAddr, s.listener
	s.shutdown.Store(true)
	dispatchers := make([]*remote.Dispatcher, 0, len(s.links))
	conns := make([]*transport.Conn, 0, len(s.links))
	for c, d := range s.links {
		conns = append(conns, c)
		dispatchers = append(dispatchers, d)
	}
	s.mu.Unlock()

	var errs []error
	if reg != nil {
		if err := reg.Deregister(s.name, addr); err != nil {
			errs = append(errs, fmt.Errorf("deregister: %w", err))
		}
	}
	if listener != nil {
		_ = listener.Close()
	}

	done := make(chan struct{})
	go func() {
		for _, d := range dispatchers {
			d.Close()
			d.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		errs = append(errs, fmt.Errorf("timeout waiting for ongoing requests to finish"))
	}

	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
	s.log.Info("server stopped", zap.String("service", s.name))
	return errors.Join(errs...)
}
