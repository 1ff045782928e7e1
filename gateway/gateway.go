// Package gateway bridges JSON-RPC 2.0 over HTTP to a remote root, for callers that
// cannot speak the stream protocol. Methods are Remote.Get, Remote.Set and Remote.Call,
// each addressed by a dotted path below the root.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"

	"github.com/lucas-schuermann/pcisph-wasm/endpoint"
	"github.com/lucas-schuermann/pcisph-wasm/remote"
)

var ErrRemoteHandle = errors.New("gateway: result is a remote handle")

type GetArgs struct {
	Path string `json:"path"`
}

type SetArgs struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

type CallArgs struct {
	Path string `json:"path"`
	Args []any  `json:"args"`
}

type Reply struct {
	Result any `json:"result"`
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTimeout bounds how long one HTTP request waits for its reply. Zero waits as long
// as the HTTP request lives.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// Service is registered as "Remote".
type Service struct {
	root    *remote.Proxy
	log     *zap.Logger
	timeout time.Duration
}

// NewHandler serves root at any path it is mounted on.
func NewHandler(root *remote.Proxy, opts ...Option) (http.Handler, error) {
	svc := &Service{root: root, log: zap.NewNop()}
	for _, opt := range opts {
		opt(svc)
	}
	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(svc, "Remote"); err != nil {
		return nil, fmt.Errorf("gateway: register service: %w", err)
	}
	return s, nil
}

func (s *Service) context(r *http.Request) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(r.Context(), s.timeout)
	}
	return context.WithCancel(r.Context())
}

func (s *Service) Get(r *http.Request, args *GetArgs, reply *Reply) error {
	ctx, cancel := s.context(r)
	defer cancel()
	v, err := s.root.At(args.Path).Get(ctx)
	if err != nil {
		return s.fail("get", args.Path, err)
	}
	reply.Result, err = plain(ctx, args.Path, v)
	return err
}

func (s *Service) Set(r *http.Request, args *SetArgs, reply *Reply) error {
	ctx, cancel := s.context(r)
	defer cancel()
	if err := s.root.At(args.Path).Set(ctx, args.Value); err != nil {
		return s.fail("set", args.Path, err)
	}
	reply.Result = true
	return nil
}

func (s *Service) Call(r *http.Request, args *CallArgs, reply *Reply) error {
	ctx, cancel := s.context(r)
	defer cancel()
	v, err := s.root.At(args.Path).Call(ctx, args.Args...)
	if err != nil {
		return s.fail("call", args.Path, err)
	}
	reply.Result, err = plain(ctx, args.Path, v)
	return err
}

func (s *Service) fail(op, path string, err error) error {
	s.log.Debug("gateway request failed", zap.String("op", op), zap.String("path", path), zap.Error(err))
	var remoteErr *remote.Error
	if errors.As(err, &remoteErr) {
		return &json2.Error{Code: json2.E_SERVER, Message: remoteErr.Message, Data: remoteErr}
	}
	return &json2.Error{Code: json2.E_INTERNAL, Message: err.Error()}
}

// plain turns a materialized result into something JSON can carry. Buffers become
// their bytes; remote handles cannot cross HTTP and are released.
func plain(ctx context.Context, path string, v any) (any, error) {
	switch x := v.(type) {
	case *remote.Proxy:
		_ = x.Release(ctx)
		return nil, &json2.Error{
			Code:    json2.E_BAD_PARAMS,
			Message: fmt.Sprintf("%v at %q; address one of its members instead", ErrRemoteHandle, path),
		}
	case endpoint.Port:
		_ = x.Close()
		return nil, &json2.Error{Code: json2.E_BAD_PARAMS, Message: fmt.Sprintf("%v at %q", ErrRemoteHandle, path)}
	case *endpoint.Buffer:
		data, err := x.Bytes()
		if err != nil {
			return nil, err
		}
		return data, nil
	}
	return v, nil
}
