package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucas-schuermann/pcisph-wasm/codec"
	"github.com/lucas-schuermann/pcisph-wasm/endpoint"
	"github.com/lucas-schuermann/pcisph-wasm/message"
	"github.com/lucas-schuermann/pcisph-wasm/protocol"
	"github.com/lucas-schuermann/pcisph-wasm/remote"
)

type Arith struct {
	mu    sync.Mutex
	Total int `json:"total"`
}

func (a *Arith) Add(x, y int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Total += x + y
	return x + y
}

func (a *Arith) Fail() error { return errors.New("boom") }

func newRoot() map[string]any {
	return map[string]any{
		"arith": &Arith{},
		"shared": remote.Expose(&Arith{}),
		"size": func(b *endpoint.Buffer) int {
			return b.Len()
		},
		"apply": func(ctx context.Context, fn *remote.Proxy, x int) (int, error) {
			return remote.CallAs[int](ctx, fn, x)
		},
		"snapshot": func() remote.Transferred {
			b := endpoint.BufferFrom([]byte("frame"))
			return remote.Transfer(b, b)
		},
	}
}

// linkedPair connects a dialer and an acceptor over net.Pipe and serves root on the
// acceptor side.
func linkedPair(t *testing.T, ct codec.CodecType) (client, server *Conn, p *remote.Proxy) {
	t.Helper()
	a, b := net.Pipe()
	client = NewConn(NewNetStream(a), Dialer, WithCodec(ct), WithHeartbeat(0))
	server = NewConn(NewNetStream(b), Acceptor, WithCodec(ct), WithHeartbeat(0))
	remote.Serve(server.Port(), newRoot())
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server, remote.Wrap(client.Port())
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCallOverStream(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		t.Run(ct.String(), func(t *testing.T) {
			ctx := testContext(t)
			_, _, p := linkedPair(t, ct)

			got, err := remote.CallAs[int](ctx, p.At("arith.add"), 40, 2)
			require.NoError(t, err)
			assert.Equal(t, 42, got)

			require.NoError(t, p.At("arith.total").Set(ctx, 7))
			total, err := remote.GetAs[int](ctx, p.At("arith.total"))
			require.NoError(t, err)
			assert.Equal(t, 7, total)
		})
	}
}

// 测试单连接上并发发送多个请求（多路复用核心测试）
func TestConcurrentCallsOverStream(t *testing.T) {
	ctx := testContext(t)
	_, _, p := linkedPair(t, codec.CodecTypeBinary)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := remote.CallAs[int](ctx, p.At("arith.add"), n, n)
			if assert.NoError(t, err) {
				assert.Equal(t, 2*n, got)
			}
		}(i)
	}
	wg.Wait()
}

func TestRemoteErrorOverStream(t *testing.T) {
	ctx := testContext(t)
	_, _, p := linkedPair(t, codec.CodecTypeJSON)

	_, err := p.At("arith.fail").Call(ctx)
	var remoteErr *remote.Error
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "boom", remoteErr.Message)
	assert.Equal(t, "*errors.errorString", remoteErr.Name)
}

func TestExposedProxyOverStream(t *testing.T) {
	ctx := testContext(t)
	client, server, p := linkedPair(t, codec.CodecTypeJSON)

	v, err := p.Prop("shared").Get(ctx)
	require.NoError(t, err)
	shared, ok := v.(*remote.Proxy)
	require.True(t, ok, "got %T", v)
	assert.Equal(t, 2, client.Channels())
	assert.Equal(t, 2, server.Channels())

	got, err := remote.CallAs[int](ctx, shared.Prop("add"), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, got)

	require.NoError(t, shared.Release(ctx))
	assert.Eventually(t, func() bool {
		return client.Channels() == 1 && server.Channels() == 1
	}, time.Second, 5*time.Millisecond)

	// The root channel is unaffected.
	got, err = remote.CallAs[int](ctx, p.At("arith.add"), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}

func TestCallbackOverStream(t *testing.T) {
	ctx := testContext(t)
	_, _, p := linkedPair(t, codec.CodecTypeJSON)

	triple := remote.Expose(func(x int) int { return 3 * x })
	got, err := remote.CallAs[int](ctx, p.Prop("apply"), triple, 5)
	require.NoError(t, err)
	assert.Equal(t, 15, got)
}

func TestBufferTransferOverStream(t *testing.T) {
	ctx := testContext(t)
	_, _, p := linkedPair(t, codec.CodecTypeBinary)

	buf := endpoint.NewBuffer(1024)
	n, err := remote.CallAs[int](ctx, p.Prop("size"), remote.Transfer(buf, buf))
	require.NoError(t, err)
	assert.Equal(t, 1024, n)
	assert.True(t, buf.Detached())

	v, err := p.Prop("snapshot").Call(ctx)
	require.NoError(t, err)
	frame, ok := v.(*endpoint.Buffer)
	require.True(t, ok, "got %T", v)
	data, err := frame.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "frame", string(data))
}

func TestEndpointOverStream(t *testing.T) {
	ctx := testContext(t)
	_, _, p := linkedPair(t, codec.CodecTypeJSON)

	port, err := p.Prop("arith").Endpoint(ctx)
	require.NoError(t, err)
	sub := remote.Wrap(port)
	got, err := remote.CallAs[int](ctx, sub.Prop("add"), 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, got)
	require.NoError(t, sub.Release(ctx))
}

func TestConnectionLossFailsPending(t *testing.T) {
	ctx := testContext(t)
	a, b := net.Pipe()
	client := NewConn(NewNetStream(a), Dialer, WithHeartbeat(0))
	server := NewConn(NewNetStream(b), Acceptor, WithHeartbeat(0))
	block := make(chan struct{})
	defer close(block)
	remote.Serve(server.Port(), map[string]any{"wait": func() { <-block }})
	p := remote.Wrap(client.Port())

	errc := make(chan error, 1)
	go func() {
		_, err := p.Prop("wait").Call(ctx)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, server.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, endpoint.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pending call not failed after connection loss")
	}
	<-client.Done()
	assert.Error(t, client.Err())
}

func TestHeartbeatKeepsLinkUp(t *testing.T) {
	ctx := testContext(t)
	a, b := net.Pipe()
	client := NewConn(NewNetStream(a), Dialer, WithHeartbeat(5*time.Millisecond))
	server := NewConn(NewNetStream(b), Acceptor, WithHeartbeat(5*time.Millisecond))
	defer client.Close()
	defer server.Close()
	remote.Serve(server.Port(), map[string]any{"x": 1})

	time.Sleep(30 * time.Millisecond)
	got, err := remote.GetAs[int](ctx, remote.Wrap(client.Port()).Prop("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestOnlyMessagesCrossStreams(t *testing.T) {
	_, _, p := linkedPair(t, codec.CodecTypeJSON)
	err := p.Port().PostMessage("plain string")
	assert.ErrorIs(t, err, ErrUnsupportedData)
}

func TestPeerCannotClaimChannels(t *testing.T) {
	a, b := net.Pipe()
	server := NewConn(NewNetStream(b), Acceptor, WithHeartbeat(0))
	defer server.Close()
	remote.Serve(server.Port(), newRoot())
	raw := NewNetStream(a)
	defer raw.Close()

	json := codec.GetCodec(codec.CodecTypeJSON)
	frame := func(id string, descs ...descriptor) []byte {
		payload, err := json.Encode(&message.Message{ID: id, Type: message.TypeGet, Path: message.ParsePath("arith.total")})
		require.NoError(t, err)
		return encodeBody(descs, payload)
	}
	bodies := [][]byte{
		frame("root", descriptor{kind: descPort, channel: rootChannel}),
		frame("ours", descriptor{kind: descPort, channel: 2}),
		frame("twice", descriptor{kind: descPort, channel: 3}, descriptor{kind: descPort, channel: 3}),
		frame("plain"),
	}
	go func() {
		for _, body := range bodies {
			if err := raw.WriteFrame(&protocol.Header{FrameType: protocol.FrameData, Channel: rootChannel}, body); err != nil {
				return
			}
		}
	}()

	for {
		h, body, err := raw.ReadFrame()
		require.NoError(t, err, "root stopped answering")
		if h.FrameType != protocol.FrameData {
			continue
		}
		_, payload, err := decodeBody(body)
		require.NoError(t, err)
		reply := new(message.Message)
		require.NoError(t, json.Decode(payload, reply))
		require.Equal(t, "plain", reply.ID, "a frame claiming a bad channel was answered")
		break
	}
	assert.Equal(t, 1, server.Channels())
}

func TestWebSocketStream(t *testing.T) {
	ctx := testContext(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(NewWebSocketStream(ws), Acceptor, WithHeartbeat(0))
		remote.Serve(conn.Port(), newRoot())
	}))
	defer srv.Close()

	stream, err := DialWebSocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	conn := NewConn(stream, Dialer, WithCodec(codec.CodecTypeBinary), WithHeartbeat(0))
	defer conn.Close()
	p := remote.Wrap(conn.Port())

	got, err := remote.CallAs[int](ctx, p.At("arith.add"), 20, 22)
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	v, err := p.Prop("shared").Get(ctx)
	require.NoError(t, err)
	got, err = remote.CallAs[int](ctx, v.(*remote.Proxy).Prop("add"), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}

func TestBodyRoundTrip(t *testing.T) {
	descs := []descriptor{
		{kind: descBuffer, data: []byte{1, 2, 3}},
		{kind: descPort, channel: 7},
		{kind: descBuffer, data: []byte{}},
	}
	body := encodeBody(descs, []byte(`{"id":"x"}`))

	got, msg, err := decodeBody(body)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":"x"}`), msg)
	require.Len(t, got, 3)
	assert.Equal(t, []byte{1, 2, 3}, got[0].data)
	assert.Equal(t, uint32(7), got[1].channel)
	assert.Empty(t, got[2].data)

	_, _, err = decodeBody(body[:6])
	assert.ErrorIs(t, err, ErrShortBody)
	_, _, err = decodeBody(nil)
	assert.ErrorIs(t, err, ErrShortBody)
}

func TestNetStreamFrames(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	w, r := NewNetStream(a), NewNetStream(b)

	go func() {
		_ = w.WriteFrame(&protocol.Header{FrameType: protocol.FrameData, Channel: 3}, []byte("hi"))
	}()
	h, body, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), h.Channel)
	assert.Equal(t, "hi", string(body))
}

func TestPoolSharesConn(t *testing.T) {
	ctx := testContext(t)
	var dials atomic.Int32
	var servers []*Conn
	var mu sync.Mutex
	pool := NewPool(func(ctx context.Context, addr string) (*Conn, error) {
		dials.Add(1)
		a, b := net.Pipe()
		s := NewConn(NewNetStream(b), Acceptor, WithHeartbeat(0))
		remote.Serve(s.Port(), newRoot())
		mu.Lock()
		servers = append(servers, s)
		mu.Unlock()
		return NewConn(NewNetStream(a), Dialer, WithHeartbeat(0)), nil
	})
	defer pool.Close()

	var wg sync.WaitGroup
	conns := make([]*Conn, 10)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := pool.Get(ctx, "worker-1")
			assert.NoError(t, err)
			conns[i] = c
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), dials.Load())
	for _, c := range conns {
		assert.Same(t, conns[0], c)
	}

	// A dead conn is replaced on the next Get.
	mu.Lock()
	require.NoError(t, servers[0].Close())
	mu.Unlock()
	<-conns[0].Done()
	c, err := pool.Get(ctx, "worker-1")
	require.NoError(t, err)
	assert.NotSame(t, conns[0], c)
	assert.Equal(t, int32(2), dials.Load())

	require.NoError(t, pool.Close())
	_, err = pool.Get(ctx, "worker-1")
	assert.ErrorIs(t, err, ErrPoolClosed)
}
