package gateway

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucas-schuermann/pcisph-wasm/endpoint"
	"github.com/lucas-schuermann/pcisph-wasm/remote"
)

type handlers struct {
	NumThreads int `json:"numThreads"`
	particles  int
}

func (h *handlers) AddBlock() int {
	h.particles += 500
	return h.particles
}

func (h *handlers) Surface() *endpoint.Buffer { return endpoint.BufferFrom([]byte{1, 2, 3}) }

func newGateway(t *testing.T) *httptest.Server {
	t.Helper()
	ch := endpoint.NewChannel(endpoint.ScopeRoot)
	remote.Serve(ch.Port1, map[string]any{
		"handlers": remote.Expose(&handlers{NumThreads: 4}),
		"config":   map[string]any{"dark": false},
	})
	t.Cleanup(func() { _ = ch.Port1.Close() })

	h, err := NewHandler(remote.Wrap(ch.Port2))
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, url, method string, args, reply any) error {
	t.Helper()
	body, err := json2.EncodeClientRequest(method, args)
	require.NoError(t, err)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	return json2.DecodeClientResponse(resp.Body, reply)
}

func TestGet(t *testing.T) {
	srv := newGateway(t)
	var reply Reply
	require.NoError(t, call(t, srv.URL, "Remote.Get", &GetArgs{Path: "handlers.numThreads"}, &reply))
	assert.Equal(t, float64(4), reply.Result)
}

func TestCall(t *testing.T) {
	srv := newGateway(t)
	var reply Reply
	require.NoError(t, call(t, srv.URL, "Remote.Call", &CallArgs{Path: "handlers.addBlock"}, &reply))
	assert.Equal(t, float64(500), reply.Result)
	require.NoError(t, call(t, srv.URL, "Remote.Call", &CallArgs{Path: "handlers.addBlock"}, &reply))
	assert.Equal(t, float64(1000), reply.Result)
}

func TestSet(t *testing.T) {
	srv := newGateway(t)
	var reply Reply
	require.NoError(t, call(t, srv.URL, "Remote.Set", &SetArgs{Path: "config.dark", Value: true}, &reply))
	require.NoError(t, call(t, srv.URL, "Remote.Get", &GetArgs{Path: "config.dark"}, &reply))
	assert.Equal(t, true, reply.Result)
}

func TestBufferResult(t *testing.T) {
	srv := newGateway(t)
	var reply struct {
		Result []byte `json:"result"`
	}
	require.NoError(t, call(t, srv.URL, "Remote.Call", &CallArgs{Path: "handlers.surface"}, &reply))
	assert.Equal(t, []byte{1, 2, 3}, reply.Result)
}

func TestRemoteHandleRejected(t *testing.T) {
	srv := newGateway(t)
	var reply Reply
	err := call(t, srv.URL, "Remote.Get", &GetArgs{Path: "handlers"}, &reply)
	var rpcErr *json2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, json2.E_BAD_PARAMS, rpcErr.Code)
	assert.Contains(t, rpcErr.Message, "remote handle")
}

func TestRemoteFailure(t *testing.T) {
	srv := newGateway(t)
	var reply Reply
	err := call(t, srv.URL, "Remote.Call", &CallArgs{Path: "handlers.missing"}, &reply)
	var rpcErr *json2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, json2.E_SERVER, rpcErr.Code)
	assert.Contains(t, rpcErr.Message, "member not found")
}
