package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucas-schuermann/pcisph-wasm/config"
	"github.com/lucas-schuermann/pcisph-wasm/endpoint"
	"github.com/lucas-schuermann/pcisph-wasm/remote"
	"github.com/lucas-schuermann/pcisph-wasm/server"
	"github.com/lucas-schuermann/pcisph-wasm/worker"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Log.Level = "error"
	cfg.Worker.Listen = "127.0.0.1:0"
	cfg.Worker.Metrics = ""
	cfg.Worker.FrameRate = 200
	cfg.Worker.Threads = 2
	return cfg
}

func TestDriveInProcess(t *testing.T) {
	h := worker.NewHandlers(2, worker.WithFrameRate(200))
	defer h.Stop()
	ch := endpoint.NewChannel(endpoint.ScopeRoot)
	defer ch.Port1.Close()
	remote.Serve(ch.Port1, worker.NewRoot(h))

	var out bytes.Buffer
	opts := driveOptions{duration: 100 * time.Millisecond, interval: 20 * time.Millisecond, blocks: 2, reset: true}
	require.NoError(t, drive(context.Background(), remote.Wrap(ch.Port2).Prop("handlers"), opts, &out))

	text := out.String()
	assert.Contains(t, text, "worker threads: 2")
	assert.Contains(t, text, "particles: 5625")
	assert.Contains(t, text, "particles: 6593")
	assert.Contains(t, text, "particles after reset: 5625")
	assert.Contains(t, text, "max sim ms")
	assert.False(t, h.Stats().Running, "drive stops the loop")
}

func TestWorkerAndDriveOverTCP(t *testing.T) {
	cfg := testConfig()
	reg := prometheus.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan *server.Server, 1)
	errc := make(chan error, 1)
	go func() { errc <- runWorker(ctx, cfg, reg, ready) }()

	svr := <-ready
	require.Eventually(t, func() bool { return svr.Addr() != nil }, time.Second, time.Millisecond)
	addr = svr.Addr().String()
	defer func() { addr = "" }()

	c, static, err := newClient(cfg, nil)
	require.NoError(t, err)
	defer static.Close()
	defer c.Close()

	root, err := c.Wrap(ctx, cfg.Worker.Service)
	require.NoError(t, err)
	var out bytes.Buffer
	opts := driveOptions{duration: 100 * time.Millisecond, interval: 20 * time.Millisecond, blocks: 1}
	require.NoError(t, drive(ctx, root.Prop("handlers"), opts, &out))
	assert.Contains(t, out.String(), "particles: 6109")

	count, err := testutil.GatherAndCount(reg, "pcisph_remote_requests_total")
	require.NoError(t, err)
	assert.Positive(t, count)

	cancel()
	require.NoError(t, <-errc)
}

func TestMiddlewaresFollowConfig(t *testing.T) {
	cfg := testConfig()
	assert.Len(t, middlewares(cfg, nil, nil), 2)

	cfg.Dispatcher.Rate = 10
	cfg.Dispatcher.Retries = 2
	cfg.Dispatcher.Timeout = time.Second
	assert.Len(t, middlewares(cfg, nil, nil), 5)
}

func TestConfigDump(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "dump"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "service: Worker")
	assert.Contains(t, out.String(), "frame_rate: 60")
}
