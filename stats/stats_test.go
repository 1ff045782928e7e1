package stats

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucas-schuermann/pcisph-wasm/endpoint"
	"github.com/lucas-schuermann/pcisph-wasm/remote"
)

func TestMonitorWindow(t *testing.T) {
	m := NewMonitor(3, nil, "test")
	assert.Equal(t, Snapshot{Panels: map[string]PanelSnapshot{}}, m.Snapshot())

	for i := 0; i < 5; i++ {
		m.Begin()
		time.Sleep(time.Millisecond)
		m.End()
	}
	s := m.Snapshot()
	assert.Equal(t, 5, s.Frames)
	assert.GreaterOrEqual(t, s.MinFrame, time.Millisecond)
	assert.LessOrEqual(t, s.MinFrame, s.AvgFrame)
	assert.LessOrEqual(t, s.AvgFrame, s.MaxFrame)
	assert.Greater(t, s.FPS, 0.0)
}

func TestEndWithoutBegin(t *testing.T) {
	m := NewMonitor(10, nil, "test")
	m.End()
	m.End()
	assert.Equal(t, 0, m.Snapshot().Frames)
}

func TestPanel(t *testing.T) {
	m := NewMonitor(10, nil, "test")
	p := m.Panel("MS (Sim)")
	assert.Same(t, p, m.Panel("MS (Sim)"))

	p.Update(4, 4)
	p.Update(2, 4)
	p.Update(6, 6)
	assert.Equal(t, PanelSnapshot{Value: 6, Max: 6, Min: 2, Updates: 3}, p.Snapshot())
	assert.Equal(t, []string{"MS (Sim)"}, m.Panels())
	assert.Equal(t, 3, m.Snapshot().Panels["MS (Sim)"].Updates)
}

func TestGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMonitor(10, reg, "pcisph")
	m.Begin()
	m.End()
	m.Panel("sim").Update(1.5, 2)

	count, err := testutil.GatherAndCount(reg, "pcisph_stats_frame_seconds", "pcisph_stats_panel_value")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRemoteSink(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m := NewMonitor(10, nil, "test")
	panel := m.Panel("sim")
	ch := endpoint.NewChannel(endpoint.ScopeRoot)
	remote.Serve(ch.Port1, map[string]any{"stats": remote.Expose(m), "sim": remote.Expose(panel)})
	root := remote.Wrap(ch.Port2)
	defer ch.Port1.Close()

	sink := NewRemoteSink(root.Prop("stats"))
	ps := NewRemotePanel(root.Prop("sim"))
	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Begin(ctx))
		require.NoError(t, ps.Update(ctx, float64(i), 2))
		require.NoError(t, sink.End(ctx))
	}
	assert.Equal(t, 3, m.Snapshot().Frames)
	assert.Equal(t, PanelSnapshot{Value: 2, Max: 2, Min: 0, Updates: 3}, panel.Snapshot())
}

func TestLocalSink(t *testing.T) {
	m := NewMonitor(10, nil, "test")
	var sink Sink = Local(m)
	require.NoError(t, sink.Begin(context.Background()))
	require.NoError(t, sink.End(context.Background()))
	require.NoError(t, LocalPanel(m.Panel("p")).Update(context.Background(), 1, 1))
	assert.Equal(t, 1, m.Snapshot().Frames)
	assert.Equal(t, 1, m.Snapshot().Panels["p"].Updates)
}
