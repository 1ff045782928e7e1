package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "Worker", cfg.Worker.Service)
	assert.Equal(t, 60, cfg.Worker.FrameRate)
	assert.Equal(t, 30*time.Second, cfg.Worker.Heartbeat)
	assert.Equal(t, "json", cfg.Client.Codec)
	assert.Equal(t, "round_robin", cfg.Client.Balancer)
	assert.Empty(t, cfg.Registry.Endpoints)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pcisph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker:
  threads: 8
  frame_rate: 30
registry:
  endpoints: [127.0.0.1:2379]
client:
  codec: binary
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Worker.Threads)
	assert.Equal(t, 30, cfg.Worker.FrameRate)
	assert.Equal(t, "Worker", cfg.Worker.Service, "untouched fields keep their default")
	assert.Equal(t, []string{"127.0.0.1:2379"}, cfg.Registry.Endpoints)
	assert.Equal(t, "binary", cfg.Client.Codec)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client:\n  codec: xml\nworker:\n  frame_rate: 0\n"), 0644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "client.codec")
	assert.ErrorContains(t, err, "worker.frame_rate")
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sim.DarkMode = true
	cfg.Dispatcher.Timeout = 2 * time.Second

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, Save(path, cfg))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
