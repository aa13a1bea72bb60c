package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hdds-platform/hdds/qos"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 1024, cfg.Slab.Count)
	assert.Equal(t, 64*datasize.KB, cfg.Slab.Size)
	assert.Equal(t, "prefer", cfg.Shm.Policy)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hdds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
slab:
  count: 64
  size: 8KB
shm:
  policy: disable
discovery:
  lease: 5s
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Slab.Count)
	assert.Equal(t, 8*datasize.KB, cfg.Slab.Size)
	assert.Equal(t, "disable", cfg.Shm.Policy)
	assert.Equal(t, 5*time.Second, cfg.Discovery.Lease)
	// Untouched keys keep defaults.
	assert.Equal(t, 256, cfg.Ring.Capacity)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/hdds.yaml")
	require.Error(t, err)
}

const profileYAML = `
profiles:
  sensor-data:
    reliability:
      kind: 1
    history:
      kind: 0
      depth: 16
  bulk:
    durability:
      kind: 1
`

func TestProfileRegistryLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qos.yaml")
	require.NoError(t, os.WriteFile(path, []byte(profileYAML), 0o644))

	r := NewProfileRegistry()
	require.NoError(t, r.LoadFromYAML(path))

	p, ok := r.Get("sensor-data")
	require.True(t, ok)
	assert.Equal(t, qos.Reliable, p.Reliability.Kind)
	assert.Equal(t, 16, p.History.Depth)

	_, ok = r.Get("absent")
	assert.False(t, ok)
	assert.ElementsMatch(t, []string{"sensor-data", "bulk"}, r.Names())
}

func TestProfileRegistryKeepsOldOnParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qos.yaml")
	require.NoError(t, os.WriteFile(path, []byte(profileYAML), 0o644))
	r := NewProfileRegistry()
	require.NoError(t, r.LoadFromYAML(path))

	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))
	require.Error(t, r.LoadFromYAML(path))
	_, ok := r.Get("sensor-data")
	assert.True(t, ok, "parse failure must not clear the registry")
}

func TestWatcherHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qos.yaml")
	require.NoError(t, os.WriteFile(path, []byte(profileYAML), 0o644))

	r := NewProfileRegistry()
	w := NewWatcher(path, r, 50*time.Millisecond, zaptest.NewLogger(t).Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := r.Get("sensor-data")
		return ok
	}, time.Second, 10*time.Millisecond)

	// Rewrite with a new profile; the watcher must pick it up.
	require.NoError(t, os.WriteFile(path, []byte(`
profiles:
  fresh:
    reliability:
      kind: 1
`), 0o644))

	require.Eventually(t, func() bool {
		_, ok := r.Get("fresh")
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
