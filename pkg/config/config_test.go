package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultFailureThresholdIsThreeHeartbeats(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 3*cfg.Tick.HeartbeatInterval, cfg.Tick.FailureThreshold)
	assert.InDelta(t, 0.2, cfg.Tick.RetryJitterFraction, 1e-9)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetd.yaml")
	doc := `
node_id: leader-1
bind_addr: "10.0.0.1:7946"
tick:
  reconciler_interval: 5s
  failure_threshold: 45s
admission:
  max_replicas_per_group: 100
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "leader-1", cfg.NodeID)
	assert.Equal(t, "10.0.0.1:7946", cfg.BindAddr)
	assert.Equal(t, 5*time.Second, cfg.Tick.ReconcilerInterval)
	assert.Equal(t, 45*time.Second, cfg.Tick.FailureThreshold)
	assert.Equal(t, 100, cfg.Admission.MaxReplicasPerGroup)

	// Fields the file omits keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Tick.AutoscalerInterval)
	assert.Equal(t, 1024, cfg.Scheduler.DispatchQueueDepth)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
