package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaultsAndEnvExpansion(t *testing.T) {
	t.Setenv("CLUSTER_CONN", "redis://localhost:6379")

	raw := []byte(`
cluster:
  cluster_id: mesh-dev
  service_id: svc-1
  connection_string: ${CLUSTER_CONN}
planner:
  compaction_enabled: true
  compaction_keep_last_n: 20
  compaction_max_context_tokens: 8000
  compaction_threshold: 0.8
`)
	cfg, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "mesh-dev", cfg.Cluster.ClusterID)
	require.Equal(t, "redis://localhost:6379", cfg.Cluster.ConnectionString)
	require.Equal(t, ClusteringLocalhost, cfg.Cluster.ClusteringMode)
	require.Equal(t, 5, cfg.Client.ConnectionRetryCount)
	require.True(t, cfg.Planner.CompactionEnabled)
	require.Equal(t, 20, cfg.Planner.CompactionKeepLastN)
}

func TestParseEnvDefaultFallback(t *testing.T) {
	raw := []byte(`
cluster:
  cluster_id: ${CLUSTER_ID:-mesh-local}
`)
	cfg, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "mesh-local", cfg.Cluster.ClusterID)
}

func TestBackoffStopsAfterConnectionRetryCountAttempts(t *testing.T) {
	b := NewBackoff(ClientOptions{ConnectionRetryCount: 2, ConnectionRetryDelay: time.Millisecond})

	ok, err := b.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Wait(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}
