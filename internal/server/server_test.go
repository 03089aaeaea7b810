package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hopflow/internal/config"
	"hopflow/internal/execution"
	"hopflow/internal/registry"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.MetadataDir = t.TempDir()
	cfg.Runner.Listen = "127.0.0.1:0"
	return cfg
}

func TestBootstrap_RunsPipelineFromMetadata(t *testing.T) {
	cfg := testConfig(t)
	p, err := Bootstrap(context.Background(), cfg)
	require.NoError(t, err)
	defer p.Close()

	assert.Len(t, p.Registry.FindAll(registry.CategoryPipelineEngine), 2)
	_, ok := p.Registry.Find("execution-history")
	assert.True(t, ok)

	rcDir := filepath.Join(cfg.MetadataDir, "run-configurations")
	require.NoError(t, os.MkdirAll(rcDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rcDir, "dataflow.yaml"), []byte(`kind: pipeline
default: true
engine:
  plugin: dataflow
  options: { parallelism: "2", poll_interval: 10ms }
`), 0o644))
	pipe := filepath.Join(t.TempDir(), "gen.yaml")
	require.NoError(t, os.WriteFile(pipe, []byte(`transforms:
  - name: gen
    plugin: rowgen
    config:
      fields: [{ name: id, type: int }]
      rows: [[1], [2], [3]]
  - { name: up, plugin: dummy }
hops:
  - { from: gen, to: up }
`), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := p.Runner.RunFile(ctx, pipe, "", nil)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFinished, snap.Status)

	got, err := p.Locations[DefaultLocation].Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFinished, got.Status)
}

func TestServeRunner_StopsWithContext(t *testing.T) {
	p, err := Bootstrap(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.ServeRunner(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner server did not stop")
	}
}

func TestBootstrap_BadLocation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Locations["broken"] = execution.LocationConfig{Type: "s3"}
	_, err := Bootstrap(context.Background(), cfg)
	assert.ErrorContains(t, err, "location broken")
}
