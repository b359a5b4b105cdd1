package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojostore/core/storage_engine/slotstore"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gojostore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, DefaultPageSize, c.Storage.PageSize)
	assert.Equal(t, 32<<10, c.Storage.MaxBlockSize)
	assert.Equal(t, slotstore.DefaultFixModes(), *c.Storage.FixModes)
	assert.Equal(t, "gojostore", c.Telemetry.ServiceName)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
storage:
  data_dir: /var/lib/gojostore
  page_size: 4096
  fix_modes:
    read: read
    scan: read
    modify: batch
    compact: update
    verify: read
logger:
  level: debug
  format: console
telemetry:
  enabled: true
  prometheus_port: 9464
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/gojostore", c.Storage.DataDir)
	assert.Equal(t, 4096, c.Storage.PageSize)
	assert.Equal(t, DefaultPoolSize, c.Storage.PoolSize, "unset fields take defaults")
	assert.Equal(t, pagemanager.FixBatch, c.Storage.FixModes.Modify)
	assert.Equal(t, "debug", c.Logger.Level)
	assert.True(t, c.Telemetry.Enabled)
	assert.Equal(t, 9464, c.Telemetry.PrometheusPort)
}

func TestLoad_Invalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		body string
	}{
		{name: "alignment", body: "storage:\n  alignment: 6\n"},
		{name: "page too small", body: "storage:\n  page_size: 64\n"},
		{name: "shared modify mode", body: "storage:\n  fix_modes:\n    modify: read\n    compact: update\n"},
		{name: "unknown fix mode", body: "storage:\n  fix_modes:\n    modify: sometimes\n"},
		{name: "log format", body: "logger:\n  format: xml\n"},
		{name: "not yaml", body: "storage: [1, 2"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
