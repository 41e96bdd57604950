package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "./data", cfg.Store.Dir)
	assert.Equal(t, 64, cfg.Store.RangeWidth)
	assert.Equal(t, 1000, cfg.Store.WriterBatchSize)
	assert.False(t, cfg.Store.ReadOnly)
	assert.False(t, cfg.WriteLog.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	t.Run("missing file falls back to defaults", func(t *testing.T) {
		cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("yaml values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "labelscan.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
store:
  dir: /var/lib/labelscan
  read_only: true
  range_width: 32
  writer_batch_size: 50
write_log:
  enabled: true
  rotate_bytes: 1024
`), 0o644))

		cfg, err := LoadFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, "/var/lib/labelscan", cfg.Store.Dir)
		assert.True(t, cfg.Store.ReadOnly)
		assert.Equal(t, 32, cfg.Store.RangeWidth)
		assert.Equal(t, 50, cfg.Store.WriterBatchSize)
		assert.True(t, cfg.WriteLog.Enabled)
		assert.Equal(t, int64(1024), cfg.WriteLog.RotateBytes)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "labelscan.yaml")
		require.NoError(t, os.WriteFile(path, []byte("store:\n  range_width: 32\n"), 0o644))
		t.Setenv("LABELSCAN_RANGE_WIDTH", "16")
		t.Setenv("LABELSCAN_DIR", "/tmp/override")
		t.Setenv("LABELSCAN_WRITE_LOG", "true")

		cfg, err := LoadFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, 16, cfg.Store.RangeWidth)
		assert.Equal(t, "/tmp/override", cfg.Store.Dir)
		assert.True(t, cfg.WriteLog.Enabled)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "labelscan.yaml")
		require.NoError(t, os.WriteFile(path, []byte("store: ["), 0o644))
		_, err := LoadFromFile(path)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"width 8", func(c *Config) { c.Store.RangeWidth = 8 }, true},
		{"width 24", func(c *Config) { c.Store.RangeWidth = 24 }, false},
		{"negative batch", func(c *Config) { c.Store.WriterBatchSize = -1 }, false},
		{"tiny page", func(c *Config) { c.Store.PageSize = 128 }, false},
		{"huge page", func(c *Config) { c.Store.PageSize = 1 << 20 }, false},
		{"valid page", func(c *Config) { c.Store.PageSize = 8192 }, true},
		{"empty dir", func(c *Config) { c.Store.Dir = "" }, false},
		{"negative rotate", func(c *Config) { c.WriteLog.RotateBytes = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestStoreOptions(t *testing.T) {
	cfg := Default()
	cfg.Store.ReadOnly = true
	cfg.Store.RangeWidth = 16
	cfg.Store.PageSize = 4096
	cfg.Store.WriterBatchSize = 10

	opts := cfg.StoreOptions()
	assert.True(t, opts.ReadOnly)
	assert.Equal(t, 16, opts.RangeWidth)
	assert.Equal(t, 4096, opts.PageSize)
	assert.Equal(t, 10, opts.WriterBatchSize)
}
