// Package config handles label scan store configuration via YAML files and
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Command-line flags
//  2. Environment variables (LABELSCAN_*)
//  3. Config file (labelscan.yaml)
//  4. Built-in defaults
//
// Environment variables:
//   - LABELSCAN_DIR              store directory
//   - LABELSCAN_READ_ONLY        "true" refuses writers
//   - LABELSCAN_PAGE_SIZE        tree page size, 0 = platform default
//   - LABELSCAN_RANGE_WIDTH      bits per bitset: 8, 16, 32 or 64
//   - LABELSCAN_WRITER_BATCH     max pending tuples before auto-flush
//   - LABELSCAN_WRITE_LOG        "true" enables the per-merge audit log
//   - LABELSCAN_WRITE_LOG_ROTATE audit log rotation threshold in bytes
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/labelscan/pkg/labelscan"
)

// Config holds all store configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	WriteLog WriteLogConfig `yaml:"write_log"`
}

// StoreConfig configures the label scan store itself.
type StoreConfig struct {
	// Dir is the directory holding the store file.
	Dir string `yaml:"dir"`

	// ReadOnly refuses all writer acquisitions.
	ReadOnly bool `yaml:"read_only"`

	// PageSize is the tree page size; 0 uses the platform default.
	PageSize int `yaml:"page_size"`

	// RangeWidth is the number of node ids per bitset: 8, 16, 32 or 64.
	RangeWidth int `yaml:"range_width"`

	// WriterBatchSize bounds the batching writer's pending tuple buffer.
	WriterBatchSize int `yaml:"writer_batch_size"`
}

// WriteLogConfig configures the optional per-merge audit log.
type WriteLogConfig struct {
	Enabled bool `yaml:"enabled"`

	// RotateBytes seals the live log into a gzip segment past this size;
	// 0 uses the default threshold.
	RotateBytes int64 `yaml:"rotate_bytes"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Dir:             "./data",
			RangeWidth:      labelscan.DefaultRangeWidth,
			WriterBatchSize: labelscan.DefaultWriterBatchSize,
		},
	}
}

// LoadFromFile reads a YAML config file and applies environment overrides
// on top. A missing file is not an error; defaults plus environment apply.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults + environment only.
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LABELSCAN_DIR"); v != "" {
		c.Store.Dir = v
	}
	if v := os.Getenv("LABELSCAN_READ_ONLY"); v != "" {
		c.Store.ReadOnly = parseBool(v, c.Store.ReadOnly)
	}
	if v := os.Getenv("LABELSCAN_PAGE_SIZE"); v != "" {
		c.Store.PageSize = parseInt(v, c.Store.PageSize)
	}
	if v := os.Getenv("LABELSCAN_RANGE_WIDTH"); v != "" {
		c.Store.RangeWidth = parseInt(v, c.Store.RangeWidth)
	}
	if v := os.Getenv("LABELSCAN_WRITER_BATCH"); v != "" {
		c.Store.WriterBatchSize = parseInt(v, c.Store.WriterBatchSize)
	}
	if v := os.Getenv("LABELSCAN_WRITE_LOG"); v != "" {
		c.WriteLog.Enabled = parseBool(v, c.WriteLog.Enabled)
	}
	if v := os.Getenv("LABELSCAN_WRITE_LOG_ROTATE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.WriteLog.RotateBytes = n
		}
	}
}

func parseBool(s string, fallback bool) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return b
}

func parseInt(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

// Validate rejects configurations the store would refuse at open.
func (c *Config) Validate() error {
	switch c.Store.RangeWidth {
	case 0, 8, 16, 32, 64:
	default:
		return fmt.Errorf("config: range_width must be 8, 16, 32 or 64, got %d", c.Store.RangeWidth)
	}
	if c.Store.WriterBatchSize < 0 {
		return fmt.Errorf("config: writer_batch_size must not be negative, got %d", c.Store.WriterBatchSize)
	}
	if c.Store.PageSize != 0 && (c.Store.PageSize < 512 || c.Store.PageSize > 64*1024) {
		return fmt.Errorf("config: page_size must be 0 or within [512, 65536], got %d", c.Store.PageSize)
	}
	if c.Store.Dir == "" {
		return fmt.Errorf("config: store dir must not be empty")
	}
	if c.WriteLog.RotateBytes < 0 {
		return fmt.Errorf("config: rotate_bytes must not be negative, got %d", c.WriteLog.RotateBytes)
	}
	return nil
}

// StoreOptions renders the labelscan options described by this config. The
// write monitor is opened separately because it owns a file handle.
func (c *Config) StoreOptions() labelscan.Options {
	return labelscan.Options{
		ReadOnly:        c.Store.ReadOnly,
		PageSize:        c.Store.PageSize,
		RangeWidth:      c.Store.RangeWidth,
		WriterBatchSize: c.Store.WriterBatchSize,
	}
}
