// Package config loads the YAML configuration of a GojoStore instance.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/sushant-115/gojostore/core/storage_engine/area"
	"github.com/sushant-115/gojostore/core/storage_engine/slotstore"
	"github.com/sushant-115/gojostore/pkg/logger"
	"github.com/sushant-115/gojostore/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// StorageConfig sizes the slot file, its buffer pool and the area file.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
	// PageSize of the slot file, in bytes.
	PageSize int `yaml:"page_size"`
	// PoolSize is the number of buffer pool frames.
	PoolSize int `yaml:"pool_size"`
	// MaxBlockSize caps one block of a variable chain.
	MaxBlockSize int `yaml:"max_block_size"`
	// Alignment rounds block sizes; a power of two.
	Alignment int `yaml:"alignment"`
	// AreaUnit is the allocation granule of the area file.
	AreaUnit int `yaml:"area_unit"`
	// VerifyPagesPerSecond throttles verification scans; zero is unthrottled.
	VerifyPagesPerSecond int `yaml:"verify_pages_per_second"`
	// FixModes picks the page fix mode per operation kind.
	FixModes *slotstore.FixModes `yaml:"fix_modes"`
}

type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

const (
	DefaultPageSize     = 8192
	DefaultPoolSize     = 256
	DefaultMaxBlockSize = 32 << 10
	DefaultAlignment    = 8
	DefaultAreaUnit     = 64
)

func Default() *Config {
	c := &Config{}
	c.FillDefaults()
	return c
}

// FillDefaults sets every zero field to its default.
func (c *Config) FillDefaults() {
	s := &c.Storage
	if s.DataDir == "" {
		s.DataDir = "data"
	}
	if s.PageSize == 0 {
		s.PageSize = DefaultPageSize
	}
	if s.PoolSize == 0 {
		s.PoolSize = DefaultPoolSize
	}
	if s.MaxBlockSize == 0 {
		s.MaxBlockSize = DefaultMaxBlockSize
	}
	if s.Alignment == 0 {
		s.Alignment = DefaultAlignment
	}
	if s.AreaUnit == 0 {
		s.AreaUnit = DefaultAreaUnit
	}
	if s.FixModes == nil {
		modes := slotstore.DefaultFixModes()
		s.FixModes = &modes
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = logger.DefaultService
	}
}

// Validate checks a filled configuration.
func (c *Config) Validate() error {
	s := c.Storage
	if s.PageSize < slotstore.HeaderPageMinSize {
		return fmt.Errorf("%w: page_size %d below %d", ErrInvalidConfig, s.PageSize, slotstore.HeaderPageMinSize)
	}
	if s.PoolSize <= 0 {
		return fmt.Errorf("%w: pool_size must be positive", ErrInvalidConfig)
	}
	if s.Alignment <= 0 || s.Alignment&(s.Alignment-1) != 0 {
		return fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidConfig, s.Alignment)
	}
	if s.MaxBlockSize < s.Alignment {
		return fmt.Errorf("%w: max_block_size %d below alignment", ErrInvalidConfig, s.MaxBlockSize)
	}
	if s.AreaUnit < area.MinUnitSize {
		return fmt.Errorf("%w: area_unit %d below %d", ErrInvalidConfig, s.AreaUnit, area.MinUnitSize)
	}
	if s.VerifyPagesPerSecond < 0 {
		return fmt.Errorf("%w: verify_pages_per_second is negative", ErrInvalidConfig)
	}
	if s.FixModes != nil && (!s.FixModes.Modify.Exclusive() || !s.FixModes.Compact.Exclusive()) {
		return fmt.Errorf("%w: modify and compact fix modes must be exclusive", ErrInvalidConfig)
	}
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Load reads path, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	c := &Config{}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
	}
	c.FillDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
