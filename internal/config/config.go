// Package config loads the application configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	defaultGroup        = "slideshow"
	defaultHistorySize  = 100
	defaultCacheBytes   = 256 << 20
	defaultMaxDimension = 4096
	defaultWorkers      = 2
	maxWorkers          = 16
)

type Config struct {
	DataDir     string      `koanf:"data_dir"`     // settings database directory; empty means xdg data home
	Group       string      `koanf:"group"`        // settings group used by the slideshow
	HistorySize int         `koanf:"history_size"` // viewed images remembered by the viewer
	Watch       bool        `koanf:"watch"`        // drop cached decodes when files change on disk
	Cache       CacheConfig `koanf:"cache"`
}

// CacheConfig sizes the decoded image cache.
type CacheConfig struct {
	MaxBytes     int64 `koanf:"max_bytes"`     // budget for decoded pixels
	MaxDimension int   `koanf:"max_dimension"` // larger images are downscaled to fit
	Workers      int   `koanf:"workers"`       // concurrent decodes
}

// DefaultPaths returns the config files tried by Load, lowest priority first.
func DefaultPaths() []string {
	return []string{
		filepath.Join(xdg.ConfigHome, "gvslide", "config.toml"),
		"gvslide.toml",
	}
}

// Load reads every existing file in paths, later files overriding earlier
// ones. With no paths, DefaultPaths is used. Missing files are skipped.
func Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		paths = DefaultPaths()
	}
	k := koanf.New(".")

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.DataDir = expandPath(cfg.DataDir)
	return cfg, nil
}

func expandPath(path string) string {
	if path != "" && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// SettingsGroup returns the slideshow settings group with its default applied.
func (c *Config) SettingsGroup() string {
	if c.Group == "" {
		return defaultGroup
	}
	return c.Group
}

// GetHistorySize returns the history size with its default applied.
// A negative value disables the history.
func (c *Config) GetHistorySize() int {
	switch {
	case c.HistorySize < 0:
		return 0
	case c.HistorySize == 0:
		return defaultHistorySize
	}
	return c.HistorySize
}

// GetCacheConfig returns the cache configuration with defaults applied.
func (c *Config) GetCacheConfig() CacheConfig {
	cfg := c.Cache
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultCacheBytes
	}
	if cfg.MaxDimension < 0 {
		cfg.MaxDimension = 0 // no downscaling
	} else if cfg.MaxDimension == 0 {
		cfg.MaxDimension = defaultMaxDimension
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Workers > maxWorkers {
		cfg.Workers = maxWorkers
	}
	return cfg
}
