// Package config loads pbofs configuration from defaults, an optional YAML
// file, environment variables and command-line flags, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "PBOFS"

// Config holds all pbofs configuration.
type Config struct {
	// Archives
	ArchiveFolders []string `yaml:"archive_folders" envconfig:"ARCHIVE_FOLDERS"`
	Prefix         string   `yaml:"prefix" envconfig:"PREFIX"`
	ExcludePrefix  string   `yaml:"exclude_prefix" envconfig:"EXCLUDE_PREFIX"`

	// Mount
	MountPoint  string `yaml:"mount_point" envconfig:"MOUNT_POINT"`
	OverlayDir  string `yaml:"overlay_dir" envconfig:"OVERLAY_DIR"`
	Backend     string `yaml:"backend" envconfig:"BACKEND"`
	VolumeLabel string `yaml:"volume_label" envconfig:"VOLUME_LABEL"`
	Debug       bool   `yaml:"debug" envconfig:"DEBUG"`

	// Derived config decoding
	CfgConvert   string `yaml:"cfgconvert" envconfig:"CFGCONVERT"`
	CacheDir     string `yaml:"cache_dir" envconfig:"CACHE_DIR"`
	MaxCacheSize int64  `yaml:"max_cache_size" envconfig:"MAX_CACHE_SIZE"`

	// Logging
	LogLevel  string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" envconfig:"LOG_FORMAT"`

	// Metrics (empty disables the endpoint)
	MetricsAddr string `yaml:"metrics_addr" envconfig:"METRICS_ADDR"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Backend:      "auto",
		VolumeLabel:  "PboFS",
		CacheDir:     filepath.Join(os.TempDir(), "pbofs-cache"),
		MaxCacheSize: 256 << 20,
		LogLevel:     "info",
		LogFormat:    "console",
	}
}

// LoadFile merges a YAML file into cfg. Keys absent from the file keep their
// current value.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// LoadEnv overlays PBOFS_* environment variables onto cfg.
func LoadEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("load environment: %w", err)
	}
	return nil
}

// Flags registers command-line flags that override cfg when parsed.
func Flags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringSliceVarP(&cfg.ArchiveFolders, "folders", "f", cfg.ArchiveFolders, "Directories with archives to mount (repeatable)")
	fs.StringVarP(&cfg.MountPoint, "output", "o", cfg.MountPoint, "Directory where to mount")
	fs.StringVarP(&cfg.OverlayDir, "overlay", "w", cfg.OverlayDir, "Writable overlay directory")
	fs.StringVar(&cfg.Prefix, "prefix", cfg.Prefix, "Expose only the subtree below this archive path")
	fs.StringVar(&cfg.ExcludePrefix, "exclude-prefix", cfg.ExcludePrefix, "Skip archive entries below this path")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Host backend: auto, gofuse, cgofuse")
	fs.StringVar(&cfg.VolumeLabel, "label", cfg.VolumeLabel, "Volume label")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable FUSE debug output")
	fs.StringVar(&cfg.CfgConvert, "cfgconvert", cfg.CfgConvert, "Path to the binary config converter")
	fs.StringVar(&cfg.CacheDir, "cache", cfg.CacheDir, "Directory for decoded config files")
	fs.Int64Var(&cfg.MaxCacheSize, "max-cache", cfg.MaxCacheSize, "Maximum decoded cache size in bytes")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: console, json")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Address for the Prometheus endpoint (empty disables)")
}

// Load builds a configuration from defaults, the YAML file named by path (or
// $PBOFS_CONFIG when path is empty) and the environment. Flags are applied by
// the caller afterwards.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := LoadEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration can be mounted.
func (c *Config) Validate() error {
	if len(c.ArchiveFolders) == 0 {
		return fmt.Errorf("at least one archive folder is required")
	}
	if c.OverlayDir == "" {
		return fmt.Errorf("overlay directory is required")
	}
	if c.MountPoint == "" {
		return fmt.Errorf("mount point is required")
	}
	switch c.Backend {
	case "auto", "gofuse", "cgofuse":
	default:
		return fmt.Errorf("unknown backend %q (use auto, gofuse or cgofuse)", c.Backend)
	}
	return nil
}

// NormalizedPrefix returns Prefix in the virtual path form `\a\b`, or "".
func (c *Config) NormalizedPrefix() string {
	return normalizePrefix(c.Prefix)
}

// NormalizedExcludePrefix returns ExcludePrefix in the virtual path form.
func (c *Config) NormalizedExcludePrefix() string {
	return normalizePrefix(c.ExcludePrefix)
}

func normalizePrefix(p string) string {
	p = strings.Trim(strings.ReplaceAll(p, "/", `\`), `\`)
	if p == "" {
		return ""
	}
	return `\` + p
}
