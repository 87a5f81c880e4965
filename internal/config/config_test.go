package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadLayers(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "pbofs.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
archive_folders:
  - /games/addons
overlay_dir: /games/overlay
mount_point: /mnt/p
log_level: debug
`), 0644))

	t.Setenv("PBOFS_LOG_LEVEL", "warn")
	t.Setenv("PBOFS_PREFIX", "a3/data")

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, []string{"/games/addons"}, cfg.ArchiveFolders)
	assert.Equal(t, "/games/overlay", cfg.OverlayDir)
	assert.Equal(t, "warn", cfg.LogLevel, "environment overrides file")
	assert.Equal(t, "auto", cfg.Backend, "default kept")
	assert.Equal(t, `\a3\data`, cfg.NormalizedPrefix())
	require.NoError(t, cfg.Validate())

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs, cfg)
	require.NoError(t, fs.Parse([]string{"-f", "/x", "-f", "/y", "--backend", "cgofuse"}))
	assert.Equal(t, []string{"/x", "/y"}, cfg.ArchiveFolders)
	assert.Equal(t, "cgofuse", cfg.Backend)
	assert.Equal(t, "/mnt/p", cfg.MountPoint, "flags not given keep loaded values")
}

func TestLoadFromEnvConfigPath(t *testing.T) {
	file := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(file, []byte("volume_label: Mods\n"), 0644))
	t.Setenv("PBOFS_CONFIG", file)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "Mods", cfg.VolumeLabel)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"complete", func(c *Config) {}, true},
		{"no folders", func(c *Config) { c.ArchiveFolders = nil }, false},
		{"no overlay", func(c *Config) { c.OverlayDir = "" }, false},
		{"no mount", func(c *Config) { c.MountPoint = "" }, false},
		{"bad backend", func(c *Config) { c.Backend = "dokan" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.ArchiveFolders = []string{"/a"}
			cfg.OverlayDir = "/o"
			cfg.MountPoint = "/m"
			tt.mutate(cfg)
			if tt.ok {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}

func TestNormalizePrefix(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{`\`, ""},
		{"a3", `\a3`},
		{`\a3\data\`, `\a3\data`},
		{"a3/data", `\a3\data`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizePrefix(tt.in), "normalizePrefix(%q)", tt.in)
	}
}
