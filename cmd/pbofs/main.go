// pbofs mounts folders of PBO archives as one merged filesystem with a
// writable overlay directory on top.
//
// Sub-commands:
//
//	pbofs mount [flags]           Mount the filesystem (default)
//	pbofs ls [flags] <path>       List a directory without mounting
//	pbofs cat [flags] <path>      Print a file without mounting
//	pbofs find [flags] <path>     Print every path below a directory
//
// Configuration is read from defaults, an optional YAML file (--config or
// $PBOFS_CONFIG), PBOFS_* environment variables and flags, in that order.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/arma3/DokanPbo/internal/archive"
	"github.com/arma3/DokanPbo/internal/cache"
	"github.com/arma3/DokanPbo/internal/config"
	"github.com/arma3/DokanPbo/internal/derap"
	"github.com/arma3/DokanPbo/internal/host"
	"github.com/arma3/DokanPbo/internal/logging"
	"github.com/arma3/DokanPbo/internal/metrics"
	"github.com/arma3/DokanPbo/internal/overlay"
	"github.com/arma3/DokanPbo/internal/tree"
	"github.com/arma3/DokanPbo/internal/vfs"
)

func main() {
	args := os.Args[1:]
	cmd := "mount"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "mount":
		err = cmdMount(args)
	case "ls":
		err = cmdList(args)
	case "cat":
		err = cmdCat(args)
	case "find":
		err = cmdFind(args)
	default:
		err = fmt.Errorf("unknown command %q (use mount, ls, cat or find)", cmd)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, file, environment and flags.
func loadConfig(name string, args []string) (*config.Config, *pflag.FlagSet, error) {
	cfg, err := config.Load(configPath(args))
	if err != nil {
		return nil, nil, err
	}

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("config", "c", "", "YAML configuration file")
	config.Flags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return nil, nil, fmt.Errorf("init logging: %w", err)
	}
	return cfg, fs, nil
}

// configPath finds --config before the flag set exists, since the file
// supplies the flag defaults.
func configPath(args []string) string {
	for i, arg := range args {
		switch {
		case arg == "--config" || arg == "-c":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(arg, "--config="):
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	return ""
}

// mounted is everything built from a configuration.
type mounted struct {
	set  *archive.Set
	tree *tree.Tree
	fsys *vfs.FS
}

func (m *mounted) Close() {
	if m.tree != nil {
		m.tree.Close()
	}
	if m.set != nil {
		m.set.Close()
	}
}

func build(ctx context.Context, cfg *config.Config) (*mounted, error) {
	m := &mounted{}

	set, err := archive.Load(ctx, cfg.ArchiveFolders)
	if err != nil {
		return nil, fmt.Errorf("load archives: %w", err)
	}
	m.set = set
	metrics.SetArchiveBytes(set.TotalBytes())

	opts := tree.BuildOptions{
		Pairs:         set.Pairs(),
		ExcludePrefix: cfg.NormalizedExcludePrefix(),
	}

	if dec, ok := derap.Find(cfg.CfgConvert); ok {
		c, err := cache.New(cfg.CacheDir, cfg.MaxCacheSize)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("open decode cache: %w", err)
		}
		opts.Decoder = dec
		opts.Cache = c
		logging.Info("config decoding enabled", logging.String("tool", dec.Tool))
	} else {
		logging.Info("config converter not found, derived files disabled")
	}

	disk, err := overlay.New(overlay.Config{RootPath: cfg.OverlayDir, CreateDirs: true})
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("open overlay: %w", err)
	}
	opts.Disk = disk

	t, err := tree.Build(ctx, opts)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("build tree: %w", err)
	}
	m.tree = t

	m.fsys = vfs.New(vfs.Options{
		Tree:        t,
		Prefix:      cfg.NormalizedPrefix(),
		TotalBytes:  set.TotalBytes(),
		VolumeLabel: cfg.VolumeLabel,
	})
	return m, nil
}

func cmdMount(args []string) error {
	cfg, _, err := loadConfig("mount", args)
	if err != nil {
		return err
	}
	defer logging.Sync()

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				logging.Error("metrics server failed", logging.Err(err))
			}
		}()
	}

	m, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	backend, err := host.New(cfg.Backend, m.fsys, host.Options{
		MountPoint:  cfg.MountPoint,
		VolumeLabel: cfg.VolumeLabel,
		Debug:       cfg.Debug,
	})
	if err != nil {
		return err
	}

	logging.Info("pbofs mounting",
		logging.String("backend", backend.Name()),
		logging.Path(cfg.MountPoint),
		logging.String("overlay", cfg.OverlayDir),
		logging.Int("archives", len(m.set.Archives())),
		logging.Int("nodes", m.tree.Len()))

	err = backend.Start(ctx)
	logging.Info("unmounted")
	return err
}

// inspect builds the tree for ls, cat and find. Without an overlay directory a
// temporary empty one is used.
func inspect(name string, args []string) (*mounted, string, func(), error) {
	cfg, fs, err := loadConfig(name, args)
	if err != nil {
		return nil, "", nil, err
	}
	if fs.NArg() != 1 {
		return nil, "", nil, fmt.Errorf("usage: pbofs %s [flags] <path>", name)
	}
	if len(cfg.ArchiveFolders) == 0 {
		return nil, "", nil, errors.New("at least one archive folder is required")
	}

	cleanup := func() {}
	if cfg.OverlayDir == "" {
		dir, err := os.MkdirTemp("", "pbofs-overlay-*")
		if err != nil {
			return nil, "", nil, err
		}
		cfg.OverlayDir = dir
		cleanup = func() { os.RemoveAll(dir) }
	}

	m, err := build(context.Background(), cfg)
	if err != nil {
		cleanup()
		return nil, "", nil, err
	}
	return m, fs.Arg(0), func() {
		m.Close()
		cleanup()
		logging.Sync()
	}, nil
}

func cmdList(args []string) error {
	m, path, done, err := inspect("ls", args)
	if err != nil {
		return err
	}
	defer done()

	infos, err := m.fsys.ListDirectory(path)
	if err != nil {
		return err
	}
	for _, info := range infos {
		kind := "-"
		if info.IsDir {
			kind = "d"
		}
		fmt.Printf("%s %12d %s %s\n", kind, info.Size, info.Written.Format("2006-01-02 15:04"), info.Name)
	}
	return nil
}

func cmdFind(args []string) error {
	m, path, done, err := inspect("find", args)
	if err != nil {
		return err
	}
	defer done()

	return m.fsys.Walk(path, func(p string, info tree.Info) {
		if info.IsDir && p != `\` {
			p += `\`
		}
		fmt.Println(p)
	})
}

func cmdCat(args []string) error {
	m, path, done, err := inspect("cat", args)
	if err != nil {
		return err
	}
	defer done()

	h, err := m.fsys.OpenOrCreate(path, vfs.AccessRead, vfs.Open, false)
	if err != nil {
		return err
	}
	defer m.fsys.Close(h)

	buf := make([]byte, 64<<10)
	for off := int64(0); ; {
		n, err := m.fsys.Read(h, buf, off)
		if n > 0 {
			if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
				return werr
			}
			off += int64(n)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
