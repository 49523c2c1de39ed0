package overlay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Strategy selects how new overlays are materialised.
type Strategy string

const (
	// StrategySparseExt4 creates an empty sparse ext4 image. The guest init
	// stacks it over the read-only base rootfs with overlayfs.
	StrategySparseExt4 Strategy = "sparse-ext4"
	// StrategyReflink clones the base image, sharing extents where the
	// filesystem supports it.
	StrategyReflink Strategy = "reflink"
)

// Config describes an overlay pool.
type Config struct {
	Dir       string   `yaml:"dir"`
	BaseImage string   `yaml:"base_image"`
	Strategy  Strategy `yaml:"strategy"`
	SizeMiB   int64    `yaml:"size_mib"`
	PoolSize  int      `yaml:"pool_size"`
}

const (
	defaultSizeMiB  = 1024
	defaultPoolSize = 4
)

// WithDefaults fills unset fields with their defaults.
func (c Config) WithDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = StrategySparseExt4
	}
	if c.SizeMiB == 0 {
		c.SizeMiB = defaultSizeMiB
	}
	if c.PoolSize == 0 {
		c.PoolSize = defaultPoolSize
	}
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.Dir == "" {
		return errors.New("overlay dir is required")
	}
	if c.PoolSize < 0 {
		return fmt.Errorf("overlay pool size must not be negative, got %d", c.PoolSize)
	}
	switch c.Strategy {
	case StrategySparseExt4:
		if c.SizeMiB <= 0 {
			return fmt.Errorf("overlay size must be positive, got %d MiB", c.SizeMiB)
		}
	case StrategyReflink:
		if c.BaseImage == "" {
			return errors.New("reflink overlays need a base image")
		}
	default:
		return fmt.Errorf("unknown overlay strategy %q", c.Strategy)
	}
	return nil
}

// Creator materialises a single overlay file at path.
type Creator interface {
	Create(ctx context.Context, path string) error
}

// CreatorFunc adapts a function to Creator.
type CreatorFunc func(ctx context.Context, path string) error

func (f CreatorFunc) Create(ctx context.Context, path string) error {
	return f(ctx, path)
}

// NewCreator returns the Creator for cfg.Strategy.
func NewCreator(cfg Config) (Creator, error) {
	cfg = cfg.WithDefaults()
	switch cfg.Strategy {
	case StrategySparseExt4:
		return sparseExt4{sizeBytes: cfg.SizeMiB << 20}, nil
	case StrategyReflink:
		base, err := filepath.Abs(cfg.BaseImage)
		if err != nil {
			return nil, fmt.Errorf("resolve base image path %q: %w", cfg.BaseImage, err)
		}
		return reflinkClone{base: base}, nil
	default:
		return nil, fmt.Errorf("unknown overlay strategy %q", cfg.Strategy)
	}
}

type sparseExt4 struct {
	sizeBytes int64
}

func (s sparseExt4) Create(ctx context.Context, path string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create sparse file: %w", err)
	}
	if err := file.Truncate(s.sizeBytes); err != nil {
		_ = file.Close()
		return fmt.Errorf("size sparse file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close sparse file: %w", err)
	}
	return runTool(ctx, "mkfs.ext4", "-q", "-F", "-E", "lazy_itable_init=1,lazy_journal_init=1", path)
}

type reflinkClone struct {
	base string
}

func (r reflinkClone) Create(ctx context.Context, path string) error {
	if _, err := os.Stat(r.base); err != nil {
		return fmt.Errorf("stat base image: %w", err)
	}
	return runTool(ctx, "cp", "--reflink=auto", "--sparse=always", r.base, path)
}

var runTool = func(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w (output: %s)", name, err, strings.TrimSpace(string(output)))
	}
	return nil
}
