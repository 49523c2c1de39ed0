// Package configurations loads the host configuration shared by every VM the
// process starts.
package configurations

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/vessel/arch"
	"github.com/cochaviz/vessel/internal/netpool"
	"github.com/cochaviz/vessel/internal/overlay"
)

var (
	DefaultConfigPath   = "/etc/vessel/config.yaml"
	DefaultDataDir      = "/var/lib/vessel"
	DefaultRunDir       = "/run/vessel"
	DefaultRegistryPath = "/run/vessel/registry.json"
)

// VMDefaults size VMs started without explicit values.
type VMDefaults struct {
	VCPUs           int           `yaml:"vcpus"`
	MemoryMB        int           `yaml:"memory_mb"`
	BootArgs        string        `yaml:"boot_args"`
	APIReadyTimeout time.Duration `yaml:"api_ready_timeout"`
}

// Host is the on-disk host configuration.
type Host struct {
	Firecracker  string            `yaml:"firecracker"`
	Kernel       string            `yaml:"kernel"`
	Rootfs       string            `yaml:"rootfs"`
	Arch         arch.Architecture `yaml:"arch"`
	DataDir      string            `yaml:"data_dir"`
	RunDir       string            `yaml:"run_dir"`
	RegistryPath string            `yaml:"registry"`

	VM         VMDefaults     `yaml:"vm"`
	Overlays   overlay.Config `yaml:"overlays"`
	Namespaces netpool.Config `yaml:"namespaces"`
}

// Default returns the configuration used when no file exists.
func Default() Host {
	return Host{}.withDefaults()
}

func (h Host) withDefaults() Host {
	if h.Firecracker == "" {
		h.Firecracker = "firecracker"
	}
	if h.Arch == "" {
		h.Arch = arch.Host()
	} else if normalized := arch.Normalize(string(h.Arch)); normalized != "" {
		h.Arch = normalized
	}
	if h.DataDir == "" {
		h.DataDir = DefaultDataDir
	}
	if h.Kernel == "" {
		h.Kernel = filepath.Join(h.DataDir, "vmlinux")
	}
	if h.Rootfs == "" {
		h.Rootfs = filepath.Join(h.DataDir, "rootfs.ext4")
	}
	if h.RunDir == "" {
		h.RunDir = DefaultRunDir
	}
	if h.RegistryPath == "" {
		h.RegistryPath = DefaultRegistryPath
	}
	if h.VM.VCPUs == 0 {
		h.VM.VCPUs = 1
	}
	if h.VM.MemoryMB == 0 {
		h.VM.MemoryMB = 512
	}
	if h.VM.APIReadyTimeout == 0 {
		h.VM.APIReadyTimeout = 5 * time.Second
	}
	if h.Overlays.Dir == "" {
		h.Overlays.Dir = filepath.Join(h.DataDir, "overlays")
	}
	if h.Overlays.Strategy == overlay.StrategyReflink && h.Overlays.BaseImage == "" {
		h.Overlays.BaseImage = h.Rootfs
	}
	h.Overlays = h.Overlays.WithDefaults()
	h.Namespaces = h.Namespaces.WithDefaults()
	return h
}

// WorkRoot is the directory holding per-VM working directories.
func (h Host) WorkRoot() string {
	return filepath.Join(h.RunDir, "vms")
}

// Validate reports every problem with the configuration.
func (h Host) Validate() error {
	var errs []error
	if !h.Arch.IsValid() {
		errs = append(errs, fmt.Errorf("unsupported architecture %q", h.Arch))
	}
	for name, path := range map[string]string{
		"kernel":   h.Kernel,
		"rootfs":   h.Rootfs,
		"data_dir": h.DataDir,
		"run_dir":  h.RunDir,
		"registry": h.RegistryPath,
	} {
		if !filepath.IsAbs(path) {
			errs = append(errs, fmt.Errorf("%s must be an absolute path, got %q", name, path))
		}
	}
	if h.VM.VCPUs < 0 || h.VM.MemoryMB < 0 {
		errs = append(errs, errors.New("vm sizing must not be negative"))
	}
	if h.VM.APIReadyTimeout < 0 {
		errs = append(errs, errors.New("api ready timeout must not be negative"))
	}
	if err := h.Overlays.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("overlays: %w", err))
	}
	if err := h.Namespaces.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("namespaces: %w", err))
	}
	return errors.Join(errs...)
}

// Load reads the host configuration at path. A missing file yields the
// defaults.
func Load(path string) (Host, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	var host Host
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Host{}, fmt.Errorf("read host config: %w", err)
	default:
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&host); err != nil && !errors.Is(err, io.EOF) {
			return Host{}, fmt.Errorf("parse host config %s: %w", path, err)
		}
	}

	host = host.withDefaults()
	if err := host.Validate(); err != nil {
		return Host{}, fmt.Errorf("invalid host config %s: %w", path, err)
	}
	return host, nil
}
