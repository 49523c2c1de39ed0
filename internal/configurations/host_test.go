package configurations

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cochaviz/vessel/arch"
	"github.com/cochaviz/vessel/internal/overlay"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	host, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if host.Kernel != "/var/lib/vessel/vmlinux" || host.Overlays.Dir != "/var/lib/vessel/overlays" {
		t.Fatalf("unexpected defaults: %+v", host)
	}
	if host.Namespaces.Prefix != "vsl" || host.Namespaces.GuestIP != "172.16.0.2" {
		t.Fatalf("namespace defaults = %+v", host.Namespaces)
	}
	if host.WorkRoot() != "/run/vessel/vms" {
		t.Fatalf("work root = %q", host.WorkRoot())
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, strings.Join([]string{
		"firecracker: /usr/local/bin/firecracker",
		"arch: arm64",
		"data_dir: /srv/vessel",
		"vm:",
		"  vcpus: 2",
		"  memory_mb: 1024",
		"  api_ready_timeout: 2s",
		"overlays:",
		"  strategy: reflink",
		"  pool_size: 8",
		"namespaces:",
		"  prefix: agt",
		"  pool_size: 2",
		"  max: 16",
	}, "\n"))

	host, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if host.Arch != arch.AArch64 {
		t.Fatalf("arch = %q", host.Arch)
	}
	if host.Rootfs != "/srv/vessel/rootfs.ext4" || host.Overlays.BaseImage != host.Rootfs {
		t.Fatalf("rootfs = %q base image = %q", host.Rootfs, host.Overlays.BaseImage)
	}
	if host.Overlays.Strategy != overlay.StrategyReflink || host.Overlays.PoolSize != 8 {
		t.Fatalf("overlays = %+v", host.Overlays)
	}
	if host.VM.VCPUs != 2 || host.VM.MemoryMB != 1024 || host.VM.APIReadyTimeout != 2*time.Second {
		t.Fatalf("vm = %+v", host.VM)
	}
	if host.Namespaces.Prefix != "agt" || host.Namespaces.Max != 16 || host.Namespaces.HostCIDR != "10.200.0.0/16" {
		t.Fatalf("namespaces = %+v", host.Namespaces)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "unknown field", content: "kernal: /vmlinux\n", wantErr: "field kernal not found"},
		{name: "relative kernel", content: "kernel: vmlinux\n", wantErr: "kernel must be an absolute path"},
		{name: "bad arch", content: "arch: riscv64\n", wantErr: "unsupported architecture"},
		{name: "bad strategy", content: "overlays:\n  strategy: copy\n", wantErr: "unknown overlay strategy"},
		{name: "pool over max", content: "namespaces:\n  pool_size: 10\n  max: 4\n", wantErr: "exceeds max"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tc.content))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Load error = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadEmptyFile(t *testing.T) {
	t.Parallel()

	host, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if host != Default() {
		t.Fatalf("empty file = %+v, want defaults", host)
	}
}
