package microvm

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	models "github.com/firecracker-microvm/firecracker-go-sdk/client/models"

	"github.com/cochaviz/vessel/arch"
	"github.com/cochaviz/vessel/internal/netpool"
	"github.com/cochaviz/vessel/internal/seed"
)

const (
	defaultBinary          = "firecracker"
	defaultVCPUs           = 1
	defaultMemoryMB        = 512
	defaultGuestCID        = 3
	defaultAPIReadyTimeout = 5 * time.Second

	// GuestMAC is the MAC of eth0 in every VM. Snapshots record it, so it
	// never varies between slots.
	GuestMAC = "06:00:ac:10:00:02"

	rootDriveID    = "rootfs"
	overlayDriveID = "overlay"
	guestIfaceID   = "eth0"
)

// Config is the static description of a VM.
type Config struct {
	// ID names the VM. A random uuid is used when empty.
	ID string
	// Binary is the hypervisor executable.
	Binary string
	Arch   arch.Architecture

	VCPUs      int
	MemoryMB   int
	KernelPath string
	RootfsPath string
	// BootArgs replaces the architecture defaults when set.
	BootArgs string

	// WorkRoot holds one working directory per VM.
	WorkRoot string
	// SeedFiles are packed into a read-only ISO drive on fresh boot.
	SeedFiles map[string][]byte

	// GuestCID is the vsock context id of the guest.
	GuestCID uint32
	// APIReadyTimeout bounds the wait for the API socket on restore.
	APIReadyTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Binary == "" {
		c.Binary = defaultBinary
	}
	if c.Arch == "" {
		c.Arch = arch.Host()
	}
	if c.VCPUs == 0 {
		c.VCPUs = defaultVCPUs
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = defaultMemoryMB
	}
	if c.GuestCID == 0 {
		c.GuestCID = defaultGuestCID
	}
	if c.APIReadyTimeout == 0 {
		c.APIReadyTimeout = defaultAPIReadyTimeout
	}
	return c
}

// Validate reports every problem with the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.KernelPath == "" {
		errs = append(errs, errors.New("kernel path is required"))
	}
	if c.RootfsPath == "" {
		errs = append(errs, errors.New("rootfs path is required"))
	}
	if c.WorkRoot == "" {
		errs = append(errs, errors.New("work root is required"))
	}
	if c.VCPUs < 0 {
		errs = append(errs, fmt.Errorf("vcpus must be positive, got %d", c.VCPUs))
	}
	if c.MemoryMB < 0 {
		errs = append(errs, fmt.Errorf("memory must be positive, got %d MiB", c.MemoryMB))
	}
	if c.GuestCID != 0 && c.GuestCID < 3 {
		errs = append(errs, fmt.Errorf("guest cid %d is reserved", c.GuestCID))
	}
	if c.Arch != "" && !c.Arch.IsValid() {
		errs = append(errs, fmt.Errorf("unsupported architecture %q", c.Arch))
	}
	return errors.Join(errs...)
}

// hypervisorConfig is the document passed with --config-file.
type hypervisorConfig struct {
	BootSource        models.BootSource           `json:"boot-source"`
	Drives            []models.Drive              `json:"drives"`
	MachineConfig     models.MachineConfiguration `json:"machine-config"`
	Vsock             *models.Vsock               `json:"vsock,omitempty"`
	NetworkInterfaces []models.NetworkInterface   `json:"network-interfaces"`
}

type bootPlan struct {
	overlayPath string
	vsockPath   string
	seedPath    string
	ns          netpool.Namespace
}

func (c Config) bootArgs(ns netpool.Namespace) string {
	if c.BootArgs != "" {
		return c.BootArgs
	}
	return c.Arch.DefaultBootArgs(ns.GuestIP, ns.TapIP, ns.GuestNetmask())
}

func (c Config) hypervisorConfig(plan bootPlan) hypervisorConfig {
	drives := []models.Drive{
		{
			DriveID:      firecracker.String(rootDriveID),
			PathOnHost:   firecracker.String(c.RootfsPath),
			IsRootDevice: firecracker.Bool(true),
			IsReadOnly:   firecracker.Bool(true),
		},
		{
			DriveID:      firecracker.String(overlayDriveID),
			PathOnHost:   firecracker.String(plan.overlayPath),
			IsRootDevice: firecracker.Bool(false),
			IsReadOnly:   firecracker.Bool(false),
		},
	}
	if plan.seedPath != "" {
		drives = append(drives, models.Drive{
			DriveID:      firecracker.String(seed.DriveID),
			PathOnHost:   firecracker.String(plan.seedPath),
			IsRootDevice: firecracker.Bool(false),
			IsReadOnly:   firecracker.Bool(true),
		})
	}

	return hypervisorConfig{
		BootSource: models.BootSource{
			KernelImagePath: firecracker.String(c.KernelPath),
			BootArgs:        c.bootArgs(plan.ns),
		},
		Drives: drives,
		MachineConfig: models.MachineConfiguration{
			VcpuCount:  firecracker.Int64(int64(c.VCPUs)),
			MemSizeMib: firecracker.Int64(int64(c.MemoryMB)),
		},
		Vsock: &models.Vsock{
			GuestCid: firecracker.Int64(int64(c.GuestCID)),
			UdsPath:  firecracker.String(plan.vsockPath),
		},
		NetworkInterfaces: []models.NetworkInterface{
			{
				IfaceID:     firecracker.String(guestIfaceID),
				HostDevName: firecracker.String(plan.ns.TapName),
				GuestMac:    GuestMAC,
			},
		},
	}
}

func (c Config) renderHypervisorConfig(plan bootPlan) ([]byte, error) {
	data, err := json.MarshalIndent(c.hypervisorConfig(plan), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode hypervisor config: %w", err)
	}
	return append(data, '\n'), nil
}
