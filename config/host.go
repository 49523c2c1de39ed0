// Package config wires the host resource pools, the registry and the VM
// lifecycle manager into the flows the CLI exposes.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cochaviz/vessel/internal/configurations"
	"github.com/cochaviz/vessel/internal/logging"
	"github.com/cochaviz/vessel/internal/microvm"
	"github.com/cochaviz/vessel/internal/netpool"
	"github.com/cochaviz/vessel/internal/overlay"
	"github.com/cochaviz/vessel/internal/registry"
	"github.com/cochaviz/vessel/internal/snapshot"
	"github.com/cochaviz/vessel/internal/spawn"
)

// RunMetadataFile is the seed drive entry describing the run.
const RunMetadataFile = "vessel/run.json"

// Components are the shared objects a Host hands to every VM.
type Components struct {
	Overlays         microvm.OverlayPool
	Namespaces       microvm.NamespacePool
	Registry         *registry.Registry
	Spawner          spawn.Spawner
	NewControlClient func(socketPath string, logger *slog.Logger) microvm.ControlClient
	Identity         *spawn.Identity
}

// Host owns the pools and registry for the lifetime of the process.
type Host struct {
	cfg        configurations.Host
	components Components
	logger     *slog.Logger
	closers    []func() error
}

// NewHost assembles a Host from existing components.
func NewHost(cfg configurations.Host, components Components, logger *slog.Logger) (*Host, error) {
	if components.Overlays == nil || components.Namespaces == nil || components.Registry == nil {
		return nil, errors.New("overlay pool, namespace pool and registry are required")
	}
	return &Host{
		cfg:        cfg,
		components: components,
		logger:     logging.Ensure(logger).With(logging.ComponentKey, "config.host"),
	}, nil
}

// Open builds the pools described by cfg and warms them. The caller must be
// root; VMs run as the invoking user.
func Open(ctx context.Context, cfg configurations.Host, logger *slog.Logger) (*Host, error) {
	logger = logging.Ensure(logger)

	identity, err := spawn.CurrentIdentity()
	if err != nil {
		return nil, err
	}
	reg, err := registry.Open(cfg.RegistryPath, logger)
	if err != nil {
		return nil, err
	}

	var owner *overlay.Owner
	if os.Geteuid() == 0 {
		owner = &overlay.Owner{UID: identity.UID, GID: identity.GID}
	}
	overlays, err := overlay.New(cfg.Overlays, nil, owner, logger)
	if err != nil {
		return nil, fmt.Errorf("overlay pool: %w", err)
	}
	provisioner := netpool.NewLinuxProvisioner(identity.UID, identity.GID, logger)
	namespaces, err := netpool.New(cfg.Namespaces, provisioner, logger)
	if err != nil {
		_ = overlays.Close()
		return nil, fmt.Errorf("namespace pool: %w", err)
	}

	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return overlays.Warm(gctx) })
	g.Go(func() error { return namespaces.Warm(gctx) })
	if err := g.Wait(); err != nil {
		_ = errors.Join(namespaces.Close(), overlays.Close())
		return nil, fmt.Errorf("warm pools: %w", err)
	}
	logger.Info("pools ready", "overlays", overlays.Available(), "namespaces", namespaces.Available(), "duration", time.Since(started))

	host, err := NewHost(cfg, Components{
		Overlays:   overlays,
		Namespaces: namespaces,
		Registry:   reg,
		Identity:   &identity,
	}, logger)
	if err != nil {
		return nil, err
	}
	host.closers = []func() error{namespaces.Close, overlays.Close}
	return host, nil
}

// Registry returns the registry VMs are published in.
func (h *Host) Registry() *registry.Registry {
	return h.components.Registry
}

// Close releases the pools. Sessions must be closed first.
func (h *Host) Close() error {
	var errs []error
	for _, closer := range h.closers {
		errs = append(errs, closer())
	}
	h.closers = nil
	return errors.Join(errs...)
}

// LaunchRequest describes one run.
type LaunchRequest struct {
	// RunID identifies the run in the registry. A uuid is used when empty.
	RunID        string
	SandboxToken string
	Options      registry.Options
	// Snapshot restores the VM instead of booting it.
	Snapshot *snapshot.Bundle

	VCPUs     int
	MemoryMB  int
	SeedFiles map[string][]byte
}

// Launch starts a VM and publishes its host IP in the registry.
func (h *Host) Launch(ctx context.Context, req LaunchRequest) (*Session, error) {
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	vmID := uuid.NewString()
	logger := h.logger.With("run_id", runID, logging.VMKey, vmID)

	vmCfg := microvm.Config{
		ID:              vmID,
		Binary:          h.cfg.Firecracker,
		Arch:            h.cfg.Arch,
		VCPUs:           orDefault(req.VCPUs, h.cfg.VM.VCPUs),
		MemoryMB:        orDefault(req.MemoryMB, h.cfg.VM.MemoryMB),
		KernelPath:      h.cfg.Kernel,
		RootfsPath:      h.cfg.Rootfs,
		BootArgs:        h.cfg.VM.BootArgs,
		WorkRoot:        h.cfg.WorkRoot(),
		APIReadyTimeout: h.cfg.VM.APIReadyTimeout,
	}
	if req.Snapshot == nil {
		files, err := seedFiles(req.SeedFiles, runID, vmID)
		if err != nil {
			return nil, err
		}
		vmCfg.SeedFiles = files
	}

	vm, err := microvm.New(vmCfg, microvm.Dependencies{
		Overlays:         h.components.Overlays,
		Namespaces:       h.components.Namespaces,
		Spawner:          h.components.Spawner,
		NewControlClient: h.components.NewControlClient,
		Identity:         h.components.Identity,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}
	if err := vm.Start(ctx, req.Snapshot); err != nil {
		return nil, err
	}

	hostIP := vm.HostIP()
	if err := h.components.Registry.Register(hostIP, runID, req.SandboxToken, req.Options); err != nil {
		if killErr := vm.Kill(); killErr != nil {
			logger.Warn("teardown after failed registration", "error", killErr)
		}
		return nil, fmt.Errorf("register %s: %w", hostIP, err)
	}
	logger.Info("run launched", "host_ip", hostIP, "guest_ip", vm.GuestIP())

	return &Session{VM: vm, RunID: runID, HostIP: hostIP, registry: h.components.Registry, logger: logger}, nil
}

func orDefault(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func seedFiles(extra map[string][]byte, runID, vmID string) (map[string][]byte, error) {
	metadata, err := json.Marshal(struct {
		RunID string `json:"runId"`
		VMID  string `json:"vmId"`
	}{runID, vmID})
	if err != nil {
		return nil, fmt.Errorf("encode run metadata: %w", err)
	}
	files := make(map[string][]byte, len(extra)+1)
	maps.Copy(files, extra)
	files[RunMetadataFile] = metadata
	return files, nil
}

// Session is a launched run.
type Session struct {
	VM     *microvm.VM
	RunID  string
	HostIP string

	registry *registry.Registry
	logger   *slog.Logger
	once     sync.Once
	err      error
}

// Close removes the run from the registry and then tears the VM down, so the
// host IP is never attributed to this run once its namespace is reused.
func (s *Session) Close(ctx context.Context) error {
	s.once.Do(func() {
		var errs []error
		if err := s.registry.Unregister(s.HostIP); err != nil {
			errs = append(errs, fmt.Errorf("unregister %s: %w", s.HostIP, err))
		}
		if s.VM.State() == microvm.StateRunning {
			errs = append(errs, s.VM.Stop(ctx))
		} else {
			errs = append(errs, s.VM.Kill())
		}
		s.err = errors.Join(errs...)
		s.logger.Info("run closed", "error", s.err)
	})
	return s.err
}

// Wait blocks until the hypervisor exits or timeout elapses.
func (s *Session) Wait(ctx context.Context, timeout time.Duration) (spawn.ExitStatus, error) {
	return s.VM.WaitForExit(ctx, timeout)
}
