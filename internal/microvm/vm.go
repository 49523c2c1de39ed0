// Package microvm manages the lifecycle of a single Firecracker microVM: it
// leases an overlay and a network namespace, boots or restores the guest, and
// returns every resource on teardown.
package microvm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cochaviz/vessel/internal/fcclient"
	"github.com/cochaviz/vessel/internal/logging"
	"github.com/cochaviz/vessel/internal/netpool"
	"github.com/cochaviz/vessel/internal/seed"
	"github.com/cochaviz/vessel/internal/snapshot"
	"github.com/cochaviz/vessel/internal/spawn"
)

// State is the lifecycle state of a VM.
type State string

const (
	StateCreated     State = "created"
	StateConfiguring State = "configuring"
	StateRunning     State = "running"
	StateStopping    State = "stopping"
	StateStopped     State = "stopped"
	StateError       State = "error"
)

const (
	configFileName  = "config.json"
	apiSocketName   = "api.sock"
	vsockDirName    = "vsock"
	vsockSocketName = "vsock.sock"
	seedImageName   = "seed.iso"

	reapTimeout = 5 * time.Second
)

// OverlayPool leases single-use writable overlays.
type OverlayPool interface {
	Acquire(ctx context.Context) (string, error)
	Release(path string) error
}

// NamespacePool leases network namespaces.
type NamespacePool interface {
	Acquire(ctx context.Context) (netpool.Namespace, error)
	Release(ns netpool.Namespace) error
}

// ControlClient drives the hypervisor API during a restore.
type ControlClient interface {
	WaitForReady(ctx context.Context) error
	LoadSnapshot(ctx context.Context, req fcclient.LoadRequest) error
}

// Dependencies are the shared host resources a VM draws on.
type Dependencies struct {
	Overlays   OverlayPool
	Namespaces NamespacePool
	// Spawner defaults to spawn.Exec.
	Spawner spawn.Spawner
	// NewControlClient defaults to fcclient.New.
	NewControlClient func(socketPath string, logger *slog.Logger) ControlClient
	// Identity is the user the hypervisor runs as. Nil keeps the caller's.
	Identity *spawn.Identity
	Logger   *slog.Logger
}

func defaultControlClient(socketPath string, logger *slog.Logger) ControlClient {
	return fcclient.New(socketPath, logger)
}

// VM is one microVM. Its methods are safe for concurrent use, but Start runs
// to completion once called; abort a start by calling Kill afterwards.
type VM struct {
	id      string
	cfg     Config
	deps    Dependencies
	logger  *slog.Logger
	workDir string

	mu          sync.Mutex
	state       State
	err         error
	overlayPath string
	ns          netpool.Namespace
	nsHeld      bool
	workDirMade bool
	proc        spawn.Process
}

// New validates cfg and returns a VM in state created.
func New(cfg Config, deps Dependencies) (*VM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid vm config: %w", err)
	}
	if deps.Overlays == nil || deps.Namespaces == nil {
		return nil, errors.New("overlay and namespace pools are required")
	}
	cfg = cfg.withDefaults()
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	logger := logging.Ensure(deps.Logger).With(logging.ComponentKey, "microvm", logging.VMKey, cfg.ID)
	if deps.Spawner == nil {
		deps.Spawner = &spawn.Exec{Logger: logger}
	}
	if deps.NewControlClient == nil {
		deps.NewControlClient = defaultControlClient
	}

	return &VM{
		id:      cfg.ID,
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		workDir: filepath.Join(cfg.WorkRoot, cfg.ID),
		state:   StateCreated,
	}, nil
}

func (vm *VM) ID() string { return vm.id }

// WorkDir holds the config file and sockets of the VM.
func (vm *VM) WorkDir() string { return vm.workDir }

func (vm *VM) State() State {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.state
}

// Err returns the error that failed Start, if any.
func (vm *VM) Err() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.err
}

// IsRunning reports whether the VM is running and its process is alive.
func (vm *VM) IsRunning() bool {
	vm.mu.Lock()
	state, proc := vm.state, vm.proc
	vm.mu.Unlock()
	if state != StateRunning || proc == nil {
		return false
	}
	select {
	case <-proc.Done():
		return false
	default:
		return true
	}
}

// Overlay returns the leased overlay path, empty when none is held.
func (vm *VM) Overlay() string {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.overlayPath
}

// Namespace returns the leased namespace and whether it is still held.
func (vm *VM) Namespace() (netpool.Namespace, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.ns, vm.nsHeld
}

// GuestIP returns the guest address once a namespace was acquired. It is the
// same in every namespace of a pool.
func (vm *VM) GuestIP() string {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.ns.GuestIP
}

// HostIP returns the host-side address the guest's traffic appears from.
func (vm *VM) HostIP() string {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.ns.HostIP
}

// Pid returns the hypervisor pid, 0 before spawn.
func (vm *VM) Pid() int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.proc == nil {
		return 0
	}
	return vm.proc.Pid()
}

// Start boots the VM, or restores it from bundle when bundle is non-nil. On
// failure every acquired resource is returned and the VM ends stopped with
// Err set.
func (vm *VM) Start(ctx context.Context, bundle *snapshot.Bundle) error {
	if bundle != nil {
		if err := bundle.Validate(); err != nil {
			return fmt.Errorf("invalid snapshot bundle: %w", err)
		}
	}

	vm.mu.Lock()
	if vm.state != StateCreated {
		state := vm.state
		vm.mu.Unlock()
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidState, state)
	}
	vm.state = StateConfiguring
	vm.mu.Unlock()

	started := time.Now()
	err := vm.start(ctx, bundle)
	if err != nil {
		vm.mu.Lock()
		vm.state = StateError
		vm.err = err
		vm.mu.Unlock()
		vm.logger.Error("start failed", "error", err)
		vm.cleanup(context.Background())
		return err
	}

	vm.mu.Lock()
	vm.state = StateRunning
	vm.mu.Unlock()
	vm.logger.Info("vm running", "mode", startMode(bundle), "duration", time.Since(started), "host_ip", vm.HostIP())
	return nil
}

func startMode(bundle *snapshot.Bundle) string {
	if bundle == nil {
		return "boot"
	}
	return "restore"
}

func (vm *VM) start(ctx context.Context, bundle *snapshot.Bundle) error {
	if err := vm.acquire(ctx); err != nil {
		return err
	}
	if err := vm.prepareWorkDir(); err != nil {
		return err
	}
	if bundle == nil {
		return vm.boot(ctx)
	}
	return vm.restore(ctx, bundle)
}

// acquire leases a namespace and an overlay together. Whatever succeeded is
// released again when the other fails.
func (vm *VM) acquire(ctx context.Context) error {
	var (
		g           errgroup.Group
		overlayPath string
		ns          netpool.Namespace
		overlayErr  error
		nsErr       error
	)
	g.Go(func() error {
		overlayPath, overlayErr = vm.deps.Overlays.Acquire(ctx)
		return overlayErr
	})
	g.Go(func() error {
		ns, nsErr = vm.deps.Namespaces.Acquire(ctx)
		return nsErr
	})
	_ = g.Wait()

	switch {
	case overlayErr == nil && nsErr == nil:
		vm.mu.Lock()
		vm.overlayPath = overlayPath
		vm.ns = ns
		vm.nsHeld = true
		vm.mu.Unlock()
		vm.logger.Debug("resources acquired", "overlay", overlayPath, "netns", ns.Name)
		return nil
	case overlayErr != nil && nsErr != nil:
		return &ResourceAcquisitionError{Resource: "overlay and namespace", Err: errors.Join(overlayErr, nsErr)}
	case overlayErr != nil:
		if err := vm.deps.Namespaces.Release(ns); err != nil {
			vm.logger.Warn("rollback namespace", "netns", ns.Name, "error", err)
		}
		return &ResourceAcquisitionError{Resource: "overlay", Err: overlayErr}
	default:
		if err := vm.deps.Overlays.Release(overlayPath); err != nil {
			vm.logger.Warn("rollback overlay", "overlay", overlayPath, "error", err)
		}
		return &ResourceAcquisitionError{Resource: "namespace", Err: nsErr}
	}
}

var (
	chown   = os.Chown
	geteuid = os.Geteuid
)

func (vm *VM) prepareWorkDir() error {
	vsockDir := filepath.Join(vm.workDir, vsockDirName)
	if err := os.MkdirAll(vsockDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	vm.mu.Lock()
	vm.workDirMade = true
	vm.mu.Unlock()

	// the hypervisor runs unprivileged and creates its sockets here
	if id := vm.deps.Identity; id != nil && geteuid() == 0 {
		for _, dir := range []string{vm.workDir, vsockDir} {
			if err := chown(dir, id.UID, id.GID); err != nil {
				return fmt.Errorf("chown %s: %w", dir, err)
			}
		}
	}
	return nil
}

func (vm *VM) boot(ctx context.Context) error {
	vm.mu.Lock()
	plan := bootPlan{
		overlayPath: vm.overlayPath,
		ns:          vm.ns,
		vsockPath:   filepath.Join(vm.workDir, vsockDirName, vsockSocketName),
	}
	vm.mu.Unlock()

	if len(vm.cfg.SeedFiles) > 0 {
		plan.seedPath = filepath.Join(vm.workDir, seedImageName)
		if _, err := seed.Build(plan.seedPath, "seed-"+vm.id, vm.cfg.SeedFiles); err != nil {
			return fmt.Errorf("build seed drive: %w", err)
		}
	}

	data, err := vm.cfg.renderHypervisorConfig(plan)
	if err != nil {
		return err
	}
	configPath := filepath.Join(vm.workDir, configFileName)
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("write hypervisor config: %w", err)
	}

	_, err = vm.spawn(ctx, spawn.Request{
		Binary: vm.cfg.Binary,
		Args:   []string{"--config-file", configPath, "--no-api"},
		Dir:    vm.workDir,
		Netns:  plan.ns.Name,
	})
	return err
}

func (vm *VM) restore(ctx context.Context, bundle *snapshot.Bundle) error {
	vm.mu.Lock()
	overlayPath, ns := vm.overlayPath, vm.ns
	vm.mu.Unlock()

	apiSocket := filepath.Join(vm.workDir, apiSocketName)
	proc, err := vm.spawn(ctx, spawn.Request{
		Binary: vm.cfg.Binary,
		Args:   []string{"--api-sock", apiSocket},
		Dir:    vm.workDir,
		Netns:  ns.Name,
		// the state file refers to these paths; redirect them to this VM's
		// own resources inside a private mount namespace
		Binds: []spawn.Bind{
			{Source: filepath.Join(vm.workDir, vsockDirName), Target: bundle.VsockDir},
			{Source: overlayPath, Target: bundle.OverlayPath},
		},
	})
	if err != nil {
		return err
	}

	client := vm.deps.NewControlClient(apiSocket, vm.logger)
	if err := vm.waitForAPI(ctx, client, proc); err != nil {
		return err
	}
	if err := client.LoadSnapshot(ctx, fcclient.LoadRequest{
		StatePath:  bundle.StatePath,
		MemoryPath: bundle.MemoryPath,
		Resume:     true,
	}); err != nil {
		return &SnapshotLoadError{StatePath: bundle.StatePath, Err: err}
	}
	return nil
}

// waitForAPI races API readiness against the process exiting. The losing
// wait is cancelled and joined before returning.
func (vm *VM) waitForAPI(ctx context.Context, client ControlClient, proc spawn.Process) error {
	readyCtx, cancel := context.WithTimeout(ctx, vm.cfg.APIReadyTimeout)
	defer cancel()

	ready := make(chan error, 1)
	go func() {
		ready <- client.WaitForReady(readyCtx)
	}()

	select {
	case err := <-ready:
		if err == nil {
			return nil
		}
		select {
		case <-proc.Done():
			return &StartupRaceError{Status: proc.ExitStatus()}
		default:
		}
		return fmt.Errorf("wait for api socket: %w", err)
	case <-proc.Done():
		cancel()
		<-ready
		return &StartupRaceError{Status: proc.ExitStatus()}
	}
}

func (vm *VM) spawn(ctx context.Context, req spawn.Request) (spawn.Process, error) {
	req.Identity = vm.deps.Identity
	proc, err := vm.deps.Spawner.Start(ctx, req)
	if err != nil {
		return nil, &ProcessSpawnError{Binary: req.Binary, Err: err}
	}

	vm.mu.Lock()
	vm.proc = proc
	vm.mu.Unlock()

	logger := vm.logger.With("pid", proc.Pid())
	logger.Info("hypervisor started", "netns", req.Netns, "binds", len(req.Binds))
	go forwardOutput(proc, logger)
	go func() {
		<-proc.Done()
		logger.Info("hypervisor exited", "status", proc.ExitStatus().String())
	}()
	return proc, nil
}

func forwardOutput(proc spawn.Process, logger *slog.Logger) {
	for ev := range proc.Lines() {
		if ev.Closed {
			if ev.Dropped > 0 {
				logger.Warn("hypervisor output dropped", "lines", ev.Dropped)
			}
			continue
		}
		logger.Debug(ev.Text, "stream", string(ev.Stream))
	}
}

// Stop tears the VM down. It is a no-op unless the VM is running. ctx bounds
// the wait for the hypervisor to be reaped.
func (vm *VM) Stop(ctx context.Context) error {
	vm.mu.Lock()
	if vm.state != StateRunning {
		vm.mu.Unlock()
		return nil
	}
	vm.state = StateStopping
	vm.mu.Unlock()

	vm.logger.Info("stopping vm")
	return vm.cleanup(ctx)
}

// Kill tears the VM down regardless of its state.
func (vm *VM) Kill() error {
	return vm.cleanup(context.Background())
}

// cleanup kills the process and returns every resource. Each step runs even
// when an earlier one failed; failures are logged and returned joined. A
// second call finds nothing left to do.
func (vm *VM) cleanup(ctx context.Context) error {
	vm.mu.Lock()
	proc := vm.proc
	overlayPath := vm.overlayPath
	ns, nsHeld := vm.ns, vm.nsHeld
	workDirMade := vm.workDirMade
	vm.overlayPath = ""
	vm.nsHeld = false
	vm.workDirMade = false
	vm.mu.Unlock()

	var errs []error
	step := func(name string, err error) {
		if err == nil {
			return
		}
		stepErr := &CleanupStepError{Step: name, Err: err}
		vm.logger.Warn("cleanup step failed", "step", name, "error", err)
		errs = append(errs, stepErr)
	}

	if proc != nil {
		step("kill hypervisor", terminate(ctx, proc))
	}
	if nsHeld {
		step("release namespace", vm.deps.Namespaces.Release(ns))
	}
	if overlayPath != "" {
		step("release overlay", vm.deps.Overlays.Release(overlayPath))
	}
	if workDirMade {
		step("remove work dir", os.RemoveAll(vm.workDir))
	}

	vm.mu.Lock()
	vm.state = StateStopped
	vm.mu.Unlock()
	return errors.Join(errs...)
}

func terminate(ctx context.Context, proc spawn.Process) error {
	select {
	case <-proc.Done():
		return nil
	default:
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	timer := time.NewTimer(reapTimeout)
	defer timer.Stop()
	select {
	case <-proc.Done():
		return nil
	case <-timer.C:
		return fmt.Errorf("pid %d not reaped within %s", proc.Pid(), reapTimeout)
	case <-ctx.Done():
		return fmt.Errorf("wait for pid %d: %w", proc.Pid(), ctx.Err())
	}
}

// WaitForExit waits for the hypervisor to exit. It never signals the process;
// on timeout an *ExitTimeoutError is returned and the process keeps running.
func (vm *VM) WaitForExit(ctx context.Context, timeout time.Duration) (spawn.ExitStatus, error) {
	vm.mu.Lock()
	proc := vm.proc
	vm.mu.Unlock()
	if proc == nil {
		return spawn.ExitStatus{}, ErrNotStarted
	}

	select {
	case <-proc.Done():
		return proc.ExitStatus(), nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-proc.Done():
		return proc.ExitStatus(), nil
	case <-timer.C:
		return spawn.ExitStatus{}, &ExitTimeoutError{Timeout: timeout}
	case <-ctx.Done():
		return spawn.ExitStatus{}, ctx.Err()
	}
}
