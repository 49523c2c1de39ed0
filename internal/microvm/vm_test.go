package microvm

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cochaviz/vessel/arch"
	"github.com/cochaviz/vessel/internal/fcclient"
	"github.com/cochaviz/vessel/internal/snapshot"
	"github.com/cochaviz/vessel/internal/spawn"
)

type harness struct {
	overlays   *fakeOverlayPool
	namespaces *fakeNamespacePool
	spawner    *fakeSpawner
	control    *fakeControl
}

func newHarness(slots int) *harness {
	return &harness{
		overlays:   newFakeOverlayPool(),
		namespaces: newFakeNamespacePool(slots),
		spawner:    &fakeSpawner{},
		control:    &fakeControl{},
	}
}

func (h *harness) deps() Dependencies {
	return Dependencies{
		Overlays:         h.overlays,
		Namespaces:       h.namespaces,
		Spawner:          h.spawner,
		NewControlClient: h.control.factory(),
		Logger:           testLogger(),
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		VCPUs:      2,
		MemoryMB:   512,
		KernelPath: "/vm/linux",
		RootfsPath: "/vm/rootfs.ext4",
		WorkRoot:   t.TempDir(),
		Arch:       arch.X86_64,
	}
}

func (h *harness) newVM(t *testing.T, cfg Config) *VM {
	t.Helper()
	vm, err := New(cfg, h.deps())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return vm
}

func testBundle() *snapshot.Bundle {
	return &snapshot.Bundle{
		StatePath:   "/snap/vm.state",
		MemoryPath:  "/snap/vm.mem",
		OverlayPath: "/old/overlay",
		VsockDir:    "/old/vsock",
	}
}

func TestStartFreshBoot(t *testing.T) {
	t.Parallel()

	h := newHarness(2)
	vm := h.newVM(t, testConfig(t))

	if err := vm.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if vm.State() != StateRunning || !vm.IsRunning() {
		t.Fatalf("state = %s running = %v, want running", vm.State(), vm.IsRunning())
	}

	req := h.spawner.lastRequest()
	configPath := filepath.Join(vm.WorkDir(), "config.json")
	if want := []string{"--config-file", configPath, "--no-api"}; !reflect.DeepEqual(req.Args, want) {
		t.Fatalf("args = %v, want %v", req.Args, want)
	}
	if req.Binary != "firecracker" || req.Netns != "vsl-0" || len(req.Binds) != 0 {
		t.Fatalf("unexpected request %+v", req)
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var doc struct {
		BootSource struct {
			KernelImagePath string `json:"kernel_image_path"`
			BootArgs        string `json:"boot_args"`
		} `json:"boot-source"`
		Drives []struct {
			DriveID      string `json:"drive_id"`
			PathOnHost   string `json:"path_on_host"`
			IsRootDevice bool   `json:"is_root_device"`
			IsReadOnly   bool   `json:"is_read_only"`
		} `json:"drives"`
		MachineConfig struct {
			VcpuCount  int `json:"vcpu_count"`
			MemSizeMib int `json:"mem_size_mib"`
		} `json:"machine-config"`
		Vsock struct {
			GuestCid int    `json:"guest_cid"`
			UdsPath  string `json:"uds_path"`
		} `json:"vsock"`
		NetworkInterfaces []struct {
			IfaceID     string `json:"iface_id"`
			HostDevName string `json:"host_dev_name"`
			GuestMac    string `json:"guest_mac"`
		} `json:"network-interfaces"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("parse config: %v", err)
	}

	if doc.BootSource.KernelImagePath != "/vm/linux" {
		t.Fatalf("kernel = %q", doc.BootSource.KernelImagePath)
	}
	if !strings.Contains(doc.BootSource.BootArgs, "ip=172.16.0.2::172.16.0.1:255.255.255.252::eth0:off") {
		t.Fatalf("boot args = %q", doc.BootSource.BootArgs)
	}
	if doc.MachineConfig.VcpuCount != 2 || doc.MachineConfig.MemSizeMib != 512 {
		t.Fatalf("machine config = %+v", doc.MachineConfig)
	}
	if len(doc.Drives) != 2 {
		t.Fatalf("drives = %+v", doc.Drives)
	}
	if d := doc.Drives[0]; d.PathOnHost != "/vm/rootfs.ext4" || !d.IsRootDevice || !d.IsReadOnly {
		t.Fatalf("root drive = %+v", d)
	}
	if d := doc.Drives[1]; d.PathOnHost != vm.Overlay() || d.IsRootDevice || d.IsReadOnly {
		t.Fatalf("overlay drive = %+v", d)
	}
	if doc.Vsock.GuestCid != 3 || doc.Vsock.UdsPath != filepath.Join(vm.WorkDir(), "vsock", "vsock.sock") {
		t.Fatalf("vsock = %+v", doc.Vsock)
	}
	if len(doc.NetworkInterfaces) != 1 || doc.NetworkInterfaces[0].HostDevName != "tap0" || doc.NetworkInterfaces[0].GuestMac != GuestMAC {
		t.Fatalf("network interfaces = %+v", doc.NetworkInterfaces)
	}

	if err := vm.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if vm.State() != StateStopped || vm.IsRunning() {
		t.Fatalf("state after stop = %s", vm.State())
	}
	if h.overlays.outstanding() != 0 || h.namespaces.available() != 2 {
		t.Fatalf("resources leaked: overlays=%d free namespaces=%d", h.overlays.outstanding(), h.namespaces.available())
	}
	if _, err := os.Stat(vm.WorkDir()); !os.IsNotExist(err) {
		t.Fatalf("work dir still present: %v", err)
	}
	if h.spawner.procs[0].kills.Load() != 1 {
		t.Fatalf("process killed %d times", h.spawner.procs[0].kills.Load())
	}
}

func TestStartAttachesSeedDrive(t *testing.T) {
	t.Parallel()

	h := newHarness(1)
	cfg := testConfig(t)
	cfg.SeedFiles = map[string][]byte{"run.json": []byte(`{"runId":"r-1"}`)}
	vm := h.newVM(t, cfg)

	if err := vm.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer vm.Kill()

	raw, err := os.ReadFile(filepath.Join(vm.WorkDir(), "config.json"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var doc struct {
		Drives []struct {
			DriveID    string `json:"drive_id"`
			PathOnHost string `json:"path_on_host"`
			IsReadOnly bool   `json:"is_read_only"`
		} `json:"drives"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if len(doc.Drives) != 3 {
		t.Fatalf("drives = %+v", doc.Drives)
	}
	seedDrive := doc.Drives[2]
	if seedDrive.DriveID != "seed" || !seedDrive.IsReadOnly {
		t.Fatalf("seed drive = %+v", seedDrive)
	}
	if _, err := os.Stat(seedDrive.PathOnHost); err != nil {
		t.Fatalf("seed image missing: %v", err)
	}
}

func TestStartRollsBackNamespaceWhenOverlayFails(t *testing.T) {
	t.Parallel()

	h := newHarness(1)
	h.overlays.err = errBoom
	vm := h.newVM(t, testConfig(t))

	err := vm.Start(context.Background(), nil)
	var acqErr *ResourceAcquisitionError
	if !errors.As(err, &acqErr) || acqErr.Resource != "overlay" || !errors.Is(err, errBoom) {
		t.Fatalf("Start error = %v, want overlay acquisition error", err)
	}
	if h.namespaces.available() != 1 {
		t.Fatalf("namespace not returned, available = %d", h.namespaces.available())
	}
	if _, err := h.namespaces.Acquire(context.Background()); err != nil {
		t.Fatalf("namespace acquire after failed start: %v", err)
	}
	if len(h.spawner.requests) != 0 {
		t.Fatal("hypervisor spawned despite acquisition failure")
	}
	if vm.State() != StateStopped || !errors.Is(vm.Err(), errBoom) {
		t.Fatalf("state = %s err = %v", vm.State(), vm.Err())
	}
}

func TestStartRollsBackOverlayWhenNamespaceFails(t *testing.T) {
	t.Parallel()

	h := newHarness(0)
	vm := h.newVM(t, testConfig(t))

	err := vm.Start(context.Background(), nil)
	var acqErr *ResourceAcquisitionError
	if !errors.As(err, &acqErr) || acqErr.Resource != "namespace" {
		t.Fatalf("Start error = %v, want namespace acquisition error", err)
	}
	if h.overlays.outstanding() != 0 || len(h.overlays.released) != 1 {
		t.Fatalf("overlay not returned: outstanding=%d released=%v", h.overlays.outstanding(), h.overlays.released)
	}
}

func TestStartRestoreBindsSnapshotPaths(t *testing.T) {
	t.Parallel()

	h := newHarness(1)
	vm := h.newVM(t, testConfig(t))

	if err := vm.Start(context.Background(), testBundle()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer vm.Kill()

	req := h.spawner.lastRequest()
	apiSocket := filepath.Join(vm.WorkDir(), "api.sock")
	if want := []string{"--api-sock", apiSocket}; !reflect.DeepEqual(req.Args, want) {
		t.Fatalf("args = %v, want %v", req.Args, want)
	}
	wantBinds := []spawn.Bind{
		{Source: filepath.Join(vm.WorkDir(), "vsock"), Target: "/old/vsock"},
		{Source: vm.Overlay(), Target: "/old/overlay"},
	}
	if !reflect.DeepEqual(req.Binds, wantBinds) {
		t.Fatalf("binds = %+v, want %+v", req.Binds, wantBinds)
	}
	if req.Netns != "vsl-0" {
		t.Fatalf("netns = %q", req.Netns)
	}

	if h.control.socket != apiSocket {
		t.Fatalf("control client socket = %q", h.control.socket)
	}
	wantLoad := []fcclient.LoadRequest{{StatePath: "/snap/vm.state", MemoryPath: "/snap/vm.mem", Resume: true}}
	if !reflect.DeepEqual(h.control.loads, wantLoad) {
		t.Fatalf("loads = %+v, want %+v", h.control.loads, wantLoad)
	}
	if vm.State() != StateRunning {
		t.Fatalf("state = %s", vm.State())
	}
}

func TestRestoredGuestIPIsSlotIndependent(t *testing.T) {
	t.Parallel()

	h := newHarness(3)
	var vms []*VM
	for i := 0; i < 3; i++ {
		vm := h.newVM(t, testConfig(t))
		if err := vm.Start(context.Background(), testBundle()); err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
		vms = append(vms, vm)
	}
	hostIPs := make(map[string]bool)
	for _, vm := range vms {
		if vm.GuestIP() != "172.16.0.2" {
			t.Fatalf("guest ip = %q", vm.GuestIP())
		}
		hostIPs[vm.HostIP()] = true
		_ = vm.Kill()
	}
	if len(hostIPs) != 3 {
		t.Fatalf("host ips = %v, want 3 distinct", hostIPs)
	}
}

func TestStartupRaceReportsProcessExit(t *testing.T) {
	t.Parallel()

	h := newHarness(1)
	h.control.blockReady = true
	h.spawner.onStart = func(p *fakeProcess) {
		p.exit(spawn.ExitStatus{Code: 1})
	}
	vm := h.newVM(t, testConfig(t))

	started := time.Now()
	err := vm.Start(context.Background(), testBundle())
	var raceErr *StartupRaceError
	if !errors.As(err, &raceErr) {
		t.Fatalf("Start error = %v, want StartupRaceError", err)
	}
	if raceErr.Status.Code != 1 || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("race error = %+v", raceErr)
	}
	if time.Since(started) > 2*time.Second {
		t.Fatal("startup failure waited for the readiness bound")
	}
	if len(h.control.loads) != 0 {
		t.Fatal("snapshot loaded into an exited process")
	}
	if h.namespaces.available() != 1 || h.overlays.outstanding() != 0 {
		t.Fatal("resources not returned after startup race")
	}
}

func TestStartReadinessTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(1)
	h.control.blockReady = true
	cfg := testConfig(t)
	cfg.APIReadyTimeout = 50 * time.Millisecond
	vm := h.newVM(t, cfg)

	err := vm.Start(context.Background(), testBundle())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Start error = %v, want deadline exceeded", err)
	}
	var raceErr *StartupRaceError
	if errors.As(err, &raceErr) {
		t.Fatal("timeout reported as process exit")
	}
	if h.spawner.procs[0].kills.Load() != 1 {
		t.Fatal("hypervisor left running after readiness timeout")
	}
}

func TestSnapshotLoadFailureKillsProcess(t *testing.T) {
	t.Parallel()

	h := newHarness(1)
	h.control.loadErr = errBoom
	vm := h.newVM(t, testConfig(t))

	err := vm.Start(context.Background(), testBundle())
	var loadErr *SnapshotLoadError
	if !errors.As(err, &loadErr) || !errors.Is(err, errBoom) {
		t.Fatalf("Start error = %v, want SnapshotLoadError", err)
	}
	if h.spawner.procs[0].kills.Load() != 1 {
		t.Fatal("orphaned hypervisor not killed")
	}
	if vm.State() != StateStopped || h.namespaces.available() != 1 {
		t.Fatalf("state = %s, free namespaces = %d", vm.State(), h.namespaces.available())
	}
}

func TestSpawnFailureCleansUp(t *testing.T) {
	t.Parallel()

	h := newHarness(1)
	h.spawner.err = errBoom
	vm := h.newVM(t, testConfig(t))

	err := vm.Start(context.Background(), nil)
	var spawnErr *ProcessSpawnError
	if !errors.As(err, &spawnErr) || spawnErr.Binary != "firecracker" {
		t.Fatalf("Start error = %v, want ProcessSpawnError", err)
	}
	if _, err := os.Stat(vm.WorkDir()); !os.IsNotExist(err) {
		t.Fatalf("work dir left behind: %v", err)
	}
	if h.overlays.outstanding() != 0 || h.namespaces.available() != 1 {
		t.Fatal("resources not returned after spawn failure")
	}
}

func TestStartRejectsInvalidState(t *testing.T) {
	t.Parallel()

	h := newHarness(2)
	vm := h.newVM(t, testConfig(t))
	if err := vm.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer vm.Kill()

	if err := vm.Start(context.Background(), nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second Start = %v, want ErrInvalidState", err)
	}
	if h.namespaces.acquires != 1 || h.overlays.next != 1 {
		t.Fatalf("second Start acquired resources: namespaces=%d overlays=%d", h.namespaces.acquires, h.overlays.next)
	}

	_ = vm.Kill()
	if err := vm.Start(context.Background(), nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Start after kill = %v, want ErrInvalidState", err)
	}
}

func TestStartRejectsIncompleteBundle(t *testing.T) {
	t.Parallel()

	h := newHarness(1)
	vm := h.newVM(t, testConfig(t))
	bundle := testBundle()
	bundle.VsockDir = ""

	if err := vm.Start(context.Background(), bundle); err == nil {
		t.Fatal("Start with incomplete bundle succeeded")
	}
	if vm.State() != StateCreated || h.namespaces.acquires != 0 {
		t.Fatalf("state = %s, acquires = %d", vm.State(), h.namespaces.acquires)
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(1)
	vm := h.newVM(t, testConfig(t))
	if err := vm.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := vm.Kill(); err != nil {
			t.Fatalf("Kill #%d: %v", i+1, err)
		}
		if vm.State() != StateStopped || vm.IsRunning() {
			t.Fatalf("after Kill #%d: state = %s", i+1, vm.State())
		}
	}
	if len(h.overlays.released) != 1 || h.namespaces.available() != 1 {
		t.Fatalf("resources released more than once: %v", h.overlays.released)
	}
}

func TestCleanupContinuesPastFailedStep(t *testing.T) {
	t.Parallel()

	h := newHarness(1)
	h.namespaces.releaseErr = errBoom
	vm := h.newVM(t, testConfig(t))
	if err := vm.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := vm.Kill()
	var stepErr *CleanupStepError
	if !errors.As(err, &stepErr) || stepErr.Step != "release namespace" {
		t.Fatalf("Kill error = %v, want namespace cleanup step error", err)
	}
	if h.overlays.outstanding() != 0 {
		t.Fatal("overlay not released after namespace step failed")
	}
	if _, err := os.Stat(vm.WorkDir()); !os.IsNotExist(err) {
		t.Fatal("work dir not removed after namespace step failed")
	}
	if vm.State() != StateStopped {
		t.Fatalf("state = %s", vm.State())
	}
}

func TestStopIsNoopUnlessRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(1)
	vm := h.newVM(t, testConfig(t))
	if err := vm.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if vm.State() != StateCreated {
		t.Fatalf("state = %s, want created", vm.State())
	}
}

func TestWaitForExitTimesOutWithoutKilling(t *testing.T) {
	t.Parallel()

	h := newHarness(1)
	vm := h.newVM(t, testConfig(t))
	if err := vm.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer vm.Kill()

	started := time.Now()
	_, err := vm.WaitForExit(context.Background(), 100*time.Millisecond)
	elapsed := time.Since(started)

	var timeoutErr *ExitTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("WaitForExit error = %v, want ExitTimeoutError", err)
	}
	if elapsed < 100*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("WaitForExit returned after %s", elapsed)
	}
	if h.spawner.procs[0].kills.Load() != 0 || !vm.IsRunning() {
		t.Fatal("WaitForExit killed the process")
	}
}

func TestWaitForExitReturnsStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(1)
	vm := h.newVM(t, testConfig(t))
	if _, err := vm.WaitForExit(context.Background(), time.Second); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("WaitForExit before start = %v, want ErrNotStarted", err)
	}
	if err := vm.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer vm.Kill()

	go h.spawner.procs[0].exit(spawn.ExitStatus{Code: 0})
	status, err := vm.WaitForExit(context.Background(), 5*time.Second)
	if err != nil || status.Code != 0 {
		t.Fatalf("WaitForExit = %+v, %v", status, err)
	}
	if vm.IsRunning() {
		t.Fatal("IsRunning true after exit")
	}
	if vm.State() != StateRunning {
		t.Fatalf("state = %s, want running until stopped", vm.State())
	}

	// an exited process is returned immediately
	status, err = vm.WaitForExit(context.Background(), time.Nanosecond)
	if err != nil || status.Code != 0 {
		t.Fatalf("second WaitForExit = %+v, %v", status, err)
	}
}

func TestConcurrentStartsHoldDistinctResources(t *testing.T) {
	t.Parallel()

	const count = 8
	h := newHarness(count)
	vms := make([]*VM, count)
	for i := range vms {
		vms[i] = h.newVM(t, testConfig(t))
	}

	var wg sync.WaitGroup
	errs := make([]error, count)
	for i, vm := range vms {
		wg.Add(1)
		go func(i int, vm *VM) {
			defer wg.Done()
			errs[i] = vm.Start(context.Background(), testBundle())
		}(i, vm)
	}
	wg.Wait()

	overlays := make(map[string]bool)
	namespaces := make(map[string]bool)
	for i, vm := range vms {
		if errs[i] != nil {
			t.Fatalf("Start %d: %v", i, errs[i])
		}
		ns, held := vm.Namespace()
		if !held || namespaces[ns.Name] || overlays[vm.Overlay()] {
			t.Fatalf("vm %d shares resources: netns=%s overlay=%s", i, ns.Name, vm.Overlay())
		}
		namespaces[ns.Name] = true
		overlays[vm.Overlay()] = true
	}
	for _, vm := range vms {
		_ = vm.Kill()
	}
	if h.namespaces.available() != count || h.overlays.outstanding() != 0 {
		t.Fatal("resources leaked after concurrent teardown")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing kernel", mutate: func(c *Config) { c.KernelPath = "" }},
		{name: "missing rootfs", mutate: func(c *Config) { c.RootfsPath = "" }},
		{name: "missing work root", mutate: func(c *Config) { c.WorkRoot = "" }},
		{name: "negative vcpus", mutate: func(c *Config) { c.VCPUs = -1 }},
		{name: "reserved cid", mutate: func(c *Config) { c.GuestCID = 2 }},
		{name: "unknown arch", mutate: func(c *Config) { c.Arch = "riscv" }},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t)
			tc.mutate(&cfg)
			if _, err := New(cfg, newHarness(1).deps()); err == nil {
				t.Fatal("New accepted invalid config")
			}
		})
	}

	if _, err := New(testConfig(t), Dependencies{}); err == nil {
		t.Fatal("New accepted missing pools")
	}
}
