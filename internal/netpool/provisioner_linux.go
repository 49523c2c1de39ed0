package netpool

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"text/template"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/vessel/internal/logging"
)

//go:embed namespace_nat.nft
var namespaceNatRules string

var namespaceNatTemplate = template.Must(template.New("namespace_nat").Parse(namespaceNatRules))

// netnsDir is where iproute2 and vishvananda/netns keep named namespaces.
const netnsDir = "/var/run/netns"

// LinuxProvisioner builds slots with netlink and nftables. It must run as root.
type LinuxProvisioner struct {
	// TapUID and TapGID own the tap device so an unprivileged hypervisor can
	// open it. Negative values leave the device owned by root.
	TapUID int
	TapGID int
	Logger *slog.Logger
}

// NewLinuxProvisioner returns a provisioner whose taps are owned by uid/gid.
func NewLinuxProvisioner(uid, gid int, logger *slog.Logger) *LinuxProvisioner {
	return &LinuxProvisioner{TapUID: uid, TapGID: gid, Logger: logger}
}

// Create builds the namespace, its tap device, the veth pair to the root
// namespace and the NAT between guest and host IP.
func (p *LinuxProvisioner) Create(ctx context.Context, ns Namespace) error {
	handle, err := p.createInside(ctx, ns)
	if err != nil {
		return err
	}
	defer handle.Close()

	return p.connectHost(ns, handle)
}

// Destroy removes the veth pair and the namespace. Missing objects are ignored.
func (p *LinuxProvisioner) Destroy(ns Namespace) error {
	var errs []error
	if link, err := netlink.LinkByName(ns.VethHost); err == nil {
		if err := netlink.LinkDel(link); err != nil && !isLinkNotFound(err) {
			errs = append(errs, fmt.Errorf("delete %s: %w", ns.VethHost, err))
		}
	} else if !isLinkNotFound(err) {
		errs = append(errs, fmt.Errorf("lookup %s: %w", ns.VethHost, err))
	}
	if err := netns.DeleteNamed(ns.Name); err != nil && !errors.Is(err, os.ErrNotExist) && !errors.Is(err, syscall.ENOENT) {
		errs = append(errs, fmt.Errorf("delete netns %s: %w", ns.Name, err))
	}
	return errors.Join(errs...)
}

// Sweep deletes namespaces and host veths named after prefix. It is used to
// recover from a process that died without closing its pool.
func (p *LinuxProvisioner) Sweep(prefix string) (int, error) {
	logger := p.logger().With("prefix", prefix)
	var errs []error
	removed := 0

	links, err := netlink.LinkList()
	if err != nil {
		return 0, fmt.Errorf("list links: %w", err)
	}
	for _, link := range links {
		name := link.Attrs().Name
		if _, ok := link.(*netlink.Veth); !ok || !strings.HasPrefix(name, prefix+"h") {
			continue
		}
		if err := netlink.LinkDel(link); err != nil && !isLinkNotFound(err) {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
		}
	}

	entries, err := os.ReadDir(netnsDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("read %s: %w", netnsDir, err)
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), prefix+"-") {
			continue
		}
		if err := netns.DeleteNamed(entry.Name()); err != nil {
			errs = append(errs, fmt.Errorf("delete netns %s: %w", entry.Name(), err))
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info("removed stale namespaces", "count", removed)
	}
	return removed, errors.Join(errs...)
}

// createInside creates the named namespace and configures everything that
// has to be done from within it. The calling thread is switched into the new
// namespace and back; if switching back fails the thread stays locked and
// is discarded by the runtime.
func (p *LinuxProvisioner) createInside(ctx context.Context, ns Namespace) (netns.NsHandle, error) {
	runtime.LockOSThread()
	restored := false
	defer func() {
		if restored {
			runtime.UnlockOSThread()
		}
	}()

	origin, err := netns.Get()
	if err != nil {
		return 0, fmt.Errorf("get current netns: %w", err)
	}
	defer origin.Close()

	handle, createErr := netns.NewNamed(ns.Name)
	var insideErr error
	if createErr == nil {
		insideErr = p.configureInside(ctx, ns)
	}
	if err := netns.Set(origin); err != nil {
		if handle.IsOpen() {
			handle.Close()
		}
		return 0, fmt.Errorf("restore netns after creating %s: %w", ns.Name, err)
	}
	restored = true

	if createErr != nil {
		return 0, fmt.Errorf("create netns %s: %w", ns.Name, createErr)
	}
	if insideErr != nil {
		handle.Close()
		return 0, insideErr
	}
	return handle, nil
}

func (p *LinuxProvisioner) configureInside(ctx context.Context, ns Namespace) error {
	if lo, err := netlink.LinkByName("lo"); err == nil {
		if err := netlink.LinkSetUp(lo); err != nil {
			return fmt.Errorf("bring lo up: %w", err)
		}
	}

	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: ns.TapName},
		Mode:      netlink.TUNTAP_MODE_TAP,
		Flags:     netlink.TUNTAP_NO_PI | netlink.TUNTAP_VNET_HDR,
	}
	if p.TapUID >= 0 {
		tap.Owner = uint32(p.TapUID)
	}
	if p.TapGID >= 0 {
		tap.Group = uint32(p.TapGID)
	}
	if err := netlink.LinkAdd(tap); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("create tap %s: %w", ns.TapName, err)
	}
	tapLink, err := netlink.LinkByName(ns.TapName)
	if err != nil {
		return fmt.Errorf("lookup tap %s: %w", ns.TapName, err)
	}
	tapAddr, err := netlink.ParseAddr(fmt.Sprintf("%s/%d", ns.TapIP, ns.TapPrefixLen))
	if err != nil {
		return fmt.Errorf("parse tap addr: %w", err)
	}
	if err := netlink.AddrReplace(tapLink, tapAddr); err != nil {
		return fmt.Errorf("address %s: %w", ns.TapName, err)
	}
	if err := netlink.LinkSetUp(tapLink); err != nil {
		return fmt.Errorf("bring %s up: %w", ns.TapName, err)
	}

	// /proc/sys/net resolves against the netns of the opening thread.
	if err := os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1"), 0o644); err != nil {
		return fmt.Errorf("enable forwarding in %s: %w", ns.Name, err)
	}

	rules, err := renderNamespaceRules(ns)
	if err != nil {
		return err
	}
	if err := runCommandWithInput(ctx, "nft", rules, "-f", "-"); err != nil {
		return fmt.Errorf("program nat in %s: %w", ns.Name, err)
	}
	return nil
}

func (p *LinuxProvisioner) connectHost(ns Namespace, handle netns.NsHandle) error {
	hostLink, err := netlink.LinkByName(ns.VethHost)
	if err != nil {
		if !isLinkNotFound(err) {
			return fmt.Errorf("lookup %s: %w", ns.VethHost, err)
		}
		veth := &netlink.Veth{
			LinkAttrs: netlink.LinkAttrs{Name: ns.VethHost},
			PeerName:  ns.VethPeer,
		}
		if err := netlink.LinkAdd(veth); err != nil && !errors.Is(err, syscall.EEXIST) {
			return fmt.Errorf("create veth %s: %w", ns.VethHost, err)
		}
		if hostLink, err = netlink.LinkByName(ns.VethHost); err != nil {
			return fmt.Errorf("lookup veth host: %w", err)
		}
	}

	nsHandle, err := netlink.NewHandleAt(handle)
	if err != nil {
		return fmt.Errorf("handle for ns %s: %w", ns.Name, err)
	}
	defer nsHandle.Close()

	if _, err := nsHandle.LinkByName(ns.VethPeer); err != nil {
		if !isLinkNotFound(err) {
			return fmt.Errorf("lookup ns peer: %w", err)
		}
		peer, err := netlink.LinkByName(ns.VethPeer)
		if err != nil {
			return fmt.Errorf("peer link %s: %w", ns.VethPeer, err)
		}
		if err := netlink.LinkSetNsFd(peer, int(handle)); err != nil {
			return fmt.Errorf("move %s to %s: %w", ns.VethPeer, ns.Name, err)
		}
	}

	gatewayAddr, err := netlink.ParseAddr(ns.GatewayIP + "/30")
	if err != nil {
		return fmt.Errorf("parse gateway addr: %w", err)
	}
	if err := netlink.AddrReplace(hostLink, gatewayAddr); err != nil {
		return fmt.Errorf("address %s: %w", ns.VethHost, err)
	}
	if err := netlink.LinkSetUp(hostLink); err != nil {
		return fmt.Errorf("bring %s up: %w", ns.VethHost, err)
	}

	peer, err := nsHandle.LinkByName(ns.VethPeer)
	if err != nil {
		return fmt.Errorf("ns veth %s: %w", ns.VethPeer, err)
	}
	hostAddr, err := netlink.ParseAddr(ns.HostIP + "/30")
	if err != nil {
		return fmt.Errorf("parse host addr: %w", err)
	}
	if err := nsHandle.AddrReplace(peer, hostAddr); err != nil {
		return fmt.Errorf("address %s: %w", ns.VethPeer, err)
	}
	if err := nsHandle.LinkSetUp(peer); err != nil {
		return fmt.Errorf("bring %s up: %w", ns.VethPeer, err)
	}
	if err := nsHandle.RouteReplace(&netlink.Route{
		LinkIndex: peer.Attrs().Index,
		Gw:        gatewayAddr.IP,
	}); err != nil {
		return fmt.Errorf("default route via %s: %w", ns.GatewayIP, err)
	}
	return nil
}

func (p *LinuxProvisioner) logger() *slog.Logger {
	return logging.Ensure(p.Logger).With(logging.ComponentKey, "netns_provisioner")
}

// NamespacePath returns the bind-mount path of a named namespace.
func NamespacePath(name string) string {
	return filepath.Join(netnsDir, name)
}

func renderNamespaceRules(ns Namespace) ([]byte, error) {
	var rendered bytes.Buffer
	if err := namespaceNatTemplate.Execute(&rendered, ns); err != nil {
		return nil, fmt.Errorf("render namespace nat rules: %w", err)
	}
	return rendered.Bytes(), nil
}

var runCommandWithInput = func(ctx context.Context, name string, input []byte, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w (output: %s)", name, err, strings.TrimSpace(string(output)))
	}
	return nil
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) || errors.Is(err, unix.ENODEV) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	return strings.Contains(err.Error(), "Link not found")
}
