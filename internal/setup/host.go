package setup

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/cochaviz/vessel/internal/configurations"
	"github.com/cochaviz/vessel/internal/logging"
	"github.com/cochaviz/vessel/internal/overlay"
)

// NatTable is the nftables table holding the host side NAT.
const NatTable = "vessel_host"

//go:embed host_nat.nft
var hostNatRules string

var hostNatTemplate = template.Must(template.New("host_nat").Parse(hostNatRules))

type natTemplateData struct {
	Table       string
	HostCIDR    string
	VethPattern string
}

var (
	geteuid        = os.Geteuid
	lookPath       = exec.LookPath
	procSysDir     = "/proc/sys"
	runNft         = runCommandWithInput
	nftTableExists = func(ctx context.Context) (bool, error) {
		return commandSucceeds(ctx, "nft", "list", "table", "ip", NatTable)
	}
	deleteNftTable = func(ctx context.Context) (bool, error) {
		return commandSucceeds(ctx, "nft", "delete", "table", "ip", NatTable)
	}
)

var packageLogger = scoped(nil)

// SetLogger routes host preparation logs to logger. Nil restores the process
// default.
func SetLogger(logger *slog.Logger) {
	packageLogger = scoped(logger)
}

func scoped(logger *slog.Logger) *slog.Logger {
	return logging.Ensure(logger).With(logging.ComponentKey, "setup")
}

// Prepare makes the host ready for the configuration in host. It is safe to
// run repeatedly.
func Prepare(ctx context.Context, host configurations.Host) error {
	logger := packageLogger
	if err := requireRoot(); err != nil {
		return err
	}
	if err := ensureCommands(requiredCommands(host)...); err != nil {
		return err
	}

	logger.Info("creating directories", "data_dir", host.DataDir, "run_dir", host.RunDir)
	for _, dir := range directories(host) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	logger.Info("enabling ip forwarding")
	if err := writeSysctl("net/ipv4/ip_forward", "1"); err != nil {
		return err
	}

	logger.Info("programming host nat", "table", NatTable, "cidr", host.Namespaces.HostCIDR)
	if err := programNftables(ctx, host); err != nil {
		return err
	}
	return nil
}

// Verify reports what is missing for host to run VMs.
func Verify(ctx context.Context, host configurations.Host) error {
	var errs []error
	if err := ensureCommands(requiredCommands(host)...); err != nil {
		errs = append(errs, err)
	}
	for name, path := range map[string]string{"kernel": host.Kernel, "rootfs": host.Rootfs} {
		if _, err := os.Stat(path); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", name, path, err))
		}
	}
	for _, dir := range directories(host) {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			errs = append(errs, fmt.Errorf("directory %s does not exist", dir))
		}
	}
	ok, err := nftTableExists(ctx)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("inspect nft table %s: %w", NatTable, err))
	case !ok:
		errs = append(errs, fmt.Errorf("nft table %s is not loaded", NatTable))
	}
	return errors.Join(errs...)
}

// Teardown removes the host NAT. Directories and their contents are kept.
func Teardown(ctx context.Context) error {
	if err := requireRoot(); err != nil {
		return err
	}
	packageLogger.Info("removing host nat", "table", NatTable)
	if _, err := deleteNftTable(ctx); err != nil {
		return fmt.Errorf("nft delete table ip %s: %w", NatTable, err)
	}
	return nil
}

func requiredCommands(host configurations.Host) []string {
	commands := []string{host.Firecracker, "nft"}
	switch host.Overlays.Strategy {
	case overlay.StrategyReflink:
		commands = append(commands, "cp")
	default:
		commands = append(commands, "mkfs.ext4")
	}
	return commands
}

func directories(host configurations.Host) []string {
	return []string{
		host.DataDir,
		host.Overlays.Dir,
		host.RunDir,
		host.WorkRoot(),
		filepath.Dir(host.RegistryPath),
	}
}

func requireRoot() error {
	if geteuid() != 0 {
		return errors.New("run me as root")
	}
	return nil
}

func ensureCommands(names ...string) error {
	var errs []error
	for _, name := range names {
		if _, err := lookPath(name); err != nil {
			errs = append(errs, fmt.Errorf("%s not found: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func writeSysctl(key, value string) error {
	path := filepath.Join(procSysDir, key)
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func renderHostRules(host configurations.Host) ([]byte, error) {
	var rendered bytes.Buffer
	err := hostNatTemplate.Execute(&rendered, natTemplateData{
		Table:       NatTable,
		HostCIDR:    host.Namespaces.HostCIDR,
		VethPattern: host.Namespaces.Prefix + "h*",
	})
	if err != nil {
		return nil, fmt.Errorf("render nft template host_nat: %w", err)
	}
	return rendered.Bytes(), nil
}

func programNftables(ctx context.Context, host configurations.Host) error {
	rules, err := renderHostRules(host)
	if err != nil {
		return err
	}
	if _, err := deleteNftTable(ctx); err != nil {
		return fmt.Errorf("nft delete table ip %s: %w", NatTable, err)
	}
	if err := runNft(ctx, "nft", rules, "-f", "-"); err != nil {
		return fmt.Errorf("nft -f - (host_nat): %w", err)
	}
	return nil
}

func runCommandWithInput(ctx context.Context, name string, input []byte, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr
	cmd.Stdin = bytes.NewReader(input)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

func commandSucceeds(ctx context.Context, name string, args ...string) (bool, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	return false, err
}
