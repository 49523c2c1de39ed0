package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cochaviz/vessel/config"
	"github.com/cochaviz/vessel/internal/configurations"
	"github.com/cochaviz/vessel/internal/logging"
	"github.com/cochaviz/vessel/internal/microvm"
	"github.com/cochaviz/vessel/internal/netpool"
	"github.com/cochaviz/vessel/internal/registry"
	"github.com/cochaviz/vessel/internal/setup"
	"github.com/cochaviz/vessel/internal/snapshot"
	"github.com/cochaviz/vessel/internal/spawn"
)

const defaultLogLevel = "warning"

func main() {
	// re-executed as spawn helper: never returns
	spawn.Init()

	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	setup.SetLogger(logger)

	var (
		logLevel   = defaultLogLevel
		configPath string
	)
	loadConfig := func() (configurations.Host, error) {
		return configurations.Load(configPath)
	}

	root := &cobra.Command{
		Use:           "vessel",
		Short:         "CLI for 'vessel': pooled Firecracker microVMs for agent runs",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&configPath, "config", configurations.DefaultConfigPath, "Path to the host configuration")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newSetupCommand(logger, loadConfig),
		newRunCommand(logger, loadConfig),
		newRegistryCommand(logger, loadConfig),
		newGCCommand(logger, loadConfig),
	)
	return root
}

func verifySetup(ctx context.Context, logger *slog.Logger, host configurations.Host) error {
	logger = logger.With("action", "verify_setup")
	logger.Info("verifying setup state")
	if err := setup.Verify(ctx, host); err != nil {
		logger.Error("setup verification failed", "error", err)
		logger.Info("run 'vessel setup' to initialize the host")
		return err
	}
	logger.Info("setup verification succeeded")
	return nil
}

func newSetupCommand(logger *slog.Logger, loadConfig func() (configurations.Host, error)) *cobra.Command {
	var clearConfig bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Prepare the host: directories, forwarding and NAT for the namespace pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "setup")
			host, err := loadConfig()
			if err != nil {
				return err
			}

			if clearConfig {
				cmdLogger.Info("removing existing host nat")
				if err := setup.Teardown(cmd.Context()); err != nil {
					cmdLogger.Error("clear configuration failed", "error", err)
					return fmt.Errorf("clear configuration: %w", err)
				}
			}

			if err := setup.Prepare(cmd.Context(), host); err != nil {
				cmdLogger.Error("host preparation failed", "error", err)
				return fmt.Errorf("prepare host: %w", err)
			}
			cmdLogger.Info("host preparation completed")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&clearConfig, "clear", "C", false, "Remove the existing host NAT before initializing")

	return cmd
}

func newRunCommand(logger *slog.Logger, loadConfig func() (configurations.Host, error)) *cobra.Command {
	var (
		manifestPath string
		runID        string
		token        string
		vcpus        int
		memoryMB     int
		seedPaths    []string
		mitm         bool
		sealSecrets  bool
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Args:  cobra.NoArgs,
		Short: "Boot or restore one microVM and keep it running until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "run")
			host, err := loadConfig()
			if err != nil {
				return err
			}
			if err := verifySetup(cmd.Context(), cmdLogger, host); err != nil {
				return err
			}

			req := config.LaunchRequest{
				RunID:        strings.TrimSpace(runID),
				SandboxToken: token,
				Options:      registry.Options{MitmEnabled: mitm, SealSecretsEnabled: sealSecrets},
				VCPUs:        vcpus,
				MemoryMB:     memoryMB,
			}
			if manifestPath != "" {
				bundle, err := snapshot.LoadManifest(manifestPath)
				if err != nil {
					return err
				}
				req.Snapshot = bundle
			}
			if req.SeedFiles, err = readSeedFiles(seedPaths); err != nil {
				return err
			}

			return runSession(cmd.Context(), cmdLogger, host, req, timeout)
		},
	}

	cmd.Flags().StringVar(&manifestPath, "snapshot", "", "Snapshot bundle manifest to restore from instead of booting")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run identifier published in the registry (default: random)")
	cmd.Flags().StringVar(&token, "token", "", "Sandbox token published in the registry")
	cmd.Flags().IntVar(&vcpus, "vcpus", 0, "Override the configured vCPU count")
	cmd.Flags().IntVar(&memoryMB, "memory", 0, "Override the configured memory size in MiB")
	cmd.Flags().StringArrayVar(&seedPaths, "seed", nil, "File to place on the seed drive; repeat to add more")
	cmd.Flags().BoolVar(&mitm, "mitm", false, "Mark the run for TLS interception")
	cmd.Flags().BoolVar(&sealSecrets, "seal-secrets", false, "Mark the run for secret sealing")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Stop the VM after this long (0 waits for exit or Ctrl+C)")

	return cmd
}

func runSession(ctx context.Context, logger *slog.Logger, cfg configurations.Host, req config.LaunchRequest, timeout time.Duration) (err error) {
	host, err := config.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, host.Close())
	}()

	session, err := host.Launch(ctx, req)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err = errors.Join(err, session.Close(closeCtx))
	}()

	logger.Info("vm running; press Ctrl+C to stop", "run_id", session.RunID, "host_ip", session.HostIP, "guest_ip", session.VM.GuestIP())
	wait := timeout
	if wait <= 0 {
		wait = time.Duration(math.MaxInt64)
	}
	status, err := session.Wait(ctx, wait)
	var timeoutErr *microvm.ExitTimeoutError
	switch {
	case err == nil:
		logger.Info("vm exited", "status", status.String())
		return nil
	case errors.Is(err, context.Canceled), errors.As(err, &timeoutErr):
		logger.Info("stopping vm", "reason", err)
		return nil
	default:
		return err
	}
}

func readSeedFiles(paths []string) (map[string][]byte, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	files := make(map[string][]byte, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read seed file: %w", err)
		}
		files[filepath.Base(path)] = data
	}
	return files, nil
}

func newRegistryCommand(logger *slog.Logger, loadConfig func() (configurations.Host, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect and edit the host IP to run registry",
	}

	openRegistry := func(cmdLogger *slog.Logger) (*registry.Registry, error) {
		host, err := loadConfig()
		if err != nil {
			return nil, err
		}
		return registry.Open(host.RegistryPath, cmdLogger)
	}

	var (
		token       string
		mitm        bool
		sealSecrets bool
	)
	register := &cobra.Command{
		Use:   "register <host-ip> <run-id>",
		Args:  cobra.ExactArgs(2),
		Short: "Attribute traffic from a host IP to a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "registry.register")
			reg, err := openRegistry(cmdLogger)
			if err != nil {
				return err
			}
			return reg.Register(args[0], args[1], token, registry.Options{MitmEnabled: mitm, SealSecretsEnabled: sealSecrets})
		},
	}
	register.Flags().StringVar(&token, "token", "", "Sandbox token")
	register.Flags().BoolVar(&mitm, "mitm", false, "Mark the run for TLS interception")
	register.Flags().BoolVar(&sealSecrets, "seal-secrets", false, "Mark the run for secret sealing")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered host IPs",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(logger.With("command", "registry.list"))
			if err != nil {
				return err
			}
			entries := reg.All()
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "no registered vms")
				return nil
			}
			ips := make([]string, 0, len(entries))
			for ip := range entries {
				ips = append(ips, ip)
			}
			sort.Strings(ips)
			for _, ip := range ips {
				entry := entries[ip]
				registered := time.UnixMilli(entry.RegisteredAt).UTC().Format(time.RFC3339)
				fmt.Fprintf(out, "%s\t%s\t%s\tmitm=%t\n", ip, entry.RunID, registered, entry.MitmEnabled)
			}
			return nil
		},
	}

	unregister := &cobra.Command{
		Use:   "unregister <host-ip>",
		Args:  cobra.ExactArgs(1),
		Short: "Remove a host IP from the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(logger.With("command", "registry.unregister"))
			if err != nil {
				return err
			}
			return reg.Unregister(args[0])
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every registry entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(logger.With("command", "registry.clear"))
			if err != nil {
				return err
			}
			return reg.Clear()
		},
	}

	cmd.AddCommand(list, register, unregister, clearCmd)
	return cmd
}

func newGCCommand(logger *slog.Logger, loadConfig func() (configurations.Host, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Remove overlays, namespaces and work dirs left by crashed runs",
		Long:  "Remove overlays, namespaces and work dirs left by crashed runs. Do not run while other vessel processes are active.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "gc")
			host, err := loadConfig()
			if err != nil {
				return err
			}
			identity, err := spawn.CurrentIdentity()
			if err != nil {
				return err
			}
			sweeper := netpool.NewLinuxProvisioner(identity.UID, identity.GID, cmdLogger)
			report, err := config.GC(cmd.Context(), host, sweeper, cmdLogger)
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d overlays, %d namespaces, %d work dirs\n", report.Overlays, report.Namespaces, report.WorkDirs)
			return err
		},
	}
}
