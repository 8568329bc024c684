package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"vidatlas/internal/api"
	"vidatlas/internal/config"
	"vidatlas/internal/preflight"
	"vidatlas/internal/registry"
)

const (
	daemonStartTimeout = 10 * time.Second
	daemonStopGrace    = 5 * time.Second
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the vidatlas daemon process",
	}

	daemonCmd.AddCommand(newDaemonStartCommand(ctx))
	daemonCmd.AddCommand(newDaemonStopCommand(ctx))
	daemonCmd.AddCommand(newDaemonStatusCommand(ctx))

	return daemonCmd
}

func newDaemonStartCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the vidatlas daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			cfg := ctx.configValue()

			probe := preflight.ProbeDaemon(cfg)
			if probe.Running {
				fmt.Fprintf(stdout, "Daemon already running (pid %d)\n", probe.PID)
				return nil
			}

			exe, err := daemonExecutable()
			if err != nil {
				return err
			}

			fmt.Fprintln(stdout, "Daemon not running, launching...")
			if err := launchDaemon(exe, ctx.configPath()); err != nil {
				return err
			}

			probe, err = waitForDaemon(cfg, daemonStartTimeout)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Daemon started (pid %d)\n", probe.PID)
			return nil
		},
	}
}

func newDaemonStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the vidatlas daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			cfg := ctx.configValue()

			probe := preflight.ProbeDaemon(cfg)
			if !probe.Running {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if probe.PID == os.Getpid() {
				return fmt.Errorf("refusing to stop current process (pid %d)", probe.PID)
			}

			if err := unix.Kill(probe.PID, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
				return fmt.Errorf("signal daemon process %d: %w", probe.PID, err)
			}

			if waitForExit(probe.PID, daemonStopGrace) {
				fmt.Fprintln(stdout, "Daemon stopped")
				return nil
			}

			// The process survived its grace period. A SIGKILL leaves the
			// PID file behind, so clean it up here.
			fmt.Fprintf(stdout, "Stopping daemon process (pid %d)...\n", probe.PID)
			if err := unix.Kill(probe.PID, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				return fmt.Errorf("kill daemon process %d: %w", probe.PID, err)
			}
			if err := os.Remove(cfg.PIDPath()); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove pid file: %w", err)
			}
			_ = os.Remove(cfg.LockPath())
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}
}

func newDaemonStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and engine status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			probe := preflight.ProbeDaemon(cfg)

			var engine *api.EngineStatus
			var engineErr error
			if probe.Running {
				engine, engineErr = ctx.apiClient().EngineStatus(cmd.Context())
			}

			if jsonOut {
				if engine != nil {
					return writeJSON(cmd, engine)
				}
				return writeJSON(cmd, offlineEngineStatus(cmd, ctx, probe))
			}

			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)

			for _, line := range renderSectionHeader("Daemon", colorize) {
				fmt.Fprintln(stdout, line)
			}
			fmt.Fprintln(stdout, renderDaemonLine(probe, colorize))
			fmt.Fprintln(stdout, renderCheckLine(preflight.CheckDirectoryAccess("Data directory", cfg.Daemon.DataDir), colorize))
			fmt.Fprintln(stdout, renderCheckLine(preflight.CheckWebhookFromConfig(cfg), colorize))
			fmt.Fprintln(stdout)

			jobCounts := map[string]int{}
			if engine != nil {
				for _, line := range renderSectionHeader("Engine", colorize) {
					fmt.Fprintln(stdout, line)
				}
				fmt.Fprintln(stdout, renderDetailLine("Version", engine.Version))
				fmt.Fprintln(stdout, renderDetailLine("Pool size", fmt.Sprintf("%d", engine.PoolSize)))
				fmt.Fprintln(stdout, renderDetailLine("Active jobs", fmt.Sprintf("%d", engine.ActiveJobs)))
				fmt.Fprintln(stdout, renderDetailLine("Cache entries", fmt.Sprintf("%d", engine.CacheEntries)))
				fmt.Fprintln(stdout, renderDetailLine("Subscribers", fmt.Sprintf("%d", engine.Subscribers)))
				fmt.Fprintln(stdout)
				jobCounts = engine.Jobs
			} else {
				if engineErr != nil {
					fmt.Fprintln(stdout, renderStatusLine("Engine", statusWarn, engineErr.Error(), colorize))
					fmt.Fprintln(stdout)
				}
				counts, err := registryJobCounts(cmd, ctx)
				if err != nil {
					return err
				}
				jobCounts = counts
			}

			for _, line := range renderSectionHeader("Jobs", colorize) {
				fmt.Fprintln(stdout, line)
			}
			rows := buildStatusCountRows(jobCounts)
			if len(rows) == 0 {
				fmt.Fprintln(stdout, "No jobs recorded")
				return nil
			}
			fmt.Fprintln(stdout, renderTable([]string{"Status", "Count"}, rows, 1))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print engine status as JSON")
	return cmd
}

func renderDaemonLine(probe preflight.DaemonProbe, colorize bool) string {
	kind := statusWarn
	if probe.Running {
		kind = statusOK
	}
	return renderStatusLine("Daemon", kind, probe.Detail(), colorize)
}

func renderCheckLine(result preflight.Result, colorize bool) string {
	kind := statusError
	if result.Passed {
		kind = statusOK
	}
	return renderStatusLine(result.Name, kind, result.Detail, colorize)
}

// offlineEngineStatus assembles the JSON status shape without the daemon,
// reading job counts straight from the registry.
func offlineEngineStatus(cmd *cobra.Command, ctx *commandContext, probe preflight.DaemonProbe) api.EngineStatus {
	cfg := ctx.configValue()
	status := api.EngineStatus{
		Running:      probe.Running,
		PID:          probe.PID,
		Jobs:         map[string]int{},
		RegistryPath: cfg.Registry.Path,
		CachePath:    cfg.Cache.Path,
	}
	if counts, err := registryJobCounts(cmd, ctx); err == nil {
		status.Jobs = counts
	}
	return status
}

// registryJobCounts opens the registry read path directly. Used when the
// daemon is down so status still reports what is on disk.
func registryJobCounts(cmd *cobra.Command, ctx *commandContext) (map[string]int, error) {
	store, err := registry.Open(ctx.configValue())
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	defer store.Close()

	stats, err := store.Stats(cmd.Context())
	if err != nil {
		return nil, fmt.Errorf("read job stats: %w", err)
	}
	return api.StatusCounts(stats), nil
}

func daemonExecutable() (string, error) {
	// Prefer the vidatlasd binary installed beside this CLI.
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "vidatlasd")
		if info, statErr := os.Stat(candidate); statErr == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	path, err := exec.LookPath("vidatlasd")
	if err != nil {
		return "", fmt.Errorf("locate vidatlasd: %w", err)
	}
	return path, nil
}

// launchDaemon starts a detached vidatlasd process. The daemon owns its log
// file, so the child keeps the CLI's stdio.
func launchDaemon(executable, configPath string) error {
	proc := exec.Command(executable)
	if configPath != "" {
		proc.Env = append(os.Environ(), "VIDATLAS_CONFIG="+configPath)
	}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

func waitForDaemon(cfg *config.Config, timeout time.Duration) (preflight.DaemonProbe, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		probe := preflight.ProbeDaemon(cfg)
		if probe.Running {
			return probe, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return preflight.DaemonProbe{}, fmt.Errorf("daemon did not come up within %s; check the daemon log", timeout)
}

func waitForExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		err := unix.Kill(pid, 0)
		if errors.Is(err, unix.ESRCH) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
