package preflight

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"vidatlas/internal/config"
)

// CheckWebhookFromConfig evaluates webhook status from config and
// connectivity. A webhook that is not configured passes as disabled.
func CheckWebhookFromConfig(cfg *config.Config) Result {
	const name = "Notification webhook"

	if cfg == nil {
		return Result{Name: name, Detail: "Unknown"}
	}
	if strings.TrimSpace(cfg.Notify.WebhookURL) == "" {
		return Result{Name: name, Passed: true, Detail: "Disabled"}
	}
	return CheckWebhook(context.Background(), cfg.Notify.WebhookURL)
}

// DaemonProbe reports whether a daemon instance appears to be running.
type DaemonProbe struct {
	Running bool
	PID     int
	PIDPath string
}

// ProbeDaemon inspects the PID file and checks that the recorded process is
// still alive. A stale PID file reads as not running.
func ProbeDaemon(cfg *config.Config) DaemonProbe {
	if cfg == nil {
		return DaemonProbe{}
	}
	probe := DaemonProbe{PIDPath: cfg.PIDPath()}

	raw, err := os.ReadFile(probe.PIDPath)
	if err != nil {
		return probe
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return probe
	}
	probe.PID = pid

	// Signal 0 probes for existence without delivering anything. EPERM
	// still means the process exists.
	err = unix.Kill(pid, 0)
	probe.Running = err == nil || errors.Is(err, unix.EPERM)
	return probe
}

// Detail renders a display-friendly summary for status output.
func (p DaemonProbe) Detail() string {
	if !p.Running {
		return "not running"
	}
	return fmt.Sprintf("running (pid %d)", p.PID)
}
