package hostprobe

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/types"
)

// restartTimeout bounds a single restart attempt.
const restartTimeout = 20 * time.Second

// Restart dispatches to the detected init system's capability object.
func (p *Probe) Restart(name string) (types.RestartResult, error) {
	return p.init.Restart(name)
}

type systemdInit struct{}

func (systemdInit) Name() string { return "systemd" }

func (systemdInit) Restart(name string) (types.RestartResult, error) {
	return runRestart("systemctl", []string{"restart", name}, classifySystemctl)
}

type sysvInit struct{}

func (sysvInit) Name() string { return "sysvinit" }

func (sysvInit) Restart(name string) (types.RestartResult, error) {
	return runRestart("service", []string{name, "restart"}, classifyGeneric)
}

type openrcInit struct{}

func (openrcInit) Name() string { return "openrc" }

func (openrcInit) Restart(name string) (types.RestartResult, error) {
	return runRestart("rc-service", []string{name, "restart"}, classifyGeneric)
}

// unknownInit is used when no supported init system could be detected.
// Every restart is a PermanentFailure: there is no command to run.
type unknownInit struct{}

func (unknownInit) Name() string { return "unknown" }

func (unknownInit) Restart(name string) (types.RestartResult, error) {
	return types.RestartPermanentFailure, types.NewError(types.ErrServiceRestartPermanent,
		"no supported init system detected", nil)
}

// classifier maps a command's exit state to a RestartResult.
type classifier func(err error, stderr string) types.RestartResult

func runRestart(command string, args []string, classify classifier) (types.RestartResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), restartTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return types.RestartOK, nil
	}
	// A command killed at restartTimeout reports its exit signal, not the
	// deadline; classify it as the timeout it is.
	if ctx.Err() == context.DeadlineExceeded {
		err = ctx.Err()
	}

	result := classify(err, stderr.String())
	var kind types.ErrorKind
	if result == types.RestartTransientFailure {
		kind = types.ErrServiceRestartTransient
	} else {
		kind = types.ErrServiceRestartPermanent
	}
	return result, types.NewError(kind, command+" "+strings.Join(args, " "), err)
}

// classifySystemctl distinguishes a unit systemd has never heard of
// (permanent) from a timeout or a unit that failed to start cleanly but
// may succeed on retry (transient).
func classifySystemctl(err error, stderr string) types.RestartResult {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "not found"), strings.Contains(lower, "no such"), strings.Contains(lower, "does not exist"):
		return types.RestartUnknownService
	case isTimeout(err):
		return types.RestartTransientFailure
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "timed out"):
		return types.RestartTransientFailure
	case strings.Contains(lower, "job for"):
		// "Job for <unit> failed ...": the unit exists but did not start
		// cleanly.
		return types.RestartTransientFailure
	default:
		return types.RestartPermanentFailure
	}
}

func classifyGeneric(err error, stderr string) types.RestartResult {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "unknown"), strings.Contains(lower, "not found"), strings.Contains(lower, "no such"):
		return types.RestartUnknownService
	case isTimeout(err):
		return types.RestartTransientFailure
	default:
		return types.RestartPermanentFailure
	}
}

func isTimeout(err error) bool {
	return err == context.DeadlineExceeded
}
