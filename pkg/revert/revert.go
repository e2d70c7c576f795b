/*
Package revert executes a snapshot's RestorePlan against the live
filesystem and restarts any services a category's policy names,
retrying transient failures with exponential backoff.
*/
package revert

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/hostprobe"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/log"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/metrics"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/snapshot"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/types"
)

var logger = log.WithComponent("revert")

// MaxAttempts is the number of attempts (first try plus retries) made
// at each restore step or service restart before giving up.
const MaxAttempts = 2

// Suppressor lets the Revert Engine tell the watcher to ignore the
// writes it is about to make, so restoring a file does not itself open
// a new PendingChange.
type Suppressor interface {
	Suppress(path string, on bool)
}

// Engine executes restore plans and the service restarts that follow.
type Engine struct {
	probe      *hostprobe.Probe
	suppressor Suppressor
}

// New constructs a Revert Engine.
func New(probe *hostprobe.Probe, suppressor Suppressor) *Engine {
	return &Engine{probe: probe, suppressor: suppressor}
}

// Outcome summarizes the result of reverting one PendingChange.
type Outcome struct {
	Reverted      bool
	FailureReason string
	ServiceErrors map[string]error
}

// Revert executes plan's filesystem steps, then restarts the services
// the category's policy names, in that order (files first, so a
// restarted service comes up against already-restored configuration).
// Partial failure is possible: a file step failing aborts remaining
// file steps, but already-applied steps are not rolled back a second
// time, and service restarts are still attempted for any category whose
// files did revert successfully.
func (e *Engine) Revert(ctx context.Context, plan *snapshot.RestorePlan, services []string) Outcome {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RevertDuration)

	for _, step := range plan.Steps {
		if e.suppressor != nil {
			e.suppressor.Suppress(step.Path, true)
		}
		err := e.applyStepWithRetry(ctx, step)
		if e.suppressor != nil {
			e.suppressor.Suppress(step.Path, false)
		}
		if err != nil {
			logger.Error().Str("path", step.Path).Err(err).Msg("restore step failed permanently")
			return Outcome{Reverted: false, FailureReason: err.Error()}
		}
	}

	serviceErrors := e.restartServices(services)
	if len(serviceErrors) > 0 {
		return Outcome{Reverted: false, FailureReason: "one or more service restarts failed", ServiceErrors: serviceErrors}
	}
	return Outcome{Reverted: true}
}

// ApplyPlan executes plan's file steps directly, without restarting any
// service. This is the path the Control Surface's manual
// snapshots_restore action uses: unlike the automatic revert-on-timeout
// flow, a manual restore is not tied to a single category's service
// list, so restarting services is left to the administrator.
func ApplyPlan(plan *snapshot.RestorePlan) error {
	for _, step := range plan.Steps {
		if err := applyStep(step); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyStepWithRetry(ctx context.Context, step snapshot.RestoreStep) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), MaxAttempts-1), ctx)
	return backoff.Retry(func() error {
		return applyStep(step)
	}, policy)
}

func (e *Engine) restartServices(services []string) map[string]error {
	failures := make(map[string]error)
	for _, svc := range services {
		err := e.restartWithRetry(svc)
		result := "ok"
		if err != nil {
			result = "failed"
			failures[svc] = err
		}
		metrics.ServiceRestartsTotal.WithLabelValues(result).Inc()
	}
	return failures
}

func (e *Engine) restartWithRetry(service string) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), MaxAttempts-1)
	var lastResult types.RestartResult
	err := backoff.Retry(func() error {
		result, err := e.probe.Restart(service)
		lastResult = result
		if err == nil {
			return nil
		}
		if result == types.RestartTransientFailure {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	if err != nil {
		logger.Error().Str("service", service).Str("result", string(lastResult)).Err(err).Msg("service restart failed")
	}
	return err
}

// applyStep performs one filesystem action: writing restored content
// via temp-write+fsync+rename, or removing a path a tombstone entry
// says should not exist.
func applyStep(step snapshot.RestoreStep) error {
	if step.Tombstone {
		if err := os.Remove(step.Path); err != nil && !os.IsNotExist(err) {
			return types.NewError(types.ErrRestoreIOFailed, "remove "+step.Path, err)
		}
		return nil
	}

	dir := filepath.Dir(step.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.NewError(types.ErrRestoreIOFailed, "mkdir "+dir, err)
	}

	tmp := filepath.Join(dir, ".revertit-"+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(step.Mode))
	if err != nil {
		return types.NewError(types.ErrRestoreIOFailed, "create temp for "+step.Path, err)
	}
	if _, err := f.Write(step.Data); err != nil {
		f.Close()
		os.Remove(tmp)
		return types.NewError(types.ErrRestoreIOFailed, "write temp for "+step.Path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return types.NewError(types.ErrRestoreIOFailed, "fsync temp for "+step.Path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return types.NewError(types.ErrRestoreIOFailed, "close temp for "+step.Path, err)
	}
	if err := os.Chmod(tmp, os.FileMode(step.Mode)); err != nil {
		os.Remove(tmp)
		return types.NewError(types.ErrRestoreIOFailed, "chmod "+step.Path, err)
	}
	if err := os.Chown(tmp, step.UID, step.GID); err != nil {
		logger.Warn().Str("path", step.Path).Err(err).Msg("chown failed, continuing with rename")
	}
	if err := os.Rename(tmp, step.Path); err != nil {
		os.Remove(tmp)
		return types.NewError(types.ErrRestoreIOFailed, "rename into place "+step.Path, err)
	}
	return nil
}
