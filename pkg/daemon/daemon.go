/*
Package daemon wires together every component into a single running
process. Daemon owns startup ordering (orphan sweep, journal replay,
listen) and the shutdown sequence: stop the watcher, the control
listener, the timers and the ledger, compact and close the journal,
exit. Shutdown does not wait for reverts still running in other
goroutines; a change the journal left in REVERTING is resumed at the
next start.
*/
package daemon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/classifier"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/config"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/control"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/hostprobe"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/ledger"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/log"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/metrics"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/revert"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/snapshot"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/timeout"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/types"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/watcher"
)

var logger = log.WithComponent("daemon")

// metricsAddr is where the Prometheus scrape endpoint listens. Loopback
// only; the daemon has no business exposing metrics off-host.
const metricsAddr = "127.0.0.1:9090"

// retentionInterval is how often Run sweeps the snapshot store against
// snapshot.max_snapshots / snapshot.max_age_days.
const retentionInterval = 1 * time.Hour

// auditWindow is how long a terminal change's full journal history is
// kept around after Compact, for an administrator reviewing recent
// activity after a restart.
const auditWindow = 24 * time.Hour

// Daemon is the top-level wiring of every component into one running
// process.
type Daemon struct {
	cfg *config.Config

	probe       *hostprobe.Probe
	classifier  *classifier.Classifier
	store       *snapshot.Store
	journal     *ledger.Journal
	journalPath string
	index       *ledger.Index
	ledger      *ledger.Ledger
	timeouts    *timeout.Engine
	watch       *watcher.Watcher
	revertEng   *revert.Engine
	control     *control.Listener

	// baselineMu guards baselineSnap and baselineDigest, which are read
	// from dispatchLoop and written both at startup and from
	// ConfirmHook's goroutine, so they cannot be left to the ledger's own
	// single-owner discipline.
	baselineMu     sync.Mutex
	baselineSnap   map[string]string // category -> accepted-state snapshot id
	baselineDigest map[string]string // path -> accepted-state content digest

	// safeMode is set when the watcher reports it can no longer
	// guarantee event delivery. While set, no new PendingChange opens
	// (fail-closed); existing ones keep running. Cleared only by an
	// explicit operator request over the control socket.
	safeMode atomic.Bool

	stop chan struct{}
	done chan struct{}
}

// New constructs every component from cfg but does not start any of
// them; call Run to start and block until shutdown.
func New(cfg *config.Config) (*Daemon, error) {
	probe := hostprobe.New()

	cls := classifier.New(cfg.Monitoring.Order, cfg.Monitoring.Globs)

	store, err := snapshot.NewStore(cfg.Snapshot.Location)
	if err != nil {
		return nil, err
	}

	stateDir := filepath.Dir(cfg.Snapshot.Location)
	journalPath := filepath.Join(stateDir, "ledger.log")
	journal, err := ledger.OpenJournal(journalPath)
	if err != nil {
		return nil, err
	}
	index, err := ledger.OpenIndex(stateDir)
	if err != nil {
		return nil, err
	}

	timeouts := timeout.New()

	w, err := watcher.New(cls, watcher.DefaultDebounce)
	if err != nil {
		return nil, err
	}

	l := ledger.New(journal, index, timeouts)
	revertEng := revert.New(probe, w)

	ctrl := &control.Server{
		Ledger:       l,
		Store:        store,
		Prober:       probe,
		Reachability: hostprobe.Reachability,
		Endpoints:    cfg.Timeout.ConnectivityEndpoints,
		ProbeTimeout: 2 * time.Second,
		ExecutePlan:  revert.ApplyPlan,
	}
	listener, err := control.Listen(control.SocketPath, ctrl)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:            cfg,
		probe:          probe,
		classifier:     cls,
		store:          store,
		journal:        journal,
		journalPath:    journalPath,
		index:          index,
		ledger:         l,
		timeouts:       timeouts,
		watch:          w,
		revertEng:      revertEng,
		control:        listener,
		baselineSnap:   make(map[string]string),
		baselineDigest: make(map[string]string),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	l.ConfirmHook = func(c *types.PendingChange) { d.refreshBaseline(c.Category) }
	ctrl.SafeMode = d.safeMode.Load
	ctrl.ExitSafeMode = func() {
		if d.safeMode.CompareAndSwap(true, false) {
			logger.Info().Msg("safe mode cleared by operator")
		}
	}
	ctrl.OnReverting = func(c *types.PendingChange) { go d.executeRevert(c) }
	ctrl.DefaultPaths = d.watchedPaths
	return d, nil
}

// Run performs startup (orphan sweep, journal replay, baseline capture),
// starts every component, and blocks until the process receives
// SIGINT/SIGTERM or ctx is cancelled, then shuts down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	if swept, err := d.store.SweepOrphans(); err != nil {
		logger.Warn().Err(err).Msg("orphan sweep failed")
	} else if swept > 0 {
		logger.Info().Int("count", swept).Msg("swept orphaned snapshot directories")
	}

	entries, err := ledger.Replay(d.journalPath)
	if err != nil {
		logger.Error().Err(err).Msg("ledger replay encountered inconsistency")
	}

	d.timeouts.Start()
	d.ledger.ReplayFrom(entries)
	d.ledger.Start()

	for _, category := range d.cfg.Monitoring.Order {
		d.refreshBaseline(category)
	}
	d.resumeReverts()

	if err := d.watch.Start(); err != nil {
		return err
	}

	ctrlCtx, cancelCtrl := context.WithCancel(ctx)
	defer cancelCtrl()
	go func() {
		if err := d.control.Serve(ctrlCtx); err != nil {
			logger.Error().Err(err).Msg("control listener stopped")
		}
	}()

	go d.dispatchLoop(ctx)
	go d.retentionLoop()
	go d.serveMetrics()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case <-ctx.Done():
	}

	return d.shutdown()
}

// serveMetrics exposes the Prometheus scrape endpoint on a loopback-only
// listener, mounted directly onto net/http rather than behind the
// control socket's framed protocol.
func (d *Daemon) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logger.Info().Str("addr", metricsAddr).Msg("metrics server listening")
	if err := http.ListenAndServe(metricsAddr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}

// retentionLoop periodically enforces snapshot.max_snapshots and
// snapshot.max_age_days so the store does not grow without bound across
// a long-running daemon's lifetime.
func (d *Daemon) retentionLoop() {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	maxAge := time.Duration(d.cfg.Snapshot.MaxAgeDays) * 24 * time.Hour

	for {
		select {
		case <-ticker.C:
			if err := d.store.Retain(d.cfg.Snapshot.MaxSnapshots, maxAge); err != nil {
				logger.Error().Err(err).Msg("snapshot retention failed")
			}
			d.refreshStats()
		case <-d.stop:
			return
		}
	}
}

// refreshStats republishes the gauge metrics that describe current
// state rather than counting events.
func (d *Daemon) refreshStats() {
	byState := make(map[string]int)
	for _, c := range d.ledger.List() {
		if !c.State.IsTerminal() {
			byState[string(c.State)]++
		}
	}
	for _, state := range []types.ChangeState{types.ChangeOpen, types.ChangeGrace, types.ChangeReverting} {
		metrics.PendingChangesGauge.WithLabelValues(string(state)).Set(float64(byState[string(state)]))
	}

	snaps, err := d.store.List()
	if err != nil {
		return
	}
	var bytes int64
	for _, s := range snaps {
		for _, e := range s.Entries {
			bytes += e.Size
		}
	}
	metrics.SnapshotsTotal.Set(float64(len(snaps)))
	metrics.SnapshotBytesTotal.Set(float64(bytes))
}

// refreshBaseline snapshots every currently-configured path of category
// and records it as the accepted state a future edit is compared
// against. It runs once per category at startup, before any pending
// edit exists to race it, and again after every CONFIRM via
// ledger.ConfirmHook, so the newly-accepted content becomes the next
// baseline rather than the content from before the confirmed edit.
func (d *Daemon) refreshBaseline(category string) {
	paths := expandGlobs(d.cfg.Monitoring.Globs[category])
	if len(paths) == 0 {
		return
	}

	snap, err := d.store.SnapshotPaths(paths, types.OriginAuto, "baseline: "+category)
	if err != nil {
		logger.Error().Err(err).Str("category", category).Msg("failed to capture baseline snapshot")
		return
	}

	d.baselineMu.Lock()
	d.baselineSnap[category] = snap.ID
	for _, e := range snap.Entries {
		if e.Tombstone {
			delete(d.baselineDigest, e.Path)
			continue
		}
		d.baselineDigest[e.Path] = e.Digest
	}
	d.baselineMu.Unlock()
}

// dispatchLoop is the single-owner glue between the watcher's debounced
// events, the timeout engine's fired deadlines, and the ledger and
// revert engine that act on them.
func (d *Daemon) dispatchLoop(ctx context.Context) {
	for {
		select {
		case ev := <-d.watch.Events():
			d.handleChangeEvent(ev)

		case fired := <-d.timeouts.Fired():
			if fired.IsGrace {
				d.handleGraceFired(fired.ChangeID)
			} else {
				d.handleDeadlineFired(fired.ChangeID)
			}

		case <-d.watch.Degraded():
			metrics.WatcherDegradedTotal.Inc()
			if d.safeMode.CompareAndSwap(false, true) {
				logger.Error().Msg("watcher degraded, entering safe mode: no new changes will be tracked until an operator clears it")
			}

		case <-ctx.Done():
			return
		case <-d.stop:
			return
		}
	}
}

// handleChangeEvent records a settled watcher event. A path whose
// current content digest still matches the last accepted baseline is a
// no-op edit (a write that reproduced identical content) and is dropped
// without opening a PendingChange. Otherwise the
// category's existing baseline snapshot — captured before this edit, at
// startup or at the prior CONFIRM — is reused as the change's
// SnapshotID, rather than snapshotting the path's now-already-edited
// content.
func (d *Daemon) handleChangeEvent(ev watcher.ChangeEvent) {
	if d.safeMode.Load() {
		logger.Warn().Str("path", ev.Path).Msg("safe mode active, refusing to track change")
		return
	}

	timeoutDur := d.cfg.TimeoutFor(ev.Category)
	graceDur := d.cfg.GraceFor(ev.Category)

	digest, digestErr := fileDigest(ev.Path)

	d.baselineMu.Lock()
	baselineSnapID := d.baselineSnap[ev.Category]
	priorDigest, hadDigest := d.baselineDigest[ev.Path]
	d.baselineMu.Unlock()

	if digestErr == nil && hadDigest && digest == priorDigest {
		logger.Debug().Str("path", ev.Path).Msg("edit reproduced accepted content, ignoring")
		return
	}

	if baselineSnapID == "" {
		// No baseline yet for a category introduced since startup (e.g.
		// a hot-reloaded configuration); fall back to snapshotting the
		// path directly so the change still has something to revert to.
		snap, err := d.store.SnapshotPaths([]string{ev.Path}, types.OriginAuto, "pre-change: "+ev.Category)
		if err != nil {
			logger.Error().Err(err).Str("path", ev.Path).Msg("failed to snapshot changed path")
			return
		}
		baselineSnapID = snap.ID
	}

	if _, err := d.ledger.OnChangeEvent(ev.Category, ev.Path, baselineSnapID, timeoutDur, graceDur); err != nil {
		logger.Error().Err(err).Msg("failed to record change event")
	}
}

// handleDeadlineFired transitions a change from OPEN to GRACE. When
// timeout.connectivity_check is enabled, a reachability probe runs
// alongside the transition, budgeted to half the grace period so its
// result lands before the grace deadline. The result is logged for the
// operator; it never cancels the revert — the grace window exists for
// a human confirm, not for the network to vouch for itself.
func (d *Daemon) handleDeadlineFired(changeID string) {
	c, err := d.ledger.DeadlineFired(changeID)
	if err != nil {
		logger.Error().Err(err).Str("change_id", changeID).Msg("deadline transition failed")
		return
	}
	if !d.cfg.Timeout.ConnectivityCheck {
		return
	}
	budget := c.GraceDuration / 2
	if budget < time.Second {
		budget = time.Second
	}
	go func() {
		timer := metrics.NewTimer()
		result := hostprobe.Reachability(d.cfg.Timeout.ConnectivityEndpoints, budget)
		timer.ObserveDuration(metrics.ProbeDuration)
		logger.Info().Str("change_id", changeID).Bool("reachable", result.Reachable).Msg("connectivity probe during grace period")
	}()
}

// handleGraceFired runs when the grace period elapses. The ledger
// reports the change's state after applying the command; anything other
// than REVERTING means a confirm beat the timer and there is nothing to
// revert.
func (d *Daemon) handleGraceFired(changeID string) {
	c, err := d.ledger.GraceFired(changeID)
	if err != nil {
		logger.Error().Err(err).Str("change_id", changeID).Msg("grace transition failed")
		return
	}
	if c == nil || c.State != types.ChangeReverting {
		return
	}

	if d.cfg.Timeout.TimeoutAction == config.ActionWarn {
		logger.Warn().Str("change_id", changeID).Str("category", c.Category).Msg("grace expired but timeout_action=warn, not reverting automatically")
		if _, err := d.ledger.RevertDone(changeID, false, "timeout_action=warn: automatic revert disabled, manual action required"); err != nil {
			logger.Error().Err(err).Str("change_id", changeID).Msg("failed to record warn outcome")
		}
		return
	}

	d.executeRevert(c)
}

// executeRevert builds and runs the restore plan for a change already
// in REVERTING, then reports the outcome back to the ledger. It is
// called from the grace path, from an administrator cancel, and from
// startup resumption of a revert interrupted by a crash; plan execution
// is idempotent, so re-running a partially applied plan converges.
func (d *Daemon) executeRevert(c *types.PendingChange) {
	if c.SnapshotID == "" {
		d.ledger.RevertDone(c.ID, false, "no pre-change snapshot recorded")
		return
	}

	plan, err := d.store.Restore(c.SnapshotID)
	if err != nil {
		logger.Error().Err(err).Str("change_id", c.ID).Msg("failed to build restore plan")
		d.ledger.RevertDone(c.ID, false, err.Error())
		return
	}
	plan = plan.Scoped(c.Paths)

	services := d.cfg.Services[c.Category]
	outcome := d.revertEng.Revert(context.Background(), plan, services)
	if _, err := d.ledger.RevertDone(c.ID, outcome.Reverted, outcome.FailureReason); err != nil {
		logger.Error().Err(err).Str("change_id", c.ID).Msg("failed to record revert outcome")
	}
}

// resumeReverts re-runs the restore plan of every change the journal
// left in REVERTING, picking up where a crash mid-revert stopped.
func (d *Daemon) resumeReverts() {
	for _, c := range d.ledger.List() {
		if c.State == types.ChangeReverting {
			logger.Info().Str("change_id", c.ID).Msg("resuming interrupted revert")
			go d.executeRevert(c)
		}
	}
}

func (d *Daemon) shutdown() error {
	logger.Info().Msg("shutting down")
	close(d.stop)

	d.watch.Stop()
	d.control.Close()
	d.timeouts.Stop()
	d.ledger.Stop()

	d.compactJournal()

	if err := d.journal.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close journal")
	}
	if err := d.index.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close index")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

// compactJournal rewrites ledger.log to drop the full history of
// terminal changes older than auditWindow, keeping only what is needed
// to reconstruct every still-open change plus a recent audit trail.
func (d *Daemon) compactJournal() {
	entries, err := ledger.Replay(d.journalPath)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read journal for compaction")
		return
	}

	nonTerminal := make(map[string]bool)
	for _, c := range d.ledger.List() {
		if !c.State.IsTerminal() {
			nonTerminal[c.ID] = true
		}
	}

	cutoff := time.Now().Add(-auditWindow)
	kept := make([]ledger.JournalEntry, 0, len(entries))
	for _, e := range entries {
		if nonTerminal[e.ChangeID] || e.At.After(cutoff) {
			kept = append(kept, e)
		}
	}

	if len(kept) == len(entries) {
		return
	}
	if err := ledger.Compact(d.journalPath, kept); err != nil {
		logger.Error().Err(err).Msg("journal compaction failed")
		return
	}
	logger.Info().Int("kept", len(kept)).Int("dropped", len(entries)-len(kept)).Msg("journal compacted")
}

// watchedPaths expands every category's glob patterns into the full set
// of currently-watched paths. The control surface uses this as the
// default path set for a manual snapshot requested without arguments.
func (d *Daemon) watchedPaths() []string {
	var all []string
	seen := make(map[string]bool)
	for _, category := range d.cfg.Monitoring.Order {
		for _, p := range expandGlobs(d.cfg.Monitoring.Globs[category]) {
			if !seen[p] {
				seen[p] = true
				all = append(all, p)
			}
		}
	}
	return all
}

// expandGlobs resolves glob patterns to the paths currently on disk. A
// pattern matching nothing is kept as a literal path so a snapshot can
// still record its absence as a tombstone.
func expandGlobs(patterns []string) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			logger.Warn().Str("pattern", pattern).Err(err).Msg("invalid glob pattern, skipping")
			continue
		}
		if len(matches) == 0 {
			matches = []string{pattern}
		}
		for _, p := range matches {
			if seen[p] {
				continue
			}
			seen[p] = true
			paths = append(paths, p)
		}
	}
	return paths
}

func fileDigest(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
