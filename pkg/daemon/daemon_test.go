package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/config"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/hostprobe"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/ledger"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/revert"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/snapshot"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/timeout"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/types"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/watcher"
)

// newTestDaemon assembles a Daemon around temp-dir storage without the
// control socket, metrics listener, or fsnotify watcher, so the
// dispatch handlers can be driven directly.
func newTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	dir := t.TempDir()

	store, err := snapshot.NewStore(filepath.Join(dir, "snapshots"))
	require.NoError(t, err)

	journalPath := filepath.Join(dir, "ledger.log")
	journal, err := ledger.OpenJournal(journalPath)
	require.NoError(t, err)
	index, err := ledger.OpenIndex(dir)
	require.NoError(t, err)

	timeouts := timeout.New()
	timeouts.Start()
	l := ledger.New(journal, index, timeouts)
	l.Start()

	d := &Daemon{
		cfg:            cfg,
		probe:          hostprobe.New(),
		store:          store,
		journal:        journal,
		journalPath:    journalPath,
		index:          index,
		ledger:         l,
		timeouts:       timeouts,
		revertEng:      revert.New(hostprobe.New(), nil),
		baselineSnap:   make(map[string]string),
		baselineDigest: make(map[string]string),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	l.ConfirmHook = func(c *types.PendingChange) { d.refreshBaseline(c.Category) }

	t.Cleanup(func() {
		l.Stop()
		timeouts.Stop()
		journal.Close()
		index.Close()
	})
	return d
}

// testConfig watches a single literal path under the "ssh" category
// with no services to restart.
func testConfig(target string) *config.Config {
	cfg := config.Default()
	cfg.Monitoring = config.Monitoring{
		Order: []string{"ssh"},
		Globs: map[string][]string{"ssh": {target}},
	}
	return cfg
}

func openChanges(d *Daemon) []*types.PendingChange {
	var open []*types.PendingChange
	for _, c := range d.ledger.List() {
		if !c.State.IsTerminal() {
			open = append(open, c)
		}
	}
	return open
}

// An edit that reproduces the accepted baseline bytes is a no-op and
// must not open a PendingChange; a real content change must, reusing
// the baseline snapshot captured before the edit.
func TestHandleChangeEventSuppressesNoOpEdits(t *testing.T) {
	target := filepath.Join(t.TempDir(), "sshd_config")
	require.NoError(t, os.WriteFile(target, []byte("Port 22\n"), 0o600))

	d := newTestDaemon(t, testConfig(target))
	d.refreshBaseline("ssh")
	baseline := d.baselineSnap["ssh"]
	require.NotEmpty(t, baseline)

	// Rewrite identical bytes: the settled event must be dropped.
	require.NoError(t, os.WriteFile(target, []byte("Port 22\n"), 0o600))
	d.handleChangeEvent(watcher.ChangeEvent{Path: target, Category: "ssh", At: time.Now()})
	require.Empty(t, openChanges(d))

	// A genuine edit opens a change backed by the pre-edit baseline.
	require.NoError(t, os.WriteFile(target, []byte("Port 2222\n"), 0o600))
	d.handleChangeEvent(watcher.ChangeEvent{Path: target, Category: "ssh", At: time.Now()})

	open := openChanges(d)
	require.Len(t, open, 1)
	require.Equal(t, types.ChangeOpen, open[0].State)
	require.Equal(t, baseline, open[0].SnapshotID)
	require.Equal(t, []string{target}, open[0].Paths)
}

func TestHandleChangeEventRefusedInSafeMode(t *testing.T) {
	target := filepath.Join(t.TempDir(), "sshd_config")
	require.NoError(t, os.WriteFile(target, []byte("Port 22\n"), 0o600))

	d := newTestDaemon(t, testConfig(target))
	d.refreshBaseline("ssh")
	d.safeMode.Store(true)

	require.NoError(t, os.WriteFile(target, []byte("Port 2222\n"), 0o600))
	d.handleChangeEvent(watcher.ChangeEvent{Path: target, Category: "ssh", At: time.Now()})
	require.Empty(t, openChanges(d))
}

// A confirm that lands before the grace timer is honored: the change
// stays CONFIRMED and the edited file is left alone.
func TestGraceFiredAfterConfirmDoesNotRevert(t *testing.T) {
	target := filepath.Join(t.TempDir(), "sshd_config")
	require.NoError(t, os.WriteFile(target, []byte("Port 22\n"), 0o600))

	d := newTestDaemon(t, testConfig(target))
	d.refreshBaseline("ssh")

	require.NoError(t, os.WriteFile(target, []byte("Port 2222\n"), 0o600))
	d.handleChangeEvent(watcher.ChangeEvent{Path: target, Category: "ssh", At: time.Now()})
	open := openChanges(d)
	require.Len(t, open, 1)

	_, err := d.ledger.Confirm(open[0].ID, "admin")
	require.NoError(t, err)

	d.handleGraceFired(open[0].ID)

	c, err := d.ledger.Query(open[0].ID)
	require.NoError(t, err)
	require.Equal(t, types.ChangeConfirmed, c.State)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "Port 2222\n", string(data))
}

// timeout_action=warn records a non-reverted terminal outcome instead
// of running the restore plan.
func TestGraceFiredWithWarnActionLeavesFileEdited(t *testing.T) {
	target := filepath.Join(t.TempDir(), "sshd_config")
	require.NoError(t, os.WriteFile(target, []byte("Port 22\n"), 0o600))

	cfg := testConfig(target)
	cfg.Timeout.TimeoutAction = config.ActionWarn
	cfg.Timeout.ConnectivityCheck = false
	d := newTestDaemon(t, cfg)
	d.refreshBaseline("ssh")

	require.NoError(t, os.WriteFile(target, []byte("Port 2222\n"), 0o600))
	d.handleChangeEvent(watcher.ChangeEvent{Path: target, Category: "ssh", At: time.Now()})
	open := openChanges(d)
	require.Len(t, open, 1)

	_, err := d.ledger.DeadlineFired(open[0].ID)
	require.NoError(t, err)
	d.handleGraceFired(open[0].ID)

	c, err := d.ledger.Query(open[0].ID)
	require.NoError(t, err)
	require.Equal(t, types.ChangeFailed, c.State)
	require.Contains(t, c.FailureReason, "timeout_action=warn")

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "Port 2222\n", string(data))
}

// A grace expiry with timeout_action=revert restores the baseline
// bytes and lands the change in REVERTED.
func TestGraceFiredRevertsToBaseline(t *testing.T) {
	target := filepath.Join(t.TempDir(), "sshd_config")
	require.NoError(t, os.WriteFile(target, []byte("Port 22\n"), 0o600))

	cfg := testConfig(target)
	cfg.Timeout.ConnectivityCheck = false
	d := newTestDaemon(t, cfg)
	d.refreshBaseline("ssh")

	require.NoError(t, os.WriteFile(target, []byte("Port 2222\n"), 0o600))
	d.handleChangeEvent(watcher.ChangeEvent{Path: target, Category: "ssh", At: time.Now()})
	open := openChanges(d)
	require.Len(t, open, 1)

	_, err := d.ledger.DeadlineFired(open[0].ID)
	require.NoError(t, err)
	d.handleGraceFired(open[0].ID)

	c, err := d.ledger.Query(open[0].ID)
	require.NoError(t, err)
	require.Equal(t, types.ChangeReverted, c.State)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "Port 22\n", string(data))
}

// A change the journal left in REVERTING is picked up at startup and
// driven to REVERTED, re-running its restore plan.
func TestResumeRevertsFinishesInterruptedRevert(t *testing.T) {
	target := filepath.Join(t.TempDir(), "sshd_config")
	require.NoError(t, os.WriteFile(target, []byte("Port 22\n"), 0o600))

	cfg := testConfig(target)
	cfg.Timeout.ConnectivityCheck = false
	d := newTestDaemon(t, cfg)
	d.refreshBaseline("ssh")

	require.NoError(t, os.WriteFile(target, []byte("Port 2222\n"), 0o600))
	d.handleChangeEvent(watcher.ChangeEvent{Path: target, Category: "ssh", At: time.Now()})
	open := openChanges(d)
	require.Len(t, open, 1)

	// Cancel parks the change in REVERTING, standing in for a daemon
	// killed between the transition and the plan finishing.
	_, err := d.ledger.Cancel(open[0].ID)
	require.NoError(t, err)

	d.resumeReverts()

	require.Eventually(t, func() bool {
		c, err := d.ledger.Query(open[0].ID)
		return err == nil && c.State == types.ChangeReverted
	}, 2*time.Second, 20*time.Millisecond)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "Port 22\n", string(data))
}
