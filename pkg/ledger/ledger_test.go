package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/types"
)

type noopScheduler struct {
	scheduled []string
	cancelled []string
}

func (s *noopScheduler) Schedule(changeID string, deadline time.Time, isGrace bool) {
	s.scheduled = append(s.scheduled, changeID)
}

func (s *noopScheduler) Cancel(changeID string) {
	s.cancelled = append(s.cancelled, changeID)
}

func newTestLedger(t *testing.T) (*Ledger, *noopScheduler) {
	t.Helper()
	dir := t.TempDir()
	j, err := OpenJournal(filepath.Join(dir, "ledger.log"))
	require.NoError(t, err)
	idx, err := OpenIndex(dir)
	require.NoError(t, err)
	sched := &noopScheduler{}
	l := New(j, idx, sched)
	l.Start()
	t.Cleanup(func() {
		l.Stop()
		j.Close()
		idx.Close()
	})
	return l, sched
}

func TestOnChangeEventOpensThenMergesPaths(t *testing.T) {
	l, _ := newTestLedger(t)

	c1, err := l.OnChangeEvent("ssh", "/etc/ssh/sshd_config", "snap-1", time.Minute, time.Second)
	require.NoError(t, err)
	require.Equal(t, types.ChangeOpen, c1.State)
	require.Equal(t, "ssh_1", c1.ID)

	c2, err := l.OnChangeEvent("ssh", "/etc/ssh/ssh_config", "snap-1", time.Minute, time.Second)
	require.NoError(t, err)
	require.Equal(t, c1.ID, c2.ID)
	require.Len(t, c2.Paths, 2)
}

// A path never appears in two non-terminal changes: an edit arriving
// after the coalescing window has lapsed, but while the change tracking
// that path is still OPEN, folds into the existing change instead of
// opening a second one with its own baseline and deadline.
func TestRepeatEditAfterCoalesceWindowFoldsIntoTrackingChange(t *testing.T) {
	l, _ := newTestLedger(t)
	l.SetCoalesceWindow(20 * time.Millisecond)

	c1, err := l.OnChangeEvent("ssh", "/etc/ssh/sshd_config", "snap-1", time.Minute, time.Second)
	require.NoError(t, err)
	deadline := c1.Deadline

	time.Sleep(40 * time.Millisecond)

	c2, err := l.OnChangeEvent("ssh", "/etc/ssh/sshd_config", "snap-2", time.Minute, time.Second)
	require.NoError(t, err)
	require.Equal(t, c1.ID, c2.ID)
	require.Len(t, c2.Paths, 1)
	require.Equal(t, deadline, c2.Deadline)

	// The fold refreshed the change's last event, so wait out the window
	// again: a different path in the same category, outside the window,
	// is not already tracked and does open its own change.
	time.Sleep(40 * time.Millisecond)

	c3, err := l.OnChangeEvent("ssh", "/etc/ssh/ssh_config", "snap-3", time.Minute, time.Second)
	require.NoError(t, err)
	require.NotEqual(t, c1.ID, c3.ID)
	require.Equal(t, "ssh_2", c3.ID)
}

func TestConfirmIsTerminalAndIdempotent(t *testing.T) {
	l, sched := newTestLedger(t)
	c, err := l.OnChangeEvent("ssh", "/etc/ssh/sshd_config", "snap-1", time.Minute, time.Second)
	require.NoError(t, err)

	confirmed, err := l.Confirm(c.ID, "admin")
	require.NoError(t, err)
	require.Equal(t, types.ChangeConfirmed, confirmed.State)
	require.Contains(t, sched.cancelled, c.ID)

	_, err = l.GraceFired(c.ID)
	require.NoError(t, err)

	stillConfirmed, err := l.Query(c.ID)
	require.NoError(t, err)
	require.Equal(t, types.ChangeConfirmed, stillConfirmed.State)
}

func TestDeadlineThenGraceThenRevertDone(t *testing.T) {
	l, _ := newTestLedger(t)
	c, err := l.OnChangeEvent("firewall", "/etc/nftables.conf", "snap-1", time.Minute, time.Second)
	require.NoError(t, err)

	_, err = l.DeadlineFired(c.ID)
	require.NoError(t, err)
	_, err = l.GraceFired(c.ID)
	require.NoError(t, err)

	done, err := l.RevertDone(c.ID, true, "")
	require.NoError(t, err)
	require.Equal(t, types.ChangeReverted, done.State)

	_, err = l.RevertDone(c.ID, true, "")
	require.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestRevertFailurePermanent(t *testing.T) {
	l, _ := newTestLedger(t)
	c, err := l.OnChangeEvent("network", "/etc/netplan/01.yaml", "snap-1", time.Minute, time.Second)
	require.NoError(t, err)
	_, err = l.DeadlineFired(c.ID)
	require.NoError(t, err)
	_, err = l.GraceFired(c.ID)
	require.NoError(t, err)

	done, err := l.RevertDone(c.ID, false, "permission denied")
	require.NoError(t, err)
	require.Equal(t, types.ChangeFailed, done.State)
	require.Equal(t, "permission denied", done.FailureReason)
}

func TestInvalidTransitionRejected(t *testing.T) {
	l, _ := newTestLedger(t)
	c, err := l.OnChangeEvent("ssh", "/etc/ssh/sshd_config", "snap-1", time.Minute, time.Second)
	require.NoError(t, err)

	_, err = l.RevertDone(c.ID, true, "")
	require.Error(t, err)
}

func TestReplayRestoresNonTerminalState(t *testing.T) {
	dir := t.TempDir()
	journalPath := filepath.Join(dir, "ledger.log")

	j, err := OpenJournal(journalPath)
	require.NoError(t, err)
	idx, err := OpenIndex(dir)
	require.NoError(t, err)
	sched := &noopScheduler{}
	l := New(j, idx, sched)
	l.Start()

	c, err := l.OnChangeEvent("ssh", "/etc/ssh/sshd_config", "snap-1", time.Minute, 30*time.Second)
	require.NoError(t, err)
	l.Stop()
	j.Close()
	idx.Close()

	entries, err := Replay(journalPath)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	j2, err := OpenJournal(journalPath)
	require.NoError(t, err)
	idx2, err := OpenIndex(dir)
	require.NoError(t, err)
	l2 := New(j2, idx2, sched)
	l2.ReplayFrom(entries)
	l2.Start()
	defer func() {
		l2.Stop()
		j2.Close()
		idx2.Close()
	}()

	restored, err := l2.Query(c.ID)
	require.NoError(t, err)
	require.Equal(t, types.ChangeOpen, restored.State)
}

// Replay restores the per-category sequence counters, so a change opened
// after a restart does not reuse an id already in the journal.
func TestReplayContinuesSequence(t *testing.T) {
	dir := t.TempDir()
	journalPath := filepath.Join(dir, "ledger.log")

	j, err := OpenJournal(journalPath)
	require.NoError(t, err)
	idx, err := OpenIndex(dir)
	require.NoError(t, err)
	sched := &noopScheduler{}
	l := New(j, idx, sched)
	l.Start()

	c, err := l.OnChangeEvent("firewall", "/etc/nftables.conf", "snap-1", time.Minute, time.Second)
	require.NoError(t, err)
	require.Equal(t, "firewall_1", c.ID)
	_, err = l.Confirm(c.ID, "admin")
	require.NoError(t, err)
	l.Stop()
	j.Close()
	idx.Close()

	entries, err := Replay(journalPath)
	require.NoError(t, err)

	j2, err := OpenJournal(journalPath)
	require.NoError(t, err)
	idx2, err := OpenIndex(dir)
	require.NoError(t, err)
	l2 := New(j2, idx2, sched)
	l2.ReplayFrom(entries)
	l2.Start()
	defer func() {
		l2.Stop()
		j2.Close()
		idx2.Close()
	}()

	c2, err := l2.OnChangeEvent("firewall", "/etc/nftables.conf", "snap-2", time.Minute, time.Second)
	require.NoError(t, err)
	require.Equal(t, "firewall_2", c2.ID)
}

// A cancel from OPEN lands in REVERTING without waiting out the grace
// period, and the pending timer is torn down.
func TestCancelSkipsGrace(t *testing.T) {
	l, sched := newTestLedger(t)
	c, err := l.OnChangeEvent("network", "/etc/netplan/01.yaml", "snap-1", time.Minute, time.Second)
	require.NoError(t, err)

	cancelled, err := l.Cancel(c.ID)
	require.NoError(t, err)
	require.Equal(t, types.ChangeReverting, cancelled.State)
	require.Contains(t, sched.cancelled, c.ID)
}
