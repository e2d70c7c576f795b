package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/classifier"
)

func TestWatcherDetectsAndClassifiesChange(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "sshd_config")
	require.NoError(t, os.WriteFile(target, []byte("initial"), 0o644))

	c := classifier.New([]string{"ssh"}, map[string][]string{"ssh": {target}})
	w, err := New(c, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(target, []byte("changed"), 0o644))

	select {
	case ev := <-w.Events():
		require.Equal(t, target, ev.Path)
		require.Equal(t, "ssh", ev.Category)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
}

func TestWatcherSuppressIgnoresEvents(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nftables.conf")
	require.NoError(t, os.WriteFile(target, []byte("initial"), 0o644))

	c := classifier.New([]string{"firewall"}, map[string][]string{"firewall": {target}})
	w, err := New(c, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	w.Suppress(target, true)
	require.NoError(t, os.WriteFile(target, []byte("changed"), 0o644))

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event while suppressed: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

// Merging repeated edits to the same category within a trailing window
// is the ledger's coalescing behavior, not the watcher's; the watcher
// itself reports every settled edit, even two in a row.
func TestWatcherReportsEachDistinctSettle(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "interfaces")
	require.NoError(t, os.WriteFile(target, []byte("a"), 0o644))

	c := classifier.New([]string{"network"}, map[string][]string{"network": {target}})
	w, err := New(c, 20*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(target, []byte("b"), 0o644))
	<-w.Events()

	require.NoError(t, os.WriteFile(target, []byte("c"), 0o644))
	select {
	case ev := <-w.Events():
		require.Equal(t, target, ev.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second change event")
	}
}
