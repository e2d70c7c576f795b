package control

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/snapshot"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/types"
)

// snapshotRoundTrip exercises Host Probe detection's sibling check for
// self_test: a snapshot/restore cycle in a scratch directory, proving
// the store can capture and restore content without touching any
// watched path.
func snapshotRoundTrip() error {
	scratch, err := os.MkdirTemp("", "revertit-selftest-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	storeDir := filepath.Join(scratch, "store")
	store, err := snapshot.NewStore(storeDir)
	if err != nil {
		return err
	}

	target := filepath.Join(scratch, "probe-file")
	const original = "revertit self-test payload"
	if err := os.WriteFile(target, []byte(original), 0o600); err != nil {
		return err
	}

	snap, err := store.SnapshotPaths([]string{target}, types.OriginAuto, "self-test")
	if err != nil {
		return err
	}

	if err := os.WriteFile(target, []byte("mutated"), 0o600); err != nil {
		return err
	}

	plan, err := store.Restore(snap.ID)
	if err != nil {
		return err
	}
	if len(plan.Steps) != 1 || !bytes.Equal(plan.Steps[0].Data, []byte(original)) {
		return types.NewError(types.ErrSnapshotCorrupt, "self-test round trip mismatch", nil)
	}
	return nil
}
