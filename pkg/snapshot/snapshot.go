/*
Package snapshot captures the on-disk state of a set of paths into a
content-addressed, atomically-published manifest, and computes (but
does not execute) the steps to restore one.

A snapshot directory holds a manifest.json (the types.Snapshot, written
to a temp file and renamed into place so a crash mid-write never leaves
a half-written manifest visible) and the store keeps a shared blobs/
directory of zstd-compressed file contents keyed by digest. Blobs live
on the plain filesystem rather than in a KV store: they must survive
being read back after a crash with nothing more than os.ReadFile.
*/
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/log"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/types"
)

var logger = log.WithComponent("snapshot")

// Store is the snapshot store rooted at a single base directory, the
// configured snapshot.location. Every snapshot lives in its own
// subdirectory named after its id.
type Store struct {
	baseDir string
}

// NewStore opens (creating if necessary) a snapshot store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0o700); err != nil {
		return nil, types.NewError(types.ErrSnapshotCreateFailed, "create snapshot store", err)
	}
	return &Store{baseDir: dir}, nil
}

func (s *Store) snapshotDir(id string) string { return filepath.Join(s.baseDir, id) }
func (s *Store) blobsDir() string             { return filepath.Join(s.baseDir, "blobs") }
func (s *Store) blobPath(digest string) string {
	return filepath.Join(s.blobsDir(), digest)
}

// SnapshotPaths captures the current on-disk state of paths into a new,
// atomically-published snapshot. A path that does not currently exist
// is recorded as a tombstone entry so Restore can remove it later if a
// future restore target never existed either.
func (s *Store) SnapshotPaths(paths []string, origin types.Origin, description string) (*types.Snapshot, error) {
	id := "snap-" + time.Now().UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]

	entries := make([]types.SnapshotEntry, 0, len(paths))
	for _, p := range paths {
		entry, err := s.captureOne(p)
		if err != nil {
			return nil, types.NewError(types.ErrSnapshotCreateFailed, "capture "+p, err)
		}
		entries = append(entries, entry)
	}

	snap := &types.Snapshot{
		ID:            id,
		CreatedAtWall: time.Now(),
		CreatedAtMono: time.Now().UnixNano(),
		Origin:        origin,
		Description:   description,
		Entries:       entries,
	}

	if err := s.publish(snap); err != nil {
		return nil, err
	}
	logger.Info().Str("snapshot_id", id).Int("paths", len(paths)).Msg("snapshot created")
	return snap, nil
}

// captureOne reads one path's current state and, if it exists, stores a
// compressed copy of its contents under its digest in the blob store.
func (s *Store) captureOne(path string) (types.SnapshotEntry, error) {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return types.SnapshotEntry{Path: path, Tombstone: true}, nil
	}
	if err != nil {
		return types.SnapshotEntry{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return types.SnapshotEntry{}, err
	}

	digest := sha256Hex(data)
	if err := s.writeBlob(digest, data); err != nil {
		return types.SnapshotEntry{}, err
	}

	uid, gid := fileOwner(info)
	return types.SnapshotEntry{
		Path:   path,
		Mode:   uint32(info.Mode().Perm()),
		UID:    uid,
		GID:    gid,
		Size:   info.Size(),
		Digest: digest,
		Blob:   digest,
	}, nil
}

// writeBlob stores data zstd-compressed under digest if not already
// present; blobs are content-addressed so writing the same digest twice
// is a no-op.
func (s *Store) writeBlob(digest string, data []byte) error {
	path := s.blobPath(digest)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	tmp := path + ".tmp-" + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := enc.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) readBlob(digest string) ([]byte, error) {
	f, err := os.Open(s.blobPath(digest))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	return io.ReadAll(dec)
}

// publish writes the manifest for a snapshot to a temp file in the
// store's base directory, then renames it into the snapshot's own
// subdirectory so a crash mid-write leaves only an orphan temp file or
// an orphan directory, never a half-written manifest.json.
func (s *Store) publish(snap *types.Snapshot) error {
	dir := s.snapshotDir(snap.ID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	tmp := filepath.Join(s.baseDir, ".manifest-"+snap.ID+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	final := filepath.Join(dir, "manifest.json")
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// List returns every published snapshot, most recent first.
func (s *Store) List() ([]*types.Snapshot, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, err
	}

	var snaps []*types.Snapshot
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "blobs" {
			continue
		}
		snap, err := s.Get(e.Name())
		if err != nil {
			logger.Warn().Str("snapshot_id", e.Name()).Err(err).Msg("skipping unreadable snapshot")
			continue
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAtWall.After(snaps[j].CreatedAtWall)
	})
	return snaps, nil
}

// Get loads one snapshot's manifest by id.
func (s *Store) Get(id string) (*types.Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(s.snapshotDir(id), "manifest.json"))
	if err != nil {
		return nil, err
	}
	var snap types.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, types.NewError(types.ErrSnapshotCorrupt, "parse manifest "+id, err)
	}
	return &snap, nil
}

// RestoreStep is one filesystem action the Revert Engine (Engine.Revert
// or ApplyPlan in package revert) applies in order.
type RestoreStep struct {
	Path      string
	Tombstone bool
	Mode      uint32
	UID       int
	GID       int
	Data      []byte
}

// RestorePlan is the ordered set of filesystem actions a restore to a
// snapshot requires. The plan is computed without modifying the
// filesystem; the Revert Engine decides when (and whether) to apply it.
type RestorePlan struct {
	SnapshotID string
	Steps      []RestoreStep
}

// Restore builds a RestorePlan for a snapshot without executing it.
func (s *Store) Restore(id string) (*RestorePlan, error) {
	snap, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	plan := &RestorePlan{SnapshotID: id}
	for _, e := range snap.Entries {
		if e.Tombstone {
			plan.Steps = append(plan.Steps, RestoreStep{Path: e.Path, Tombstone: true})
			continue
		}
		data, err := s.readBlob(e.Blob)
		if err != nil {
			return nil, types.NewError(types.ErrSnapshotCorrupt, "read blob for "+e.Path, err)
		}
		plan.Steps = append(plan.Steps, RestoreStep{
			Path: e.Path,
			Mode: e.Mode,
			UID:  e.UID,
			GID:  e.GID,
			Data: data,
		})
	}
	return plan, nil
}

// Scoped returns a copy of the plan containing only steps for the given
// paths, so a revert touches exactly the files its change covers even
// when the snapshot captured a whole category. An empty path set
// returns the plan unchanged.
func (p *RestorePlan) Scoped(paths []string) *RestorePlan {
	if len(paths) == 0 {
		return p
	}
	want := make(map[string]bool, len(paths))
	for _, path := range paths {
		want[path] = true
	}
	scoped := &RestorePlan{SnapshotID: p.SnapshotID}
	for _, step := range p.Steps {
		if want[step.Path] {
			scoped.Steps = append(scoped.Steps, step)
		}
	}
	return scoped
}

// Verify checks that every non-tombstone entry's blob exists and its
// stored digest matches the blob's actual contents.
func (s *Store) Verify(id string) error {
	snap, err := s.Get(id)
	if err != nil {
		return err
	}
	for _, e := range snap.Entries {
		if e.Tombstone {
			continue
		}
		data, err := s.readBlob(e.Blob)
		if err != nil {
			return types.NewError(types.ErrSnapshotCorrupt, "missing blob for "+e.Path, err)
		}
		if sha256Hex(data) != e.Digest {
			return types.NewError(types.ErrSnapshotCorrupt, "digest mismatch for "+e.Path, nil)
		}
	}
	return nil
}

// Retain enforces snapshot.max_snapshots and snapshot.max_age_days,
// deleting the oldest automatic snapshots first. Manual snapshots are
// never deleted by this policy; an administrator who asked for one
// decides when it goes.
func (s *Store) Retain(maxSnapshots int, maxAge time.Duration) error {
	snaps, err := s.List()
	if err != nil {
		return err
	}

	var auto []*types.Snapshot
	for _, snap := range snaps {
		if snap.Origin == types.OriginAuto {
			auto = append(auto, snap)
		}
	}

	cutoff := time.Now().Add(-maxAge)
	var toDelete []*types.Snapshot
	for i, snap := range auto {
		if i >= maxSnapshots || snap.CreatedAtWall.Before(cutoff) {
			toDelete = append(toDelete, snap)
		}
	}

	for _, snap := range toDelete {
		if err := os.RemoveAll(s.snapshotDir(snap.ID)); err != nil {
			return err
		}
		logger.Info().Str("snapshot_id", snap.ID).Msg("snapshot retired")
	}
	return nil
}

// SweepOrphans removes snapshot directories with no manifest.json, left
// behind by a crash between mkdir and the manifest rename.
func (s *Store) SweepOrphans() (int, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "blobs" {
			continue
		}
		manifest := filepath.Join(s.snapshotDir(e.Name()), "manifest.json")
		if _, err := os.Stat(manifest); os.IsNotExist(err) {
			if err := os.RemoveAll(s.snapshotDir(e.Name())); err != nil {
				return swept, err
			}
			swept++
			logger.Warn().Str("dir", e.Name()).Msg("swept orphaned snapshot directory")
		}
	}
	return swept, nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
