// Index mirrors the ledger's in-memory PendingChange map into a bbolt
// bucket keyed by change_id. It is a queryable materialized view
// refreshed from the journal at startup, not a primary store: ledger.log
// remains the source of truth. The ledger writes every state change
// into it; list_changes is answered from the ledger's in-memory map, not
// from the index.

package ledger

import (
	"encoding/json"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/types"
)

var bucketChanges = []byte("changes")

// Index is the bbolt-backed materialized view of pending/terminal
// changes, keyed by change id.
type Index struct {
	db *bolt.DB
}

// OpenIndex opens (creating if necessary) the index database under dir.
func OpenIndex(dir string) (*Index, error) {
	db, err := bolt.Open(filepath.Join(dir, "index.db"), 0o600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketChanges)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Index{db: db}, nil
}

// Close closes the underlying database.
func (idx *Index) Close() error { return idx.db.Close() }

// Put upserts a change's current state into the index.
func (idx *Index) Put(c *types.PendingChange) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketChanges).Put([]byte(c.ID), data)
	})
}

// Get retrieves one change by id.
func (idx *Index) Get(id string) (*types.PendingChange, error) {
	var c types.PendingChange
	err := idx.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketChanges).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// List returns every change currently in the index.
func (idx *Index) List() ([]*types.PendingChange, error) {
	var changes []*types.PendingChange
	err := idx.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChanges).ForEach(func(k, v []byte) error {
			var c types.PendingChange
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			changes = append(changes, &c)
			return nil
		})
	})
	return changes, err
}

// Delete removes a change from the index. Nothing in the daemon calls
// it, so terminal changes stay in the index after the audit window.
func (idx *Index) Delete(id string) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChanges).Delete([]byte(id))
	})
}
