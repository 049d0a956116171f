// Package persist is the validator's proposal-cache sidecar: it persists
// the Primary's in-flight proposal, its signed-proposal cache, and any
// pending (stored-but-not-yet-committed) certificates across restarts.
// cmd/validator saves it on SIGINT/SIGTERM shutdown, so a validator
// restarted that way does not have to resign a batch it already signed or
// re-propose one it already broadcast; after a crash, nothing since the
// last save is recovered. Grounded on the
// teacher repo's storage/leveldb.go key-value wrapper.
package persist

import (
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/tolelom/dagbft/core"
)

const snapshotKey = "proposal_cache"

// Snapshot is the triple persisted at shutdown and replayed at startup.
type Snapshot struct {
	ProposedBatch      *ProposedBatchState        `json:"proposed_batch,omitempty"`
	SignedProposals    map[string]SignedProposal  `json:"signed_proposals"`
	PendingCertificates []*core.BatchCertificate  `json:"pending_certificates"`
}

// ProposedBatchState mirrors primary.proposedBatch's persisted fields.
type ProposedBatchState struct {
	Header        core.BatchHeader                       `json:"header"`
	Transmissions map[core.TransmissionID]core.Transmission `json:"transmissions"`
	Order         []core.TransmissionID                   `json:"order"`
	CreatedAtUnix int64                                    `json:"created_at_unix"`
}

// SignedProposal mirrors primary.signedProposal.
type SignedProposal struct {
	Round     uint64 `json:"round"`
	BatchID   string `json:"batch_id"`
	Signature string `json:"signature"`
}

// Cache is a LevelDB-backed single-key store for the validator's
// proposal-cache snapshot.
type Cache struct {
	db *leveldb.DB
}

// Open opens (or creates) the cache database at path.
func Open(path string) (*Cache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("persist: open %q: %w", path, err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Load returns the persisted snapshot, or a zero-value snapshot if none was
// ever saved.
func (c *Cache) Load() (Snapshot, error) {
	data, err := c.db.Get([]byte(snapshotKey), nil)
	if err == leveldb.ErrNotFound {
		return Snapshot{SignedProposals: make(map[string]SignedProposal)}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("persist: load: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("persist: decode: %w", err)
	}
	if snap.SignedProposals == nil {
		snap.SignedProposals = make(map[string]SignedProposal)
	}
	return snap, nil
}

// Save overwrites the persisted snapshot.
func (c *Cache) Save(snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("persist: encode: %w", err)
	}
	if err := c.db.Put([]byte(snapshotKey), data, nil); err != nil {
		return fmt.Errorf("persist: save: %w", err)
	}
	return nil
}
