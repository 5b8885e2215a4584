// Package store defines the versioned record store interface shared by the
// bbolt and sqlite backends. The store owns all entry data for the local
// replica: the sync engine only reads entries to compute deltas and writes
// entries received from peers.
package store

import (
	"bytes"
	"context"

	"github.com/picorca/picsync/internal/identity"
	"github.com/picorca/picsync/internal/models"
)

// MaxValueSize максимальный размер значения записи
const MaxValueSize = 150 * 1024 * 1024

// Item is the (item key, version) summary of one live entry, exchanged
// during reconciliation instead of full entries.
type Item struct {
	Key     []byte
	Version uint64
}

// Store is the replicated record store. Implementations serialize concurrent
// Put/ApplyRemote calls per kind, while reads see consistent snapshots.
type Store interface {
	// NodeID returns the local author identity the store writes under.
	NodeID() identity.NodeID

	// Namespace returns the dataset identifier this replica belongs to.
	Namespace() [32]byte

	// Put creates a new entry for the given author with the next version for
	// (author, key). Only the local node's own author is accepted:
	// ErrUnauthorizedAuthor otherwise. Returns the assigned version.
	Put(ctx context.Context, kind models.Kind, author identity.NodeID, key string, value []byte) (uint64, error)

	// Count returns the number of live entries of a kind. Unknown kinds
	// report zero rather than erroring.
	Count(ctx context.Context, kind models.Kind) (int, error)

	// GetKey returns the live entries for key across all authors.
	GetKey(ctx context.Context, kind models.Kind, key string) ([]*models.Entry, error)

	// ApplyRemote inserts an entry received from a peer. It is idempotent
	// and silently drops any entry that does not supersede the stored entry
	// for its (author, key). Reports whether the entry was applied.
	ApplyRemote(ctx context.Context, kind models.Kind, entry *models.Entry) (bool, error)

	// Fingerprint summarizes the full live-entry set of a kind. Equal
	// fingerprints guarantee equal live sets.
	Fingerprint(ctx context.Context, kind models.Kind) (Digest, error)

	// RangeDigest summarizes the live entries with item keys in [start, end).
	// A nil start means the beginning, a nil end means the end of the space.
	RangeDigest(ctx context.Context, kind models.Kind, start, end []byte) (Digest, error)

	// RangeItems lists the (item key, version) pairs in [start, end) in item
	// key order.
	RangeItems(ctx context.Context, kind models.Kind, start, end []byte) ([]Item, error)

	// GetItem returns the live entry stored under an item key, or
	// ErrEntryNotFound.
	GetItem(ctx context.Context, kind models.Kind, itemKey []byte) (*models.Entry, error)

	// Close releases the underlying database.
	Close() error
}

// InRange reports whether an item key falls into [start, end).
func InRange(ik, start, end []byte) bool {
	if len(start) > 0 && bytes.Compare(ik, start) < 0 {
		return false
	}
	if end != nil && bytes.Compare(ik, end) >= 0 {
		return false
	}
	return true
}
