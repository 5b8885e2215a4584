// Package boltdb implements the record store on a bbolt file database: one
// bucket per kind plus a meta bucket binding the file to its identity and
// namespace.
package boltdb

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/picorca/picsync/internal/identity"
	"github.com/picorca/picsync/internal/models"
	"github.com/picorca/picsync/internal/store"
)

var (
	// BoltDB bucket and meta key names
	bucketMeta = []byte("meta")

	metaSchema    = []byte("schema")
	metaNamespace = []byte("namespace")
	metaNodeID    = []byte("node_id")

	schemaVersion = []byte("1")
)

// Storage represents the BoltDB record store implementation.
type Storage struct {
	db        *bbolt.DB
	nodeID    identity.NodeID
	namespace [32]byte

	// один RWMutex на kind, чтобы image и folder синхронизации шли параллельно
	mu map[models.Kind]*sync.RWMutex
}

// New opens (or initializes) the BoltDB store at dbPath for the given local
// identity and namespace. A fresh file is initialized; an existing file must
// carry complete matching meta, otherwise store.ErrCorruptLocalState.
func New(ctx context.Context, dbPath string, nodeID identity.NodeID, namespace [32]byte) (*Storage, error) {
	_, statErr := os.Stat(dbPath)
	fresh := os.IsNotExist(statErr)

	db, err := bbolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	s := &Storage{
		db:        db,
		nodeID:    nodeID,
		namespace: namespace,
		mu:        make(map[models.Kind]*sync.RWMutex),
	}
	for _, kind := range models.Kinds() {
		s.mu[kind] = &sync.RWMutex{}
	}

	if err := s.initBuckets(fresh); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// NodeID returns the local author identity.
func (s *Storage) NodeID() identity.NodeID {
	return s.nodeID
}

// Namespace returns the dataset identifier.
func (s *Storage) Namespace() [32]byte {
	return s.namespace
}

// initBuckets создает buckets и проверяет/записывает meta
func (s *Storage) initBuckets(fresh bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil {
			if !fresh {
				// Файл существует, но meta отсутствует
				return fmt.Errorf("%w: missing meta bucket", store.ErrCorruptLocalState)
			}
			created, err := tx.CreateBucket(bucketMeta)
			if err != nil {
				return fmt.Errorf("failed to create meta bucket: %w", err)
			}
			if err := created.Put(metaSchema, schemaVersion); err != nil {
				return fmt.Errorf("failed to write schema: %w", err)
			}
			if err := created.Put(metaNamespace, s.namespace[:]); err != nil {
				return fmt.Errorf("failed to write namespace: %w", err)
			}
			if err := created.Put(metaNodeID, s.nodeID.Bytes()); err != nil {
				return fmt.Errorf("failed to write node id: %w", err)
			}
		} else {
			if err := s.verifyMeta(meta); err != nil {
				return err
			}
		}

		for _, kind := range models.Kinds() {
			if _, err := tx.CreateBucketIfNotExists([]byte(kind)); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", kind, err)
			}
		}
		return nil
	})
}

// verifyMeta fails fast on incomplete or mismatched persisted state.
func (s *Storage) verifyMeta(meta *bbolt.Bucket) error {
	schema := meta.Get(metaSchema)
	if schema == nil {
		return fmt.Errorf("%w: missing schema marker", store.ErrCorruptLocalState)
	}
	if !bytes.Equal(schema, schemaVersion) {
		return fmt.Errorf("%w: unknown schema version %q", store.ErrCorruptLocalState, schema)
	}
	ns := meta.Get(metaNamespace)
	if ns == nil {
		return fmt.Errorf("%w: missing namespace", store.ErrCorruptLocalState)
	}
	if !bytes.Equal(ns, s.namespace[:]) {
		return fmt.Errorf("%w: namespace does not match persisted replica", store.ErrCorruptLocalState)
	}
	nodeID := meta.Get(metaNodeID)
	if nodeID == nil {
		return fmt.Errorf("%w: missing node id", store.ErrCorruptLocalState)
	}
	if !bytes.Equal(nodeID, s.nodeID.Bytes()) {
		return fmt.Errorf("%w: replica belongs to a different identity", store.ErrCorruptLocalState)
	}
	return nil
}
