package boltdb

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/picorca/picsync/internal/identity"
	"github.com/picorca/picsync/internal/models"
	"github.com/picorca/picsync/internal/store"
)

// Put creates a new entry under the local author with the next version for
// (author, key).
func (s *Storage) Put(ctx context.Context, kind models.Kind, author identity.NodeID, key string, value []byte) (uint64, error) {
	if s.db == nil {
		return 0, store.ErrStorageClosed
	}
	if !kind.Valid() {
		return 0, fmt.Errorf("unknown kind %q", kind)
	}
	if author != s.nodeID {
		return 0, fmt.Errorf("%w: %s", store.ErrUnauthorizedAuthor, author)
	}
	if len(value) > store.MaxValueSize {
		return 0, fmt.Errorf("%w: value is %d bytes, limit %d", store.ErrStorageExhausted, len(value), store.MaxValueSize)
	}

	mu := s.mu[kind]
	mu.Lock()
	defer mu.Unlock()

	itemKey := models.MakeItemKey(author, key)
	var version uint64

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(kind))
		if bucket == nil {
			return fmt.Errorf("missing %s bucket", kind)
		}

		version = 1
		if raw := bucket.Get(itemKey); raw != nil {
			existing, err := models.DecodeEntry(raw)
			if err != nil {
				return fmt.Errorf("failed to decode existing entry: %w", err)
			}
			version = existing.Version + 1
		}

		entry := &models.Entry{
			Author:    author,
			Key:       key,
			Value:     value,
			Version:   version,
			Timestamp: time.Now().UnixNano(),
		}
		data, err := entry.Encode()
		if err != nil {
			return err
		}
		return bucket.Put(itemKey, data)
	})
	if err != nil {
		return 0, fmt.Errorf("put %s/%s: %w", kind, key, err)
	}
	return version, nil
}

// ApplyRemote inserts an entry received from a peer. Idempotent: entries
// that do not supersede the stored (author, key) entry are dropped.
func (s *Storage) ApplyRemote(ctx context.Context, kind models.Kind, entry *models.Entry) (bool, error) {
	if s.db == nil {
		return false, store.ErrStorageClosed
	}
	if !kind.Valid() {
		return false, fmt.Errorf("unknown kind %q", kind)
	}

	mu := s.mu[kind]
	mu.Lock()
	defer mu.Unlock()

	applied := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(kind))
		if bucket == nil {
			return fmt.Errorf("missing %s bucket", kind)
		}

		itemKey := entry.ItemKey()
		if raw := bucket.Get(itemKey); raw != nil {
			existing, err := models.DecodeEntry(raw)
			if err != nil {
				return fmt.Errorf("failed to decode existing entry: %w", err)
			}
			if !entry.Supersedes(existing) {
				return nil
			}
		}

		data, err := entry.Encode()
		if err != nil {
			return err
		}
		if err := bucket.Put(itemKey, data); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("apply remote %s/%s: %w", kind, entry.Key, err)
	}
	return applied, nil
}

// Count returns the number of live entries of a kind.
func (s *Storage) Count(ctx context.Context, kind models.Kind) (int, error) {
	if s.db == nil {
		return 0, store.ErrStorageClosed
	}
	mu, ok := s.mu[kind]
	if !ok {
		// Неизвестный kind - пусто, не ошибка
		return 0, nil
	}
	mu.RLock()
	defer mu.RUnlock()

	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(kind))
		if bucket == nil {
			return nil
		}
		count = bucket.Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", kind, err)
	}
	return count, nil
}

// GetKey returns the live entries for key across all authors.
func (s *Storage) GetKey(ctx context.Context, kind models.Kind, key string) ([]*models.Entry, error) {
	if s.db == nil {
		return nil, store.ErrStorageClosed
	}
	mu, ok := s.mu[kind]
	if !ok {
		return nil, nil
	}
	mu.RLock()
	defer mu.RUnlock()

	var entries []*models.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(kind))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, raw []byte) error {
			entry, err := models.DecodeEntry(raw)
			if err != nil {
				return fmt.Errorf("failed to decode entry: %w", err)
			}
			if entry.Key == key {
				entries = append(entries, entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", kind, key, err)
	}
	return entries, nil
}

// Fingerprint summarizes the full live-entry set of a kind.
func (s *Storage) Fingerprint(ctx context.Context, kind models.Kind) (store.Digest, error) {
	return s.RangeDigest(ctx, kind, nil, nil)
}

// RangeDigest summarizes the live entries with item keys in [start, end).
func (s *Storage) RangeDigest(ctx context.Context, kind models.Kind, start, end []byte) (store.Digest, error) {
	var digest store.Digest
	if s.db == nil {
		return digest, store.ErrStorageClosed
	}
	mu, ok := s.mu[kind]
	if !ok {
		return digest, nil
	}
	mu.RLock()
	defer mu.RUnlock()

	err := s.db.View(func(tx *bbolt.Tx) error {
		return s.scanRange(tx, kind, start, end, func(_ []byte, entry *models.Entry) error {
			digest.Add(entry.ItemHash())
			return nil
		})
	})
	if err != nil {
		return store.Digest{}, fmt.Errorf("range digest %s: %w", kind, err)
	}
	return digest, nil
}

// RangeItems lists the (item key, version) pairs in [start, end) in order.
func (s *Storage) RangeItems(ctx context.Context, kind models.Kind, start, end []byte) ([]store.Item, error) {
	if s.db == nil {
		return nil, store.ErrStorageClosed
	}
	mu, ok := s.mu[kind]
	if !ok {
		return nil, nil
	}
	mu.RLock()
	defer mu.RUnlock()

	var items []store.Item
	err := s.db.View(func(tx *bbolt.Tx) error {
		return s.scanRange(tx, kind, start, end, func(ik []byte, entry *models.Entry) error {
			key := make([]byte, len(ik))
			copy(key, ik)
			items = append(items, store.Item{Key: key, Version: entry.Version})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("range items %s: %w", kind, err)
	}
	return items, nil
}

// GetItem returns the live entry stored under an item key.
func (s *Storage) GetItem(ctx context.Context, kind models.Kind, itemKey []byte) (*models.Entry, error) {
	if s.db == nil {
		return nil, store.ErrStorageClosed
	}
	mu, ok := s.mu[kind]
	if !ok {
		return nil, store.ErrEntryNotFound
	}
	mu.RLock()
	defer mu.RUnlock()

	var entry *models.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(kind))
		if bucket == nil {
			return store.ErrEntryNotFound
		}
		raw := bucket.Get(itemKey)
		if raw == nil {
			return store.ErrEntryNotFound
		}
		var err error
		entry, err = models.DecodeEntry(raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// scanRange walks the live entries of kind with item keys in [start, end).
func (s *Storage) scanRange(tx *bbolt.Tx, kind models.Kind, start, end []byte, fn func(ik []byte, entry *models.Entry) error) error {
	bucket := tx.Bucket([]byte(kind))
	if bucket == nil {
		return nil
	}
	cursor := bucket.Cursor()

	var k, v []byte
	if len(start) > 0 {
		k, v = cursor.Seek(start)
	} else {
		k, v = cursor.First()
	}
	for ; k != nil; k, v = cursor.Next() {
		if !store.InRange(k, start, end) {
			break
		}
		entry, err := models.DecodeEntry(v)
		if err != nil {
			return fmt.Errorf("failed to decode entry: %w", err)
		}
		if err := fn(k, entry); err != nil {
			return err
		}
	}
	return nil
}
