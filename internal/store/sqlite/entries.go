package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/picorca/picsync/internal/identity"
	"github.com/picorca/picsync/internal/models"
	"github.com/picorca/picsync/internal/store"
)

// Put creates a new entry under the local author with the next version for
// (author, key).
func (s *Storage) Put(ctx context.Context, kind models.Kind, author identity.NodeID, key string, value []byte) (uint64, error) {
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

	var version uint64 = 1
	var current int64
	err := s.db.QueryRowContext(ctx,
		"SELECT version FROM entries WHERE kind = ? AND item_key = ?",
		string(kind), itemKey).Scan(&current)
	switch {
	case err == nil:
		version = uint64(current) + 1
	case errors.Is(err, sql.ErrNoRows):
		// первая версия
	default:
		return 0, fmt.Errorf("failed to read current version: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO entries (kind, item_key, author, key, value, version, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(kind), itemKey, author.Bytes(), key, value, int64(version), time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("put %s/%s: %w", kind, key, err)
	}
	return version, nil
}

// ApplyRemote inserts an entry received from a peer. Idempotent: entries
// that do not supersede the stored (author, key) entry are dropped.
func (s *Storage) ApplyRemote(ctx context.Context, kind models.Kind, entry *models.Entry) (bool, error) {
	if !kind.Valid() {
		return false, fmt.Errorf("unknown kind %q", kind)
	}

	mu := s.mu[kind]
	mu.Lock()
	defer mu.Unlock()

	itemKey := entry.ItemKey()

	existing, err := s.getByItemKey(ctx, kind, itemKey)
	if err != nil && !errors.Is(err, store.ErrEntryNotFound) {
		return false, fmt.Errorf("failed to check existing entry: %w", err)
	}
	if existing != nil && !entry.Supersedes(existing) {
		return false, nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO entries (kind, item_key, author, key, value, version, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(kind), itemKey, entry.Author.Bytes(), entry.Key, entry.Value, int64(entry.Version), entry.Timestamp)
	if err != nil {
		return false, fmt.Errorf("apply remote %s/%s: %w", kind, entry.Key, err)
	}
	return true, nil
}

// Count returns the number of live entries of a kind.
func (s *Storage) Count(ctx context.Context, kind models.Kind) (int, error) {
	mu, ok := s.mu[kind]
	if !ok {
		return 0, nil
	}
	mu.RLock()
	defer mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entries WHERE kind = ?", string(kind)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", kind, err)
	}
	return count, nil
}

// GetKey returns the live entries for key across all authors.
func (s *Storage) GetKey(ctx context.Context, kind models.Kind, key string) ([]*models.Entry, error) {
	mu, ok := s.mu[kind]
	if !ok {
		return nil, nil
	}
	mu.RLock()
	defer mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT author, key, value, version, timestamp
		FROM entries WHERE kind = ? AND key = ?
		ORDER BY item_key`,
		string(kind), key)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", kind, key, err)
	}
	defer rows.Close()

	var entries []*models.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
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
	mu, ok := s.mu[kind]
	if !ok {
		return digest, nil
	}
	mu.RLock()
	defer mu.RUnlock()

	rows, err := s.queryRange(ctx, kind, start, end)
	if err != nil {
		return digest, fmt.Errorf("range digest %s: %w", kind, err)
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return store.Digest{}, err
		}
		digest.Add(entry.ItemHash())
	}
	if err := rows.Err(); err != nil {
		return store.Digest{}, fmt.Errorf("range digest %s: %w", kind, err)
	}
	return digest, nil
}

// RangeItems lists the (item key, version) pairs in [start, end) in order.
func (s *Storage) RangeItems(ctx context.Context, kind models.Kind, start, end []byte) ([]store.Item, error) {
	mu, ok := s.mu[kind]
	if !ok {
		return nil, nil
	}
	mu.RLock()
	defer mu.RUnlock()

	rows, err := s.queryRange(ctx, kind, start, end)
	if err != nil {
		return nil, fmt.Errorf("range items %s: %w", kind, err)
	}
	defer rows.Close()

	var items []store.Item
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, store.Item{Key: entry.ItemKey(), Version: entry.Version})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("range items %s: %w", kind, err)
	}
	return items, nil
}

// GetItem returns the live entry stored under an item key.
func (s *Storage) GetItem(ctx context.Context, kind models.Kind, itemKey []byte) (*models.Entry, error) {
	mu, ok := s.mu[kind]
	if !ok {
		return nil, store.ErrEntryNotFound
	}
	mu.RLock()
	defer mu.RUnlock()

	return s.getByItemKey(ctx, kind, itemKey)
}

func (s *Storage) getByItemKey(ctx context.Context, kind models.Kind, itemKey []byte) (*models.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT author, key, value, version, timestamp
		FROM entries WHERE kind = ? AND item_key = ?`,
		string(kind), itemKey)

	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrEntryNotFound
		}
		return nil, err
	}
	return entry, nil
}

// queryRange builds the ordered range query; nil bounds mean open ends.
func (s *Storage) queryRange(ctx context.Context, kind models.Kind, start, end []byte) (*sql.Rows, error) {
	query := "SELECT author, key, value, version, timestamp FROM entries WHERE kind = ?"
	args := []any{string(kind)}
	if len(start) > 0 {
		query += " AND item_key >= ?"
		args = append(args, start)
	}
	if end != nil {
		query += " AND item_key < ?"
		args = append(args, end)
	}
	query += " ORDER BY item_key"
	return s.db.QueryContext(ctx, query, args...)
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*models.Entry, error) {
	entry := &models.Entry{}
	var author []byte
	var version int64
	if err := row.Scan(&author, &entry.Key, &entry.Value, &version, &entry.Timestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan entry: %w", err)
	}
	copy(entry.Author[:], author)
	entry.Version = uint64(version)
	return entry, nil
}
