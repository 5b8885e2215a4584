// Package sqlite implements the record store on SQLite with embedded goose
// migrations. It is the alternate backend to boltdb, selected with the
// -db-driver flag.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/picorca/picsync/internal/identity"
	"github.com/picorca/picsync/internal/models"
	"github.com/picorca/picsync/internal/store"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const schemaVersion = "1"

// Storage represents the SQLite record store implementation.
type Storage struct {
	db        *sql.DB
	nodeID    identity.NodeID
	namespace [32]byte

	mu map[models.Kind]*sync.RWMutex
}

// New opens (or initializes) the SQLite store at dbPath for the given local
// identity and namespace. Use ":memory:" for an in-memory database (useful
// for testing). An existing file must carry complete matching meta,
// otherwise store.ErrCorruptLocalState.
func New(ctx context.Context, dbPath string, nodeID identity.NodeID, namespace [32]byte) (*Storage, error) {
	fresh := dbPath == ":memory:"
	if !fresh {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			fresh = true
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite с WAL mode поддерживает несколько читателей, но одного писателя
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
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

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := s.initMeta(ctx, fresh); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
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

// runMigrations выполняет миграции из embedded FS
func (s *Storage) runMigrations() error {
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// initMeta writes meta for a fresh database and verifies it for an existing
// one, failing fast on incomplete or mismatched state.
func (s *Storage) initMeta(ctx context.Context, fresh bool) error {
	if fresh {
		metas := map[string][]byte{
			"schema":    []byte(schemaVersion),
			"namespace": s.namespace[:],
			"node_id":   s.nodeID.Bytes(),
		}
		for name, value := range metas {
			if _, err := s.db.ExecContext(ctx,
				"INSERT OR REPLACE INTO meta (name, value) VALUES (?, ?)", name, value); err != nil {
				return fmt.Errorf("failed to write meta %s: %w", name, err)
			}
		}
		return nil
	}

	schema, err := s.readMeta(ctx, "schema")
	if err != nil {
		return err
	}
	if string(schema) != schemaVersion {
		return fmt.Errorf("%w: unknown schema version %q", store.ErrCorruptLocalState, schema)
	}
	ns, err := s.readMeta(ctx, "namespace")
	if err != nil {
		return err
	}
	if !bytes.Equal(ns, s.namespace[:]) {
		return fmt.Errorf("%w: namespace does not match persisted replica", store.ErrCorruptLocalState)
	}
	nodeID, err := s.readMeta(ctx, "node_id")
	if err != nil {
		return err
	}
	if !bytes.Equal(nodeID, s.nodeID.Bytes()) {
		return fmt.Errorf("%w: replica belongs to a different identity", store.ErrCorruptLocalState)
	}
	return nil
}

func (s *Storage) readMeta(ctx context.Context, name string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE name = ?", name).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: missing meta %s", store.ErrCorruptLocalState, name)
		}
		return nil, fmt.Errorf("failed to read meta %s: %w", name, err)
	}
	return value, nil
}
