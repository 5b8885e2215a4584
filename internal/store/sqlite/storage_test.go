package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picorca/picsync/internal/identity"
	"github.com/picorca/picsync/internal/models"
	"github.com/picorca/picsync/internal/store"
)

func testNodeID(fill byte) identity.NodeID {
	var id identity.NodeID
	for i := range id {
		id[i] = fill
	}
	return id
}

func testNamespace(fill byte) [32]byte {
	var ns [32]byte
	for i := range ns {
		ns[i] = fill
	}
	return ns
}

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(context.Background(), ":memory:", testNodeID(1), testNamespace(2))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPut_VersionIncrements(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	v1, err := s.Put(ctx, models.KindImage, s.NodeID(), "img-1.png", []byte("one"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1)

	v2, err := s.Put(ctx, models.KindImage, s.NodeID(), "img-1.png", []byte("two"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v2)

	entries, err := s.GetKey(ctx, models.KindImage, "img-1.png")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("two"), entries[0].Value)
}

func TestPut_RejectsForeignAuthor(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.Put(context.Background(), models.KindImage, testNodeID(99), "img-1.png", []byte("x"))
	assert.ErrorIs(t, err, store.ErrUnauthorizedAuthor)
}

func TestPut_RejectsOversizedValue(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	huge := make([]byte, store.MaxValueSize+1)
	_, err := s.Put(ctx, models.KindImage, s.NodeID(), "huge.png", huge)
	assert.ErrorIs(t, err, store.ErrStorageExhausted)

	// Отказ полный: частичной записи не остается
	count, err := s.Count(ctx, models.KindImage)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	entries, err := s.GetKey(ctx, models.KindImage, "huge.png")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestApplyRemote_Idempotent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	entry := &models.Entry{
		Author:  testNodeID(7),
		Key:     "img-1.png",
		Value:   []byte("remote"),
		Version: 3,
	}

	applied, err := s.ApplyRemote(ctx, models.KindImage, entry)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.ApplyRemote(ctx, models.KindImage, entry)
	require.NoError(t, err)
	assert.False(t, applied)

	// Устаревшая версия отбрасывается
	stale := &models.Entry{Author: testNodeID(7), Key: "img-1.png", Value: []byte("old"), Version: 1}
	applied, err = s.ApplyRemote(ctx, models.KindImage, stale)
	require.NoError(t, err)
	assert.False(t, applied)

	count, err := s.Count(ctx, models.KindImage)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGetKey_SameKeyDifferentAuthorsCoexist(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.Put(ctx, models.KindImage, s.NodeID(), "img-1.png", []byte("local"))
	require.NoError(t, err)

	remote := &models.Entry{Author: testNodeID(7), Key: "img-1.png", Value: []byte("remote"), Version: 1}
	applied, err := s.ApplyRemote(ctx, models.KindImage, remote)
	require.NoError(t, err)
	require.True(t, applied)

	entries, err := s.GetKey(ctx, models.KindImage, "img-1.png")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCount_PerKind(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.Put(ctx, models.KindImage, s.NodeID(), "img-1.png", []byte("x"))
	require.NoError(t, err)
	_, err = s.Put(ctx, models.KindFolder, s.NodeID(), "New Folder1", []byte("y"))
	require.NoError(t, err)

	images, err := s.Count(ctx, models.KindImage)
	require.NoError(t, err)
	assert.Equal(t, 1, images)

	folders, err := s.Count(ctx, models.KindFolder)
	require.NoError(t, err)
	assert.Equal(t, 1, folders)

	unknown, err := s.Count(ctx, models.Kind("documents"))
	require.NoError(t, err)
	assert.Equal(t, 0, unknown)
}

func TestRangeOps(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for _, key := range []string{"c", "a", "b"} {
		_, err := s.Put(ctx, models.KindImage, s.NodeID(), key, []byte(key))
		require.NoError(t, err)
	}

	items, err := s.RangeItems(ctx, models.KindImage, nil, nil)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i := 1; i < len(items); i++ {
		assert.Less(t, string(items[i-1].Key), string(items[i].Key))
	}

	digest, err := s.RangeDigest(ctx, models.KindImage, items[0].Key, items[2].Key)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), digest.Count)

	full, err := s.Fingerprint(ctx, models.KindImage)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), full.Count)
}

func TestGetItem(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.Put(ctx, models.KindImage, s.NodeID(), "img-1.png", []byte("x"))
	require.NoError(t, err)

	entry, err := s.GetItem(ctx, models.KindImage, models.MakeItemKey(s.NodeID(), "img-1.png"))
	require.NoError(t, err)
	assert.Equal(t, "img-1.png", entry.Key)

	_, err = s.GetItem(ctx, models.KindImage, models.MakeItemKey(s.NodeID(), "missing"))
	assert.ErrorIs(t, err, store.ErrEntryNotFound)
}

func TestNew_ReopenKeepsEntries(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := New(ctx, dbPath, testNodeID(1), testNamespace(2))
	require.NoError(t, err)
	_, err = s.Put(ctx, models.KindImage, s.NodeID(), "img-1.png", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := New(ctx, dbPath, testNodeID(1), testNamespace(2))
	require.NoError(t, err)
	defer reopened.Close()

	count, err := reopened.Count(ctx, models.KindImage)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNew_ReopenMismatchedMeta(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		nodeID    identity.NodeID
		namespace [32]byte
	}{
		{name: "different namespace", nodeID: testNodeID(1), namespace: testNamespace(9)},
		{name: "different identity", nodeID: testNodeID(9), namespace: testNamespace(2)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dbPath := filepath.Join(t.TempDir(), "test.db")

			s, err := New(ctx, dbPath, testNodeID(1), testNamespace(2))
			require.NoError(t, err)
			require.NoError(t, s.Close())

			_, err = New(ctx, dbPath, tt.nodeID, tt.namespace)
			assert.ErrorIs(t, err, store.ErrCorruptLocalState)
		})
	}
}
