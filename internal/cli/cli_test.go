package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picorca/picsync/internal/identity"
	"github.com/picorca/picsync/internal/store/boltdb"
)

func newTestCli(t *testing.T) (*Cli, *bytes.Buffer) {
	t.Helper()

	secret := make([]byte, identity.SecretSize)
	secret[0] = 1
	id, err := identity.Derive(secret)
	require.NoError(t, err)

	var namespace [32]byte
	st, err := boltdb.New(context.Background(), filepath.Join(t.TempDir(), "test.db"), id.NodeID(), namespace)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	c := New(st, id, "picsyncticket", nil)
	out := &bytes.Buffer{}
	c.SetOutput(out)
	return c, out
}

func TestExecute_AddAndGet(t *testing.T) {
	c, out := newTestCli(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		quit := c.Execute(ctx, "add")
		assert.False(t, quit)
	}
	for i := 0; i < 2; i++ {
		quit := c.Execute(ctx, "add_folder")
		assert.False(t, quit)
	}

	assert.Contains(t, out.String(), `Added image "img-1.png"`)
	assert.Contains(t, out.String(), `Added folder "New Folder1"`)

	out.Reset()
	c.Execute(ctx, "get")
	assert.Contains(t, out.String(), "Retrieved images len: 3")

	out.Reset()
	c.Execute(ctx, "get_folder")
	assert.Contains(t, out.String(), "Retrieved folders len: 2")
}

func TestExecute_GetByKey(t *testing.T) {
	c, out := newTestCli(t)
	ctx := context.Background()

	c.Execute(ctx, "add")
	out.Reset()

	c.Execute(ctx, "get img-1.png")
	assert.Contains(t, out.String(), `Retrieved 1 images for key "img-1.png"`)

	out.Reset()
	c.Execute(ctx, "get missing.png")
	assert.Contains(t, out.String(), `Retrieved 0 images for key "missing.png"`)
}

func TestExecute_AddFromFile(t *testing.T) {
	c, out := newTestCli(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "photo.png")
	require.NoError(t, os.WriteFile(path, []byte("not really a png"), 0o600))

	c.Execute(ctx, "add "+path)
	assert.Contains(t, out.String(), `Added image "photo.png"`)

	out.Reset()
	c.Execute(ctx, "add /nonexistent/path.png")
	assert.Contains(t, out.String(), "Failed to read file")
}

func TestExecute_Status(t *testing.T) {
	c, out := newTestCli(t)
	ctx := context.Background()

	c.Execute(ctx, "add")
	out.Reset()

	c.Execute(ctx, "status")
	assert.Contains(t, out.String(), "Images:  1")
	assert.Contains(t, out.String(), "Folders: 0")
}

func TestExecute_Ticket(t *testing.T) {
	c, out := newTestCli(t)

	c.Execute(context.Background(), "ticket")
	assert.Contains(t, out.String(), "picsyncticket")
}

func TestExecute_BlankInput(t *testing.T) {
	c, out := newTestCli(t)
	ctx := context.Background()

	assert.False(t, c.Execute(ctx, ""))
	assert.False(t, c.Execute(ctx, "   "))
	assert.Empty(t, out.String())
}

func TestExecute_QuitAndUnknown(t *testing.T) {
	c, out := newTestCli(t)
	ctx := context.Background()

	assert.False(t, c.Execute(ctx, "bogus"))
	assert.Contains(t, out.String(), "Unknown command")

	assert.True(t, c.Execute(ctx, "quit"))
	assert.True(t, c.Execute(ctx, "exit"))
}

func TestExecute_SyncWithoutSyncer(t *testing.T) {
	c, out := newTestCli(t)

	c.Execute(context.Background(), "sync")
	assert.Contains(t, out.String(), "this node is a seed")
}

type fakeSyncer struct {
	calls int
	err   error
}

func (f *fakeSyncer) SyncNow(ctx context.Context) error {
	f.calls++
	return f.err
}

func TestExecute_Sync(t *testing.T) {
	c, out := newTestCli(t)
	syncer := &fakeSyncer{}
	c.syncer = syncer

	c.Execute(context.Background(), "sync")
	assert.Equal(t, 1, syncer.calls)
	assert.Contains(t, out.String(), "Sync complete.")

	out.Reset()
	syncer.err = errors.New("boom")
	c.Execute(context.Background(), "sync")
	assert.Contains(t, out.String(), "Sync failed: boom")
}

func TestLoop_ReadsUntilQuit(t *testing.T) {
	c, out := newTestCli(t)

	input := strings.NewReader("add\n\nstatus\nquit\nadd\n")
	err := c.Loop(context.Background(), input)
	require.NoError(t, err)

	// Команды после quit не выполняются
	assert.Contains(t, out.String(), "Goodbye!")
	assert.NotContains(t, out.String(), `Added image "img-2.png"`)
}

func TestTestImage_Deterministic(t *testing.T) {
	first := TestImage("img-1.png")
	second := TestImage("img-1.png")
	other := TestImage("img-2.png")

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)
	assert.Len(t, first, 4096)
	// Сигнатура PNG в начале
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, first[:8])
}
