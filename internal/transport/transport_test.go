package transport

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picorca/picsync/internal/identity"
	"github.com/picorca/picsync/pkg/ticket"
)

func testIdentity(t *testing.T, fill byte) *identity.Identity {
	t.Helper()
	secret := make([]byte, identity.SecretSize)
	for i := range secret {
		secret[i] = fill
	}
	id, err := identity.Derive(secret)
	require.NoError(t, err)
	return id
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSettings() *Settings {
	s := DefaultSettings()
	s.DialTimeout = 2 * time.Second
	s.DialAttempts = 1
	s.RetryBackoff = 50 * time.Millisecond
	return s
}

func TestAddressBook_RecordDeduplicates(t *testing.T) {
	book := NewAddressBook()
	id := testIdentity(t, 1).NodeID()

	book.Record(id, "10.0.0.1:4433", "10.0.0.2:4433")
	book.Record(id, "10.0.0.2:4433", "10.0.0.3:4433")

	assert.Equal(t, []string{"10.0.0.1:4433", "10.0.0.2:4433", "10.0.0.3:4433"}, book.Lookup(id))
}

func TestAddressBook_LookupReturnsCopy(t *testing.T) {
	book := NewAddressBook()
	id := testIdentity(t, 1).NodeID()
	book.Record(id, "10.0.0.1:4433")

	got := book.Lookup(id)
	got[0] = "mutated"
	assert.Equal(t, []string{"10.0.0.1:4433"}, book.Lookup(id))
}

func TestAddressBook_UnknownPeerEmpty(t *testing.T) {
	book := NewAddressBook()
	assert.Empty(t, book.Lookup(testIdentity(t, 1).NodeID()))
}

func TestDial_EndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server := testIdentity(t, 1)
	client := testIdentity(t, 2)

	inbound := make(chan *Conn, 1)
	listener := NewListener(server, func(c *Conn) { inbound <- c }, NewAddressBook(), testSettings(), testLogger())
	addrs, serverID, err := listener.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	require.NotEmpty(t, addrs)
	assert.Equal(t, server.NodeID(), serverID)

	dialer := NewDialer(client, NewAddressBook(), testSettings(), testLogger())
	conn, err := dialer.Dial(ctx, ticket.PeerHint{ID: serverID, Addrs: addrs})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, serverID, conn.RemoteID())

	var serverConn *Conn
	select {
	case serverConn = <-inbound:
	case <-ctx.Done():
		t.Fatal("listener never delivered the inbound connection")
	}
	defer serverConn.Close()
	// Обе стороны аутентифицированы
	assert.Equal(t, client.NodeID(), serverConn.RemoteID())

	stream, err := conn.OpenStream("images")
	require.NoError(t, err)

	accepted, err := serverConn.AcceptStream(ctx)
	require.NoError(t, err)
	assert.Equal(t, "images", accepted.Label())

	require.NoError(t, stream.Send([]byte("ping")))
	msg, err := accepted.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), msg)

	require.NoError(t, accepted.Send([]byte("pong")))
	msg, err = stream.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), msg)

	// Закрытие с одной стороны дает io.EOF на другой
	require.NoError(t, stream.Close())
	_, err = accepted.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDial_ConcurrentStreams(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server := testIdentity(t, 1)
	client := testIdentity(t, 2)

	inbound := make(chan *Conn, 1)
	listener := NewListener(server, func(c *Conn) { inbound <- c }, NewAddressBook(), testSettings(), testLogger())
	addrs, serverID, err := listener.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	dialer := NewDialer(client, NewAddressBook(), testSettings(), testLogger())
	conn, err := dialer.Dial(ctx, ticket.PeerHint{ID: serverID, Addrs: addrs})
	require.NoError(t, err)
	defer conn.Close()

	serverConn := <-inbound
	defer serverConn.Close()

	images, err := conn.OpenStream("images")
	require.NoError(t, err)
	folders, err := conn.OpenStream("folders")
	require.NoError(t, err)

	first, err := serverConn.AcceptStream(ctx)
	require.NoError(t, err)
	second, err := serverConn.AcceptStream(ctx)
	require.NoError(t, err)

	byLabel := map[string]*Stream{first.Label(): first, second.Label(): second}
	require.Contains(t, byLabel, "images")
	require.Contains(t, byLabel, "folders")

	// Потоки независимы: сообщения не перемешиваются между ними
	require.NoError(t, images.Send([]byte("img")))
	require.NoError(t, folders.Send([]byte("dir")))

	msg, err := byLabel["folders"].Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("dir"), msg)

	msg, err = byLabel["images"].Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("img"), msg)
}

func TestDial_IdentityMismatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server := testIdentity(t, 1)
	client := testIdentity(t, 2)
	impostor := testIdentity(t, 3)

	listener := NewListener(server, func(c *Conn) { c.Close() }, NewAddressBook(), testSettings(), testLogger())
	addrs, _, err := listener.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	dialer := NewDialer(client, NewAddressBook(), testSettings(), testLogger())
	_, err = dialer.Dial(ctx, ticket.PeerHint{ID: impostor.NodeID(), Addrs: addrs})
	assert.ErrorIs(t, err, ErrIdentityMismatch)
}

func TestDial_PeerUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := testIdentity(t, 2)
	dialer := NewDialer(client, NewAddressBook(), testSettings(), testLogger())

	// Никто не слушает на этом порту
	_, err := dialer.Dial(ctx, ticket.PeerHint{ID: testIdentity(t, 1).NodeID(), Addrs: []string{"127.0.0.1:1"}})
	assert.ErrorIs(t, err, ErrPeerUnreachable)
}
