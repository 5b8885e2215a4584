// Package transport provides mutually authenticated, encrypted, multiplexed
// connections between nodes. Nodes are addressed by their public identity
// plus network endpoints; authentication is TLS with self-signed ed25519
// certificates pinned against the expected node id.
package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/picorca/picsync/internal/identity"
)

var (
	// ErrPeerUnreachable returned after exhausting all peer addresses within
	// the retry budget
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrIdentityMismatch returned when a reachable address authenticates as
	// a different identity than expected. Treated as a security failure and
	// never retried.
	ErrIdentityMismatch = errors.New("peer identity mismatch")

	// ErrConnClosed returned when using a closed connection
	ErrConnClosed = errors.New("connection closed")

	// ErrStreamClosed returned when using a closed stream
	ErrStreamClosed = errors.New("stream closed")
)

// Settings holds transport tuning knobs.
type Settings struct {
	DialTimeout   time.Duration
	DialAttempts  int
	RetryBackoff  time.Duration
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	PongTimeout   time.Duration
	AcceptBacklog int
}

// DefaultSettings returns the settings used by both roles.
func DefaultSettings() *Settings {
	return &Settings{
		DialTimeout:   5 * time.Second,
		DialAttempts:  3,
		RetryBackoff:  2 * time.Second,
		WriteTimeout:  10 * time.Second,
		PingInterval:  15 * time.Second,
		PongTimeout:   45 * time.Second,
		AcceptBacklog: 16,
	}
}

// AddressBook owns the identity to addresses mapping. Other components only
// read it through accessor calls; they never hold mutable references.
type AddressBook struct {
	mu    sync.RWMutex
	addrs map[identity.NodeID][]string
}

// NewAddressBook creates an empty address book.
func NewAddressBook() *AddressBook {
	return &AddressBook{addrs: make(map[identity.NodeID][]string)}
}

// Record merges addresses for a peer, keeping order and dropping duplicates.
func (b *AddressBook) Record(id identity.NodeID, addrs ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	known := b.addrs[id]
	for _, addr := range addrs {
		seen := false
		for _, k := range known {
			if k == addr {
				seen = true
				break
			}
		}
		if !seen {
			known = append(known, addr)
		}
	}
	b.addrs[id] = known
}

// Lookup returns a copy of the known addresses for a peer.
func (b *AddressBook) Lookup(id identity.NodeID) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	known := b.addrs[id]
	out := make([]string, len(known))
	copy(out, known)
	return out
}
