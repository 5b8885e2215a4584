package identity

import (
	"crypto/ed25519"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// SecretSize размер секрета узла в байтах (ed25519 seed)
const SecretSize = 32

var (
	// ErrInvalidSecretLength returned when the provided secret is not SecretSize bytes
	ErrInvalidSecretLength = errors.New("identity: invalid secret length")
)

// NodeID is the public half of a node identity. It is the node's globally
// unique, address-independent identifier: it authenticates transport
// connections and attributes entries written by the node.
type NodeID [32]byte

// nodeIDEncoding кодировка без padding для ticket-friendly строк
var nodeIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// String returns the lowercase base32 form used in tickets and logs.
func (id NodeID) String() string {
	return strings.ToLower(nodeIDEncoding.EncodeToString(id[:]))
}

// Hex returns the hex form of the node id.
func (id NodeID) Hex() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns a copy of the raw public key bytes.
func (id NodeID) Bytes() []byte {
	b := make([]byte, len(id))
	copy(b, id[:])
	return b
}

// ParseNodeID parses the lowercase base32 form produced by String.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	raw, err := nodeIDEncoding.DecodeString(strings.ToUpper(s))
	if err != nil {
		return id, fmt.Errorf("identity: parse node id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("identity: parse node id: expected %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// NodeIDFromPublicKey converts an ed25519 public key to a NodeID.
func NodeIDFromPublicKey(pub ed25519.PublicKey) (NodeID, error) {
	var id NodeID
	if len(pub) != ed25519.PublicKeySize {
		return id, fmt.Errorf("identity: unexpected public key size %d", len(pub))
	}
	copy(id[:], pub)
	return id, nil
}

// Identity holds the node keypair. The private key never leaves the process;
// only NodeID crosses the network.
type Identity struct {
	private ed25519.PrivateKey
	id      NodeID
}

// Derive deterministically derives the node identity from a 32-byte secret.
// The same secret always yields the same identity.
func Derive(secret []byte) (*Identity, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSecretLength, SecretSize, len(secret))
	}

	priv := ed25519.NewKeyFromSeed(secret)
	id, err := NodeIDFromPublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}

	return &Identity{private: priv, id: id}, nil
}

// NodeID returns the public identifier of this identity.
func (i *Identity) NodeID() NodeID {
	return i.id
}

// Sign signs msg with the node's private key.
func (i *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(i.private, msg)
}

// Verify reports whether sig is a valid signature of msg by the given node.
func Verify(id NodeID, msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(id[:]), msg, sig)
}
