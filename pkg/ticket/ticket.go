// Package ticket encodes the shareable join token a seed node publishes: the
// dataset namespace plus bootstrap peer hints. The string is opaque,
// versioned and self-describing, so incompatible tokens are rejected instead
// of being misread.
package ticket

import (
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/picorca/picsync/internal/identity"
)

const (
	// prefix marks picsync tickets; everything after it is base32 payload
	prefix = "picsync"

	// Version is the current ticket format version.
	Version = 1
)

var (
	// ErrMalformedToken returned for input that does not parse to a
	// well-formed namespace + peer-hint list
	ErrMalformedToken = errors.New("malformed ticket")

	// ErrUnsupportedVersion returned for tickets from an incompatible
	// protocol version
	ErrUnsupportedVersion = errors.New("unsupported ticket version")
)

// кодировка без padding, строчные буквы как у node id
var payloadEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// PeerHint is a known remote identity plus the addresses it may be
// reachable at.
type PeerHint struct {
	ID    identity.NodeID `msgpack:"id"`
	Addrs []string        `msgpack:"addrs"`
}

// Ticket is the decoded join token.
type Ticket struct {
	Namespace [32]byte   `msgpack:"namespace"`
	Peers     []PeerHint `msgpack:"peers"`
}

// Encode serializes the ticket into its shareable string form.
func (t *Ticket) Encode() (string, error) {
	if len(t.Peers) == 0 {
		return "", fmt.Errorf("%w: ticket needs at least one peer hint", ErrMalformedToken)
	}
	payload, err := msgpack.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("ticket: encode payload: %w", err)
	}

	raw := make([]byte, 0, 1+len(payload))
	raw = append(raw, Version)
	raw = append(raw, payload...)
	return prefix + strings.ToLower(payloadEncoding.EncodeToString(raw)), nil
}

// Decode parses a ticket string produced by Encode. Round-trips exactly.
func Decode(s string) (*Ticket, error) {
	if !strings.HasPrefix(s, prefix) {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrMalformedToken, prefix)
	}
	raw, err := payloadEncoding.DecodeString(strings.ToUpper(strings.TrimPrefix(s, prefix)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: truncated payload", ErrMalformedToken)
	}
	if raw[0] != Version {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, raw[0])
	}

	t := &Ticket{}
	if err := msgpack.Unmarshal(raw[1:], t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if len(t.Peers) == 0 {
		return nil, fmt.Errorf("%w: no peer hints", ErrMalformedToken)
	}
	for _, peer := range t.Peers {
		if len(peer.Addrs) == 0 {
			return nil, fmt.Errorf("%w: peer %s has no addresses", ErrMalformedToken, peer.ID)
		}
	}
	return t, nil
}
